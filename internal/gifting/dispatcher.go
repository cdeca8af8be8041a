// Package gifting sends birthday gifts: it finds today's birthdays, pays the preferred
// gift of every eligible contact and records each attempt as a transaction.
package gifting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/dirk.krummacker/giftagent/internal/birthday"
	"gitlab.com/dirk.krummacker/giftagent/internal/model"
	"gitlab.com/dirk.krummacker/giftagent/internal/store"
	apimodel "gitlab.com/dirk.krummacker/giftagent/pkg/model"
)

// ErrInvalidAmount is returned by Send for amounts that are not positive.
var ErrInvalidAmount = errors.New("amount must be positive")

// ContactSource reads contacts across all users.
type ContactSource interface {
	ListContacts(ctx context.Context) ([]model.Contact, error)
	GetContact(ctx context.Context, id string) (model.Contact, error)
}

// TransactionRecorder stores dispatch attempts.
type TransactionRecorder interface {
	InsertTransaction(ctx context.Context, tx *model.Transaction) (int64, error)
	FinalizeTransaction(ctx context.Context, id int64, status model.Status,
		providerRef *string, failureReason *string, at time.Time) error
}

// Result classifies the outcome of one contact in a run.
type Result string

const (
	ResultSent   Result = "sent"
	ResultFailed Result = "failed"
	// ResultAlreadySent means an earlier run already claimed this occasion.
	ResultAlreadySent Result = "already_sent"
	// ResultNotAttempted means the run deadline passed before the contact's turn.
	ResultNotAttempted Result = "not_attempted"
)

// Outcome is the result of dispatching a gift to one contact.
type Outcome struct {
	ContactId     string
	ContactName   string
	Result        Result
	TransactionId int64
	Err           error
}

// Report aggregates one birthday dispatch run.
type Report struct {
	Matched    int
	Ineligible int
	Outcomes   []Outcome
	// Err is set when the run itself failed, e.g. because contacts could not be read.
	Err error
}

// Summary condenses the report into the JSON answer of the cron endpoint.
func (r Report) Summary() apimodel.DispatchSummary {
	if r.Err != nil {
		return apimodel.DispatchSummary{Success: false, Message: r.Err.Error()}
	}
	s := apimodel.DispatchSummary{Success: true, Matched: r.Matched, Skipped: r.Ineligible}
	for _, o := range r.Outcomes {
		switch o.Result {
		case ResultSent:
			s.Succeeded++
		case ResultFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	}
	s.Processed = s.Succeeded + s.Failed
	if r.Matched == 0 {
		s.Message = "Processed 0 birthday gifts: no birthdays today"
	} else {
		s.Message = fmt.Sprintf("Processed %d birthday gifts: %d sent, %d failed, %d skipped",
			s.Processed, s.Succeeded, s.Failed, s.Skipped)
	}
	return s
}

// Options configures a Dispatcher.
type Options struct {
	// MaxConcurrency bounds the number of contacts dispatched at the same time.
	MaxConcurrency int
	// CallTimeout bounds every single payment and store call.
	CallTimeout time.Duration
	// RunTimeout bounds a whole batch. Contacts whose turn comes later are not attempted.
	RunTimeout time.Duration
	// Location is the only time zone used to decide what "today" is.
	Location *time.Location
	Matcher  birthday.Matcher
	// Now and NewRef default to the wall clock and UUIDv7 references.
	Now    func() time.Time
	NewRef func() string
}

// Dispatcher is the gift dispatch orchestrator.
type Dispatcher struct {
	contacts ContactSource
	txs      TransactionRecorder
	payments PaymentSender
	opts     Options
	log      *zap.Logger
	metrics  *Metrics
}

// NewDispatcher checks the collaborators and options and creates a dispatcher.
func NewDispatcher(contacts ContactSource, txs TransactionRecorder, payments PaymentSender,
	opts Options, log *zap.Logger, metrics *Metrics) (*Dispatcher, error) {
	switch {
	case contacts == nil || txs == nil || payments == nil:
		return nil, errors.New("dispatcher needs a contact source, a transaction recorder and a payment sender")
	case opts.MaxConcurrency < 1:
		return nil, errors.New("dispatcher needs a max concurrency of at least 1")
	case opts.CallTimeout <= 0 || opts.RunTimeout <= 0:
		return nil, errors.New("dispatcher needs positive timeouts")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRef == nil {
		opts.NewRef = newCorrelationRef
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		contacts: contacts,
		txs:      txs,
		payments: payments,
		opts:     opts,
		log:      log,
		metrics:  metrics,
	}, nil
}

// newCorrelationRef returns a time-ordered UUID prefixed with "auto-". It only
// correlates our own records and logs and is not known to the provider.
func newCorrelationRef() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("auto-%d", time.Now().UnixNano())
	}
	return "auto-" + id.String()
}

// Run dispatches the gifts of all contacts whose birthday is today. Failures of
// single contacts are recorded in their outcome and never fail the run.
func (d *Dispatcher) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, d.opts.RunTimeout)
	defer cancel()

	today := d.opts.Now().In(d.opts.Location)
	occasion := today.Format("2006-01-02")
	log := d.log.With(zap.String("occasion", occasion))

	listCtx, cancelList := context.WithTimeout(ctx, d.opts.CallTimeout)
	contacts, err := d.contacts.ListContacts(listCtx)
	cancelList()
	if err != nil {
		log.Error("could not read contacts", zap.Error(err))
		d.metrics.run(false)
		return Report{Err: fmt.Errorf("fetch contacts: %w", err)}
	}

	var report Report
	var eligible []model.Contact
	for _, contact := range contacts {
		md, err := birthday.Parse(contact.Birthday)
		if err != nil {
			log.Warn("ignoring contact with unreadable birthday",
				zap.String("contact_id", contact.Id), zap.String("birthday", contact.Birthday))
			continue
		}
		if !d.opts.Matcher.Matches(md, today) {
			continue
		}
		report.Matched++
		if !contact.Eligible() {
			report.Ineligible++
			log.Info("skipping birthday contact without preferred gift",
				zap.String("contact_id", contact.Id), zap.String("contact", contact.Name))
			continue
		}
		eligible = append(eligible, contact)
	}
	log.Info("birthday contacts found",
		zap.Int("contacts", len(contacts)), zap.Int("matched", report.Matched), zap.Int("eligible", len(eligible)))

	report.Outcomes = make([]Outcome, len(eligible))
	// A plain group: one failing contact must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(d.opts.MaxConcurrency)
	for i := range eligible {
		i := i
		contact := eligible[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("gift dispatch panicked", zap.String("contact_id", contact.Id), zap.Any("panic", r))
					report.Outcomes[i] = Outcome{ContactId: contact.Id, ContactName: contact.Name,
						Result: ResultFailed, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			if ctx.Err() != nil {
				report.Outcomes[i] = Outcome{ContactId: contact.Id, ContactName: contact.Name,
					Result: ResultNotAttempted, Err: ctx.Err()}
				return nil
			}
			report.Outcomes[i] = d.dispatch(ctx, contact, contact.Gift.Price, birthdayDescription(contact), &occasion)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range report.Outcomes {
		d.metrics.dispatch(o.Result)
	}
	d.metrics.run(true)
	summary := report.Summary()
	log.Info(summary.Message)
	return report
}

// Send pays an ad-hoc gift to one contact and records it. The transaction carries no
// occasion, so any number of manual sends is allowed.
func (d *Dispatcher) Send(ctx context.Context, contactId string, amount decimal.Decimal, description string) (Outcome, error) {
	if !amount.IsPositive() {
		return Outcome{}, ErrInvalidAmount
	}
	lookupCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	contact, err := d.contacts.GetContact(lookupCtx, contactId)
	cancel()
	if err != nil {
		return Outcome{}, fmt.Errorf("look up recipient: %w", err)
	}
	if description == "" {
		description = manualDescription(contact, amount)
	}
	outcome := d.dispatch(ctx, contact, amount, description, nil)
	d.metrics.dispatch(outcome.Result)
	return outcome, nil
}

// dispatch claims the occasion by inserting a pending transaction, pays, and
// finalizes the transaction with the payment result. The claim and the payment are
// independent: a failed claim for any reason other than a duplicate does not stop the
// payment, it only leaves the payment unrecorded.
func (d *Dispatcher) dispatch(ctx context.Context, contact model.Contact, amount decimal.Decimal,
	description string, occasion *string) Outcome {
	outcome := Outcome{ContactId: contact.Id, ContactName: contact.Name}
	ref := d.opts.NewRef()
	log := d.log.With(
		zap.String("contact_id", contact.Id),
		zap.String("contact", contact.Name),
		zap.String("correlation_ref", ref),
	)

	now := d.opts.Now()
	tx := newTransaction(contact, amount, occasion, ref, now)
	insertCtx, cancelInsert := context.WithTimeout(ctx, d.opts.CallTimeout)
	id, insertErr := d.txs.InsertTransaction(insertCtx, tx)
	cancelInsert()
	switch {
	case errors.Is(insertErr, store.ErrDuplicateOccasion):
		log.Info("gift already sent for this occasion")
		outcome.Result = ResultAlreadySent
		return outcome
	case insertErr != nil:
		log.Warn("could not record transaction, sending payment anyway", zap.Error(insertErr))
	default:
		outcome.TransactionId = id
	}

	payment := Payment{
		Amount:         amount,
		RecipientName:  contact.Name,
		Description:    description,
		CorrelationRef: ref,
	}
	if contact.PayeeId != nil {
		payment.PayeeId = *contact.PayeeId
	}
	payCtx, cancelPay := context.WithTimeout(ctx, d.opts.CallTimeout)
	receipt, payErr := d.pay(payCtx, payment)
	cancelPay()

	if payErr != nil {
		log.Warn("gift payment failed", zap.Error(payErr))
		outcome.Result = ResultFailed
		outcome.Err = payErr
	} else {
		log.Info("gift payment sent", zap.String("amount", amount.StringFixed(2)))
		outcome.Result = ResultSent
	}

	if insertErr != nil {
		if payErr == nil {
			log.Error("payment sent but transaction not recorded", zap.Bool("inconsistency", true), zap.Error(insertErr))
		}
		return outcome
	}
	d.finalize(ctx, log, id, receipt, payErr)
	return outcome
}

// pay calls the payment sender and turns a panic into an error, so a claimed
// transaction is still finalized.
func (d *Dispatcher) pay(ctx context.Context, p Payment) (receipt Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payment panicked: %v", r)
		}
	}()
	return d.payments.SendPayment(ctx, p)
}

// finalize records the payment result on the pending transaction. It runs even when
// the run deadline has passed, since the payment outcome is already known.
func (d *Dispatcher) finalize(ctx context.Context, log *zap.Logger, id int64, receipt Receipt, payErr error) {
	status := model.StatusPaid
	var providerRef, failureReason *string
	if payErr != nil {
		status = model.StatusFailed
		reason := payErr.Error()
		failureReason = &reason
	} else if receipt.ProviderRef != "" {
		providerRef = &receipt.ProviderRef
	}
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CallTimeout)
	defer cancel()
	if err := d.txs.FinalizeTransaction(finalizeCtx, id, status, providerRef, failureReason, d.opts.Now()); err != nil {
		log.Error("could not finalize transaction", zap.Bool("inconsistency", payErr == nil),
			zap.Int64("transaction_id", id), zap.String("status", string(status)), zap.Error(err))
	}
}

func newTransaction(contact model.Contact, amount decimal.Decimal, occasion *string, ref string, now time.Time) *model.Transaction {
	tx := &model.Transaction{
		OwnerId:         contact.OwnerId,
		ContactId:       contact.Id,
		RecipientName:   contact.Name,
		Amount:          amount,
		Status:          model.StatusPending,
		OccasionDate:    occasion,
		CorrelationRef:  ref,
		OccurredAt:      now.UTC(),
		StatusChangedAt: now.UTC(),
	}
	if gift := contact.Gift; gift != nil {
		tx.GiftId = &gift.GiftId
		tx.GiftName = &gift.GiftName
		tx.GiftImage = &gift.ImageUrl
		tx.GiftCategory = &gift.Category
	}
	return tx
}
