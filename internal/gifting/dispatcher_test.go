package gifting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/dirk.krummacker/giftagent/internal/birthday"
	"gitlab.com/dirk.krummacker/giftagent/internal/model"
	"gitlab.com/dirk.krummacker/giftagent/internal/store"
)

var today = time.Date(2026, time.March, 15, 9, 30, 0, 0, time.UTC)

// fakeContacts serves a fixed list of contacts.
type fakeContacts struct {
	contacts []model.Contact
	err      error
}

func (f *fakeContacts) ListContacts(ctx context.Context) ([]model.Contact, error) {
	return f.contacts, f.err
}

func (f *fakeContacts) GetContact(ctx context.Context, id string) (model.Contact, error) {
	for _, c := range f.contacts {
		if c.Id == id {
			return c, nil
		}
	}
	return model.Contact{}, fmt.Errorf("contact %s: %w", id, store.ErrNotFound)
}

// fakeTransactions keeps transactions in memory and enforces one transaction per
// contact and occasion like the database does.
type fakeTransactions struct {
	mu        sync.Mutex
	inserted  []model.Transaction
	statuses  map[int64]model.Status
	occasions map[string]bool
	insertErr error
}

func newFakeTransactions() *fakeTransactions {
	return &fakeTransactions{statuses: map[int64]model.Status{}, occasions: map[string]bool{}}
}

func (f *fakeTransactions) InsertTransaction(ctx context.Context, tx *model.Transaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	if tx.OccasionDate != nil {
		key := tx.ContactId + "/" + *tx.OccasionDate
		if f.occasions[key] {
			return 0, store.ErrDuplicateOccasion
		}
		f.occasions[key] = true
	}
	f.inserted = append(f.inserted, *tx)
	id := int64(len(f.inserted))
	f.statuses[id] = tx.Status
	return id, nil
}

func (f *fakeTransactions) FinalizeTransaction(ctx context.Context, id int64, status model.Status,
	providerRef *string, failureReason *string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[id] != model.StatusPending {
		return store.ErrNotFound
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeTransactions) status(id int64) model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

// fakePayments records every payment. It fails or panics for the configured recipients.
type fakePayments struct {
	mu       sync.Mutex
	payments []Payment
	failFor  map[string]bool
	panicFor map[string]bool
	blockFor map[string]bool
	block    bool
}

func (f *fakePayments) SendPayment(ctx context.Context, p Payment) (Receipt, error) {
	f.mu.Lock()
	f.payments = append(f.payments, p)
	f.mu.Unlock()
	if f.panicFor[p.RecipientName] {
		panic("provider client exploded")
	}
	if f.block || f.blockFor[p.RecipientName] {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}
	if f.failFor[p.RecipientName] {
		return Receipt{}, errors.New("insufficient funds")
	}
	return Receipt{ProviderRef: "txn-" + p.RecipientName}, nil
}

func (f *fakePayments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payments)
}

func contactWithGift(id, name, birthday string, price string) model.Contact {
	return model.Contact{
		Id:       id,
		OwnerId:  "user-1",
		Name:     name,
		Birthday: birthday,
		Gift: &model.Gift{
			GiftId:   "gift-" + id,
			GiftName: "Flowers",
			Price:    decimal.RequireFromString(price),
			ImageUrl: "https://example.com/flowers.png",
			Category: "home",
		},
	}
}

func newTestDispatcher(t *testing.T, contacts *fakeContacts, txs *fakeTransactions, payments *fakePayments,
	configure func(*Options)) *Dispatcher {
	opts := Options{
		MaxConcurrency: 2,
		CallTimeout:    time.Second,
		RunTimeout:     5 * time.Second,
		Location:       time.UTC,
		Now:            func() time.Time { return today },
	}
	if configure != nil {
		configure(&opts)
	}
	d, err := NewDispatcher(contacts, txs, payments, opts, zap.NewNop(), nil)
	assert.NoError(t, err)
	return d
}

// TestRunSendsGift dispatches one gift of 25 dollars and expects one payment and one paid
// transaction.
func TestRunSendsGift(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Erika Mustermann", "1990-03-15", "25"),
		contactWithGift("c2", "Max Mustermann", "1990-03-16", "40"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{}
	d := newTestDispatcher(t, contacts, txs, payments, nil)

	report := d.Run(context.Background())
	assert.NoError(t, report.Err)
	assert.Equal(t, 1, report.Matched)

	assert.Equal(t, 1, payments.count())
	assert.Contains(t, payments.payments[0].Description, "25")
	assert.Contains(t, payments.payments[0].Description, "Erika Mustermann")
	assert.Contains(t, payments.payments[0].Prompt(), "$25.00")

	assert.Equal(t, 1, len(txs.inserted))
	tx := txs.inserted[0]
	assert.True(t, decimal.NewFromInt(25).Equal(tx.Amount))
	assert.Equal(t, "c1", tx.ContactId)
	assert.Equal(t, "2026-03-15", *tx.OccasionDate)
	assert.Equal(t, "Flowers", *tx.GiftName)
	assert.True(t, strings.HasPrefix(tx.CorrelationRef, "auto-"))
	assert.Equal(t, payments.payments[0].CorrelationRef, tx.CorrelationRef)
	assert.Equal(t, model.StatusPaid, txs.status(1))

	summary := report.Summary()
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
}

// TestRunNoBirthdays expects a successful zero-count summary without any external call.
func TestRunNoBirthdays(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Erika Mustermann", "1990-03-16", "25"),
		contactWithGift("c2", "Max Mustermann", "2015-03-14", "25"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{}
	d := newTestDispatcher(t, contacts, txs, payments, nil)

	summary := d.Run(context.Background()).Summary()
	assert.True(t, summary.Success)
	assert.True(t, strings.HasPrefix(summary.Message, "Processed 0 birthday gifts"))
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, payments.count())
	assert.Equal(t, 0, len(txs.inserted))
}

// TestRunSkipsContactsWithoutGift expects that contacts without a preferred gift are
// neither paid nor counted as failed.
func TestRunSkipsContactsWithoutGift(t *testing.T) {
	noGift := contactWithGift("c2", "Max Mustermann", "03-15", "25")
	noGift.Gift = nil
	freeGift := contactWithGift("c3", "Lisa Mustermann", "--03-15", "0")
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Erika Mustermann", "1990-03-15", "25"),
		noGift,
		freeGift,
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{}
	d := newTestDispatcher(t, contacts, txs, payments, nil)

	summary := d.Run(context.Background()).Summary()
	assert.True(t, summary.Success)
	assert.Equal(t, 3, summary.Matched)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, payments.count())
	assert.Equal(t, 1, len(txs.inserted))
}

// TestRunIsolatesFailures lets the payment of the second of three contacts fail and
// expects two succeeded and one failed dispatch in a successful batch.
func TestRunIsolatesFailures(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-03-15", "10"),
		contactWithGift("c2", "Berta", "1980-03-15", "20"),
		contactWithGift("c3", "Carla", "1990-03-15", "30"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{failFor: map[string]bool{"Berta": true}}
	d := newTestDispatcher(t, contacts, txs, payments, nil)

	report := d.Run(context.Background())
	summary := report.Summary()
	assert.True(t, summary.Success)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, "Berta", report.Outcomes[1].ContactName)
	assert.Equal(t, ResultFailed, report.Outcomes[1].Result)
	assert.Equal(t, model.StatusFailed, txs.status(report.Outcomes[1].TransactionId))
	assert.Equal(t, model.StatusPaid, txs.status(report.Outcomes[0].TransactionId))
	assert.Equal(t, model.StatusPaid, txs.status(report.Outcomes[2].TransactionId))
}

// TestRunIsolatesPanics expects a panicking payment to fail only its own contact.
func TestRunIsolatesPanics(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-03-15", "10"),
		contactWithGift("c2", "Berta", "1980-03-15", "20"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{panicFor: map[string]bool{"Aaron": true}}
	d := newTestDispatcher(t, contacts, txs, payments, nil)

	report := d.Run(context.Background())
	summary := report.Summary()
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	// the claimed transaction must not stay pending and block the occasion
	assert.Equal(t, ResultFailed, report.Outcomes[0].Result)
	assert.Contains(t, report.Outcomes[0].Err.Error(), "provider client exploded")
	assert.Equal(t, model.StatusFailed, txs.status(report.Outcomes[0].TransactionId))
	assert.Equal(t, model.StatusPaid, txs.status(report.Outcomes[1].TransactionId))
}

// concurrencyPayments measures how many payments are executed at the same time.
type concurrencyPayments struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	paid     int
}

func (p *concurrencyPayments) SendPayment(ctx context.Context, payment Payment) (Receipt, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	p.inFlight--
	p.paid++
	p.mu.Unlock()
	return Receipt{ProviderRef: "txn-" + payment.RecipientName}, nil
}

// TestRunBoundsConcurrency dispatches ten gifts with a limit of three and expects never
// more than three payments in flight and every contact paid.
func TestRunBoundsConcurrency(t *testing.T) {
	var list []model.Contact
	for i := 0; i < 10; i++ {
		list = append(list, contactWithGift(fmt.Sprintf("c%d", i), fmt.Sprintf("Contact %d", i), "1990-03-15", "10"))
	}
	txs := newFakeTransactions()
	payments := &concurrencyPayments{}
	d, err := NewDispatcher(&fakeContacts{contacts: list}, txs, payments, Options{
		MaxConcurrency: 3,
		CallTimeout:    time.Second,
		RunTimeout:     5 * time.Second,
		Now:            func() time.Time { return today },
	}, nil, nil)
	assert.NoError(t, err)

	summary := d.Run(context.Background()).Summary()
	assert.True(t, summary.Success)
	assert.Equal(t, 10, summary.Succeeded)
	assert.Equal(t, 10, payments.paid)
	assert.LessOrEqual(t, payments.peak, 3)
	assert.Greater(t, payments.peak, 1)
	assert.Equal(t, 10, len(txs.inserted))
}

// TestRunCallTimeout lets one payment hang and expects the call timeout, not the run
// deadline, to fail it while the next contact is still paid.
func TestRunCallTimeout(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-03-15", "10"),
		contactWithGift("c2", "Berta", "1980-03-15", "20"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{blockFor: map[string]bool{"Aaron": true}}
	d := newTestDispatcher(t, contacts, txs, payments, func(o *Options) {
		o.MaxConcurrency = 1
		o.CallTimeout = 20 * time.Millisecond
		o.RunTimeout = 5 * time.Second
	})

	report := d.Run(context.Background())
	assert.NoError(t, report.Err)
	assert.Equal(t, ResultFailed, report.Outcomes[0].Result)
	assert.ErrorIs(t, report.Outcomes[0].Err, context.DeadlineExceeded)
	assert.Equal(t, model.StatusFailed, txs.status(report.Outcomes[0].TransactionId))
	assert.Equal(t, ResultSent, report.Outcomes[1].Result)
	assert.Equal(t, model.StatusPaid, txs.status(report.Outcomes[1].TransactionId))
	assert.Equal(t, 2, payments.count())
}

// TestRunOncePerOccasion triggers two runs on the same day and expects the second run to
// skip every contact without paying again.
func TestRunOncePerOccasion(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-03-15", "10"),
		contactWithGift("c2", "Berta", "1980-03-15", "20"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{}
	d := newTestDispatcher(t, contacts, txs, payments, nil)

	first := d.Run(context.Background()).Summary()
	assert.Equal(t, 2, first.Succeeded)
	assert.Equal(t, 2, payments.count())

	second := d.Run(context.Background()).Summary()
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 2, payments.count())
	assert.Equal(t, 2, len(txs.inserted))
}

// TestRunPaysWhenRecordingFails expects the payment to go out even though the pending
// transaction could not be stored.
func TestRunPaysWhenRecordingFails(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-03-15", "10"),
	}}
	txs := newFakeTransactions()
	txs.insertErr = errors.New("connection refused")
	payments := &fakePayments{}

	core, logs := observer.New(zap.InfoLevel)
	d, err := NewDispatcher(contacts, txs, payments, Options{
		MaxConcurrency: 1,
		CallTimeout:    time.Second,
		RunTimeout:     time.Second,
		Now:            func() time.Time { return today },
	}, zap.New(core), nil)
	assert.NoError(t, err)

	summary := d.Run(context.Background()).Summary()
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, payments.count())
	inconsistencies := logs.FilterField(zap.Bool("inconsistency", true)).All()
	assert.Equal(t, 1, len(inconsistencies))
	assert.Equal(t, "payment sent but transaction not recorded", inconsistencies[0].Message)
}

// TestRunDeadline lets the first payment hang until the run deadline and expects the
// second contact to be reported as not attempted.
func TestRunDeadline(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-03-15", "10"),
		contactWithGift("c2", "Berta", "1980-03-15", "20"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{block: true}
	d := newTestDispatcher(t, contacts, txs, payments, func(o *Options) {
		o.MaxConcurrency = 1
		o.RunTimeout = 50 * time.Millisecond
	})

	report := d.Run(context.Background())
	assert.NoError(t, report.Err)
	assert.Equal(t, ResultFailed, report.Outcomes[0].Result)
	assert.Equal(t, ResultNotAttempted, report.Outcomes[1].Result)
	assert.Equal(t, 1, payments.count())
	assert.Equal(t, model.StatusFailed, txs.status(report.Outcomes[0].TransactionId))

	summary := report.Summary()
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
}

// TestRunContactFetchFails expects a batch level failure.
func TestRunContactFetchFails(t *testing.T) {
	contacts := &fakeContacts{err: errors.New("database unavailable")}
	payments := &fakePayments{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d, err := NewDispatcher(contacts, newFakeTransactions(), payments, Options{
		MaxConcurrency: 1,
		CallTimeout:    time.Second,
		RunTimeout:     time.Second,
	}, nil, metrics)
	assert.NoError(t, err)

	summary := d.Run(context.Background()).Summary()
	assert.False(t, summary.Success)
	assert.Contains(t, summary.Message, "database unavailable")
	assert.Equal(t, 0, payments.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("error")))
}

// TestRunLeapDayPolicy runs on the first of March of a non-leap year and expects a 29th
// of February birthday to match only with the mar1 policy.
func TestRunLeapDayPolicy(t *testing.T) {
	march1 := time.Date(2027, time.March, 1, 12, 0, 0, 0, time.UTC)
	for policy, expected := range map[birthday.LeapDayPolicy]int{
		birthday.LeapDaySkip:  0,
		birthday.LeapDayFeb28: 0,
		birthday.LeapDayMar1:  1,
	} {
		contacts := &fakeContacts{contacts: []model.Contact{
			contactWithGift("c1", "Aaron", "2000-02-29", "10"),
		}}
		payments := &fakePayments{}
		d := newTestDispatcher(t, contacts, newFakeTransactions(), payments, func(o *Options) {
			o.Now = func() time.Time { return march1 }
			o.Matcher = birthday.Matcher{LeapDay: policy}
		})
		d.Run(context.Background())
		assert.Equal(t, expected, payments.count(), "policy %s", policy)
	}
}

// TestRunUsesConfiguredLocation expects "today" to be decided in the configured zone.
func TestRunUsesConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	// 20:00 UTC on the 14th is already the 15th in Tokyo.
	late := time.Date(2026, time.March, 14, 20, 0, 0, 0, time.UTC)
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-03-15", "10"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{}
	d := newTestDispatcher(t, contacts, txs, payments, func(o *Options) {
		o.Now = func() time.Time { return late }
		o.Location = tokyo
	})
	d.Run(context.Background())
	assert.Equal(t, 1, payments.count())
	assert.Equal(t, "2026-03-15", *txs.inserted[0].OccasionDate)
}

// TestSend sends an ad-hoc gift twice and expects two payments without occasion.
func TestSend(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-01-01", "10"),
	}}
	txs := newFakeTransactions()
	payments := &fakePayments{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d, err := NewDispatcher(contacts, txs, payments, Options{
		MaxConcurrency: 1,
		CallTimeout:    time.Second,
		RunTimeout:     time.Second,
	}, nil, metrics)
	assert.NoError(t, err)

	for i := 0; i < 2; i++ {
		outcome, err := d.Send(context.Background(), "c1", decimal.NewFromInt(15), "")
		assert.NoError(t, err)
		assert.Equal(t, ResultSent, outcome.Result)
	}
	assert.Equal(t, 2, payments.count())
	assert.Equal(t, "Gift for Aaron ($15.00)", payments.payments[0].Description)
	assert.Nil(t, txs.inserted[0].OccasionDate)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.dispatches.WithLabelValues(string(ResultSent))))
}

// TestSendRejectsInvalidInput expects validation errors for bad amounts and unknown recipients.
func TestSendRejectsInvalidInput(t *testing.T) {
	contacts := &fakeContacts{contacts: []model.Contact{
		contactWithGift("c1", "Aaron", "1970-01-01", "10"),
	}}
	payments := &fakePayments{}
	d := newTestDispatcher(t, contacts, newFakeTransactions(), payments, nil)

	_, err := d.Send(context.Background(), "c1", decimal.Zero, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = d.Send(context.Background(), "unknown", decimal.NewFromInt(5), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, payments.count())
}

// TestNewDispatcherValidates expects construction to fail without collaborators or limits.
func TestNewDispatcherValidates(t *testing.T) {
	valid := Options{MaxConcurrency: 1, CallTimeout: time.Second, RunTimeout: time.Second}
	_, err := NewDispatcher(nil, newFakeTransactions(), &fakePayments{}, valid, nil, nil)
	assert.Error(t, err)

	noConcurrency := valid
	noConcurrency.MaxConcurrency = 0
	_, err = NewDispatcher(&fakeContacts{}, newFakeTransactions(), &fakePayments{}, noConcurrency, nil, nil)
	assert.Error(t, err)

	noTimeout := valid
	noTimeout.RunTimeout = 0
	_, err = NewDispatcher(&fakeContacts{}, newFakeTransactions(), &fakePayments{}, noTimeout, nil, nil)
	assert.Error(t, err)
}
