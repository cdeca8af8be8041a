package gifting

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gitlab.com/dirk.krummacker/giftagent/internal/model"
)

// Payment is one payment instruction for the payment provider.
type Payment struct {
	Amount        decimal.Decimal
	RecipientName string
	PayeeId       string
	Description   string
	// CorrelationRef is generated locally and passed along as metadata.
	CorrelationRef string
}

// Prompt renders the payment as the natural language instruction the provider expects.
func (p Payment) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Send $%s", p.Amount.StringFixed(2))
	if p.PayeeId != "" {
		fmt.Fprintf(&b, " to payee %s", p.PayeeId)
	}
	fmt.Fprintf(&b, ". Description: %s", p.Description)
	return b.String()
}

// Receipt is what the provider tells us about an executed payment. ProviderRef is
// empty when the answer did not identify the payment.
type Receipt struct {
	ProviderRef string
}

// PaymentSender executes payments. A nil error means the payment was executed.
type PaymentSender interface {
	SendPayment(ctx context.Context, p Payment) (Receipt, error)
}

// birthdayDescription names the gift, the amount and the recipient so that every
// payment can be traced back to a contact.
func birthdayDescription(contact model.Contact) string {
	return fmt.Sprintf("Birthday gift for %s: %s ($%s)",
		contact.Name, contact.Gift.GiftName, contact.Gift.Price.StringFixed(2))
}

// manualDescription is used when an ad-hoc send comes without a description.
func manualDescription(contact model.Contact, amount decimal.Decimal) string {
	return fmt.Sprintf("Gift for %s ($%s)", contact.Name, amount.StringFixed(2))
}
