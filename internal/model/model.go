package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contact is the data structure for a person whose birthday we track.
// Birthday is kept exactly as it was stored, either "MM-DD" or a full "YYYY-MM-DD".
type Contact struct {
	Id       string  `json:"id"                db:"id"`
	OwnerId  string  `json:"ownerId"           db:"owner_id"`
	Name     string  `json:"name"              db:"name"`
	Email    *string `json:"email,omitempty"   db:"email"`
	Phone    *string `json:"phone,omitempty"   db:"phone"`
	Birthday string  `json:"birthday"          db:"birthday"`
	Address  *string `json:"address,omitempty" db:"address"`
	PayeeId  *string `json:"payeeId,omitempty" db:"payee_id"`
	Gift     *Gift   `json:"preferredGift,omitempty" db:"-"`
}

// Gift is the preferred gift configured for a contact.
type Gift struct {
	GiftId   string          `json:"giftId"`
	GiftName string          `json:"giftName"`
	Price    decimal.Decimal `json:"price"`
	ImageUrl string          `json:"imageUrl,omitempty"`
	Category string          `json:"category,omitempty"`
}

// Eligible reports whether the contact can receive an automated gift. A gift
// needs an id and a positive price.
func (c *Contact) Eligible() bool {
	return c.Gift != nil && c.Gift.GiftId != "" && c.Gift.Price.IsPositive()
}

// Status is the delivery status of a transaction.
type Status string

const (
	// StatusPending marks a dispatch whose payment call has not settled yet.
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	// StatusFailed is terminal. It is never advanced by the delivery sweep.
	StatusFailed Status = "failed"
)

// Next returns the status that follows s in the delivery lifecycle.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPaid:
		return StatusShipped, true
	case StatusShipped:
		return StatusDelivered, true
	}
	return "", false
}

// Transaction is the persisted record of one gift dispatch attempt.
//
// CorrelationRef is generated locally for every dispatch and is only useful for
// matching log lines. ProviderRef is set only when the payment provider returned
// an identifier of its own.
type Transaction struct {
	Id              int64           `json:"id"                    db:"id"`
	OwnerId         string          `json:"ownerId"               db:"owner_id"`
	ContactId       string          `json:"contactId"             db:"contact_id"`
	RecipientName   string          `json:"recipientName"         db:"recipient_name"`
	GiftId          *string         `json:"giftId,omitempty"      db:"gift_id"`
	GiftName        *string         `json:"giftName,omitempty"    db:"gift_name"`
	GiftImage       *string         `json:"giftImage,omitempty"   db:"gift_image"`
	GiftCategory    *string         `json:"giftCategory,omitempty" db:"gift_category"`
	Amount          decimal.Decimal `json:"amount"                db:"amount"`
	Status          Status          `json:"status"                db:"status"`
	OccasionDate    *string         `json:"occasionDate,omitempty" db:"occasion_date"`
	CorrelationRef  string          `json:"correlationRef"        db:"correlation_ref"`
	ProviderRef     *string         `json:"providerRef,omitempty" db:"provider_ref"`
	FailureReason   *string         `json:"failureReason,omitempty" db:"failure_reason"`
	OccurredAt      time.Time       `json:"occurredAt"            db:"occurred_at"`
	StatusChangedAt time.Time       `json:"statusChangedAt"       db:"status_changed_at"`
}
