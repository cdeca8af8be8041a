package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"gitlab.com/dirk.krummacker/giftagent/internal/birthday"
	"gitlab.com/dirk.krummacker/giftagent/internal/model"
)

// contactColumns lists the columns selected for every contact query.
const contactColumns = `id, owner_id, name, email, phone, birthday, address, payee_id,
	gift_id, gift_name, gift_price, gift_image, gift_category`

// contactRow mirrors the contacts table. The gift columns are nullable and are folded
// into model.Gift by toContact.
type contactRow struct {
	Id           string              `db:"id"`
	OwnerId      string              `db:"owner_id"`
	Name         string              `db:"name"`
	Email        *string             `db:"email"`
	Phone        *string             `db:"phone"`
	Birthday     string              `db:"birthday"`
	Address      *string             `db:"address"`
	PayeeId      *string             `db:"payee_id"`
	GiftId       sql.NullString      `db:"gift_id"`
	GiftName     sql.NullString      `db:"gift_name"`
	GiftPrice    decimal.NullDecimal `db:"gift_price"`
	GiftImage    sql.NullString      `db:"gift_image"`
	GiftCategory sql.NullString      `db:"gift_category"`
}

func (r *contactRow) toContact() model.Contact {
	contact := model.Contact{
		Id:       r.Id,
		OwnerId:  r.OwnerId,
		Name:     r.Name,
		Email:    r.Email,
		Phone:    r.Phone,
		Birthday: r.Birthday,
		Address:  r.Address,
		PayeeId:  r.PayeeId,
	}
	if r.GiftId.Valid {
		contact.Gift = &model.Gift{
			GiftId:   r.GiftId.String,
			GiftName: r.GiftName.String,
			Price:    r.GiftPrice.Decimal,
			ImageUrl: r.GiftImage.String,
			Category: r.GiftCategory.String,
		}
	}
	return contact
}

// ContactQuery selects a page of contacts. Empty fields do not filter.
type ContactQuery struct {
	OwnerId  string
	Birthday *birthday.MonthDay
	Limit    int
	Offset   int
}

// ContactStore reads contacts. The store is read-only: contacts are maintained by
// the user facing application.
type ContactStore struct {
	db            *sqlx.DB
	selectAll     *sqlx.Stmt
	selectWhereId *sqlx.Stmt
}

// NewContactStore prepares all statements of the contact store.
func NewContactStore(db *sqlx.DB) (*ContactStore, error) {
	s := &ContactStore{db: db}
	var err error
	// Prepared statements offer a significant speed increase if executed many times.
	s.selectAll, err = db.Preparex(`SELECT ` + contactColumns + ` FROM contacts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("prepare contact select: %w", err)
	}
	s.selectWhereId, err = db.Preparex(`SELECT ` + contactColumns + ` FROM contacts WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare contact select by id: %w", err)
	}
	return s, nil
}

// ListContacts returns the contacts of all users.
func (s *ContactStore) ListContacts(ctx context.Context) ([]model.Contact, error) {
	var rows []contactRow
	if err := s.selectAll.SelectContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return toContacts(rows), nil
}

// GetContact returns the contact with the given id or ErrNotFound.
func (s *ContactStore) GetContact(ctx context.Context, id string) (model.Contact, error) {
	var rows []contactRow
	if err := s.selectWhereId.SelectContext(ctx, &rows, id); err != nil {
		return model.Contact{}, fmt.Errorf("get contact %s: %w", id, err)
	}
	if len(rows) == 0 {
		return model.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	return rows[0].toContact(), nil
}

// FindContacts returns a page of contacts ordered by name. A birthday filter matches
// all stored forms of that month and day: MM-DD, --MM-DD, and full dates with or
// without a time part.
func (s *ContactStore) FindContacts(ctx context.Context, q ContactQuery) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE 1=1`
	var args []interface{}
	if q.OwnerId != "" {
		query += ` AND owner_id = ?`
		args = append(args, q.OwnerId)
	}
	if q.Birthday != nil {
		md := q.Birthday.String()
		query += ` AND (birthday = ? OR birthday = ? OR birthday LIKE ?)`
		args = append(args, md, "--"+md, "____-"+md+"%")
	}
	query += ` ORDER BY name, id LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	var rows []contactRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	return toContacts(rows), nil
}

func toContacts(rows []contactRow) []model.Contact {
	contacts := make([]model.Contact, 0, len(rows))
	for i := range rows {
		contacts = append(contacts, rows[i].toContact())
	}
	return contacts
}
