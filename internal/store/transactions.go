package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"gitlab.com/dirk.krummacker/giftagent/internal/model"
)

// transactionColumns lists the columns selected for every transaction query.
const transactionColumns = `id, owner_id, contact_id, recipient_name, gift_id, gift_name,
	gift_image, gift_category, amount, status, occasion_date, correlation_ref, provider_ref,
	failure_reason, occurred_at, status_changed_at`

// TransactionStore records gift dispatches and their delivery status.
type TransactionStore struct {
	db            *sqlx.DB
	insert        *sqlx.NamedStmt
	finalize      *sqlx.Stmt
	advance       *sqlx.Stmt
	selectDue     *sqlx.Stmt
	selectWhereId *sqlx.Stmt
	selectOwner   *sqlx.Stmt
}

// NewTransactionStore prepares all statements of the transaction store.
func NewTransactionStore(db *sqlx.DB) (*TransactionStore, error) {
	s := &TransactionStore{db: db}
	var err error
	s.insert, err = db.PrepareNamed(`
		INSERT INTO transactions (owner_id, contact_id, recipient_name, gift_id, gift_name,
			gift_image, gift_category, amount, status, occasion_date, correlation_ref,
			provider_ref, failure_reason, occurred_at, status_changed_at)
		VALUES (:owner_id, :contact_id, :recipient_name, :gift_id, :gift_name,
			:gift_image, :gift_category, :amount, :status, :occasion_date, :correlation_ref,
			:provider_ref, :failure_reason, :occurred_at, :status_changed_at)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare transaction insert: %w", err)
	}
	s.finalize, err = db.Preparex(`
		UPDATE transactions SET status = ?, provider_ref = ?, failure_reason = ?, status_changed_at = ?
		WHERE id = ? AND status = 'pending'
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare transaction finalize: %w", err)
	}
	s.advance, err = db.Preparex(`
		UPDATE transactions SET status = ?, status_changed_at = ?
		WHERE id = ? AND status = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare transaction advance: %w", err)
	}
	s.selectDue, err = db.Preparex(`
		SELECT id FROM transactions WHERE status = ? AND status_changed_at <= ?
		ORDER BY status_changed_at LIMIT ?
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare due transaction select: %w", err)
	}
	s.selectWhereId, err = db.Preparex(`SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare transaction select by id: %w", err)
	}
	s.selectOwner, err = db.Preparex(`SELECT ` + transactionColumns + ` FROM transactions
		WHERE owner_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare transaction select by owner: %w", err)
	}
	return s, nil
}

// InsertTransaction stores a new transaction and returns its id. A second transaction
// for the same contact and occasion date fails with ErrDuplicateOccasion.
func (s *TransactionStore) InsertTransaction(ctx context.Context, tx *model.Transaction) (int64, error) {
	result, err := s.insert.ExecContext(ctx, tx)
	if err != nil {
		if isDuplicateEntry(err) {
			return 0, fmt.Errorf("contact %s on %v: %w", tx.ContactId, deref(tx.OccasionDate), ErrDuplicateOccasion)
		}
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

// FinalizeTransaction moves a pending transaction to its dispatch outcome, paid or failed.
func (s *TransactionStore) FinalizeTransaction(ctx context.Context, id int64, status model.Status,
	providerRef *string, failureReason *string, at time.Time) error {
	result, err := s.finalize.ExecContext(ctx, status, providerRef, failureReason, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("finalize transaction %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize transaction %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("pending transaction %d: %w", id, ErrNotFound)
	}
	return nil
}

// AdvanceStatus sets the status of a transaction to "to", but only while it still has
// status "from". It reports whether the row was changed.
func (s *TransactionStore) AdvanceStatus(ctx context.Context, id int64, from, to model.Status, at time.Time) (bool, error) {
	result, err := s.advance.ExecContext(ctx, to, at.UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("advance transaction %d to %s: %w", id, to, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance transaction %d to %s: %w", id, to, err)
	}
	return rowsAffected == 1, nil
}

// ListDueForProgression returns the ids of transactions that have had the given status
// since olderThan or earlier, oldest first.
func (s *TransactionStore) ListDueForProgression(ctx context.Context, status model.Status, olderThan time.Time, limit int) ([]int64, error) {
	var ids []int64
	if err := s.selectDue.SelectContext(ctx, &ids, status, olderThan.UTC(), limit); err != nil {
		return nil, fmt.Errorf("list %s transactions: %w", status, err)
	}
	return ids, nil
}

// GetTransaction returns the transaction with the given id or ErrNotFound.
func (s *TransactionStore) GetTransaction(ctx context.Context, id int64) (model.Transaction, error) {
	var txs []model.Transaction
	if err := s.selectWhereId.SelectContext(ctx, &txs, id); err != nil {
		return model.Transaction{}, fmt.Errorf("get transaction %d: %w", id, err)
	}
	if len(txs) == 0 {
		return model.Transaction{}, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	return txs[0], nil
}

// ListTransactions returns a page of the transactions of one user, newest first.
func (s *TransactionStore) ListTransactions(ctx context.Context, ownerId string, limit, offset int) ([]model.Transaction, error) {
	txs := []model.Transaction{}
	if err := s.selectOwner.SelectContext(ctx, &txs, ownerId, limit, offset); err != nil {
		return nil, fmt.Errorf("list transactions of %s: %w", ownerId, err)
	}
	return txs, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
