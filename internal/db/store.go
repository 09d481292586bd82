package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"mirrorbot/internal/question"
)

// Mirror is a market this bot created on Manifold to track a source question.
type Mirror struct {
	ID         int64           `db:"id"`
	CreatedAt  int64           `db:"created_at"` // unix milliseconds
	ContractID string          `db:"contract_id"`
	URL        string          `db:"url"`
	Source     question.Source `db:"source"`
	SourceID   string          `db:"source_id"`
	SourceURL  string          `db:"source_url"`
	Title      string          `db:"title"`
	Resolved   bool            `db:"resolved"`
}

func (m Mirror) CreatedTime() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// ThirdPartyMirror records a Manifold market, created by someone else, that
// already mirrors a source question. Purely observational.
type ThirdPartyMirror struct {
	ID         int64           `db:"id"`
	ContractID string          `db:"contract_id"`
	URL        string          `db:"url"`
	Source     question.Source `db:"source"`
	SourceID   string          `db:"source_id"`
	CreatedAt  int64           `db:"created_at"` // unix milliseconds
}

// AnyMirror is a lookup result that is either an owned Mirror or a
// ThirdPartyMirror for a source question. Exactly one field is non-nil.
type AnyMirror struct {
	Owned      *Mirror
	ThirdParty *ThirdPartyMirror
}

// URL returns the Manifold URL of whichever mirror was found.
func (a AnyMirror) URL() string {
	if a.Owned != nil {
		return a.Owned.URL
	}
	return a.ThirdParty.URL
}

// Payment is an inbound managram pulled from Manifold, kept as an audit
// trail after processing.
type Payment struct {
	ID        int64   `db:"id"`
	TxnID     string  `db:"txn_id"`
	GroupID   string  `db:"group_id"`
	FromID    string  `db:"from_id"`
	ToID      string  `db:"to_id"`
	CreatedAt int64   `db:"created_at"` // unix milliseconds
	Token     string  `db:"token"`
	Amount    float64 `db:"amount"`
	Message   string  `db:"message"`
	Processed bool    `db:"processed"`
}

func (p Payment) CreatedTime() time.Time {
	return time.UnixMilli(p.CreatedAt)
}

// Store is the persistence layer for mirrors, third-party mirrors, and
// payments. It contains no business logic; every method is a single
// statement so concurrent invocations only coordinate through the schema's
// uniqueness constraints.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// InsertMirror persists a freshly created mirror. Returns ErrConflict when
// the (source, source_id) pair or the contract id already exists; callers
// must treat a prior existence check as advisory only.
func (s *Store) InsertMirror(ctx context.Context, contractID, url string, q question.Question) (*Mirror, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mirrors (created_at, contract_id, url, source, source_id, source_url, title)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), contractID, url, q.Source, q.SourceID, q.SourceURL, q.Title,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("inserting mirror for %s/%s: %w", q.Source, q.SourceID, ErrConflict)
		}
		return nil, fmt.Errorf("inserting mirror: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading mirror insert id: %w", err)
	}
	return s.getMirror(ctx, `SELECT * FROM mirrors WHERE id = ?`, id)
}

func (s *Store) GetMirrorBySource(ctx context.Context, source question.Source, sourceID string) (*Mirror, error) {
	return s.optionalMirror(ctx, `SELECT * FROM mirrors WHERE source = ? AND source_id = ?`, source, sourceID)
}

func (s *Store) GetMirrorByContractID(ctx context.Context, contractID string) (*Mirror, error) {
	return s.optionalMirror(ctx, `SELECT * FROM mirrors WHERE contract_id = ?`, contractID)
}

func (s *Store) getMirror(ctx context.Context, query string, args ...any) (*Mirror, error) {
	var m Mirror
	if err := s.db.GetContext(ctx, &m, query, args...); err != nil {
		return nil, fmt.Errorf("fetching mirror: %w", err)
	}
	return &m, nil
}

// optionalMirror returns (nil, nil) when no row matches.
func (s *Store) optionalMirror(ctx context.Context, query string, args ...any) (*Mirror, error) {
	var m Mirror
	err := s.db.GetContext(ctx, &m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching mirror: %w", err)
	}
	return &m, nil
}

// GetAnyMirror looks up a source question across both mirror tables, owned
// mirrors first. Returns (nil, nil) when neither table has a row.
func (s *Store) GetAnyMirror(ctx context.Context, source question.Source, sourceID string) (*AnyMirror, error) {
	owned, err := s.GetMirrorBySource(ctx, source, sourceID)
	if err != nil {
		return nil, err
	}
	if owned != nil {
		return &AnyMirror{Owned: owned}, nil
	}

	third, err := s.GetThirdPartyMirrorBySource(ctx, source, sourceID)
	if err != nil {
		return nil, err
	}
	if third != nil {
		return &AnyMirror{ThirdParty: third}, nil
	}
	return nil, nil
}

// ListUnresolvedMirrors returns unresolved mirrors, optionally restricted to
// one source ("" means all sources).
func (s *Store) ListUnresolvedMirrors(ctx context.Context, source question.Source) ([]Mirror, error) {
	return s.listMirrors(ctx, source, false)
}

func (s *Store) ListResolvedMirrors(ctx context.Context, source question.Source) ([]Mirror, error) {
	return s.listMirrors(ctx, source, true)
}

func (s *Store) listMirrors(ctx context.Context, source question.Source, resolved bool) ([]Mirror, error) {
	var (
		mirrors []Mirror
		err     error
	)
	if source == "" {
		err = s.db.SelectContext(ctx, &mirrors, `SELECT * FROM mirrors WHERE resolved = ? ORDER BY id`, resolved)
	} else {
		err = s.db.SelectContext(ctx, &mirrors, `SELECT * FROM mirrors WHERE resolved = ? AND source = ? ORDER BY id`, resolved, source)
	}
	if err != nil {
		return nil, fmt.Errorf("listing mirrors: %w", err)
	}
	return mirrors, nil
}

func (s *Store) ListAllMirrors(ctx context.Context) ([]Mirror, error) {
	var mirrors []Mirror
	if err := s.db.SelectContext(ctx, &mirrors, `SELECT * FROM mirrors ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing mirrors: %w", err)
	}
	return mirrors, nil
}

// SetMirrorResolved flips the resolved flag on one mirror row. Returns
// ErrNotFound when the id matches nothing.
func (s *Store) SetMirrorResolved(ctx context.Context, id int64, resolved bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mirrors SET resolved = ? WHERE id = ?`, resolved, id)
	if err != nil {
		return fmt.Errorf("updating mirror resolved flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("setting resolved on mirror %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) InsertThirdPartyMirror(ctx context.Context, contractID, url string, source question.Source, sourceID string, createdAt time.Time) (*ThirdPartyMirror, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO third_party_mirrors (contract_id, url, source, source_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		contractID, url, source, sourceID, createdAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("inserting third-party mirror %s: %w", contractID, ErrConflict)
		}
		return nil, fmt.Errorf("inserting third-party mirror: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading third-party mirror insert id: %w", err)
	}
	var m ThirdPartyMirror
	if err := s.db.GetContext(ctx, &m, `SELECT * FROM third_party_mirrors WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("fetching third-party mirror: %w", err)
	}
	return &m, nil
}

func (s *Store) GetThirdPartyMirrorBySource(ctx context.Context, source question.Source, sourceID string) (*ThirdPartyMirror, error) {
	return s.optionalThirdParty(ctx, `SELECT * FROM third_party_mirrors WHERE source = ? AND source_id = ?`, source, sourceID)
}

func (s *Store) GetThirdPartyMirrorByContractID(ctx context.Context, contractID string) (*ThirdPartyMirror, error) {
	return s.optionalThirdParty(ctx, `SELECT * FROM third_party_mirrors WHERE contract_id = ?`, contractID)
}

func (s *Store) optionalThirdParty(ctx context.Context, query string, args ...any) (*ThirdPartyMirror, error) {
	var m ThirdPartyMirror
	err := s.db.GetContext(ctx, &m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching third-party mirror: %w", err)
	}
	return &m, nil
}

func (s *Store) ListThirdPartyMirrors(ctx context.Context) ([]ThirdPartyMirror, error) {
	var mirrors []ThirdPartyMirror
	if err := s.db.SelectContext(ctx, &mirrors, `SELECT * FROM third_party_mirrors ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing third-party mirrors: %w", err)
	}
	return mirrors, nil
}

// InsertPayment records an observed inbound managram. Returns ErrConflict on
// a duplicate transaction id, which keeps re-syncs idempotent.
func (s *Store) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (txn_id, group_id, from_id, to_id, created_at, token, amount, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TxnID, p.GroupID, p.FromID, p.ToID, p.CreatedAt, p.Token, p.Amount, p.Message,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("inserting payment %s: %w", p.TxnID, ErrConflict)
		}
		return nil, fmt.Errorf("inserting payment: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading payment insert id: %w", err)
	}
	var inserted Payment
	if err := s.db.GetContext(ctx, &inserted, `SELECT * FROM payments WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("fetching payment: %w", err)
	}
	return &inserted, nil
}

// LastPaymentTime returns the timestamp of the newest observed payment, or
// nil when none have been recorded.
func (s *Store) LastPaymentTime(ctx context.Context) (*time.Time, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms, `SELECT created_at FROM payments ORDER BY created_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching last payment timestamp: %w", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

func (s *Store) ListUnprocessedPayments(ctx context.Context) ([]Payment, error) {
	var payments []Payment
	err := s.db.SelectContext(ctx, &payments, `SELECT * FROM payments WHERE processed = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed payments: %w", err)
	}
	return payments, nil
}

// SetPaymentProcessed flips the processed flag on one payment row. Returns
// ErrNotFound when the transaction id matches nothing.
func (s *Store) SetPaymentProcessed(ctx context.Context, txnID string, processed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payments SET processed = ? WHERE txn_id = ?`, processed, txnID)
	if err != nil {
		return fmt.Errorf("updating payment processed flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("setting processed on payment %s: %w", txnID, ErrNotFound)
	}
	return nil
}
