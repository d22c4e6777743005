/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the ledger needs (generic.Backend)
  using SQLite. The same SQL works on PostgreSQL with minor dialect changes;
  see store/postgres for the server-database variant.

INTERFACES IMPLEMENTED:
  generic.TxStore:         Members + transaction log with WithTx
  generic.RewardCatalog:   Reward lookup
  generic.MemberDirectory: Registration and search
  generic.StatsReader:     Dashboard queries

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on points_transactions
  - The only UPDATE on members is the conditional balance write

CONDITIONAL BALANCE WRITE:
  UPDATE members SET points_balance = ? WHERE id = ? AND points_balance = ?
  Zero rows affected means the balance moved (ErrBalanceConflict) or the
  member is gone (ErrMemberNotFound).

KEY TABLES:
  members:             Identity + points_balance (CHECK >= 0)
  points_transactions: Immutable ledger (EARN / REDEEM)
  rewards:             Catalog

INDEXES:
  - idx_points_tx_member: History reads (hot path)
  - idx_points_tx_earn_member_desc: One EARN per (member, description)
  - idx_points_tx_earn_desc: Program-wide duplicate ticket lookup

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process; WAL mode for
  file databases. ":memory:" databases are pinned to one connection.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/points-ledger/generic"
)

// timeLayout is fixed-width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements generic.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ generic.Backend = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		dni TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL,
		phone TEXT,
		specialty TEXT,
		points_balance INTEGER NOT NULL DEFAULT 0 CHECK (points_balance >= 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_created_at
		ON members(created_at DESC);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS points_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		member_id TEXT NOT NULL REFERENCES members(id),
		kind TEXT NOT NULL CHECK (kind IN ('EARN', 'REDEEM')),
		amount_points INTEGER NOT NULL,
		description TEXT NOT NULL,
		created_at TEXT NOT NULL,
		CHECK ((kind = 'EARN' AND amount_points > 0) OR (kind = 'REDEEM' AND amount_points < 0))
	);

	CREATE INDEX IF NOT EXISTS idx_points_tx_member
		ON points_transactions(member_id, seq);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_points_tx_earn_member_desc
		ON points_transactions(member_id, description) WHERE kind = 'EARN';

	CREATE INDEX IF NOT EXISTS idx_points_tx_earn_desc
		ON points_transactions(description) WHERE kind = 'EARN';

	CREATE INDEX IF NOT EXISTS idx_points_tx_kind_created
		ON points_transactions(kind, created_at);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		points_cost INTEGER NOT NULL CHECK (points_cost > 0),
		image_url TEXT,
		stock INTEGER,
		seq INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// MEMBER STORE (generic.MemberStore interface)
// =============================================================================

func (s *Store) GetMember(ctx context.Context, id generic.MemberID) (generic.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMember(ctx, s.db, "id", string(id))
}

func getMember(ctx context.Context, q queryer, column, value string) (generic.Member, error) {
	query := `
		SELECT id, dni, full_name, phone, specialty, points_balance, created_at
		FROM members WHERE ` + column + ` = ?`

	m, err := scanMember(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Member{}, generic.ErrMemberNotFound
	}
	return m, err
}

func (s *Store) CompareAndSetBalance(ctx context.Context, id generic.MemberID, expected, next generic.Points) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return compareAndSetBalance(ctx, s.db, id, expected, next)
}

func compareAndSetBalance(ctx context.Context, q queryer, id generic.MemberID, expected, next generic.Points) error {
	res, err := q.ExecContext(ctx,
		"UPDATE members SET points_balance = ? WHERE id = ? AND points_balance = ?",
		int64(next), string(id), int64(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx, "SELECT COUNT(*) FROM members WHERE id = ?", string(id)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check member: %w", err)
	}
	if exists == 0 {
		return generic.ErrMemberNotFound
	}
	return generic.ErrBalanceConflict
}

// =============================================================================
// TRANSACTION LOG (generic.TransactionLog interface)
// =============================================================================

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTx(ctx, s.db, tx)
}

func appendTx(ctx context.Context, q queryer, tx generic.Transaction) error {
	query := `
		INSERT INTO points_transactions
		(id, member_id, kind, amount_points, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		string(tx.ID),
		string(tx.MemberID),
		string(tx.Kind),
		int64(tx.Amount),
		tx.Description,
		formatTime(tx.CreatedAt),
	)
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintForeignKey:
			return generic.ErrMemberNotFound
		case sqlite3.ErrConstraintUnique:
			if strings.Contains(sqliteErr.Error(), "description") {
				return &generic.DuplicateTicketError{MemberID: tx.MemberID, Description: tx.Description}
			}
		}
	}
	return fmt.Errorf("failed to append transaction: %w", err)
}

func (s *Store) ExistsWithDescription(ctx context.Context, scope generic.MemberID, description string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return existsWithDescription(ctx, s.db, scope, description)
}

func existsWithDescription(ctx context.Context, q queryer, scope generic.MemberID, description string) (bool, error) {
	query := "SELECT COUNT(*) FROM points_transactions WHERE kind = 'EARN' AND description = ?"
	args := []any{description}
	if scope != "" {
		query += " AND member_id = ?"
		args = append(args, string(scope))
	}

	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check description: %w", err)
	}
	return count > 0, nil
}

// Transactions returns a member's transactions in append order.
func (s *Store) Transactions(ctx context.Context, memberID generic.MemberID) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTransactions(ctx, s.db, memberID)
}

func loadTransactions(ctx context.Context, q queryer, memberID generic.MemberID) ([]generic.Transaction, error) {
	query := `
		SELECT id, member_id, kind, amount_points, description, created_at
		FROM points_transactions
		WHERE member_id = ?
		ORDER BY seq ASC
	`
	rows, err := q.QueryContext(ctx, query, string(memberID))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		var (
			tx        generic.Transaction
			amount    int64
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.MemberID, &tx.Kind, &amount, &tx.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = generic.Points(amount)
		if tx.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore routes every call through the open *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetMember(ctx context.Context, id generic.MemberID) (generic.Member, error) {
	return getMember(ctx, ts.tx, "id", string(id))
}

func (ts *txStore) CompareAndSetBalance(ctx context.Context, id generic.MemberID, expected, next generic.Points) error {
	return compareAndSetBalance(ctx, ts.tx, id, expected, next)
}

func (ts *txStore) Append(ctx context.Context, tx generic.Transaction) error {
	return appendTx(ctx, ts.tx, tx)
}

func (ts *txStore) ExistsWithDescription(ctx context.Context, scope generic.MemberID, description string) (bool, error) {
	return existsWithDescription(ctx, ts.tx, scope, description)
}

func (ts *txStore) Transactions(ctx context.Context, memberID generic.MemberID) ([]generic.Transaction, error) {
	return loadTransactions(ctx, ts.tx, memberID)
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

// CreateMember inserts a member with a zero balance.
func (s *Store) CreateMember(ctx context.Context, m generic.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO members (id, dni, full_name, phone, specialty, points_balance, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(m.ID), m.DocumentID, m.FullName,
		nullString(m.Phone), nullString(m.Specialty),
		formatTime(m.CreatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return generic.ErrDuplicateMember
		}
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

// ListMembers returns all members, newest first.
func (s *Store) ListMembers(ctx context.Context) ([]generic.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dni, full_name, phone, specialty, points_balance, created_at
		FROM members ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []generic.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) FindMemberByDocument(ctx context.Context, documentID string) (generic.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMember(ctx, s.db, "dni", documentID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (generic.Member, error) {
	var (
		m         generic.Member
		phone     sql.NullString
		specialty sql.NullString
		balance   int64
		createdAt string
	)
	err := row.Scan(&m.ID, &m.DocumentID, &m.FullName, &phone, &specialty, &balance, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan member: %w", err)
	}
	m.Phone = phone.String
	m.Specialty = specialty.String
	m.PointsBalance = generic.Points(balance)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return m, fmt.Errorf("member %s: %w", m.ID, err)
	}
	return m, nil
}

// =============================================================================
// STATS
// =============================================================================

func (s *Store) CountMembers(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM members").Scan(&n)
	return n, err
}

func (s *Store) PointsEarnedSince(ctx context.Context, since time.Time) (generic.Points, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_points), 0) FROM points_transactions
		 WHERE kind = 'EARN' AND created_at >= ? AND description <> ?`,
		formatTime(since), generic.OpeningBalanceDescription,
	).Scan(&total)
	return generic.Points(total), err
}

// =============================================================================
// REWARD CATALOG
// =============================================================================

// SaveReward inserts or replaces a catalog entry.
func (s *Store) SaveReward(ctx context.Context, r generic.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rewards (id, title, description, points_cost, image_url, stock, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM rewards))
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			points_cost = excluded.points_cost,
			image_url = excluded.image_url,
			stock = excluded.stock
	`
	var stock sql.NullInt64
	if r.Stock != nil {
		stock = sql.NullInt64{Int64: int64(*r.Stock), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		string(r.ID), r.Title, nullString(r.Description), int64(r.PointsCost),
		nullString(r.ImageURL), stock,
	)
	if err != nil {
		return fmt.Errorf("failed to save reward: %w", err)
	}
	return nil
}

func (s *Store) GetReward(ctx context.Context, id generic.RewardID) (generic.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanReward(s.db.QueryRowContext(ctx,
		"SELECT id, title, description, points_cost, image_url, stock FROM rewards WHERE id = ?",
		string(id),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Reward{}, generic.ErrRewardNotFound
	}
	return r, err
}

// ListRewards returns the catalog in insertion order.
func (s *Store) ListRewards(ctx context.Context) ([]generic.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, description, points_cost, image_url, stock FROM rewards ORDER BY seq",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []generic.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

func scanReward(row rowScanner) (generic.Reward, error) {
	var (
		r           generic.Reward
		description sql.NullString
		imageURL    sql.NullString
		cost        int64
		stock       sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Title, &description, &cost, &imageURL, &stock); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan reward: %w", err)
	}
	r.Description = description.String
	r.ImageURL = imageURL.String
	r.PointsCost = generic.Points(cost)
	if stock.Valid {
		n := int(stock.Int64)
		r.Stock = &n
	}
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad created_at %q: %w", s, err)
	}
	return t, nil
}
