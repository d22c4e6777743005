/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces using pgx.

PURPOSE:
  The server-database variant of store/sqlite. Several ledger processes may
  share one PostgreSQL database, so in-process locks are not enough:
  - WithTx reads the member row with SELECT ... FOR UPDATE
  - The balance write is conditional on the old value
  - A partial unique index rejects a second EARN per (member, description)
  - A program-wide duplicate check inside WithTx first takes a transaction
    advisory lock on the description, so two processes crediting one ticket
    to different members are serialized and the second sees the first's row

INTERFACES IMPLEMENTED:
  generic.Backend (TxStore, RewardCatalog, MemberDirectory, StatsReader)

USAGE:
  store, err := postgres.New(ctx, "postgres://ledger@localhost/ledger")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite/sqlite.go: Embedded variant with the same schema
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/points-ledger/generic"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	earnUniqueIndex = "idx_points_tx_earn_member_desc"

	// ticketLockSpace is the first key of the ticket advisory locks.
	ticketLockSpace int32 = 0x4c454447
)

// Store implements generic.Backend on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ generic.Backend = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		dni TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL,
		phone TEXT,
		specialty TEXT,
		points_balance BIGINT NOT NULL DEFAULT 0 CHECK (points_balance >= 0),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS points_transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		member_id TEXT NOT NULL REFERENCES members(id),
		kind TEXT NOT NULL CHECK (kind IN ('EARN', 'REDEEM')),
		amount_points BIGINT NOT NULL,
		description TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CHECK ((kind = 'EARN' AND amount_points > 0) OR (kind = 'REDEEM' AND amount_points < 0))
	);

	CREATE INDEX IF NOT EXISTS idx_points_tx_member
		ON points_transactions(member_id, seq);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_points_tx_earn_member_desc
		ON points_transactions(member_id, description) WHERE kind = 'EARN';

	CREATE INDEX IF NOT EXISTS idx_points_tx_earn_desc
		ON points_transactions(description) WHERE kind = 'EARN';

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		points_cost BIGINT NOT NULL CHECK (points_cost > 0),
		image_url TEXT,
		stock INTEGER,
		seq BIGSERIAL
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const memberColumns = "id, dni, full_name, phone, specialty, points_balance, created_at"

// =============================================================================
// MEMBER STORE
// =============================================================================

func (s *Store) GetMember(ctx context.Context, id generic.MemberID) (generic.Member, error) {
	return getMember(ctx, s.pool, "SELECT "+memberColumns+" FROM members WHERE id = $1", string(id))
}

func getMember(ctx context.Context, q querier, query string, arg string) (generic.Member, error) {
	m, err := scanMember(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Member{}, generic.ErrMemberNotFound
	}
	return m, err
}

func (s *Store) CompareAndSetBalance(ctx context.Context, id generic.MemberID, expected, next generic.Points) error {
	return compareAndSetBalance(ctx, s.pool, id, expected, next)
}

func compareAndSetBalance(ctx context.Context, q querier, id generic.MemberID, expected, next generic.Points) error {
	tag, err := q.Exec(ctx,
		"UPDATE members SET points_balance = $1 WHERE id = $2 AND points_balance = $3",
		int64(next), string(id), int64(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM members WHERE id = $1)", string(id)).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check member: %w", err)
	}
	if !exists {
		return generic.ErrMemberNotFound
	}
	return generic.ErrBalanceConflict
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return appendTx(ctx, s.pool, tx)
}

func appendTx(ctx context.Context, q querier, tx generic.Transaction) error {
	_, err := q.Exec(ctx, `
		INSERT INTO points_transactions (id, member_id, kind, amount_points, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(tx.ID), string(tx.MemberID), string(tx.Kind), int64(tx.Amount), tx.Description, tx.CreatedAt.UTC(),
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgForeignKeyViolation:
			return generic.ErrMemberNotFound
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == earnUniqueIndex:
			return &generic.DuplicateTicketError{MemberID: tx.MemberID, Description: tx.Description}
		}
	}
	return fmt.Errorf("failed to append transaction: %w", err)
}

func (s *Store) ExistsWithDescription(ctx context.Context, scope generic.MemberID, description string) (bool, error) {
	return existsWithDescription(ctx, s.pool, scope, description)
}

func existsWithDescription(ctx context.Context, q querier, scope generic.MemberID, description string) (bool, error) {
	query := "SELECT EXISTS(SELECT 1 FROM points_transactions WHERE kind = 'EARN' AND description = $1"
	args := []any{description}
	if scope != "" {
		query += " AND member_id = $2"
		args = append(args, string(scope))
	}
	query += ")"

	var exists bool
	if err := q.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check description: %w", err)
	}
	return exists, nil
}

func (s *Store) Transactions(ctx context.Context, memberID generic.MemberID) ([]generic.Transaction, error) {
	return loadTransactions(ctx, s.pool, memberID)
}

func loadTransactions(ctx context.Context, q querier, memberID generic.MemberID) ([]generic.Transaction, error) {
	rows, err := q.Query(ctx, `
		SELECT id, member_id, kind, amount_points, description, created_at
		FROM points_transactions WHERE member_id = $1 ORDER BY seq`,
		string(memberID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []generic.Transaction
	for rows.Next() {
		var (
			tx     generic.Transaction
			amount int64
		)
		if err := rows.Scan(&tx.ID, &tx.MemberID, &tx.Kind, &amount, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = generic.Points(amount)
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

// GetMember locks the member row until the transaction ends.
func (ts *txStore) GetMember(ctx context.Context, id generic.MemberID) (generic.Member, error) {
	return getMember(ctx, ts.tx, "SELECT "+memberColumns+" FROM members WHERE id = $1 FOR UPDATE", string(id))
}

func (ts *txStore) CompareAndSetBalance(ctx context.Context, id generic.MemberID, expected, next generic.Points) error {
	return compareAndSetBalance(ctx, ts.tx, id, expected, next)
}

func (ts *txStore) Append(ctx context.Context, tx generic.Transaction) error {
	return appendTx(ctx, ts.tx, tx)
}

// ExistsWithDescription holds the ticket's advisory lock until the
// transaction ends when scope is program-wide.
func (ts *txStore) ExistsWithDescription(ctx context.Context, scope generic.MemberID, description string) (bool, error) {
	if scope == "" {
		if _, err := ts.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", ticketLockSpace, description); err != nil {
			return false, fmt.Errorf("failed to lock ticket: %w", err)
		}
	}
	return existsWithDescription(ctx, ts.tx, scope, description)
}

func (ts *txStore) Transactions(ctx context.Context, memberID generic.MemberID) ([]generic.Transaction, error) {
	return loadTransactions(ctx, ts.tx, memberID)
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

func (s *Store) CreateMember(ctx context.Context, m generic.Member) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO members (id, dni, full_name, phone, specialty, points_balance, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), 0, $6)`,
		string(m.ID), m.DocumentID, m.FullName, m.Phone, m.Specialty, m.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return generic.ErrDuplicateMember
		}
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

func (s *Store) ListMembers(ctx context.Context) ([]generic.Member, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+memberColumns+" FROM members ORDER BY created_at DESC, id DESC")
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
	return getMember(ctx, s.pool, "SELECT "+memberColumns+" FROM members WHERE dni = $1", documentID)
}

func scanMember(row pgx.Row) (generic.Member, error) {
	var (
		m         generic.Member
		phone     *string
		specialty *string
		balance   int64
	)
	if err := row.Scan(&m.ID, &m.DocumentID, &m.FullName, &phone, &specialty, &balance, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan member: %w", err)
	}
	if phone != nil {
		m.Phone = *phone
	}
	if specialty != nil {
		m.Specialty = *specialty
	}
	m.PointsBalance = generic.Points(balance)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// =============================================================================
// STATS
// =============================================================================

func (s *Store) CountMembers(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM members").Scan(&n)
	return n, err
}

func (s *Store) PointsEarnedSince(ctx context.Context, since time.Time) (generic.Points, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_points), 0)::BIGINT FROM points_transactions
		 WHERE kind = 'EARN' AND created_at >= $1 AND description <> $2`,
		since.UTC(), generic.OpeningBalanceDescription,
	).Scan(&total)
	return generic.Points(total), err
}

// =============================================================================
// REWARD CATALOG
// =============================================================================

func (s *Store) SaveReward(ctx context.Context, r generic.Reward) error {
	var stock *int64
	if r.Stock != nil {
		n := int64(*r.Stock)
		stock = &n
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rewards (id, title, description, points_cost, image_url, stock)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			points_cost = EXCLUDED.points_cost,
			image_url = EXCLUDED.image_url,
			stock = EXCLUDED.stock`,
		string(r.ID), r.Title, r.Description, int64(r.PointsCost), r.ImageURL, stock,
	)
	if err != nil {
		return fmt.Errorf("failed to save reward: %w", err)
	}
	return nil
}

func (s *Store) GetReward(ctx context.Context, id generic.RewardID) (generic.Reward, error) {
	r, err := scanReward(s.pool.QueryRow(ctx,
		"SELECT id, title, description, points_cost, image_url, stock FROM rewards WHERE id = $1",
		string(id),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Reward{}, generic.ErrRewardNotFound
	}
	return r, err
}

func (s *Store) ListRewards(ctx context.Context) ([]generic.Reward, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, title, description, points_cost, image_url, stock FROM rewards ORDER BY seq")
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

func scanReward(row pgx.Row) (generic.Reward, error) {
	var (
		r           generic.Reward
		description *string
		imageURL    *string
		cost        int64
		stock       *int64
	)
	if err := row.Scan(&r.ID, &r.Title, &description, &cost, &imageURL, &stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan reward: %w", err)
	}
	if description != nil {
		r.Description = *description
	}
	if imageURL != nil {
		r.ImageURL = *imageURL
	}
	r.PointsCost = generic.Points(cost)
	if stock != nil {
		n := int(*stock)
		r.Stock = &n
	}
	return r, nil
}
