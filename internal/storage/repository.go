package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/market"
	"arb-scanner/internal/report"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS opportunities (
        id              TEXT PRIMARY KEY,
        variant         TEXT NOT NULL,
        base            TEXT NOT NULL,
        path            TEXT NOT NULL,
        symbols         TEXT[] NOT NULL,
        provider        TEXT NOT NULL DEFAULT '',
        initial_amount  NUMERIC NOT NULL,
        final_amount    NUMERIC NOT NULL,
        profit_pct      NUMERIC NOT NULL,
        min_volume_usdt NUMERIC NOT NULL,
        spread_cost_pct NUMERIC NOT NULL,
        legs            JSONB NOT NULL,
        detected_at     TIMESTAMPTZ NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS opportunities_detected_at_idx ON opportunities (detected_at);`

	insertOpportunitySQL = `INSERT INTO opportunities (
        id,
        variant,
        base,
        path,
        symbols,
        provider,
        initial_amount,
        final_amount,
        profit_pct,
        min_volume_usdt,
        spread_cost_pct,
        legs,
        detected_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO NOTHING;`

	selectOpportunityColumns = `SELECT
        id,
        variant,
        base,
        path,
        symbols,
        provider,
        initial_amount::text,
        final_amount::text,
        profit_pct::text,
        min_volume_usdt::text,
        spread_cost_pct::text,
        legs,
        detected_at,
        created_at
    FROM opportunities`

	listOpportunitiesBetweenSQL = selectOpportunityColumns + `
    WHERE detected_at >= $1
      AND detected_at < $2
    ORDER BY detected_at;`

	listRecentOpportunitiesSQL = selectOpportunityColumns + `
    ORDER BY detected_at DESC
    LIMIT $1;`

	countOpportunitiesSQL = `SELECT COUNT(*) FROM opportunities;`

	deleteOpportunitiesBeforeSQL = `DELETE FROM opportunities WHERE detected_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OpportunityStore defines operations for reported opportunity persistence.
type OpportunityStore interface {
	SaveOpportunity(ctx context.Context, rec OpportunityRecord) error
	ListOpportunitiesBetween(ctx context.Context, from, to time.Time) ([]OpportunityRecord, error)
	ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error)
	CountOpportunities(ctx context.Context) (int64, error)
	DeleteOpportunitiesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists reported opportunities in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the opportunities table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock lives on one pooled connection, held until unlock.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Name labels the store as a reporting sink.
func (s *Store) Name() string { return "postgres" }

// Save persists opp as a reporting sink.
func (s *Store) Save(ctx context.Context, opp market.Opportunity) error {
	rec, err := NewOpportunityRecord(opp)
	if err != nil {
		return err
	}
	return s.SaveOpportunity(ctx, rec)
}

// SaveOpportunity inserts rec; a repeated ID is ignored.
func (s *Store) SaveOpportunity(ctx context.Context, rec OpportunityRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertOpportunitySQL,
		rec.ID,
		rec.Variant,
		rec.Base,
		rec.Path,
		rec.Symbols,
		rec.Provider,
		rec.InitialAmount.String(),
		rec.FinalAmount.String(),
		rec.ProfitPct.String(),
		rec.MinVolumeUSDT.String(),
		rec.SpreadCostPct.String(),
		[]byte(rec.Legs),
		rec.DetectedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert opportunity: %w", execErr)
	}
	return nil
}

// ListOpportunitiesBetween lists opportunities detected within a time window, oldest first.
func (s *Store) ListOpportunitiesBetween(ctx context.Context, from, to time.Time) ([]OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOpportunitiesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list opportunities between: %w", queryErr)
	}
	defer rows.Close()

	return collectOpportunities(rows, 0)
}

// ListRecentOpportunities lists the most recent opportunities, newest first.
func (s *Store) ListRecentOpportunities(ctx context.Context, limit int) ([]OpportunityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentOpportunitiesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent opportunities: %w", queryErr)
	}
	defer rows.Close()

	return collectOpportunities(rows, limit)
}

// CountOpportunities counts stored opportunities.
func (s *Store) CountOpportunities(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countOpportunitiesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count opportunities: %w", scanErr)
	}
	return count, nil
}

// DeleteOpportunitiesBefore removes history older than olderThan.
func (s *Store) DeleteOpportunitiesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteOpportunitiesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete opportunities before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectOpportunities(rows pgx.Rows, capacity int) ([]OpportunityRecord, error) {
	if capacity < 0 {
		capacity = 0
	}
	records := make([]OpportunityRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanOpportunity(rows pgx.Rows) (OpportunityRecord, error) {
	var (
		rec                                                    OpportunityRecord
		initialStr, finalStr, profitStr, volumeStr, spreadStr string
		legs                                                   []byte
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Variant,
		&rec.Base,
		&rec.Path,
		&rec.Symbols,
		&rec.Provider,
		&initialStr,
		&finalStr,
		&profitStr,
		&volumeStr,
		&spreadStr,
		&legs,
		&rec.DetectedAt,
		&rec.CreatedAt,
	); err != nil {
		return OpportunityRecord{}, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"initial amount", initialStr, &rec.InitialAmount},
		{"final amount", finalStr, &rec.FinalAmount},
		{"profit pct", profitStr, &rec.ProfitPct},
		{"min volume", volumeStr, &rec.MinVolumeUSDT},
		{"spread cost", spreadStr, &rec.SpreadCostPct},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return OpportunityRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	rec.Legs = json.RawMessage(legs)
	return rec, nil
}

var (
	_ OpportunityStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
	_ report.Sink      = (*Store)(nil)
)
