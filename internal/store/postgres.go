package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			persona_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text_ref TEXT NOT NULL,
			emotion_tag TEXT NOT NULL DEFAULT '',
			intensity INTEGER NOT NULL DEFAULT 0,
			redacted BOOLEAN NOT NULL DEFAULT FALSE,
			seq BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_persona_seq ON conversation_turns (user_id, persona_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_expires ON conversation_turns (expires_at) WHERE expires_at IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS turn_blobs (
			ref TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blobs_user ON turn_blobs (user_id);`,
		`CREATE TABLE IF NOT EXISTS memory_summaries (
			user_id TEXT NOT NULL,
			persona_id TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			covered_seq BIGINT NOT NULL,
			covered_turns INTEGER NOT NULL,
			token_estimate INTEGER NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, persona_id)
		);`,
		`CREATE TABLE IF NOT EXISTS growth_states (
			user_id TEXT PRIMARY KEY,
			cumulative_size BIGINT NOT NULL,
			stage INTEGER NOT NULL,
			last_milestone_day TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			persona_id TEXT NOT NULL,
			trigger_turn_id TEXT NOT NULL,
			emotion_tag TEXT NOT NULL,
			day TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_milestones_user_day ON milestones (user_id, day);`,
		`CREATE TABLE IF NOT EXISTS retarget_jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			new_tier TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_retarget_jobs_status ON retarget_jobs (status, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, rec *TurnRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// Idempotent on ID so a retried append cannot duplicate a turn.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversation_turns (id, user_id, persona_id, role, text_ref, emotion_tag, intensity, redacted, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING seq`,
		rec.ID, rec.UserID, rec.PersonaID, rec.Role, rec.TextRef,
		rec.EmotionTag, rec.Intensity, rec.Redacted, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx,
			`SELECT seq FROM conversation_turns WHERE id=$1`, rec.ID,
		).Scan(&rec.Seq)
	}
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) TurnsSince(ctx context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, persona_id, role, text_ref, emotion_tag, intensity, redacted, seq, created_at, expires_at
		   FROM conversation_turns
		  WHERE user_id=$1 AND persona_id=$2 AND seq > $3
		    AND (expires_at IS NULL OR expires_at > now())
		  ORDER BY seq ASC LIMIT $4`,
		userID, personaID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	out := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var rec TurnRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PersonaID, &rec.Role, &rec.TextRef,
			&rec.EmotionTag, &rec.Intensity, &rec.Redacted, &rec.Seq, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, persona_id, role, text_ref, emotion_tag, intensity, redacted, seq, created_at, expires_at
		   FROM conversation_turns
		  WHERE user_id=$1 AND persona_id=$2 AND seq > $3
		    AND (expires_at IS NULL OR expires_at > now())
		  ORDER BY seq DESC LIMIT $4`,
		userID, personaID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	out := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var rec TurnRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PersonaID, &rec.Role, &rec.TextRef,
			&rec.EmotionTag, &rec.Intensity, &rec.Redacted, &rec.Seq, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) GetSummary(ctx context.Context, userID, personaID string) (SummaryRecord, error) {
	var rec SummaryRecord
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, persona_id, summary_text, covered_seq, covered_turns, token_estimate, version, updated_at
		   FROM memory_summaries WHERE user_id=$1 AND persona_id=$2`,
		userID, personaID,
	).Scan(&rec.UserID, &rec.PersonaID, &rec.SummaryText, &rec.CoveredSeq,
		&rec.CoveredTurns, &rec.TokenEstimate, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SummaryRecord{}, ErrNotFound
		}
		return SummaryRecord{}, fmt.Errorf("get summary: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) PutSummary(ctx context.Context, rec SummaryRecord) error {
	now := time.Now().UTC()
	if rec.Version == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO memory_summaries (user_id, persona_id, summary_text, covered_seq, covered_turns, token_estimate, version, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,1,$7)
			 ON CONFLICT (user_id, persona_id) DO NOTHING`,
			rec.UserID, rec.PersonaID, rec.SummaryText, rec.CoveredSeq, rec.CoveredTurns, rec.TokenEstimate, now,
		)
		if err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_summaries
		    SET summary_text=$3, covered_seq=$4, covered_turns=$5, token_estimate=$6, version=version+1, updated_at=$7
		  WHERE user_id=$1 AND persona_id=$2 AND version=$8`,
		rec.UserID, rec.PersonaID, rec.SummaryText, rec.CoveredSeq, rec.CoveredTurns, rec.TokenEstimate, now, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) GetGrowth(ctx context.Context, userID string) (GrowthRecord, error) {
	var rec GrowthRecord
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cumulative_size, stage, last_milestone_day, version, updated_at
		   FROM growth_states WHERE user_id=$1`,
		userID,
	).Scan(&rec.UserID, &rec.CumulativeSize, &rec.Stage, &rec.LastMilestoneDay, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GrowthRecord{}, ErrNotFound
		}
		return GrowthRecord{}, fmt.Errorf("get growth: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) PutGrowth(ctx context.Context, rec GrowthRecord) error {
	now := time.Now().UTC()
	if rec.Version == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO growth_states (user_id, cumulative_size, stage, last_milestone_day, version, updated_at)
			 VALUES ($1,$2,$3,$4,1,$5)
			 ON CONFLICT (user_id) DO NOTHING`,
			rec.UserID, rec.CumulativeSize, rec.Stage, rec.LastMilestoneDay, now,
		)
		if err != nil {
			return fmt.Errorf("insert growth: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE growth_states
		    SET cumulative_size=$2, stage=$3, last_milestone_day=$4, version=version+1, updated_at=$5
		  WHERE user_id=$1 AND version=$6`,
		rec.UserID, rec.CumulativeSize, rec.Stage, rec.LastMilestoneDay, now, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update growth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) CreateMilestone(ctx context.Context, rec MilestoneRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO milestones (id, user_id, persona_id, trigger_turn_id, emotion_tag, day, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (user_id, day) DO NOTHING`,
		rec.ID, rec.UserID, rec.PersonaID, rec.TriggerTurnID, rec.EmotionTag, rec.Day, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneExists
	}
	return nil
}

func (s *PostgresStore) ListMilestones(ctx context.Context, userID string, limit int) ([]MilestoneRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, persona_id, trigger_turn_id, emotion_tag, day, created_at
		   FROM milestones WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]MilestoneRecord, 0, limit)
	for rows.Next() {
		var rec MilestoneRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PersonaID, &rec.TriggerTurnID,
			&rec.EmotionTag, &rec.Day, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan milestone row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestone rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateRetargetJob(ctx context.Context, rec RetargetJobRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = JobPending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retarget_jobs (id, user_id, new_tier, status, attempts, error, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.UserID, rec.NewTier, rec.Status, rec.Attempts, rec.Error, rec.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("create retarget job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRetargetJob(ctx context.Context, rec RetargetJobRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retarget_jobs SET status=$2, attempts=$3, error=$4, updated_at=$5 WHERE id=$1`,
		rec.ID, rec.Status, rec.Attempts, rec.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update retarget job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRetargetJob(ctx context.Context, id string) (RetargetJobRecord, error) {
	var rec RetargetJobRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, new_tier, status, attempts, error, created_at, updated_at
		   FROM retarget_jobs WHERE id=$1`,
		id,
	).Scan(&rec.ID, &rec.UserID, &rec.NewTier, &rec.Status, &rec.Attempts, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RetargetJobRecord{}, ErrNotFound
		}
		return RetargetJobRecord{}, fmt.Errorf("get retarget job: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) PendingRetargetJobs(ctx context.Context, limit int) ([]RetargetJobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, new_tier, status, attempts, error, created_at, updated_at
		   FROM retarget_jobs WHERE status=$1 ORDER BY created_at ASC LIMIT $2`,
		JobPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending retarget jobs: %w", err)
	}
	defer rows.Close()

	out := make([]RetargetJobRecord, 0, limit)
	for rows.Next() {
		var rec RetargetJobRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.NewTier, &rec.Status,
			&rec.Attempts, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan retarget job row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retarget job rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RetargetTTL(ctx context.Context, userID string, ttl time.Duration) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE conversation_turns SET expires_at = created_at + make_interval(secs => $2) WHERE user_id=$1`,
		userID, ttl.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("retarget turn ttl: %w", err)
	}
	touched := tag.RowsAffected()

	if _, err := tx.Exec(ctx,
		`UPDATE turn_blobs SET expires_at = created_at + make_interval(secs => $2) WHERE user_id=$1`,
		userID, ttl.Seconds(),
	); err != nil {
		return 0, fmt.Errorf("retarget blob ttl: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return touched, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_turns WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge turns: %w", err)
	}
	removed += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM turn_blobs WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return removed, fmt.Errorf("purge blobs: %w", err)
	}
	removed += tag.RowsAffected()
	return removed, nil
}

func (s *PostgresStore) PutBlob(ctx context.Context, userID, ref, body string, expiresAt *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_blobs (ref, user_id, body, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (ref) DO NOTHING`,
		ref, userID, body, time.Now().UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBlobs(ctx context.Context, refs []string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ref, body FROM turn_blobs
		  WHERE ref = ANY($1) AND (expires_at IS NULL OR expires_at > now())`,
		refs,
	)
	if err != nil {
		return nil, fmt.Errorf("get blobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref, body string
		if err := rows.Scan(&ref, &body); err != nil {
			return nil, fmt.Errorf("scan blob row: %w", err)
		}
		out[ref] = body
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blob rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
