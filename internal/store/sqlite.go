package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node backend for local and small deployments.
// Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			persona_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text_ref TEXT NOT NULL,
			emotion_tag TEXT NOT NULL DEFAULT '',
			intensity INTEGER NOT NULL DEFAULT 0,
			redacted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_persona_seq ON conversation_turns (user_id, persona_id, seq);`,
		`CREATE TABLE IF NOT EXISTS turn_blobs (
			ref TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blobs_user ON turn_blobs (user_id);`,
		`CREATE TABLE IF NOT EXISTS memory_summaries (
			user_id TEXT NOT NULL,
			persona_id TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			covered_seq INTEGER NOT NULL,
			covered_turns INTEGER NOT NULL,
			token_estimate INTEGER NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, persona_id)
		);`,
		`CREATE TABLE IF NOT EXISTS growth_states (
			user_id TEXT PRIMARY KEY,
			cumulative_size INTEGER NOT NULL,
			stage INTEGER NOT NULL,
			last_milestone_day TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			persona_id TEXT NOT NULL,
			trigger_turn_id TEXT NOT NULL,
			emotion_tag TEXT NOT NULL,
			day TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (user_id, day)
		);`,
		`CREATE TABLE IF NOT EXISTS retarget_jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			new_tier TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_retarget_jobs_status ON retarget_jobs (status, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func msOf(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOfMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtrOfMS(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := timeOfMS(ms.Int64)
	return &t
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, rec *TurnRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// Idempotent on ID so a retried append cannot duplicate a turn.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_turns (id, user_id, persona_id, role, text_ref, emotion_tag, intensity, redacted, created_at, expires_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.UserID, rec.PersonaID, rec.Role, rec.TextRef,
		rec.EmotionTag, rec.Intensity, rec.Redacted, msOf(rec.CreatedAt), msPtr(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM conversation_turns WHERE id=?`, rec.ID,
		).Scan(&rec.Seq); err != nil {
			return fmt.Errorf("append turn seq: %w", err)
		}
		return nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append turn seq: %w", err)
	}
	rec.Seq = seq
	return nil
}

func (s *SQLiteStore) TurnsSince(ctx context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, persona_id, role, text_ref, emotion_tag, intensity, redacted, seq, created_at, expires_at
		   FROM conversation_turns
		  WHERE user_id=? AND persona_id=? AND seq > ?
		    AND (expires_at IS NULL OR expires_at > ?)
		  ORDER BY seq ASC LIMIT ?`,
		userID, personaID, afterSeq, msOf(time.Now().UTC()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	out := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			rec       TurnRecord
			createdMS int64
			expiresMS sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PersonaID, &rec.Role, &rec.TextRef,
			&rec.EmotionTag, &rec.Intensity, &rec.Redacted, &rec.Seq, &createdMS, &expiresMS); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		rec.CreatedAt = timeOfMS(createdMS)
		rec.ExpiresAt = timePtrOfMS(expiresMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, persona_id, role, text_ref, emotion_tag, intensity, redacted, seq, created_at, expires_at
		   FROM conversation_turns
		  WHERE user_id=? AND persona_id=? AND seq > ?
		    AND (expires_at IS NULL OR expires_at > ?)
		  ORDER BY seq DESC LIMIT ?`,
		userID, personaID, afterSeq, msOf(time.Now().UTC()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	out := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			rec       TurnRecord
			createdMS int64
			expiresMS sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PersonaID, &rec.Role, &rec.TextRef,
			&rec.EmotionTag, &rec.Intensity, &rec.Redacted, &rec.Seq, &createdMS, &expiresMS); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		rec.CreatedAt = timeOfMS(createdMS)
		rec.ExpiresAt = timePtrOfMS(expiresMS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, userID, personaID string) (SummaryRecord, error) {
	var (
		rec       SummaryRecord
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, persona_id, summary_text, covered_seq, covered_turns, token_estimate, version, updated_at
		   FROM memory_summaries WHERE user_id=? AND persona_id=?`,
		userID, personaID,
	).Scan(&rec.UserID, &rec.PersonaID, &rec.SummaryText, &rec.CoveredSeq,
		&rec.CoveredTurns, &rec.TokenEstimate, &rec.Version, &updatedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SummaryRecord{}, ErrNotFound
		}
		return SummaryRecord{}, fmt.Errorf("get summary: %w", err)
	}
	rec.UpdatedAt = timeOfMS(updatedMS)
	return rec, nil
}

func (s *SQLiteStore) PutSummary(ctx context.Context, rec SummaryRecord) error {
	now := msOf(time.Now().UTC())
	if rec.Version == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_summaries (user_id, persona_id, summary_text, covered_seq, covered_turns, token_estimate, version, updated_at)
			 VALUES (?,?,?,?,?,?,1,?)
			 ON CONFLICT (user_id, persona_id) DO NOTHING`,
			rec.UserID, rec.PersonaID, rec.SummaryText, rec.CoveredSeq, rec.CoveredTurns, rec.TokenEstimate, now,
		)
		if err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		return affectedOrConflict(res, ErrVersionConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_summaries
		    SET summary_text=?, covered_seq=?, covered_turns=?, token_estimate=?, version=version+1, updated_at=?
		  WHERE user_id=? AND persona_id=? AND version=?`,
		rec.SummaryText, rec.CoveredSeq, rec.CoveredTurns, rec.TokenEstimate, now, rec.UserID, rec.PersonaID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return affectedOrConflict(res, ErrVersionConflict)
}

func (s *SQLiteStore) GetGrowth(ctx context.Context, userID string) (GrowthRecord, error) {
	var (
		rec       GrowthRecord
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, cumulative_size, stage, last_milestone_day, version, updated_at
		   FROM growth_states WHERE user_id=?`,
		userID,
	).Scan(&rec.UserID, &rec.CumulativeSize, &rec.Stage, &rec.LastMilestoneDay, &rec.Version, &updatedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GrowthRecord{}, ErrNotFound
		}
		return GrowthRecord{}, fmt.Errorf("get growth: %w", err)
	}
	rec.UpdatedAt = timeOfMS(updatedMS)
	return rec, nil
}

func (s *SQLiteStore) PutGrowth(ctx context.Context, rec GrowthRecord) error {
	now := msOf(time.Now().UTC())
	if rec.Version == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO growth_states (user_id, cumulative_size, stage, last_milestone_day, version, updated_at)
			 VALUES (?,?,?,?,1,?)
			 ON CONFLICT (user_id) DO NOTHING`,
			rec.UserID, rec.CumulativeSize, rec.Stage, rec.LastMilestoneDay, now,
		)
		if err != nil {
			return fmt.Errorf("insert growth: %w", err)
		}
		return affectedOrConflict(res, ErrVersionConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE growth_states
		    SET cumulative_size=?, stage=?, last_milestone_day=?, version=version+1, updated_at=?
		  WHERE user_id=? AND version=?`,
		rec.CumulativeSize, rec.Stage, rec.LastMilestoneDay, now, rec.UserID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update growth: %w", err)
	}
	return affectedOrConflict(res, ErrVersionConflict)
}

func (s *SQLiteStore) CreateMilestone(ctx context.Context, rec MilestoneRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (id, user_id, persona_id, trigger_turn_id, emotion_tag, day, created_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT (user_id, day) DO NOTHING`,
		rec.ID, rec.UserID, rec.PersonaID, rec.TriggerTurnID, rec.EmotionTag, rec.Day, msOf(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create milestone: %w", err)
	}
	return affectedOrConflict(res, ErrMilestoneExists)
}

func (s *SQLiteStore) ListMilestones(ctx context.Context, userID string, limit int) ([]MilestoneRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, persona_id, trigger_turn_id, emotion_tag, day, created_at
		   FROM milestones WHERE user_id=? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]MilestoneRecord, 0, limit)
	for rows.Next() {
		var (
			rec       MilestoneRecord
			createdMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PersonaID, &rec.TriggerTurnID,
			&rec.EmotionTag, &rec.Day, &createdMS); err != nil {
			return nil, fmt.Errorf("scan milestone row: %w", err)
		}
		rec.CreatedAt = timeOfMS(createdMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateRetargetJob(ctx context.Context, rec RetargetJobRecord) error {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retarget_jobs (id, user_id, new_tier, status, attempts, error, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.UserID, rec.NewTier, rec.Status, rec.Attempts, rec.Error, msOf(rec.CreatedAt), msOf(now),
	)
	if err != nil {
		return fmt.Errorf("create retarget job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRetargetJob(ctx context.Context, rec RetargetJobRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retarget_jobs SET status=?, attempts=?, error=?, updated_at=? WHERE id=?`,
		rec.Status, rec.Attempts, rec.Error, msOf(time.Now().UTC()), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update retarget job: %w", err)
	}
	return affectedOrConflict(res, ErrNotFound)
}

func (s *SQLiteStore) GetRetargetJob(ctx context.Context, id string) (RetargetJobRecord, error) {
	var (
		rec       RetargetJobRecord
		createdMS int64
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, new_tier, status, attempts, error, created_at, updated_at
		   FROM retarget_jobs WHERE id=?`,
		id,
	).Scan(&rec.ID, &rec.UserID, &rec.NewTier, &rec.Status, &rec.Attempts, &rec.Error, &createdMS, &updatedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RetargetJobRecord{}, ErrNotFound
		}
		return RetargetJobRecord{}, fmt.Errorf("get retarget job: %w", err)
	}
	rec.CreatedAt = timeOfMS(createdMS)
	rec.UpdatedAt = timeOfMS(updatedMS)
	return rec, nil
}

func (s *SQLiteStore) PendingRetargetJobs(ctx context.Context, limit int) ([]RetargetJobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, new_tier, status, attempts, error, created_at, updated_at
		   FROM retarget_jobs WHERE status=? ORDER BY created_at ASC LIMIT ?`,
		JobPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending retarget jobs: %w", err)
	}
	defer rows.Close()

	out := make([]RetargetJobRecord, 0, limit)
	for rows.Next() {
		var (
			rec       RetargetJobRecord
			createdMS int64
			updatedMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.NewTier, &rec.Status,
			&rec.Attempts, &rec.Error, &createdMS, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan retarget job row: %w", err)
		}
		rec.CreatedAt = timeOfMS(createdMS)
		rec.UpdatedAt = timeOfMS(updatedMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RetargetTTL(ctx context.Context, userID string, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversation_turns SET expires_at = created_at + ? WHERE user_id=?`,
		ttl.Milliseconds(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("retarget turn ttl: %w", err)
	}
	touched, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retarget turn ttl count: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE turn_blobs SET expires_at = created_at + ? WHERE user_id=?`,
		ttl.Milliseconds(), userID,
	); err != nil {
		return 0, fmt.Errorf("retarget blob ttl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return touched, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	for _, table := range []string{"conversation_turns", "turn_blobs"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at <= ?`, msOf(now))
		if err != nil {
			return removed, fmt.Errorf("purge %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("purge %s count: %w", table, err)
		}
		removed += n
	}
	return removed, nil
}

func (s *SQLiteStore) PutBlob(ctx context.Context, userID, ref, body string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_blobs (ref, user_id, body, created_at, expires_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT (ref) DO NOTHING`,
		ref, userID, body, msOf(time.Now().UTC()), msPtr(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBlobs(ctx context.Context, refs []string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(refs)), ",")
	args := make([]any, 0, len(refs)+1)
	for _, ref := range refs {
		args = append(args, ref)
	}
	args = append(args, msOf(time.Now().UTC()))
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, body FROM turn_blobs
		  WHERE ref IN (`+placeholders+`) AND (expires_at IS NULL OR expires_at > ?)`,
		args...,
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
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func affectedOrConflict(res sql.Result, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return conflict
	}
	return nil
}
