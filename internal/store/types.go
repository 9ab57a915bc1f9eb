// Package store persists the engine's durable state: conversation turns and
// their bodies, memory summaries, growth states, milestones, and retarget
// jobs. Backends share one contract; the conditional-put semantics below are
// what the growth and memory layers rely on for correctness.
package store

import (
	"context"
	"errors"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Retarget job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned by conditional puts when the stored
	// version no longer matches the one the caller read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrMilestoneExists is returned when a milestone already exists for
	// the same user and calendar day.
	ErrMilestoneExists = errors.New("milestone exists for day")
)

// TurnRecord is one conversation turn. The body lives in the blob store
// under TextRef so turn rows stay small. Seq is assigned by AppendTurn and
// orders turns within (UserID, PersonaID).
type TurnRecord struct {
	ID         string
	UserID     string
	PersonaID  string
	Role       string
	TextRef    string
	EmotionTag string
	Intensity  int
	Redacted   bool
	Seq        int64
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// SummaryRecord is the single rolling memory summary per (user, persona).
// CoveredSeq is the highest turn Seq folded into SummaryText; it only moves
// forward.
type SummaryRecord struct {
	UserID        string
	PersonaID     string
	SummaryText   string
	CoveredSeq    int64
	CoveredTurns  int
	TokenEstimate int
	Version       int64
	UpdatedAt     time.Time
}

// GrowthRecord is the per-user growth state backing the visualization.
// LastMilestoneDay is an advisory fast-path marker; day-level milestone
// uniqueness is enforced by CreateMilestone.
type GrowthRecord struct {
	UserID           string
	CumulativeSize   int64
	Stage            int
	LastMilestoneDay string
	Version          int64
	UpdatedAt        time.Time
}

// MilestoneRecord is an immutable fruit event. Day is the user-local
// calendar day (YYYY-MM-DD) used for the once-per-day guarantee. The
// record is served to clients as-is, hence the wire tags.
type MilestoneRecord struct {
	ID            string    `json:"milestone_id"`
	UserID        string    `json:"user_id"`
	PersonaID     string    `json:"persona_id"`
	TriggerTurnID string    `json:"trigger_turn_id"`
	EmotionTag    string    `json:"emotion_tag"`
	Day           string    `json:"day"`
	CreatedAt     time.Time `json:"created_at"`
}

// RetargetJobRecord is the durable handle of an asynchronous retention
// retarget. The job body is idempotent, so at-least-once execution is safe.
type RetargetJobRecord struct {
	ID        string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	NewTier   string    `json:"new_tier"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable state contract.
//
// PutSummary and PutGrowth are conditional: the caller passes the record
// with the Version it read, the store persists it with Version+1 only when
// the stored version still equals the one passed, and Version 0 means
// insert. A lost race yields ErrVersionConflict and the caller re-reads.
//
// Reads never return expired records; PurgeExpired reclaims them.
type Store interface {
	AppendTurn(ctx context.Context, rec *TurnRecord) error
	// TurnsSince returns up to limit turns with Seq > afterSeq, oldest
	// first. RecentTurns returns the newest limit of those instead, still
	// in ascending order.
	TurnsSince(ctx context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error)
	RecentTurns(ctx context.Context, userID, personaID string, afterSeq int64, limit int) ([]TurnRecord, error)

	GetSummary(ctx context.Context, userID, personaID string) (SummaryRecord, error)
	PutSummary(ctx context.Context, rec SummaryRecord) error

	GetGrowth(ctx context.Context, userID string) (GrowthRecord, error)
	PutGrowth(ctx context.Context, rec GrowthRecord) error

	CreateMilestone(ctx context.Context, rec MilestoneRecord) error
	ListMilestones(ctx context.Context, userID string, limit int) ([]MilestoneRecord, error)

	CreateRetargetJob(ctx context.Context, rec RetargetJobRecord) error
	UpdateRetargetJob(ctx context.Context, rec RetargetJobRecord) error
	GetRetargetJob(ctx context.Context, id string) (RetargetJobRecord, error)
	PendingRetargetJobs(ctx context.Context, limit int) ([]RetargetJobRecord, error)

	// RetargetTTL rewrites expires_at = created_at + ttl for every turn
	// and blob of the user. Returns the number of turns touched.
	RetargetTTL(ctx context.Context, userID string, ttl time.Duration) (int64, error)
	// PurgeExpired deletes turns and blobs whose expiry is at or before
	// now. Returns the number of rows deleted.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// BlobStore holds turn bodies by reference. Implemented by every Store
// backend; kept separate so body access stays an explicit dependency.
type BlobStore interface {
	PutBlob(ctx context.Context, userID, ref, body string, expiresAt *time.Time) error
	GetBlobs(ctx context.Context, refs []string) (map[string]string, error)
}
