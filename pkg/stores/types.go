package stores

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/upll/pkg/datastore"
	"github.com/openfroyo/upll/pkg/engine"
)

// EpisodeKind names what an episode did.
type EpisodeKind string

const (
	EpisodeKindCommit  EpisodeKind = "commit"
	EpisodeKindAudit   EpisodeKind = "audit"
	EpisodeKindImport  EpisodeKind = "import"
	EpisodeKindStartup EpisodeKind = "startup"
	EpisodeKindAbort   EpisodeKind = "abort"
)

// EpisodeStatus represents the status of an episode
type EpisodeStatus string

const (
	EpisodeStatusRunning   EpisodeStatus = "running"
	EpisodeStatusCompleted EpisodeStatus = "completed"
	EpisodeStatusFailed    EpisodeStatus = "failed"
	EpisodeStatusAborted   EpisodeStatus = "aborted"
)

// IsTerminal returns true if the status is final.
func (s EpisodeStatus) IsTerminal() bool {
	return s == EpisodeStatusCompleted || s == EpisodeStatusFailed || s == EpisodeStatusAborted
}

// Episode is one journaled commit, audit, import or startup episode.
type Episode struct {
	ID          string            `json:"id"`
	Kind        EpisodeKind       `json:"kind"`
	KeyType     engine.KeyType    `json:"key_type,omitempty"`
	Mode        engine.ConfigMode `json:"mode"`
	VTN         string            `json:"vtn,omitempty"`
	Controller  string            `json:"controller,omitempty"`
	Status      EpisodeStatus     `json:"status"`
	Rows        int               `json:"rows"`
	Error       *string           `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// NewEpisode returns a running episode with a fresh id.
func NewEpisode(kind EpisodeKind, kt engine.KeyType, scope engine.Scope) *Episode {
	return &Episode{
		ID:        uuid.New().String(),
		Kind:      kind,
		KeyType:   kt,
		Mode:      scope.Mode,
		VTN:       scope.VTN,
		Status:    EpisodeStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Journal records episodes.
type Journal interface {
	CreateEpisode(ctx context.Context, ep *Episode) error
	CompleteEpisode(ctx context.Context, id string, status EpisodeStatus, rows int, errMsg *string) error
	GetEpisode(ctx context.Context, id string) (*Episode, error)
	ListEpisodes(ctx context.Context, limit, offset int) ([]*Episode, error)
}

// Store defines the interface for the persistence layer
type Store interface {
	datastore.Adapter
	Journal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Utility
	HealthCheck(ctx context.Context) error
}
