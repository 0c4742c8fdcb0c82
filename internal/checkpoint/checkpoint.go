package checkpoint

import (
	"context"
	"time"
)

// State is the ingestion progress of one (dataset, instrument) key.
type State struct {
	Dataset     string            `json:"dataset"`
	Instrument  string            `json:"instrument"`
	Checkpoint  time.Time         `json:"checkpoint"`
	Extra       map[string]string `json:"extra,omitempty"`
	EmptyStreak int               `json:"emptyStreak"`
	Dormant     bool              `json:"dormant"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Update is one checkpoint advance request.
type Update struct {
	Dataset    string
	Instrument string
	Checkpoint time.Time
	Extra      map[string]string
	// Empty marks a window that produced no rows; it extends the empty
	// streak instead of resetting it.
	Empty bool
}

type Repository interface {
	// Get returns nil, nil when the key has never been advanced.
	Get(ctx context.Context, dataset, instrument string) (*State, error)
	List(ctx context.Context, dataset string) ([]State, error)
	// Advance applies u in one statement. The stored checkpoint becomes
	// max(stored, u.Checkpoint); the instrument turns dormant once its empty
	// streak reaches dormancyThreshold.
	Advance(ctx context.Context, u Update, dormancyThreshold int) (*State, error)
}
