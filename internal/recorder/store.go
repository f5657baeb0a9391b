// Package recorder persists completed conversation turns. It subscribes to
// the event bus, assembles a TurnRecord per finished request, and writes it
// to a durable store. The recorder exclusively owns turn records.
package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound indicates no record exists for the turn id.
var ErrNotFound = errors.New("turn record not found")

// Store is the durable backend for turn records. Save is idempotent keyed
// by turn id. Implementations serialise writes internally; the recorder is
// the single writer.
type Store interface {
	// Save persists a record. Saving the same turn id twice is a no-op.
	Save(ctx context.Context, record *models.TurnRecord) error

	// Get loads a record by turn id.
	Get(ctx context.Context, turnID string) (*models.TurnRecord, error)

	// Prune deletes records that arrived before the cutoff, returning the
	// number removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Name identifies the store for logs and metrics.
	Name() string

	// Close releases backend resources.
	Close() error
}
