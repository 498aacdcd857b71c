// Package transcript archives completed conversation round-trips for
// offline inspection. The archive is write-only at runtime: it never feeds
// the in-memory history store, so restarting the bot always starts with
// empty conversation state.
package transcript

import (
	"context"
	"strings"

	"github.com/ent0n29/kadenbot/internal/history"
)

// Recorder persists completed round-trips.
type Recorder interface {
	Record(ctx context.Context, channelID string, turns []history.Turn) error
	Close() error
}

// NewRecorder creates a postgres-backed recorder when configured, otherwise
// a no-op one.
func NewRecorder(ctx context.Context, databaseURL string) (Recorder, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NoopRecorder{}, nil
	}
	return NewPostgresRecorder(ctx, databaseURL)
}

// NoopRecorder discards every round-trip.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, string, []history.Turn) error { return nil }
func (NoopRecorder) Close() error                                         { return nil }
