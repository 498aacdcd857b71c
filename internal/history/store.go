package history

import "sync"

// Store keeps a bounded conversation history per channel. Each channel is
// bounded independently at maxTurns; eviction always drops the oldest turns
// first. The number of channels is unbounded and entries live for the
// process lifetime.
type Store struct {
	mu       sync.RWMutex
	maxTurns int
	channels map[string][]Turn
}

// NewStore creates a Store retaining at most maxTurns turns per channel.
// A maxTurns of zero or below disables retention entirely.
func NewStore(maxTurns int) *Store {
	return &Store{
		maxTurns: maxTurns,
		channels: make(map[string][]Turn),
	}
}

// Get returns a copy of a channel's history in chronological order, or an
// empty slice for a channel that has no stored turns.
func (s *Store) Get(channelID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.channels[channelID]
	if len(turns) == 0 {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Append adds turns to a channel's history in order, then truncates from
// the front so at most maxTurns remain. The channel entry is allocated
// lazily on first append.
func (s *Store) Append(channelID string, turns ...Turn) {
	if len(turns) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxTurns <= 0 {
		// Retention disabled: record the channel but keep nothing.
		if _, ok := s.channels[channelID]; !ok {
			s.channels[channelID] = nil
		}
		return
	}

	updated := append(s.channels[channelID], turns...)
	if len(updated) > s.maxTurns {
		// Reallocate the suffix so evicted turns do not pin the old array.
		kept := make([]Turn, s.maxTurns)
		copy(kept, updated[len(updated)-s.maxTurns:])
		updated = kept
	}
	s.channels[channelID] = updated
}

// Len reports the number of turns currently stored for a channel.
func (s *Store) Len(channelID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channelID])
}

// ChannelCount reports how many channels have been seen so far.
func (s *Store) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// MaxTurns returns the per-channel retention limit.
func (s *Store) MaxTurns() int {
	return s.maxTurns
}
