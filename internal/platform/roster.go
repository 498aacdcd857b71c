package platform

import (
	"sort"
	"sync"
)

// presence states treated as "active" for the presence-lookup path.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
	StatusOffline = "offline"
)

type memberState struct {
	DisplayName string
	IsBot       bool
	Status      string
}

// Roster tracks member presence per guild. It is populated from gateway
// guild-create, member-chunk and presence-update events, and read by the
// presence-lookup path.
type Roster struct {
	mu     sync.RWMutex
	guilds map[string]map[string]memberState
}

func NewRoster() *Roster {
	return &Roster{guilds: make(map[string]map[string]memberState)}
}

// UpsertMember records a member's identity. The previous status is kept
// when the member was already known; new members start offline until a
// presence event arrives.
func (r *Roster) UpsertMember(guildID, userID, displayName string, isBot bool) {
	if guildID == "" || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.guilds[guildID]
	if members == nil {
		members = make(map[string]memberState)
		r.guilds[guildID] = members
	}
	state := members[userID]
	if state.Status == "" {
		state.Status = StatusOffline
	}
	if displayName != "" {
		state.DisplayName = displayName
	}
	state.IsBot = isBot
	members[userID] = state
}

// SetStatus records a member's presence state. Unknown members are created
// so presence events arriving before the member chunk are not lost.
func (r *Roster) SetStatus(guildID, userID, status string) {
	if guildID == "" || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.guilds[guildID]
	if members == nil {
		members = make(map[string]memberState)
		r.guilds[guildID] = members
	}
	state := members[userID]
	state.Status = status
	members[userID] = state
}

// ListPresentMembers returns the display names of non-bot members whose
// status is online, idle or dnd, sorted for stable output.
func (r *Roster) ListPresentMembers(guildID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for userID, state := range r.guilds[guildID] {
		if state.IsBot {
			continue
		}
		switch state.Status {
		case StatusOnline, StatusIdle, StatusDND:
		default:
			continue
		}
		name := state.DisplayName
		if name == "" {
			name = userID
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GuildCount reports how many guilds have roster entries.
func (r *Roster) GuildCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.guilds)
}
