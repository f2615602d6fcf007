package memberlist

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemberSnapshot is one visible member's current state, as loaded from the rest of the system by a Source.
type MemberSnapshot struct {
	UserID      uuid.UUID
	DisplayName string
	Online      bool
	RoleIDs     []uuid.UUID
}

// Source loads the data needed to seed or refresh a channel scope's actor: the members visible in that channel
// (already filtered by ViewChannels and any other visibility rule) and the server's hoisted roles.
type Source interface {
	ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]MemberSnapshot, error)
	HoistedRoles(ctx context.Context) ([]HoistedRole, error)
}

// Manager owns actor lifecycle for the member-list engine: it lazily creates an Actor the first time a channel scope
// is subscribed to, and refreshes or tears down actors in response to membership, role, and presence changes.
// Actors are created lazily rather than eagerly for every channel at startup, since most channels have no open
// subscribers at any given moment.
type Manager struct {
	registry *Registry
	source   Source
	log      zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager creates a Manager backed by source. Its Registry is exposed so the gateway hub can route subscription
// requests to the actor a scope key resolves to.
func NewManager(source Source, logger zerolog.Logger) *Manager {
	return &Manager{
		registry: NewRegistry(),
		source:   source,
		log:      logger.With().Str("component", "memberlist_manager").Logger(),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Registry returns the actor registry the gateway hub resolves subscription requests against.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// GetOrCreate returns the actor for a channel scope, building and registering it from Source on first access.
func (m *Manager) GetOrCreate(ctx context.Context, channelID uuid.UUID) (*Actor, error) {
	scopeKey := channelID.String()
	if actor, ok := m.registry.Get(scopeKey); ok {
		return actor, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the lock: another goroutine may have created it while this one waited.
	if actor, ok := m.registry.Get(scopeKey); ok {
		return actor, nil
	}

	members, hoisted, err := m.load(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", scopeKey, err)
	}

	actorCtx, cancel := context.WithCancel(context.Background())
	actor := NewActor(actorCtx, members, hoisted, nil)
	m.registry.Register(scopeKey, actor)
	m.cancels[scopeKey] = cancel
	m.log.Debug().Str("scope", scopeKey).Int("members", len(members)).Msg("Created member-list actor")
	return actor, nil
}

// Refresh re-syncs an already-running scope's actor from Source. A scope with no actor yet (no one has subscribed to
// it) is skipped: its state is built fresh from Source the next time GetOrCreate is called, so there is nothing
// stale to refresh.
func (m *Manager) Refresh(ctx context.Context, channelID uuid.UUID) {
	scopeKey := channelID.String()
	actor, ok := m.registry.Get(scopeKey)
	if !ok {
		return
	}
	members, hoisted, err := m.load(ctx, channelID)
	if err != nil {
		m.log.Warn().Err(err).Str("scope", scopeKey).Msg("Failed to refresh member-list scope")
		return
	}
	actor.Sync(members, hoisted)
}

// RefreshAll re-syncs every currently running scope's actor. Used for changes whose blast radius isn't scoped to one
// channel, such as a role's hoist flag or position changing, or a member's role assignments changing, both of which
// can shift group membership in any channel the affected members can see.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, key := range m.registry.Keys() {
		channelID, err := uuid.Parse(key)
		if err != nil {
			continue
		}
		m.Refresh(ctx, channelID)
	}
}

// Teardown stops and unregisters a scope's actor, e.g. once its channel is deleted. A scope with no running actor is
// a no-op.
func (m *Manager) Teardown(channelID uuid.UUID) {
	scopeKey := channelID.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[scopeKey]; ok {
		cancel()
		delete(m.cancels, scopeKey)
	}
	m.registry.Unregister(scopeKey)
}

func (m *Manager) load(ctx context.Context, channelID uuid.UUID) ([]Member, []HoistedRole, error) {
	snaps, err := m.source.ChannelMembers(ctx, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("list channel members: %w", err)
	}
	hoisted, err := m.source.HoistedRoles(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list hoisted roles: %w", err)
	}

	members := make([]Member, len(snaps))
	for i, s := range snaps {
		members[i] = Member{
			Entry:          Entry{UserID: s.UserID, DisplayName: s.DisplayName, Online: s.Online},
			HoistedRoleIDs: s.RoleIDs,
		}
	}
	return members, hoisted, nil
}
