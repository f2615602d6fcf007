package permission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uncord-chat/uncord-server/internal/protocol/permissions"
)

// ErrOverrideNotFound is returned when a permission override does not exist.
var ErrOverrideNotFound = errors.New("permission override not found")

// TargetType identifies what kind of entity a permission override applies to.
type TargetType string

const (
	TargetChannel  TargetType = "channel"
	TargetCategory TargetType = "category"
	// TargetThread overrides apply to a single thread, layered on top of its parent channel's overrides.
	TargetThread TargetType = "thread"
)

// PrincipalType identifies whether a permission override is for the room's default role, a specific role, or a
// specific user. Overrides are applied in that order, each layer able to override the one before it.
type PrincipalType string

const (
	PrincipalEveryone PrincipalType = "everyone"
	PrincipalRole     PrincipalType = "role"
	PrincipalUser     PrincipalType = "user"
)

// Override represents a channel, category, or thread-level permission override.
type Override struct {
	PrincipalType PrincipalType
	PrincipalID   uuid.UUID
	Allow         permissions.Permission
	Deny          permissions.Permission
}

// ChannelInfo holds a channel's placement within its room: its optional category, and, for threads, the channel it
// was forked from. Overrides are resolved from the outermost ancestor (category) to the innermost (the thread
// itself), so a thread inherits its parent channel's overrides unless it sets its own.
type ChannelInfo struct {
	ID         uuid.UUID
	CategoryID *uuid.UUID
	ParentID   *uuid.UUID
	Locked     bool
}

// RolePermEntry pairs a role ID with its room-level permissions bitfield.
type RolePermEntry struct {
	RoleID      uuid.UUID
	Permissions permissions.Permission
}

// MemberFlags holds the membership-derived state that the resolver checks outside the permission bitset.
type MemberFlags struct {
	// IsMember is false for a non-member viewing an open-join room as a lurker: such a viewer gets ViewChannels and
	// ReadMessageHistory on public channels and nothing else, regardless of role overrides (there are none to apply).
	IsMember bool
	// TimedOut is true when the member has an active timeout. The resolver reports it as FlagTimedOut without
	// changing the bitset; RequirePermission then refuses every permission except ViewChannels and ReadMessageHistory.
	TimedOut bool
	// Quarantined is true when a moderator has quarantined the member. The resolver reports it as FlagQuarantined
	// without changing the bitset; RequirePermission then refuses every permission except ViewChannels and
	// ReadMessageHistory.
	Quarantined bool
}

// OverrideRow represents a full permission override row from the database.
type OverrideRow struct {
	ID            uuid.UUID
	TargetType    TargetType
	TargetID      uuid.UUID
	PrincipalType PrincipalType
	PrincipalID   uuid.UUID
	Allow         permissions.Permission
	Deny          permissions.Permission
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OverrideStore provides write access to permission overrides.
type OverrideStore interface {
	Set(ctx context.Context, targetType TargetType, targetID uuid.UUID, principalType PrincipalType, principalID uuid.UUID, allow, deny permissions.Permission) (*OverrideRow, error)
	Delete(ctx context.Context, targetType TargetType, targetID uuid.UUID, principalType PrincipalType, principalID uuid.UUID) error
}

// Store provides read access to permission-related data.
type Store interface {
	IsOwner(ctx context.Context, userID uuid.UUID) (bool, error)
	RolePermissions(ctx context.Context, userID uuid.UUID) ([]RolePermEntry, error)
	ChannelInfo(ctx context.Context, channelID uuid.UUID) (ChannelInfo, error)
	Overrides(ctx context.Context, targetType TargetType, targetID uuid.UUID) ([]Override, error)
	MemberFlags(ctx context.Context, userID uuid.UUID) (MemberFlags, error)
	RoomOpenJoin(ctx context.Context) (bool, error)
}
