package permission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-server/internal/protocol/permissions"
)

// baseViewPermissions is what a lurker (a non-member viewing an open-join room's public channels) is granted: enough
// to read, never enough to write.
const baseViewPermissions = permissions.ViewChannels | permissions.ReadMessageHistory

// Resolver computes effective permissions for a user in a channel.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger}
}

// Effective is the full outcome of a channel-level permission computation: the granted bitset plus the special
// flags spec.md §4.1 tracks alongside it (lurker, timed_out, quarantined, channel_locked, locked_bypass). The
// bitset is never reduced to reflect a flag — a timed-out member whose role grants Admin still reports
// Has(Admin) == true, with FlagTimedOut set at the same time (testable scenario 2). Callers that must enforce a
// flag check it explicitly via HasFlag.
type Effective struct {
	permissions.Permission
	flagBits uint8
}

// HasFlag reports whether f is set on this result.
func (e Effective) HasFlag(f permissions.Flag) bool {
	return e.flagBits&(1<<uint(f)) != 0
}

func (e *Effective) setFlag(f permissions.Flag) {
	e.flagBits |= 1 << uint(f)
}

// Resolve returns the effective permission bitset for a user in a channel, using the cache when available. It does
// not carry flags: FlagTimedOut and FlagChannelLocked are derived from wall-clock state that can flip between cache
// refreshes, so any caller that needs them must use ResolveEffective instead, which always recomputes them live.
func (r *Resolver) Resolve(ctx context.Context, userID, channelID uuid.UUID) (permissions.Permission, error) {
	perm, ok, err := r.cache.Get(ctx, userID, channelID)
	if err != nil {
		r.log.Warn().Err(err).Msg("Permission cache get failed, falling through to compute")
	}
	if ok {
		return perm, nil
	}

	eff, err := r.compute(ctx, userID, channelID)
	if err != nil {
		return 0, err
	}
	perm = eff.Permission

	if cacheErr := r.cache.Set(ctx, userID, channelID, perm); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("Permission cache set failed")
	}

	return perm, nil
}

// ResolveEffective returns the full bitset-plus-flags result for a user in a channel. Unlike Resolve, this bypasses
// the permission cache entirely: the flags it carries are time-sensitive (a timeout expiring, a lock lifting) and
// must reflect the current instant, not a value cached up to CacheTTL ago.
func (r *Resolver) ResolveEffective(ctx context.Context, userID, channelID uuid.UUID) (Effective, error) {
	return r.compute(ctx, userID, channelID)
}

// HasPermission checks whether a user has a specific permission in a channel.
func (r *Resolver) HasPermission(ctx context.Context, userID, channelID uuid.UUID, perm permissions.Permission) (bool, error) {
	effective, err := r.Resolve(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// FilterPermitted reports, for each channel in channelIDs (same order, same length), whether the user holds perm
// there. Each channel is resolved independently via Resolve, so cache hits and ancestor-chain lookups are reused
// exactly as they would be for individual HasPermission calls.
func (r *Resolver) FilterPermitted(ctx context.Context, userID uuid.UUID, channelIDs []uuid.UUID, perm permissions.Permission) ([]bool, error) {
	result := make([]bool, len(channelIDs))
	for i, channelID := range channelIDs {
		ok, err := r.HasPermission(ctx, userID, channelID, perm)
		if err != nil {
			return nil, fmt.Errorf("resolve permission for channel %s: %w", channelID, err)
		}
		result[i] = ok
	}
	return result, nil
}

// ResolveServer returns the effective room-level permissions for a user: owner bypass and role union, with no
// channel or category overrides (there is no channel at this scope).
func (r *Resolver) ResolveServer(ctx context.Context, userID uuid.UUID) (permissions.Permission, error) {
	isOwner, err := r.store.IsOwner(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("check owner: %w", err)
	}
	if isOwner {
		return permissions.OwnerDefaultPermissions, nil
	}

	base, err := r.roleUnion(ctx, userID)
	if err != nil {
		return 0, err
	}
	if base.Has(permissions.Admin) {
		return permissions.AllPermissions, nil
	}
	return base, nil
}

// HasServerPermission checks whether a user has a specific room-level permission.
func (r *Resolver) HasServerPermission(ctx context.Context, userID uuid.UUID, perm permissions.Permission) (bool, error) {
	effective, err := r.ResolveServer(ctx, userID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

func (r *Resolver) roleUnion(ctx context.Context, userID uuid.UUID) (permissions.Permission, error) {
	roleEntries, err := r.store.RolePermissions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get role permissions: %w", err)
	}
	var base permissions.Permission
	for _, entry := range roleEntries {
		base = base.Add(entry.Permissions)
	}
	return base, nil
}

// compute runs the full permission algorithm:
//
//  1. Owner bypass: the room owner always resolves to {Admin, ViewChannels} (OwnerDefaultPermissions), per spec.md
//     §4.1 step 1 — not AllPermissions; owner is a distinct bypass path from the Admin permission bit.
//  2. Non-members of an open-join room "lurk": they get baseViewPermissions on every channel and nothing else, since
//     they hold no roles for overrides to apply to. FlagLurker is set.
//  3. Role union: permissions from every role the member holds are combined. Admin short-circuits to AllPermissions.
//  4. Ancestor-chain overrides: starting from the outermost ancestor (the channel's category, if any) down to the
//     channel itself (and, for a thread, its parent channel and then the thread), each level's overrides are applied
//     in principal order: @everyone first, then the member's roles, then the member's own user override. A deny at
//     any level is only as final as the next level that re-allows it; the thread (or channel) override is always the
//     last word.
//  5. Flags, not suppression: timed_out, quarantined, channel_locked, and locked_bypass are recorded as flags
//     alongside the returned bitset. The bitset itself is never reduced to reflect them — scenario 2 requires that a
//     timed-out member whose role grants Admin still reports Has(Admin) == true, with FlagTimedOut set at the same
//     time. Enforcement against these flags is the caller's responsibility (see RequirePermission).
func (r *Resolver) compute(ctx context.Context, userID, channelID uuid.UUID) (Effective, error) {
	isOwner, err := r.store.IsOwner(ctx, userID)
	if err != nil {
		return Effective{}, fmt.Errorf("check owner: %w", err)
	}
	if isOwner {
		return Effective{Permission: permissions.OwnerDefaultPermissions}, nil
	}

	memberFlags, err := r.store.MemberFlags(ctx, userID)
	if err != nil {
		return Effective{}, fmt.Errorf("get member flags: %w", err)
	}

	if !memberFlags.IsMember {
		openJoin, err := r.store.RoomOpenJoin(ctx)
		if err != nil {
			return Effective{}, fmt.Errorf("check room open join: %w", err)
		}
		if !openJoin {
			return Effective{}, nil
		}
		eff := Effective{Permission: baseViewPermissions}
		eff.setFlag(permissions.FlagLurker)
		return eff, nil
	}

	roleEntries, err := r.store.RolePermissions(ctx, userID)
	if err != nil {
		return Effective{}, fmt.Errorf("get role permissions: %w", err)
	}
	var base permissions.Permission
	roleIDs := make(map[uuid.UUID]struct{}, len(roleEntries))
	for _, entry := range roleEntries {
		base = base.Add(entry.Permissions)
		roleIDs[entry.RoleID] = struct{}{}
	}

	chanInfo, err := r.store.ChannelInfo(ctx, channelID)
	if err != nil {
		return Effective{}, fmt.Errorf("get channel info: %w", err)
	}

	if base.Has(permissions.Admin) {
		base = permissions.AllPermissions
	} else {
		for _, level := range ancestorChain(chanInfo) {
			overrides, err := r.store.Overrides(ctx, level.targetType, level.targetID)
			if err != nil {
				return Effective{}, fmt.Errorf("get %s overrides: %w", level.targetType, err)
			}
			base = applyOverrides(base, overrides, roleIDs, userID)
		}
	}

	eff := Effective{Permission: base}

	locked, err := r.channelLocked(ctx, channelID, chanInfo)
	if err != nil {
		return Effective{}, err
	}
	if locked {
		eff.setFlag(permissions.FlagChannelLocked)
		if base.Has(permissions.BypassChannelLock) || base.Has(permissions.ManageChannels) {
			eff.setFlag(permissions.FlagLockedBypass)
		}
	}

	if memberFlags.TimedOut {
		eff.setFlag(permissions.FlagTimedOut)
	}
	if memberFlags.Quarantined {
		eff.setFlag(permissions.FlagQuarantined)
	}

	return eff, nil
}

func (r *Resolver) channelLocked(ctx context.Context, channelID uuid.UUID, info ChannelInfo) (bool, error) {
	if info.ID == channelID {
		return info.Locked, nil
	}
	leaf, err := r.store.ChannelInfo(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("get channel info: %w", err)
	}
	return leaf.Locked, nil
}

// overrideLevel pairs an ancestor-chain entry with the override target it should be looked up under.
type overrideLevel struct {
	targetType TargetType
	targetID   uuid.UUID
}

// ancestorChain returns the override lookup levels from outermost (category) to innermost (the channel or thread
// itself), in the order they must be applied.
func ancestorChain(info ChannelInfo) []overrideLevel {
	var chain []overrideLevel
	if info.CategoryID != nil {
		chain = append(chain, overrideLevel{TargetCategory, *info.CategoryID})
	}
	if info.ParentID != nil {
		chain = append(chain, overrideLevel{TargetChannel, *info.ParentID})
		chain = append(chain, overrideLevel{TargetThread, info.ID})
	} else {
		chain = append(chain, overrideLevel{TargetChannel, info.ID})
	}
	return chain
}

// applyOverrides applies one ancestor level's overrides to a base bitfield, in fixed principal precedence:
// @everyone, then the roles the member holds, then the member's own override.
func applyOverrides(base permissions.Permission, overrides []Override, userRoles map[uuid.UUID]struct{}, userID uuid.UUID) permissions.Permission {
	var everyoneAllow, everyoneDeny, roleAllow, roleDeny permissions.Permission
	var userOverride *Override

	for i := range overrides {
		o := &overrides[i]
		switch o.PrincipalType {
		case PrincipalUser:
			if o.PrincipalID == userID {
				userOverride = o
			}
		case PrincipalRole:
			if _, held := userRoles[o.PrincipalID]; held {
				roleAllow = roleAllow.Add(o.Allow)
				roleDeny = roleDeny.Add(o.Deny)
			}
		case PrincipalEveryone:
			everyoneAllow = everyoneAllow.Add(o.Allow)
			everyoneDeny = everyoneDeny.Add(o.Deny)
		}
	}

	base = base.Add(everyoneAllow)
	base = base.Remove(everyoneDeny)
	base = base.Add(roleAllow)
	base = base.Remove(roleDeny)

	if userOverride != nil {
		base = base.Add(userOverride.Allow)
		base = base.Remove(userOverride.Deny)
	}

	return base
}
