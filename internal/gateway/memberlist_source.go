package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/uncord-chat/uncord-server/internal/member"
	"github.com/uncord-chat/uncord-server/internal/memberlist"
	"github.com/uncord-chat/uncord-server/internal/permission"
	"github.com/uncord-chat/uncord-server/internal/presence"
	"github.com/uncord-chat/uncord-server/internal/protocol/permissions"
	"github.com/uncord-chat/uncord-server/internal/role"
)

// hubMemberSource adapts the hub's existing repositories into memberlist.Source. Membership in this system is
// server-wide (there is no separate per-channel roster), so "the members of a channel" means every server member
// with ViewChannels on that channel; role hoisting is likewise server-wide.
type hubMemberSource struct {
	members  member.Repository
	roles    role.Repository
	presence *presence.Store
	resolver *permission.Resolver
}

// pageSize bounds each member.Repository.List call while paging through the full membership.
const memberSourcePageSize = member.MaxLimit

func (s *hubMemberSource) ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]memberlist.MemberSnapshot, error) {
	all, err := s.listAllMembers(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	userIDs := make([]uuid.UUID, len(all))
	for i, m := range all {
		userIDs[i] = m.UserID
	}
	visible := make([]bool, len(all))
	for i, id := range userIDs {
		ok, permErr := s.resolver.HasPermission(ctx, id, channelID, permissions.ViewChannels)
		if permErr != nil {
			return nil, fmt.Errorf("check visibility for member %s: %w", id, permErr)
		}
		visible[i] = ok
	}

	presences, err := s.presence.GetMany(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	online := make(map[string]bool, len(presences))
	for _, p := range presences {
		online[p.UserID] = p.Status != "" && p.Status != "offline"
	}

	snaps := make([]memberlist.MemberSnapshot, 0, len(all))
	for i, m := range all {
		if !visible[i] {
			continue
		}
		snaps = append(snaps, memberlist.MemberSnapshot{
			UserID:      m.UserID,
			DisplayName: effectiveDisplayName(m),
			Online:      online[m.UserID.String()],
			RoleIDs:     m.RoleIDs,
		})
	}
	return snaps, nil
}

func (s *hubMemberSource) HoistedRoles(ctx context.Context) ([]memberlist.HoistedRole, error) {
	all, err := s.roles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	hoisted := make([]memberlist.HoistedRole, 0, len(all))
	for _, r := range all {
		if r.Hoist {
			hoisted = append(hoisted, memberlist.HoistedRole{ID: r.ID, Position: r.Position})
		}
	}
	return hoisted, nil
}

// listAllMembers pages through member.Repository.List until a short page indicates the end of the set.
func (s *hubMemberSource) listAllMembers(ctx context.Context) ([]member.MemberWithProfile, error) {
	var all []member.MemberWithProfile
	var after *uuid.UUID
	for {
		page, err := s.members.List(ctx, after, memberSourcePageSize)
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		all = append(all, page...)
		if len(page) < memberSourcePageSize {
			return all, nil
		}
		last := page[len(page)-1].UserID
		after = &last
	}
}

// effectiveDisplayName resolves the name shown in the member list: nickname overrides profile display name, which
// overrides the bare username.
func effectiveDisplayName(m member.MemberWithProfile) string {
	if m.Nickname != nil && *m.Nickname != "" {
		return *m.Nickname
	}
	if m.DisplayName != nil && *m.DisplayName != "" {
		return *m.DisplayName
	}
	return m.Username
}
