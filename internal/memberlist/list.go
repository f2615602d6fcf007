// Package memberlist builds the ordered, grouped member sidebar view model for a scope (a room or a thread) and
// streams incremental updates to it. The full view is a single ordered sequence of groups: each hoisted role in
// descending position order, then an Online group, then an Offline group; empty groups are omitted entirely.
// Within a group, entries sort by display name (case-insensitive) then by user ID to break ties deterministically.
package memberlist

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Well-known group keys for the two status groups. Hoisted-role groups use the role's UUID string as their key.
const (
	GroupOnline  = "online"
	GroupOffline = "offline"
)

// Entry is a single row in the member list: one user's membership state within the scope.
type Entry struct {
	UserID      uuid.UUID
	DisplayName string
	Online      bool
}

// sortKey is the case-folded name used for ordering; user ID breaks ties so the order is stable across entries that
// share a display name.
func (e Entry) sortKey() string {
	return strings.ToLower(e.DisplayName)
}

// HoistedRole is a role eligible to form its own group: members holding it are listed under the role's name instead
// of falling through to Online/Offline, provided the role is the highest-position hoisted role they hold.
type HoistedRole struct {
	ID       uuid.UUID
	Position int
}

// Group is one ordered section of the member list.
type Group struct {
	Key     string
	Members []Entry
}

// Member is one room member considered for placement: their entry plus the hoisted roles they hold (if any).
type Member struct {
	Entry
	HoistedRoleIDs []uuid.UUID
}

// Build computes the full ordered group sequence for a scope, given its members, the hoisted roles defined for it
// (descending position order is not required of the input; Build sorts them), and a visibility predicate deciding
// which members appear at all (e.g. thread membership, or room-level ViewChannels via the permission resolver).
func Build(members []Member, hoisted []HoistedRole, visible func(uuid.UUID) bool) []Group {
	byPosition := make([]HoistedRole, len(hoisted))
	copy(byPosition, hoisted)
	sort.Slice(byPosition, func(i, j int) bool { return byPosition[i].Position > byPosition[j].Position })

	roleGroups := make(map[uuid.UUID][]Entry, len(byPosition))
	var online, offline []Entry

	for _, m := range members {
		if visible != nil && !visible(m.UserID) {
			continue
		}
		placed := false
		for _, role := range byPosition {
			if containsRole(m.HoistedRoleIDs, role.ID) {
				roleGroups[role.ID] = append(roleGroups[role.ID], m.Entry)
				placed = true
				break
			}
		}
		if placed {
			continue
		}
		if m.Online {
			online = append(online, m.Entry)
		} else {
			offline = append(offline, m.Entry)
		}
	}

	var groups []Group
	for _, role := range byPosition {
		entries := roleGroups[role.ID]
		if len(entries) == 0 {
			continue
		}
		sortEntries(entries)
		groups = append(groups, Group{Key: role.ID.String(), Members: entries})
	}
	if len(online) > 0 {
		sortEntries(online)
		groups = append(groups, Group{Key: GroupOnline, Members: online})
	}
	if len(offline) > 0 {
		sortEntries(offline)
		groups = append(groups, Group{Key: GroupOffline, Members: offline})
	}
	return groups
}

func containsRole(roles []uuid.UUID, id uuid.UUID) bool {
	for _, r := range roles {
		if r == id {
			return true
		}
	}
	return false
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		ki, kj := entries[i].sortKey(), entries[j].sortKey()
		if ki != kj {
			return ki < kj
		}
		return entries[i].UserID.String() < entries[j].UserID.String()
	})
}
