package memberlist

import (
	"testing"

	"github.com/google/uuid"
)

func TestBuildGroupsHoistedOnlineOffline(t *testing.T) {
	t.Parallel()

	admin := HoistedRole{ID: uuid.New(), Position: 10}
	mod := HoistedRole{ID: uuid.New(), Position: 5}

	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()
	dave := uuid.New()

	members := []Member{
		{Entry: Entry{UserID: alice, DisplayName: "Alice", Online: true}, HoistedRoleIDs: []uuid.UUID{admin.ID}},
		{Entry: Entry{UserID: bob, DisplayName: "Bob", Online: true}, HoistedRoleIDs: []uuid.UUID{mod.ID}},
		{Entry: Entry{UserID: carol, DisplayName: "Carol", Online: true}},
		{Entry: Entry{UserID: dave, DisplayName: "Dave", Online: false}},
	}

	groups := Build(members, []HoistedRole{mod, admin}, nil)

	if len(groups) != 4 {
		t.Fatalf("expected 4 groups, got %d: %+v", len(groups), groups)
	}
	if groups[0].Key != admin.ID.String() {
		t.Errorf("group 0 key = %q, want admin role (higher position first)", groups[0].Key)
	}
	if groups[1].Key != mod.ID.String() {
		t.Errorf("group 1 key = %q, want mod role", groups[1].Key)
	}
	if groups[2].Key != GroupOnline {
		t.Errorf("group 2 key = %q, want %q", groups[2].Key, GroupOnline)
	}
	if groups[3].Key != GroupOffline {
		t.Errorf("group 3 key = %q, want %q", groups[3].Key, GroupOffline)
	}
}

func TestBuildOmitsEmptyGroups(t *testing.T) {
	t.Parallel()
	role := HoistedRole{ID: uuid.New(), Position: 1}
	members := []Member{
		{Entry: Entry{UserID: uuid.New(), DisplayName: "Solo", Online: true}},
	}
	groups := Build(members, []HoistedRole{role}, nil)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group (online only), got %d", len(groups))
	}
	if groups[0].Key != GroupOnline {
		t.Errorf("expected only the online group, got %q", groups[0].Key)
	}
}

func TestBuildSortsCaseInsensitiveThenByID(t *testing.T) {
	t.Parallel()
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	members := []Member{
		{Entry: Entry{UserID: high, DisplayName: "zed", Online: true}},
		{Entry: Entry{UserID: uuid.New(), DisplayName: "Alpha", Online: true}},
		{Entry: Entry{UserID: low, DisplayName: "ZED", Online: true}},
	}
	groups := Build(members, nil, nil)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	got := groups[0].Members
	if got[0].DisplayName != "Alpha" {
		t.Errorf("first entry = %q, want Alpha", got[0].DisplayName)
	}
	// "zed" and "ZED" fold to the same key; the lower UUID breaks the tie and sorts first.
	if got[1].UserID != low || got[2].UserID != high {
		t.Errorf("tie-break order wrong: got %v then %v", got[1].UserID, got[2].UserID)
	}
}

func TestBuildVisibilityFilter(t *testing.T) {
	t.Parallel()
	visibleID := uuid.New()
	hiddenID := uuid.New()
	members := []Member{
		{Entry: Entry{UserID: visibleID, DisplayName: "Seen", Online: true}},
		{Entry: Entry{UserID: hiddenID, DisplayName: "Unseen", Online: true}},
	}
	groups := Build(members, nil, func(id uuid.UUID) bool { return id == visibleID })
	if len(groups) != 1 || len(groups[0].Members) != 1 {
		t.Fatalf("expected exactly one visible member, got %+v", groups)
	}
	if groups[0].Members[0].UserID != visibleID {
		t.Errorf("visible member = %v, want %v", groups[0].Members[0].UserID, visibleID)
	}
}

func TestMemberPlacedInHighestHeldHoistedRole(t *testing.T) {
	t.Parallel()
	high := HoistedRole{ID: uuid.New(), Position: 10}
	low := HoistedRole{ID: uuid.New(), Position: 1}
	userID := uuid.New()
	members := []Member{
		{Entry: Entry{UserID: userID, DisplayName: "Multi", Online: true}, HoistedRoleIDs: []uuid.UUID{low.ID, high.ID}},
	}
	groups := Build(members, []HoistedRole{low, high}, nil)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Key != high.ID.String() {
		t.Errorf("expected member placed under highest-position role, got group %q", groups[0].Key)
	}
}
