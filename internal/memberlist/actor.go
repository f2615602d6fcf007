package memberlist

import (
	"context"

	"github.com/google/uuid"
)

// OpKind discriminates an incremental member-list mutation.
type OpKind int

const (
	// OpInsert adds an entry at Index within GroupKey, shifting subsequent entries down.
	OpInsert OpKind = iota
	// OpUpdate replaces the entry with the same UserID within GroupKey in place.
	OpUpdate
	// OpDelete removes the entry with UserID from GroupKey.
	OpDelete
	// OpSyncGroup replaces an entire group's membership, used after a bulk change (role reorder, hoist toggle) where
	// per-entry diffing isn't worth computing.
	OpSyncGroup
)

// Op is one incremental change to a subscriber's view of the list.
type Op struct {
	Kind     OpKind
	GroupKey string
	Index    int    // meaningful for OpInsert
	Entry    Entry  // meaningful for OpInsert/OpUpdate/OpDelete (UserID only needed for OpDelete)
	Group    *Group // meaningful for OpSyncGroup
}

// Range is an inclusive index range over the flattened, ordered member sequence a subscriber has rendered and
// wants kept up to date. Ranges let a client with a long scrollback only pay for the rows it has actually loaded.
type Range struct {
	Lo, Hi int
}

func (r Range) contains(i int) bool {
	return i >= r.Lo && i <= r.Hi
}

// subscriberLag is the bounded channel depth for each subscriber's op stream. A subscriber that falls this far
// behind is considered slow and is disconnected rather than allowed to build unbounded backlog.
const subscriberLag = 256

// subscriber holds one client's range interest and its outbound op channel.
type subscriber struct {
	ranges []Range
	ops    chan Op
}

func (s *subscriber) interested(i int) bool {
	for _, r := range s.ranges {
		if r.contains(i) {
			return true
		}
	}
	return false
}

// command is the actor's internal mailbox message type.
type command struct {
	mutate      func(*state)
	subscribe   *subscribeReq
	unsubscribe *subscriber
}

type subscribeReq struct {
	ranges []Range
	reply  chan subscribeResult
}

type subscribeResult struct {
	initial []Op
	sub     *subscriber
}

// state is the actor's owned, single-writer view of the scope's membership.
type state struct {
	members []Member
	hoisted []HoistedRole
	visible func(uuid.UUID) bool
	groups  []Group
}

// Actor owns one scope's (room or thread) member-list state, serializing all reads and mutations through a single
// goroutine per the "one actor per scope-key" concurrency model.
type Actor struct {
	cmds        chan command
	subscribers map[*subscriber]struct{}
}

// NewActor starts an actor goroutine seeded with the initial membership and hoisted-role set. The visible predicate
// decides which members are ever included (e.g. thread membership, or room View permission). ctx cancellation stops
// the actor and closes every subscriber's channel.
func NewActor(ctx context.Context, members []Member, hoisted []HoistedRole, visible func(uuid.UUID) bool) *Actor {
	a := &Actor{
		cmds:        make(chan command, 64),
		subscribers: make(map[*subscriber]struct{}),
	}
	st := &state{members: members, hoisted: hoisted, visible: visible}
	st.groups = Build(st.members, st.hoisted, st.visible)
	go a.run(ctx, st)
	return a
}

func (a *Actor) run(ctx context.Context, st *state) {
	defer func() {
		for sub := range a.subscribers {
			close(sub.ops)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmds:
			switch {
			case cmd.mutate != nil:
				before := st.groups
				cmd.mutate(st)
				st.groups = Build(st.members, st.hoisted, st.visible)
				a.broadcastDiff(before, st.groups)
			case cmd.subscribe != nil:
				sub := &subscriber{ranges: cmd.subscribe.ranges, ops: make(chan Op, subscriberLag)}
				a.subscribers[sub] = struct{}{}
				cmd.subscribe.reply <- subscribeResult{initial: initialOps(st.groups, sub.ranges), sub: sub}
			case cmd.unsubscribe != nil:
				if _, ok := a.subscribers[cmd.unsubscribe]; ok {
					delete(a.subscribers, cmd.unsubscribe)
					close(cmd.unsubscribe.ops)
				}
			}
		}
	}
}

// initialOps renders the groups that currently fall (at least partially) within any of the subscriber's ranges as a
// batch of SyncGroup ops, sent before any incremental op.
func initialOps(groups []Group, ranges []Range) []Op {
	if len(ranges) == 0 {
		return nil
	}
	var ops []Op
	idx := 0
	for gi := range groups {
		g := groups[gi]
		inRange := false
		for i := idx; i < idx+len(g.Members); i++ {
			for _, r := range ranges {
				if r.contains(i) {
					inRange = true
				}
			}
		}
		if inRange {
			grp := g
			ops = append(ops, Op{Kind: OpSyncGroup, GroupKey: g.Key, Group: &grp})
		}
		idx += len(g.Members)
	}
	return ops
}

// broadcastDiff compares the flattened before/after sequences and emits per-subscriber ops for whichever group
// changed. A full group re-sort from a single join/leave is common (names shift position), so diffing is done at
// group granularity: any group whose membership changed is resent in full via OpSyncGroup. This trades some
// bandwidth for a diff that is always correct, never requiring the actor to track per-entry identity across renames.
func (a *Actor) broadcastDiff(before, after []Group) {
	beforeByKey := make(map[string]Group, len(before))
	for _, g := range before {
		beforeByKey[g.Key] = g
	}
	afterByKey := make(map[string]Group, len(after))
	for _, g := range after {
		afterByKey[g.Key] = g
	}

	changed := map[string]*Group{}
	for key, g := range afterByKey {
		old, existed := beforeByKey[key]
		if !existed || !sameGroup(old, g) {
			grp := g
			changed[key] = &grp
		}
	}
	for key := range beforeByKey {
		if _, ok := afterByKey[key]; !ok {
			changed[key] = &Group{Key: key} // empty group: tells subscribers to drop it
		}
	}
	if len(changed) == 0 {
		return
	}

	idx := indexOf(after)
	for sub := range a.subscribers {
		var ops []Op
		for key, g := range changed {
			start, ok := idx[key]
			if !ok {
				start = 0
			}
			if !groupOverlapsAnyRange(sub.ranges, start, len(g.Members)) {
				continue
			}
			ops = append(ops, Op{Kind: OpSyncGroup, GroupKey: key, Group: g})
		}
		for _, op := range ops {
			select {
			case sub.ops <- op:
			default:
				// Subscriber is too far behind: drop it rather than block the actor or grow memory unboundedly.
				delete(a.subscribers, sub)
				close(sub.ops)
			}
		}
	}
}

func indexOf(groups []Group) map[string]int {
	idx := make(map[string]int, len(groups))
	pos := 0
	for _, g := range groups {
		idx[g.Key] = pos
		pos += len(g.Members)
	}
	return idx
}

func groupOverlapsAnyRange(ranges []Range, start, length int) bool {
	if len(ranges) == 0 {
		return false
	}
	end := start + length - 1
	if length == 0 {
		end = start
	}
	for _, r := range ranges {
		if start <= r.Hi && end >= r.Lo {
			return true
		}
	}
	return false
}

func sameGroup(a, b Group) bool {
	if len(a.Members) != len(b.Members) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	return true
}

// Subscribe registers interest in the given index ranges and returns the current matching groups as an initial
// batch plus a channel of subsequent incremental ops. Call the returned cancel func to unsubscribe.
func (a *Actor) Subscribe(ctx context.Context, ranges []Range) ([]Op, <-chan Op, func()) {
	reply := make(chan subscribeResult, 1)
	select {
	case a.cmds <- command{subscribe: &subscribeReq{ranges: ranges, reply: reply}}:
	case <-ctx.Done():
		return nil, nil, func() {}
	}
	res := <-reply
	cancel := func() {
		select {
		case a.cmds <- command{unsubscribe: res.sub}:
		case <-ctx.Done():
		}
	}
	return res.initial, res.sub.ops, cancel
}

// Upsert adds or updates a member's entry and hoisted role set.
func (a *Actor) Upsert(m Member) {
	a.cmds <- command{mutate: func(st *state) {
		for i := range st.members {
			if st.members[i].UserID == m.UserID {
				st.members[i] = m
				return
			}
		}
		st.members = append(st.members, m)
	}}
}

// Remove drops a member from the scope entirely (e.g. they left the room, or lost thread membership).
func (a *Actor) Remove(userID uuid.UUID) {
	a.cmds <- command{mutate: func(st *state) {
		for i := range st.members {
			if st.members[i].UserID == userID {
				st.members = append(st.members[:i], st.members[i+1:]...)
				return
			}
		}
	}}
}

// SetHoisted replaces the hoisted-role set, e.g. after a role's position or hoist flag changes.
func (a *Actor) SetHoisted(hoisted []HoistedRole) {
	a.cmds <- command{mutate: func(st *state) {
		st.hoisted = hoisted
	}}
}

// Sync replaces the entire membership and hoisted-role set in one mutation, used for a full scope refresh (a role's
// position changed, a member's role assignments changed) where per-entry diffing against the prior state isn't
// worth computing.
func (a *Actor) Sync(members []Member, hoisted []HoistedRole) {
	a.cmds <- command{mutate: func(st *state) {
		st.members = members
		st.hoisted = hoisted
	}}
}
