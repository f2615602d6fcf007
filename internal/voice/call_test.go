package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

type fakePublisher struct {
	mu      sync.Mutex
	created []Call
	updated []Call
	deleted []ids.ChannelID
	states  []VoiceState
}

func (f *fakePublisher) PublishCallCreate(_ context.Context, call Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, call)
}

func (f *fakePublisher) PublishCallUpdate(_ context.Context, call Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, call)
}

func (f *fakePublisher) PublishCallDelete(_ context.Context, channelID ids.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID)
}

func (f *fakePublisher) PublishVoiceStateUpdate(_ context.Context, state VoiceState, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakePublisher) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakePublisher) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func newTestService(t *testing.T, kinds map[ids.ChannelID]ChannelKind) (*Service, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	lookup := func(_ context.Context, channelID ids.ChannelID) (ids.RoomID, ChannelKind, error) {
		kind := kinds[channelID]
		return ids.NewRoomID(), kind, nil
	}
	return NewService(lookup, pub, zerolog.Nop()), pub
}

func TestStatePutCreatesCallImplicitly(t *testing.T) {
	t.Parallel()
	channelID := ids.NewChannelID()
	svc, pub := newTestService(t, map[ids.ChannelID]ChannelKind{channelID: ChannelKindVoice})

	userID := ids.NewUserID()
	if err := svc.StatePut(context.Background(), VoiceState{UserID: userID, ChannelID: channelID}); err != nil {
		t.Fatalf("StatePut: %v", err)
	}

	if _, err := svc.CallGet(channelID); err != nil {
		t.Fatalf("expected call created implicitly, got error: %v", err)
	}
	if pub.createCount() != 1 {
		t.Errorf("expected 1 CallCreate publish, got %d", pub.createCount())
	}

	// A second join to the same channel must not create a second call.
	other := ids.NewUserID()
	if err := svc.StatePut(context.Background(), VoiceState{UserID: other, ChannelID: channelID}); err != nil {
		t.Fatalf("StatePut: %v", err)
	}
	if pub.createCount() != 1 {
		t.Errorf("expected still 1 CallCreate publish after second joiner, got %d", pub.createCount())
	}
}

func TestStateRemoveDeletesVoiceChannelCallImmediately(t *testing.T) {
	t.Parallel()
	channelID := ids.NewChannelID()
	svc, pub := newTestService(t, map[ids.ChannelID]ChannelKind{channelID: ChannelKindVoice})

	userID := ids.NewUserID()
	if err := svc.StatePut(context.Background(), VoiceState{UserID: userID, ChannelID: channelID}); err != nil {
		t.Fatalf("StatePut: %v", err)
	}
	if err := svc.StateRemove(context.Background(), userID); err != nil {
		t.Fatalf("StateRemove: %v", err)
	}

	if _, err := svc.CallGet(channelID); err != ErrNotFound {
		t.Errorf("expected call deleted immediately for a voice channel, got err=%v", err)
	}
	if pub.deleteCount() != 1 {
		t.Errorf("expected 1 CallDelete publish, got %d", pub.deleteCount())
	}
}

func TestStateRemoveSchedulesDelayedDeleteForDM(t *testing.T) {
	t.Parallel()
	old := emptyCallTimeout
	emptyCallTimeout = 20 * time.Millisecond
	defer func() { emptyCallTimeout = old }()

	channelID := ids.NewChannelID()
	svc, pub := newTestService(t, map[ids.ChannelID]ChannelKind{channelID: ChannelKindDM})

	userID := ids.NewUserID()
	if err := svc.StatePut(context.Background(), VoiceState{UserID: userID, ChannelID: channelID}); err != nil {
		t.Fatalf("StatePut: %v", err)
	}
	if err := svc.StateRemove(context.Background(), userID); err != nil {
		t.Fatalf("StateRemove: %v", err)
	}

	// Immediately after the last participant leaves, the call must still exist (delayed delete).
	if _, err := svc.CallGet(channelID); err != nil {
		t.Fatalf("expected DM call to survive immediately after last leave, got err: %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		if _, err := svc.CallGet(channelID); err == ErrNotFound {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delayed call cleanup")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if pub.deleteCount() != 1 {
		t.Errorf("expected 1 CallDelete publish, got %d", pub.deleteCount())
	}
}

func TestCallCreateRejoinCancelsScheduledCleanup(t *testing.T) {
	t.Parallel()
	old := emptyCallTimeout
	emptyCallTimeout = 20 * time.Millisecond
	defer func() { emptyCallTimeout = old }()

	channelID := ids.NewChannelID()
	svc, pub := newTestService(t, map[ids.ChannelID]ChannelKind{channelID: ChannelKindGroupDM})

	topic := "movie night"
	if err := svc.CallCreate(context.Background(), channelID, &topic); err != nil {
		t.Fatalf("CallCreate: %v", err)
	}

	// A join before the cleanup timer fires must cancel the scheduled delete.
	userID := ids.NewUserID()
	if err := svc.StatePut(context.Background(), VoiceState{UserID: userID, ChannelID: channelID}); err != nil {
		t.Fatalf("StatePut: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := svc.CallGet(channelID); err != nil {
		t.Fatalf("expected call to survive past the original cleanup deadline, got err: %v", err)
	}
	if pub.deleteCount() != 0 {
		t.Errorf("expected no CallDelete publish, got %d", pub.deleteCount())
	}
}

func TestCallDeleteForceDisconnectsEveryone(t *testing.T) {
	t.Parallel()
	channelID := ids.NewChannelID()
	svc, pub := newTestService(t, map[ids.ChannelID]ChannelKind{channelID: ChannelKindVoice})

	alice, bob := ids.NewUserID(), ids.NewUserID()
	_ = svc.StatePut(context.Background(), VoiceState{UserID: alice, ChannelID: channelID})
	_ = svc.StatePut(context.Background(), VoiceState{UserID: bob, ChannelID: channelID})

	svc.CallDelete(context.Background(), channelID, true)

	if _, ok := svc.StateGet(alice); ok {
		t.Error("expected alice's voice state to be cleared on force delete")
	}
	if _, ok := svc.StateGet(bob); ok {
		t.Error("expected bob's voice state to be cleared on force delete")
	}
	if len(svc.StateList()) != 0 {
		t.Error("expected no voice states left in the channel")
	}
	if pub.deleteCount() != 1 {
		t.Errorf("expected 1 CallDelete publish, got %d", pub.deleteCount())
	}
}

func TestAllocSfuReturnsExistingBinding(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	sfuA, sfuB := ids.NewSfuID(), ids.NewSfuID()
	svc.RegisterSfu(sfuA)
	svc.RegisterSfu(sfuB)

	channelID := ids.NewChannelID()
	first, err := svc.AllocSfu(channelID)
	if err != nil {
		t.Fatalf("AllocSfu: %v", err)
	}
	second, err := svc.AllocSfu(channelID)
	if err != nil {
		t.Fatalf("AllocSfu: %v", err)
	}
	if first != second {
		t.Errorf("expected stable binding, got %v then %v", first, second)
	}
}

func TestAllocSfuPicksLeastLoaded(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	busy, idle := ids.NewSfuID(), ids.NewSfuID()
	svc.RegisterSfu(busy)
	svc.RegisterSfu(idle)

	// Bind three channels to "busy" directly in the placement table to simulate busy already carrying load.
	for i := 0; i < 3; i++ {
		svc.mu.Lock()
		svc.channelToSfu[ids.NewChannelID()] = busy
		svc.mu.Unlock()
	}

	chosen, err := svc.AllocSfu(ids.NewChannelID())
	if err != nil {
		t.Fatalf("AllocSfu: %v", err)
	}
	if chosen != idle {
		t.Errorf("expected least-loaded sfu %v chosen, got %v", idle, chosen)
	}
}

func TestAllocSfuNoneAvailable(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, nil)
	if _, err := svc.AllocSfu(ids.NewChannelID()); err != ErrNoSfuAvailable {
		t.Errorf("expected ErrNoSfuAvailable, got %v", err)
	}
}
