package voice

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// ErrNotFound is returned when a call lookup misses.
var ErrNotFound = errors.New("voice: call not found")

// ErrNoSfuAvailable is returned by AllocSfu when the pool is empty.
var ErrNoSfuAvailable = errors.New("voice: no sfu available")

// Call binds a voice-capable channel to its active session.
type Call struct {
	RoomID    ids.RoomID
	ChannelID ids.ChannelID
	Topic     *string
	CreatedAt time.Time
}

// VoiceState is one user's connection and self-state within a voice channel.
type VoiceState struct {
	UserID    ids.UserID
	ChannelID ids.ChannelID
	Mute      bool
	Deaf      bool
	SelfMute  bool
	SelfDeaf  bool
	SelfVideo bool
	Suppress  bool
}

// ChannelKind is the subset of channel.Type relevant to call lifecycle decisions. It mirrors channel.Type's values
// without importing the channel package, keeping this service's dependency surface limited to the channel
// properties it actually needs.
type ChannelKind int

const (
	ChannelKindVoice ChannelKind = iota
	ChannelKindDM
	ChannelKindGroupDM
	ChannelKindBroadcast
	ChannelKindOther
)

// ChannelLookup resolves a channel's room and kind for the call service, without a direct dependency on the channel
// package's repository interface.
type ChannelLookup func(ctx context.Context, channelID ids.ChannelID) (roomID ids.RoomID, kind ChannelKind, err error)

// EventPublisher broadcasts CallCreate/CallUpdate/CallDelete/VoiceStateUpdate events to the sync fabric.
type EventPublisher interface {
	PublishCallCreate(ctx context.Context, call Call)
	PublishCallUpdate(ctx context.Context, call Call)
	PublishCallDelete(ctx context.Context, channelID ids.ChannelID)
	PublishVoiceStateUpdate(ctx context.Context, state VoiceState, disconnected bool)
}

// emptyCallTimeout is how long a DM/group-DM/broadcast call is kept alive with zero participants before it is
// cleaned up. Voice channel calls have no such grace period: they are deleted the instant the last participant
// leaves, since (unlike a DM) the channel itself persists independent of the call. Declared as a var rather than a
// const so tests can shrink it instead of sleeping for the production value.
var emptyCallTimeout = 5 * time.Minute

// Service owns the voice_states and calls tables for every channel on this node, plus the channel→SFU placement
// table. All maps are guarded by a single mutex: call volume is low enough (joins/leaves, not per-packet) that a
// single lock never becomes a bottleneck, matching the DashMap-per-table layout of the connection service that
// precedes it.
type Service struct {
	mu            sync.Mutex
	voiceStates   map[ids.UserID]VoiceState
	calls         map[ids.ChannelID]Call
	cleanupCancel map[ids.ChannelID]context.CancelFunc
	sfus          map[ids.SfuID]struct{}
	channelToSfu  map[ids.ChannelID]ids.SfuID

	lookup    ChannelLookup
	publisher EventPublisher
	log       zerolog.Logger
}

// NewService creates a voice call service. lookup resolves a channel's room and kind; publisher fans out lifecycle
// events to connected clients.
func NewService(lookup ChannelLookup, publisher EventPublisher, logger zerolog.Logger) *Service {
	return &Service{
		voiceStates:   make(map[ids.UserID]VoiceState),
		calls:         make(map[ids.ChannelID]Call),
		cleanupCancel: make(map[ids.ChannelID]context.CancelFunc),
		sfus:          make(map[ids.SfuID]struct{}),
		channelToSfu:  make(map[ids.ChannelID]ids.SfuID),
		lookup:        lookup,
		publisher:     publisher,
		log:           logger.With().Str("component", "voice_service").Logger(),
	}
}

// RegisterSfu adds an SFU instance to the placement pool.
func (s *Service) RegisterSfu(id ids.SfuID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sfus[id] = struct{}{}
}

// UnregisterSfu removes an SFU instance from the pool. Channels already bound to it keep their (now stale) binding;
// callers are expected to re-home affected channels out of band if the SFU is actually gone for good.
func (s *Service) UnregisterSfu(id ids.SfuID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sfus, id)
}

// AllocSfu returns the SFU bound to channelID, creating a binding if none exists yet by picking the SFU with the
// fewest bound channels.
func (s *Service) AllocSfu(channelID ids.ChannelID) (ids.SfuID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.channelToSfu[channelID]; ok {
		return existing, nil
	}

	counts := make(map[ids.SfuID]int, len(s.sfus))
	for id := range s.sfus {
		counts[id] = 0
	}
	for _, sfuID := range s.channelToSfu {
		counts[sfuID]++
	}
	if len(counts) == 0 {
		return ids.SfuID{}, ErrNoSfuAvailable
	}

	ordered := make([]ids.SfuID, 0, len(counts))
	for id := range counts {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if counts[ordered[i]] != counts[ordered[j]] {
			return counts[ordered[i]] < counts[ordered[j]]
		}
		return ordered[i].String() < ordered[j].String()
	})

	chosen := ordered[0]
	s.channelToSfu[channelID] = chosen
	return chosen, nil
}

// StatePut upserts a user's voice state. If no call exists yet for the channel, one is created implicitly.
func (s *Service) StatePut(ctx context.Context, state VoiceState) error {
	s.mu.Lock()
	s.voiceStates[state.UserID] = state
	_, hasCall := s.calls[state.ChannelID]
	if cancel, ok := s.cleanupCancel[state.ChannelID]; ok {
		cancel()
		delete(s.cleanupCancel, state.ChannelID)
	}
	s.mu.Unlock()

	s.publisher.PublishVoiceStateUpdate(ctx, state, false)

	if hasCall {
		return nil
	}

	roomID, _, err := s.lookup(ctx, state.ChannelID)
	if err != nil {
		return err
	}
	call := Call{RoomID: roomID, ChannelID: state.ChannelID, CreatedAt: time.Now()}

	s.mu.Lock()
	if cancel, ok := s.cleanupCancel[state.ChannelID]; ok {
		cancel()
		delete(s.cleanupCancel, state.ChannelID)
	}
	s.calls[state.ChannelID] = call
	s.mu.Unlock()

	s.publisher.PublishCallCreate(ctx, call)
	return nil
}

// StateRemove drops a user's voice state. If they were the last participant in the channel, the call is deleted
// (voice channels) or scheduled for delayed deletion (DM/group-DM/broadcast).
func (s *Service) StateRemove(ctx context.Context, userID ids.UserID) error {
	s.mu.Lock()
	state, ok := s.voiceStates[userID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.voiceStates, userID)
	stillConnected := false
	for _, other := range s.voiceStates {
		if other.ChannelID == state.ChannelID {
			stillConnected = true
			break
		}
	}
	s.mu.Unlock()

	s.publisher.PublishVoiceStateUpdate(ctx, state, true)

	if stillConnected {
		return nil
	}

	_, kind, err := s.lookup(ctx, state.ChannelID)
	if err != nil {
		return err
	}
	switch kind {
	case ChannelKindVoice:
		s.deleteCall(ctx, state.ChannelID)
	case ChannelKindDM, ChannelKindGroupDM, ChannelKindBroadcast:
		s.spawnCleanup(state.ChannelID)
	}
	return nil
}

// StateGet returns a user's current voice state, if any.
func (s *Service) StateGet(userID ids.UserID) (VoiceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.voiceStates[userID]
	return st, ok
}

// StateList returns every currently connected voice state across all channels.
func (s *Service) StateList() []VoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VoiceState, 0, len(s.voiceStates))
	for _, st := range s.voiceStates {
		out = append(out, st)
	}
	return out
}

// CallGet returns the call record for a channel.
func (s *Service) CallGet(channelID ids.ChannelID) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[channelID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return call, nil
}

// CallCreate explicitly opens a call on a channel (DM/group-DM/broadcast only — voice channels get calls
// implicitly from the first voice state). If nobody has joined yet, deletion is scheduled after emptyCallTimeout.
func (s *Service) CallCreate(ctx context.Context, channelID ids.ChannelID, topic *string) error {
	roomID, _, err := s.lookup(ctx, channelID)
	if err != nil {
		return err
	}
	call := Call{RoomID: roomID, ChannelID: channelID, Topic: topic, CreatedAt: time.Now()}

	s.mu.Lock()
	s.calls[channelID] = call
	hasVoiceStates := false
	for _, st := range s.voiceStates {
		if st.ChannelID == channelID {
			hasVoiceStates = true
			break
		}
	}
	s.mu.Unlock()

	s.publisher.PublishCallCreate(ctx, call)
	if !hasVoiceStates {
		s.spawnCleanup(channelID)
	}
	return nil
}

// CallUpdate patches a call's topic.
func (s *Service) CallUpdate(ctx context.Context, channelID ids.ChannelID, topic *string) error {
	s.mu.Lock()
	call, ok := s.calls[channelID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	call.Topic = topic
	s.calls[channelID] = call
	s.mu.Unlock()

	s.publisher.PublishCallUpdate(ctx, call)
	return nil
}

// CallDelete removes a call. When force is set, every connected participant is disconnected; otherwise their voice
// states are simply left in place (the caller is expected to already know nobody is left, or to not care).
func (s *Service) CallDelete(ctx context.Context, channelID ids.ChannelID, force bool) {
	if force {
		s.disconnectEveryone(ctx, channelID)
	}
	s.deleteCall(ctx, channelID)
}

func (s *Service) deleteCall(ctx context.Context, channelID ids.ChannelID) {
	s.mu.Lock()
	delete(s.calls, channelID)
	if cancel, ok := s.cleanupCancel[channelID]; ok {
		cancel()
		delete(s.cleanupCancel, channelID)
	}
	s.mu.Unlock()

	s.publisher.PublishCallDelete(ctx, channelID)
}

func (s *Service) disconnectEveryone(ctx context.Context, channelID ids.ChannelID) {
	s.mu.Lock()
	var toDrop []ids.UserID
	for userID, st := range s.voiceStates {
		if st.ChannelID == channelID {
			toDrop = append(toDrop, userID)
		}
	}
	for _, userID := range toDrop {
		delete(s.voiceStates, userID)
	}
	s.mu.Unlock()

	for _, userID := range toDrop {
		s.publisher.PublishVoiceStateUpdate(ctx, VoiceState{UserID: userID, ChannelID: channelID}, true)
	}
}

func (s *Service) spawnCleanup(channelID ids.ChannelID) {
	s.mu.Lock()
	if _, exists := s.cleanupCancel[channelID]; exists {
		s.mu.Unlock()
		return
	}
	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel[channelID] = cancel
	s.mu.Unlock()

	go func() {
		timer := time.NewTimer(emptyCallTimeout)
		defer timer.Stop()
		select {
		case <-cleanupCtx.Done():
			return
		case <-timer.C:
			s.deleteCall(context.Background(), channelID)
		}
	}()
}
