package voice

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// Room is the set of peers sharing one channel's media. It wires a new peer's announced tracks (Have) to every
// other peer in the room, applies Want subscriptions as they arrive, and forwards RTP from each peer's inbound
// tracks to the subscribed outbound tracks of the rest of the room.
type Room struct {
	channelID ids.ChannelID

	mu    sync.Mutex
	peers map[ids.UserID]*Peer

	log zerolog.Logger
}

// NewRoom creates an empty room for a channel.
func NewRoom(channelID ids.ChannelID, logger zerolog.Logger) *Room {
	return &Room{
		channelID: channelID,
		peers:     make(map[ids.UserID]*Peer),
		log:       logger.With().Str("component", "voice_room").Str("channel_id", channelID.String()).Logger(),
	}
}

// Join adds a peer to the room and announces its existing tracks to the newcomer, and the newcomer's future tracks
// to everyone already present (handled as MediaAdded events flow through HandlePeerEvent).
func (r *Room) Join(p *Peer) {
	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()
}

// Leave removes a peer from the room and closes its connection.
func (r *Room) Leave(userID ids.UserID) {
	r.mu.Lock()
	p, ok := r.peers[userID]
	delete(r.peers, userID)
	r.mu.Unlock()
	if ok {
		_ = p.Close()
	}
}

// Empty reports whether the room has no peers left.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers) == 0
}

// HandlePeerEvent processes one event from a member peer: a newly published track is announced to the rest of the
// room via Have, and inbound media is forwarded to whichever peers currently have a matching Open outbound track.
func (r *Room) HandlePeerEvent(ctx context.Context, ev PeerEvent) {
	switch ev.Kind {
	case PeerMediaAdded:
		r.announceHave(ctx, ev.PeerID, TrackInfo{MediaID: ev.MediaID, Key: TrackKeyUser, Kind: kindString(ev.MediaKind)})
	case PeerMediaData:
		r.forward(ev.PeerID, ev.MediaID, ev)
	case PeerDead:
		r.Leave(ev.PeerID)
	}
}

func (r *Room) announceHave(ctx context.Context, sourcePeerID ids.UserID, track TrackInfo) {
	r.mu.Lock()
	targets := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != sourcePeerID {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.sendMessage(Message{Type: TypeHave, Have: &HavePayload{UserID: sourcePeerID, Tracks: []TrackInfo{track}}})
	}
}

func (r *Room) forward(sourcePeerID ids.UserID, mediaID string, ev PeerEvent) {
	if ev.Packet == nil {
		return
	}
	r.mu.Lock()
	targets := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != sourcePeerID {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.writeRTP(sourcePeerID, mediaID, ev.Packet)
	}
}

// ApplyWant fulfills a peer's subscription request: for every wanted (peer_id, media_id) not already subscribed, an
// outbound track is created on the requester's connection sourced from the target peer's inbound track.
func (r *Room) ApplyWant(requester ids.UserID, subs []Subscription) {
	r.mu.Lock()
	self, ok := r.peers[requester]
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, sub := range subs {
		r.mu.Lock()
		source, ok := r.peers[sub.PeerID]
		r.mu.Unlock()
		if !ok {
			continue
		}
		source.mu.Lock()
		in, ok := source.inbound[sub.MediaID]
		source.mu.Unlock()
		if !ok {
			self.sendMessage(Message{Type: TypeError, Error: &ErrorPayload{Code: ErrUnknownTrack, Message: sub.MediaID}})
			continue
		}
		if _, err := self.AddOutboundTrack(sub.PeerID, sub.MediaID, in.Kind); err != nil {
			self.log.Warn().Err(err).Str("source_media_id", sub.MediaID).Msg("failed to add outbound track for Want")
		}
	}
}

func kindString(k webrtc.RTPCodecType) string {
	if k == webrtc.RTPCodecTypeVideo {
		return "video"
	}
	return "audio"
}
