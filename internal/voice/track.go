package voice

import (
	"github.com/pion/webrtc/v3"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// TrackPhase is the negotiation phase of a track. The zero value is Pending.
type TrackPhase int

const (
	// TrackPending has not yet been offered (outbound) or has been seen in SDP but not yet assigned a transceiver
	// (inbound, briefly, between MediaAdded and the engine settling on an mid).
	TrackPending TrackPhase = iota
	// TrackNegotiating means an Offer naming this track has been sent (outbound) or the engine added it mid-offer
	// (inbound); it is waiting on an Answer.
	TrackNegotiating
	// TrackOpen means negotiation completed and the track's mid is fixed for the life of the peer connection.
	TrackOpen
)

func (p TrackPhase) String() string {
	switch p {
	case TrackPending:
		return "pending"
	case TrackNegotiating:
		return "negotiating"
	case TrackOpen:
		return "open"
	default:
		return "unknown"
	}
}

// TrackState is a track's negotiation state: a phase plus the mid it is bound to once that phase is Negotiating or
// Open (empty while Pending).
type TrackState struct {
	Phase TrackPhase
	Mid   string
}

// InboundTrack is one track this peer's user is publishing, keyed by media ID in Peer.inbound.
type InboundTrack struct {
	MediaID string
	Kind    webrtc.RTPCodecType
	State   TrackState
	remote  *webrtc.TrackRemote
}

// OutboundTrack is one track being forwarded to this peer's user from another peer's inbound track.
type OutboundTrack struct {
	MediaID      string
	Kind         webrtc.RTPCodecType
	State        TrackState
	SourcePeerID ids.UserID
	SourceMediaID string
	Enabled      bool

	local *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
}

// info renders the track for inclusion in a Have/Offer signaling message.
func (t OutboundTrack) info(key TrackKey) TrackInfo {
	kind := "audio"
	if t.Kind == webrtc.RTPCodecTypeVideo {
		kind = "video"
	}
	return TrackInfo{MediaID: t.MediaID, Key: key, Kind: kind}
}
