// Package voice implements the voice SFU's peer state machine and call bookkeeping: per-user WebRTC peers in
// ICE-lite mode, symmetric signaling messages for track negotiation, and the Call records that bind a voice-capable
// channel to its active participants.
package voice

import "github.com/uncord-chat/uncord-server/internal/protocol/ids"

// TrackKey distinguishes the two media sources a peer may publish.
type TrackKey string

const (
	TrackKeyUser   TrackKey = "user"
	TrackKeyScreen TrackKey = "screen"
)

// ErrorCode enumerates the codes a server Error signaling message may carry.
type ErrorCode string

const (
	ErrUnknownTrack ErrorCode = "UnknownTrack"
	ErrUnknownLayer ErrorCode = "UnknownLayer"
	ErrOther        ErrorCode = "Other"
)

// SimulcastLayer names one encoding layer (rid) of a simulcast-capable track.
type SimulcastLayer struct {
	RID string `json:"rid"`
}

// TrackInfo describes one track offered or wanted in a signaling exchange.
type TrackInfo struct {
	MediaID string           `json:"media_id"`
	Key     TrackKey         `json:"key"`
	Kind    string           `json:"kind"` // "audio" | "video"
	Layers  []SimulcastLayer `json:"layers,omitempty"`
}

// Subscription is one entry of a client's Want message: the track it wants, and which simulcast layer (empty for
// audio or non-simulcast video).
type Subscription struct {
	PeerID  ids.UserID `json:"peer_id"`
	MediaID string     `json:"media_id"`
	RID     string     `json:"rid,omitempty"`
}

// Message is the envelope for every signaling exchange between a client and the SFU it is paired with. Exactly one
// of the payload fields is set, selected by Type.
type Message struct {
	Type Type `json:"type"`

	Ready     *ReadyPayload     `json:"ready,omitempty"`
	Offer     *OfferPayload     `json:"offer,omitempty"`
	Answer    *AnswerPayload    `json:"answer,omitempty"`
	Candidate *CandidatePayload `json:"candidate,omitempty"`
	Have      *HavePayload      `json:"have,omitempty"`
	Want      *WantPayload      `json:"want,omitempty"`
	Voice     *VoiceStatePayload `json:"voice_state,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
}

// Type discriminates a Message's payload.
type Type string

const (
	TypeReady      Type = "Ready"
	TypeOffer      Type = "Offer"
	TypeAnswer     Type = "Answer"
	TypeCandidate  Type = "Candidate"
	TypeHave       Type = "Have"
	TypeWant       Type = "Want"
	TypeVoiceState Type = "VoiceState"
	TypeReconnect  Type = "Reconnect"
	TypeError      Type = "Error"
)

// ReadyPayload is sent server→client once a voice SFU has been allocated for the peer's channel.
type ReadyPayload struct {
	SfuID ids.SfuID `json:"sfu_id"`
}

// OfferPayload carries a renegotiation offer (either direction) plus the track metadata the SDP's m-lines refer to.
type OfferPayload struct {
	SDP    string      `json:"sdp"`
	Tracks []TrackInfo `json:"tracks"`
}

// AnswerPayload carries the SDP answer to a previously sent Offer.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload is reserved: peers are ICE-lite and advertise only host candidates at setup, but the message type
// is kept for forward compatibility with future trickle-ICE support.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// HavePayload announces, server→client, which tracks a particular user currently has available to subscribe to.
type HavePayload struct {
	UserID ids.UserID  `json:"user_id"`
	Tracks []TrackInfo `json:"tracks"`
}

// WantPayload requests a specific set of tracks. Each Want fully replaces the client's previous subscription set.
type WantPayload struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// VoiceStatePayload carries connect/disconnect and self-mute/deafen flags. A nil State on a server→client message
// means the subject disconnected.
type VoiceStatePayload struct {
	UserID ids.UserID  `json:"user_id"`
	State  *VoiceState `json:"state,omitempty"`
}

// ErrorPayload reports a signaling-level failure that does not tear down the peer.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
