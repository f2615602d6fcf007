package voice

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// PeerEventKind discriminates the events a Peer reports back to the service that owns it.
type PeerEventKind int

const (
	PeerInit PeerEventKind = iota
	PeerMediaAdded
	PeerMediaData
	PeerDead
)

// PeerEvent is one notification emitted by a Peer's run loop.
type PeerEvent struct {
	Kind    PeerEventKind
	PeerID  ids.UserID
	MediaID string
	MediaKind   webrtc.RTPCodecType // populated for PeerMediaAdded
	Packet  *rtp.Packet         // populated for PeerMediaData
}

// Peer owns one connected user's WebRTC session: its inbound (published) and outbound (subscribed) tracks, and the
// renegotiation state machine described by the signaling message set. A Peer is single-owner — all mutation happens
// through its exported methods, each of which takes peerMu for the duration of the call.
type Peer struct {
	id     ids.UserID
	callID ids.CallID

	conn *webrtc.PeerConnection

	mu          sync.Mutex
	inbound     map[string]*InboundTrack  // keyed by mid
	outbound    []*OutboundTrack
	pendingOffer bool
	closed      bool

	events chan<- PeerEvent
	send   chan<- Message
	log    zerolog.Logger
}

// NewPeer builds a WebRTC peer connection in ICE-lite mode, bound to a routable host address so clients can reach it
// without a TURN relay. events receives lifecycle and media notifications; send is the outbound signaling channel to
// the peer's own client.
func NewPeer(id ids.UserID, callID ids.CallID, events chan<- PeerEvent, send chan<- Message, logger zerolog.Logger) (*Peer, error) {
	log := logger.With().Str("component", "voice_peer").Str("user_id", id.String()).Logger()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8 codec: %w", err)
	}

	ir := &interceptor.Registry{}
	if responder, err := nack.NewResponderInterceptor(); err == nil {
		ir.Add(responder)
	}
	if generator, err := nack.NewGeneratorInterceptor(); err == nil {
		ir.Add(generator)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetLite(true)
	if hostAddr := selectHostAddressIPv4(); hostAddr != "" {
		settingEngine.SetNAT1To1IPs([]string{hostAddr}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(settingEngine),
	)

	conn, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		id:      id,
		callID:  callID,
		conn:    conn,
		inbound: make(map[string]*InboundTrack),
		events:  events,
		send:    send,
		log:     log,
	}

	conn.OnTrack(p.onTrack)
	conn.OnConnectionStateChange(p.onConnectionStateChange)

	p.emit(PeerEvent{Kind: PeerInit, PeerID: id})
	return p, nil
}

func (p *Peer) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.mu.Lock()
	it := &InboundTrack{
		MediaID: remote.Msid(),
		Kind:    remote.Kind(),
		State:   TrackState{Phase: TrackOpen, Mid: remote.Msid()},
		remote:  remote,
	}
	p.inbound[remote.Msid()] = it
	p.mu.Unlock()

	p.emit(PeerEvent{Kind: PeerMediaAdded, PeerID: p.id, MediaID: it.MediaID, MediaKind: it.Kind})
	go p.readInbound(it)
}

// readInbound pumps RTP from one inbound track into the media data path until the track ends or the peer dies.
func (p *Peer) readInbound(it *InboundTrack) {
	for {
		pkt, _, err := it.remote.ReadRTP()
		if err != nil {
			return
		}
		p.emit(PeerEvent{Kind: PeerMediaData, PeerID: p.id, MediaID: it.MediaID, Packet: pkt})
	}
}

func (p *Peer) onConnectionStateChange(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		p.log.Debug().Str("state", s.String()).Msg("peer connection unrecoverable, tearing down")
		p.Close()
	}
}

func (p *Peer) emit(ev PeerEvent) {
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Msg("peer event dropped: service not keeping up")
	}
}

// AddOutboundTrack begins forwarding sourcePeerID's sourceMediaID track to this peer's user. It is queued as Pending
// and picked up by the next NegotiateIfNeeded call.
func (p *Peer) AddOutboundTrack(sourcePeerID ids.UserID, sourceMediaID string, kind webrtc.RTPCodecType) (*OutboundTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(capability, sourceMediaID, sourcePeerID.String())
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := p.conn.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	out := &OutboundTrack{
		MediaID:       sourceMediaID,
		Kind:          kind,
		State:         TrackState{Phase: TrackPending},
		SourcePeerID:  sourcePeerID,
		SourceMediaID: sourceMediaID,
		Enabled:       true,
		local:         local,
		sender:        sender,
	}
	p.outbound = append(p.outbound, out)
	return out, nil
}

// RemoveOutboundTrack stops forwarding the named track to this peer and triggers renegotiation to drop its m-line.
func (p *Peer) RemoveOutboundTrack(mediaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, out := range p.outbound {
		if out.MediaID == mediaID {
			_ = p.conn.RemoveTrack(out.sender)
			p.outbound = append(p.outbound[:i], p.outbound[i+1:]...)
			return
		}
	}
}

// writeRTP forwards a decoded packet from an inbound track to every Open outbound track sourced from
// (sourcePeerID, sourceMediaID). Every peer's MediaEngine registers the same fixed Opus/VP8 payload types (111/96),
// so a received packet's payload type is already correct for every receiver without per-sender rewriting.
func (p *Peer) writeRTP(sourcePeerID ids.UserID, sourceMediaID string, pkt *rtp.Packet) {
	p.mu.Lock()
	var targets []*OutboundTrack
	for _, out := range p.outbound {
		if out.Enabled && out.State.Phase == TrackOpen && out.SourcePeerID == sourcePeerID && out.SourceMediaID == sourceMediaID {
			targets = append(targets, out)
		}
	}
	p.mu.Unlock()

	for _, out := range targets {
		if err := out.local.WriteRTP(pkt); err != nil {
			p.log.Debug().Err(err).Str("media_id", out.MediaID).Msg("forward write failed")
		}
	}
}

// NegotiateIfNeeded implements the negotiation loop: if no offer is outstanding and at least one outbound track is
// Pending, it creates and sends an Offer, transitioning those tracks to Negotiating.
func (p *Peer) NegotiateIfNeeded(ctx context.Context) error {
	p.mu.Lock()
	if p.pendingOffer || p.closed {
		p.mu.Unlock()
		return nil
	}
	var pending []*OutboundTrack
	for _, out := range p.outbound {
		if out.State.Phase == TrackPending {
			pending = append(pending, out)
		}
	}
	if len(pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	p.pendingOffer = true
	p.mu.Unlock()

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	p.mu.Lock()
	tracks := make([]TrackInfo, 0, len(pending))
	for _, out := range pending {
		mid := midForSender(p.conn, out.sender)
		out.State = TrackState{Phase: TrackNegotiating, Mid: mid}
		tracks = append(tracks, out.info(TrackKeyUser))
	}
	p.mu.Unlock()

	p.sendMessage(Message{Type: TypeOffer, Offer: &OfferPayload{SDP: p.conn.LocalDescription().SDP, Tracks: tracks}})
	return nil
}

// HandleAnswer applies a client's answer to a server-initiated offer, opening every track that was Negotiating.
func (p *Peer) HandleAnswer(sdp string) error {
	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.mu.Lock()
	for _, out := range p.outbound {
		if out.State.Phase == TrackNegotiating {
			out.State.Phase = TrackOpen
		}
	}
	p.pendingOffer = false
	p.mu.Unlock()
	return nil
}

// HandleOffer accepts a client-initiated renegotiation (e.g. after the client starts publishing a new track). Any
// outbound tracks this peer had Negotiating fall back to Pending and will be re-offered on the next negotiation pass.
func (p *Peer) HandleOffer(sdp string) error {
	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	for _, out := range p.outbound {
		if out.State.Phase == TrackNegotiating {
			out.State.Phase = TrackPending
		}
	}
	p.pendingOffer = false
	p.mu.Unlock()

	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.sendMessage(Message{Type: TypeAnswer, Answer: &AnswerPayload{SDP: p.conn.LocalDescription().SDP}})
	return nil
}

func (p *Peer) sendMessage(msg Message) {
	select {
	case p.send <- msg:
	default:
		p.log.Warn().Str("type", string(msg.Type)).Msg("signaling message dropped: client not keeping up")
	}
}

// Close tears the peer connection down and releases its resources. It is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.conn.Close()
	p.emit(PeerEvent{Kind: PeerDead, PeerID: p.id})
	return err
}

func midForSender(conn *webrtc.PeerConnection, sender *webrtc.RTPSender) string {
	for _, t := range conn.GetTransceivers() {
		if t.Sender() == sender {
			return t.Mid()
		}
	}
	return ""
}

// selectHostAddressIPv4 picks a routable, non-loopback, non-link-local, non-private IPv4 address to advertise as the
// peer's ICE-lite host candidate. Deployments that only have a private address (the common case behind a cloud
// load balancer) must instead configure an explicit public IP and rely on the orchestration layer's NAT mapping;
// selectHostAddressIPv4 returning "" falls back to pion's own interface enumeration.
func selectHostAddressIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() || ip4.IsPrivate() {
			continue
		}
		return ip4.String()
	}
	return ""
}
