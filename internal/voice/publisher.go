package voice

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/events"
	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
	"github.com/uncord-chat/uncord-server/internal/protocol/models"
)

// DispatchPublisher is the subset of the gateway publisher this package depends on, kept narrow so voice never
// imports the gateway package's websocket/session machinery, only its event-fanout contract.
type DispatchPublisher interface {
	Publish(ctx context.Context, eventType events.DispatchEvent, data any) error
}

// GatewayPublisher adapts a DispatchPublisher into the Service's EventPublisher, converting the service's internal
// Call/VoiceState types into their wire (models) representations before handing them to the sync fabric.
type GatewayPublisher struct {
	dispatch DispatchPublisher
	log      zerolog.Logger
}

// NewGatewayPublisher wraps a gateway publisher for use as a voice Service's EventPublisher.
func NewGatewayPublisher(dispatch DispatchPublisher, logger zerolog.Logger) *GatewayPublisher {
	return &GatewayPublisher{dispatch: dispatch, log: logger.With().Str("component", "voice_publisher").Logger()}
}

func (p *GatewayPublisher) PublishCallCreate(ctx context.Context, call Call) {
	p.publish(ctx, events.CallCreate, callToModel(call))
}

func (p *GatewayPublisher) PublishCallUpdate(ctx context.Context, call Call) {
	p.publish(ctx, events.CallUpdate, callToModel(call))
}

func (p *GatewayPublisher) PublishCallDelete(ctx context.Context, channelID ids.ChannelID) {
	p.publish(ctx, events.CallDelete, models.CallDeleteData{ChannelID: channelID.String()})
}

func (p *GatewayPublisher) PublishVoiceStateUpdate(ctx context.Context, state VoiceState, disconnected bool) {
	// disconnected is carried in the envelope purely for the gateway hub's own bookkeeping; the wire payload mirrors
	// the channel the user left so clients can still clear the row even though VoiceState has no "left" flag of its
	// own (the full row, all-false, would otherwise look identical to an undeafened/unmuted join).
	if disconnected {
		p.publish(ctx, events.VoiceStateUpdate, models.VoiceState{
			UserID:    state.UserID.String(),
			ChannelID: state.ChannelID.String(),
		})
		return
	}
	p.publish(ctx, events.VoiceStateUpdate, voiceStateToModel(state))
}

func (p *GatewayPublisher) publish(ctx context.Context, eventType events.DispatchEvent, data any) {
	if err := p.dispatch.Publish(ctx, eventType, data); err != nil {
		p.log.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish voice event")
	}
}

func callToModel(call Call) models.Call {
	return models.Call{
		RoomID:    call.RoomID.String(),
		ChannelID: call.ChannelID.String(),
		Topic:     call.Topic,
		CreatedAt: call.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func voiceStateToModel(state VoiceState) models.VoiceState {
	return models.VoiceState{
		UserID:    state.UserID.String(),
		ChannelID: state.ChannelID.String(),
		Mute:      state.Mute,
		Deaf:      state.Deaf,
		SelfMute:  state.SelfMute,
		SelfDeaf:  state.SelfDeaf,
		SelfVideo: state.SelfVideo,
		Suppress:  state.Suppress,
	}
}
