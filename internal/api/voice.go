package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apierrors "github.com/uncord-chat/uncord-server/internal/protocol/errors"
	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
	"github.com/uncord-chat/uncord-server/internal/protocol/permissions"

	"github.com/uncord-chat/uncord-server/internal/httputil"
	"github.com/uncord-chat/uncord-server/internal/permission"
	"github.com/uncord-chat/uncord-server/internal/voice"
)

// VoiceHandler serves voice-state and call lifecycle endpoints. The media itself never touches this handler — it
// only negotiates which channel a user is connected to and hands out the SFU to dial, mirroring how the gateway's
// signaling channel (internal/voice.Message) is entirely separate from this REST surface.
type VoiceHandler struct {
	calls    *voice.Service
	resolver *permission.Resolver
	log      zerolog.Logger
}

// NewVoiceHandler creates a new voice handler.
func NewVoiceHandler(calls *voice.Service, resolver *permission.Resolver, logger zerolog.Logger) *VoiceHandler {
	return &VoiceHandler{calls: calls, resolver: resolver, log: logger}
}

// voiceStateRequest is the body of PUT /channels/:channelID/voice-states/@me.
type voiceStateRequest struct {
	SelfMute  bool `json:"self_mute"`
	SelfDeaf  bool `json:"self_deaf"`
	SelfVideo bool `json:"self_video"`
}

// Join handles PUT /api/v1/channels/:channelID/voice-states/@me. It requires VoiceConnect on the target channel,
// binds the caller's voice state there (creating the call implicitly if this is the first participant), and
// allocates the SFU the client should open its signaling connection against.
func (h *VoiceHandler) Join(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	channelUUID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid channel ID")
	}

	allowed, err := h.resolver.HasPermission(c, userID, channelUUID, permissions.VoiceConnect)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "voice").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing VoiceConnect permission")
	}

	var req voiceStateRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid request body")
	}

	channelID := ids.ChannelID(channelUUID)
	state := voice.VoiceState{
		UserID:    ids.UserID(userID),
		ChannelID: channelID,
		SelfMute:  req.SelfMute,
		SelfDeaf:  req.SelfDeaf,
		SelfVideo: req.SelfVideo,
	}
	if err := h.calls.StatePut(c, state); err != nil {
		h.log.Error().Err(err).Str("handler", "voice").Msg("state put failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	sfuID, err := h.calls.AllocSfu(channelID)
	if err != nil {
		h.log.Warn().Err(err).Str("handler", "voice").Msg("no sfu available")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.InternalError, "No voice SFU available")
	}

	return c.JSON(fiber.Map{"sfu_id": sfuID.String()})
}

// Leave handles DELETE /api/v1/channels/:channelID/voice-states/@me. The channel ID in the path is advisory only —
// a user only ever has one active voice state at a time, so StateRemove keys off the caller alone.
func (h *VoiceHandler) Leave(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	if err := h.calls.StateRemove(c, ids.UserID(userID)); err != nil {
		h.log.Error().Err(err).Str("handler", "voice").Msg("state remove failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// updateCallRequest is the body of PATCH /channels/:channelID/call.
type updateCallRequest struct {
	Topic *string `json:"topic"`
}

// UpdateCall handles PATCH /api/v1/channels/:channelID/call. It requires VoiceConnect (the same bar as joining,
// since DM/group-DM calls have no separate "manage call" permission in this model) and patches the call's topic.
func (h *VoiceHandler) UpdateCall(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	channelUUID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid channel ID")
	}

	allowed, err := h.resolver.HasPermission(c, userID, channelUUID, permissions.VoiceConnect)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "voice").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing VoiceConnect permission")
	}

	var req updateCallRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid request body")
	}

	channelID := ids.ChannelID(channelUUID)
	if err := h.calls.CallUpdate(c, channelID, req.Topic); err != nil {
		if errors.Is(err, voice.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "No active call on this channel")
		}
		h.log.Error().Err(err).Str("handler", "voice").Msg("call update failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
