package api

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	apierrors "github.com/uncord-chat/uncord-server/internal/protocol/errors"

	"github.com/uncord-chat/uncord-server/internal/httputil"
	"github.com/uncord-chat/uncord-server/internal/search"
)

// ReindexQueuer enqueues a channel reindex job. Satisfied by *queue.Queue via a thin adapter in main, keeping this
// package free of a direct dependency on the queue wire format.
type ReindexQueuer interface {
	QueueReindex(ctx context.Context, channelID uuid.UUID) error
}

// SearchHandler serves message search endpoints.
type SearchHandler struct {
	service *search.Service
	reindex ReindexQueuer
	log     zerolog.Logger
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(service *search.Service, reindex ReindexQueuer, logger zerolog.Logger) *SearchHandler {
	return &SearchHandler{service: service, reindex: reindex, log: logger}
}

// ReindexChannel handles POST /api/v1/channels/:channelID/search/reindex. It is gated by ManageChannels in the route
// table; the handler just enqueues the bulk rebuild job and returns immediately, since a full channel history can
// take longer than an HTTP request is willing to wait.
func (h *SearchHandler) ReindexChannel(c fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid channel ID format")
	}

	if err := h.reindex.QueueReindex(c, channelID); err != nil {
		h.log.Error().Err(err).Str("channel_id", channelID.String()).Msg("Failed to enqueue channel reindex")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"channel_id": channelID, "status": "queued"})
}

// SearchMessages handles GET /api/v1/search/messages. It returns messages matching the query, scoped to channels the
// authenticated user has permission to view.
func (h *SearchHandler) SearchMessages(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "The q parameter is required")
	}

	channelID := c.Query("channel_id")
	if channelID != "" {
		if _, err := uuid.Parse(channelID); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid channel_id format")
		}
	}

	authorID := c.Query("author_id")
	if authorID != "" {
		if _, err := uuid.Parse(authorID); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid author_id format")
		}
	}

	var before int64
	if raw := c.Query("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid before parameter")
		}
		before = v
	}

	var after int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid after parameter")
		}
		after = v
	}

	page, _ := strconv.Atoi(c.Query("page"))
	perPage, _ := strconv.Atoi(c.Query("limit"))
	page, perPage = search.ClampPagination(page, perPage)

	result, err := h.service.Search(c, userID, query, search.Options{
		ChannelID: channelID,
		AuthorID:  authorID,
		Before:    before,
		After:     after,
		Page:      page,
		PerPage:   perPage,
		Order:     search.ParseOrder(c.Query("order")),
	})
	if err != nil {
		return h.mapSearchError(c, err)
	}
	return httputil.Success(c, result)
}

func (h *SearchHandler) mapSearchError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, search.ErrEmptyQuery):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, search.ErrInvalidFilter):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, search.ErrSearchUnavailable):
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.SearchUnavailable, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "search").Msg("unhandled search service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
