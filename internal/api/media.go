package api

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apierrors "github.com/uncord-chat/uncord-server/internal/protocol/errors"
	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
	"github.com/uncord-chat/uncord-server/internal/protocol/models"

	"github.com/uncord-chat/uncord-server/internal/httputil"
	"github.com/uncord-chat/uncord-server/internal/media"
)

// MediaHandler serves the C2 media pipeline: resumable-upload create/patch/head/delete under /api/v1/media, plus the
// public CDN read paths (GET /media/:id, GET /thumb/:id) that are registered without the auth middleware chain.
type MediaHandler struct {
	media *media.Service
	log   zerolog.Logger
}

// NewMediaHandler creates a new media handler.
func NewMediaHandler(svc *media.Service, logger zerolog.Logger) *MediaHandler {
	return &MediaHandler{media: svc, log: logger}
}

// Create handles POST /api/v1/media. Spec §4.2 MediaCreate: an Upload source returns an upload URL the client then
// PATCHes bytes to; a Download source is fetched synchronously by the server and returns the finished Media.
func (h *MediaHandler) Create(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	var body models.MediaCreateRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if strings.TrimSpace(body.Filename) == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "filename is required")
	}

	params := media.CreateParams{
		Filename:    sanitiseFilename(body.Filename),
		Alt:         body.Alt,
		ContentType: body.ContentType,
	}
	switch body.Source {
	case "upload":
		if body.Size <= 0 {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "size must be positive for an upload source")
		}
		params.Kind = media.SourceUpload
		params.DeclaredSize = body.Size
	case "download":
		if strings.TrimSpace(body.SourceURL) == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "source_url is required for a download source")
		}
		params.Kind = media.SourceDownload
		params.DeclaredSize = body.Size
		params.SourceURL = body.SourceURL
	default:
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, `source must be "upload" or "download"`)
	}

	result, err := h.media.Create(c.Context(), userID, params)
	if err != nil {
		return mapMediaError(c, err)
	}

	resp := models.MediaCreatedResponse{MediaID: result.ID.String(), UploadURL: result.UploadURL}
	if result.Media != nil {
		m := toMediaModel(h.media, result.Media)
		resp.Media = &m
	} else {
		c.Set("Upload-Offset", "0")
		c.Set("Upload-Length", strconv.FormatInt(params.DeclaredSize, 10))
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, resp)
}

// PatchUpload handles PATCH /api/v1/media/:id/upload, the resumable-upload protocol core from spec §4.2: the client
// sends a chunk at a declared Upload-Offset; the server rejects a mismatched offset as CantOverwrite, appends on
// success, and transitions to Processing once the declared size is reached.
func (h *MediaHandler) PatchUpload(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	id, err := ids.ParseMediaID(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid media ID format")
	}

	offset, err := strconv.ParseInt(c.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Upload-Offset header is required and must be a non-negative integer")
	}

	contentLength := c.Request().Header.ContentLength()
	if contentLength < 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Content-Length header is required")
	}

	newOffset, declaredSize, m, err := h.media.PatchUpload(c.Context(), id, userID, offset, int64(contentLength), c.Request().BodyStream())
	if err != nil {
		return mapMediaError(c, err)
	}

	c.Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	c.Set("Upload-Length", strconv.FormatInt(declaredSize, 10))
	if m == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return httputil.Success(c, toMediaModel(h.media, m))
}

// Head handles HEAD /api/v1/media/:id, reporting the current resumable-upload offset (or final size once processed)
// via the same Upload-Offset/Upload-Length headers PatchUpload uses.
func (h *MediaHandler) Head(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	id, err := ids.ParseMediaID(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid media ID format")
	}

	offset, total, err := h.media.Head(c.Context(), id, userID)
	if err != nil {
		return mapMediaError(c, err)
	}

	c.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	c.Set("Upload-Length", strconv.FormatInt(total, 10))
	return c.SendStatus(fiber.StatusOK)
}

// Delete handles DELETE /api/v1/media/:id.
func (h *MediaHandler) Delete(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	id, err := ids.ParseMediaID(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid media ID format")
	}

	if err := h.media.Delete(c.Context(), id, userID); err != nil {
		return mapMediaError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetBlob handles the public GET /media/:id CDN route: Range (single range only), ETag, Last-Modified, RFC 6266
// Content-Disposition, and conditional-GET short-circuiting to 304, per spec §4.2/§6.
func (h *MediaHandler) GetBlob(c fiber.Ctx) error {
	id, err := ids.ParseMediaID(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMedia, "Media not found")
	}

	m, err := h.media.GetByID(c.Context(), id)
	if err != nil {
		return mapMediaError(c, err)
	}

	etag := fmt.Sprintf(`W/"%s"`, id.String())
	lastModified := media.Timestamp(id)

	if match := c.Get("If-None-Match"); match != "" && match == etag {
		return c.SendStatus(fiber.StatusNotModified)
	}
	if since := c.Get("If-Modified-Since"); since != "" {
		if t, err := time.Parse(time.RFC1123, since); err == nil && !lastModified.After(t.Add(time.Second)) {
			return c.SendStatus(fiber.StatusNotModified)
		}
	}

	rc, err := h.media.Storage().Get(c.Context(), m.StorageKey)
	if err != nil {
		if errors.Is(err, media.ErrStorageKeyNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMedia, "Media not found")
		}
		h.log.Error().Err(err).Str("media_id", id.String()).Msg("Failed to open media blob")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	defer func() { _ = rc.Close() }()

	c.Set("Content-Type", m.ContentType)
	c.Set("ETag", etag)
	c.Set("Last-Modified", lastModified.Format(time.RFC1123))
	c.Set("Cache-Control", "public, max-age=604800, immutable")
	c.Set("Content-Disposition", contentDisposition(m.Filename))
	c.Set("Accept-Ranges", "bytes")

	rangeHeader := c.Get("Range")
	if rangeHeader == "" {
		c.Set("Content-Length", strconv.FormatInt(m.SizeBytes, 10))
		return c.SendStream(rc)
	}

	start, end, ok, multiple := parseRange(rangeHeader, m.SizeBytes)
	if multiple {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Multiple ranges are not supported")
	}
	if !ok {
		c.Set("Content-Range", fmt.Sprintf("bytes */%d", m.SizeBytes))
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid Range header")
	}

	ra, seekable := rc.(io.ReaderAt)
	if !seekable {
		// Backend can't serve partial content; fall back to the full body rather than lying about a 206 response.
		c.Set("Content-Length", strconv.FormatInt(m.SizeBytes, 10))
		return c.SendStream(rc)
	}

	length := end - start + 1
	c.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.SizeBytes))
	c.Set("Content-Length", strconv.FormatInt(length, 10))
	c.Status(fiber.StatusPartialContent)
	return c.SendStream(io.NewSectionReader(ra, start, length))
}

// GetThumb handles the public GET /thumb/:id?size=N CDN route: size must be in the configured allowed set (400 if
// not); when omitted, the largest already-generated thumbnail is served; when no thumbnail exists yet for an image,
// one is generated on demand.
func (h *MediaHandler) GetThumb(c fiber.Ctx) error {
	id, err := ids.ParseMediaID(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMedia, "Media not found")
	}

	m, err := h.media.GetByID(c.Context(), id)
	if err != nil {
		return mapMediaError(c, err)
	}

	sizeParam := c.Query("size")
	var key string
	switch {
	case sizeParam == "":
		key = largestThumbnail(m.ThumbnailKeys)
		if key == "" {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMedia, "No thumbnail is available for this media object")
		}
	default:
		size, err := strconv.Atoi(sizeParam)
		if err != nil || !allowedSize(h.media.ThumbnailSizes(), size) {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "size is not one of the supported thumbnail sizes")
		}
		key, err = h.media.GenerateThumbnailOnDemand(c.Context(), id, size)
		if err != nil {
			return mapMediaError(c, err)
		}
	}

	rc, err := h.media.Storage().Get(c.Context(), key)
	if err != nil {
		if errors.Is(err, media.ErrStorageKeyNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMedia, "Thumbnail not found")
		}
		h.log.Error().Err(err).Str("media_id", id.String()).Msg("Failed to open thumbnail")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	defer func() { _ = rc.Close() }()

	etag := fmt.Sprintf(`W/"%s"`, key)
	if match := c.Get("If-None-Match"); match != "" && match == etag {
		return c.SendStatus(fiber.StatusNotModified)
	}

	c.Set("Content-Type", "image/jpeg")
	c.Set("ETag", etag)
	c.Set("Cache-Control", "public, max-age=604800, immutable")
	return c.SendStream(rc)
}

// allowedSize reports whether size is one of the configured enumerated thumbnail sizes.
func allowedSize(sizes []int, size int) bool {
	for _, s := range sizes {
		if s == size {
			return true
		}
	}
	return false
}

// largestThumbnail returns the storage key of the largest generated thumbnail, for the size-omitted CDN request.
func largestThumbnail(keys map[int]string) string {
	best := -1
	var key string
	for size, k := range keys {
		if size > best {
			best = size
			key = k
		}
	}
	return key
}

// parseRange parses a single-range "bytes=start-end" (or "bytes=start-" / "bytes=-suffixLength") Range header value
// against a known total size. multiple is true when the header names more than one range, which spec §4.2/§6 does
// not support; the caller rejects that with 400 rather than attempting multipart/byteranges.
func parseRange(header string, size int64) (start, end int64, ok bool, multiple bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false, true
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, false
	}
	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	if startStr == "" {
		if endStr == "" {
			return 0, 0, false, false
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false, false
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, true, false
	}

	s, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false, false
	}
	e := size - 1
	if endStr != "" {
		parsedEnd, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || parsedEnd < s {
			return 0, 0, false, false
		}
		if parsedEnd < e {
			e = parsedEnd
		}
	}
	return s, e, true, false
}

// contentDisposition builds an RFC 6266 Content-Disposition header, falling back to an ASCII-sanitised filename
// (replacing non-ASCII runes with "_") plus a filename* extended parameter when the original name isn't pure ASCII.
func contentDisposition(filename string) string {
	ascii := asciiFallback(filename)
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(ascii)
	if isASCII(filename) {
		return fmt.Sprintf(`attachment; filename="%s"`, escaped)
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, escaped, url.PathEscape(filename))
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func asciiFallback(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// toMediaModel converts an internal Media to the protocol response type.
func toMediaModel(svc *media.Service, m *media.Media) models.Media {
	out := models.Media{
		ID:          m.ID.String(),
		State:       m.State.String(),
		Variant:     m.Variant.String(),
		Filename:    m.Filename,
		Alt:         m.Alt,
		ContentType: m.ContentType,
		Size:        m.SizeBytes,
		Width:       m.Width,
		Height:      m.Height,
		DurationMS:  m.DurationMS,
		URL:         svc.PublicURL(m.ID),
		CreatedAt:   m.CreatedAt.Format(time.RFC3339),
	}
	if len(m.ThumbnailKeys) > 0 {
		out.Thumbnails = make(map[string]any, len(m.ThumbnailKeys))
		for size := range m.ThumbnailKeys {
			out.Thumbnails[strconv.Itoa(size)] = svc.ThumbURL(m.ID, size)
		}
	}
	return out
}

// mapMediaError converts media-service errors to appropriate HTTP responses.
func mapMediaError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, media.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMedia, "Media not found")
	case errors.Is(err, media.ErrForbidden):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You do not own this media object")
	case errors.Is(err, media.ErrOffsetMismatch):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.CantOverwrite, "Upload-Offset does not match the current upload size")
	case errors.Is(err, media.ErrTooBig):
		return httputil.Fail(c, fiber.StatusRequestEntityTooLarge, apierrors.PayloadTooLarge, "Media exceeds the maximum allowed size")
	case errors.Is(err, media.ErrUnknownSize):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "size is not one of the supported thumbnail sizes")
	case errors.Is(err, media.ErrUnsupportedContentType):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.UnsupportedContentType, "This file type is not allowed")
	default:
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
