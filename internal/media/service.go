package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// onDemandThumbnailQuality matches thumbnailQuality in thumbnail.go; kept separate since on-demand generation is a
// distinct code path invoked directly from the CDN read handler rather than the async worker.
const onDemandThumbnailQuality = 85

// maxDownloadRedirects caps how many hops Service.fetchDownload follows before giving up, mirroring the "redirect
// limit" spec §4.2 calls for on download sources. original_source's reqwest::get follows redirects with its own
// default cap; net/http needs this wired explicitly via CheckRedirect.
const maxDownloadRedirects = 5

// Config groups the tunables Service needs from internal/config, kept narrow so this package does not import the
// config package directly.
type Config struct {
	MaxSizeBytes     int64
	DownloadTimeout  time.Duration
	DownloadDenylist []string
	ThumbnailSizes   []int
	ScratchDir       string
	// CDNBaseURL prefixes the public /media and /thumb routes when set (e.g. a CDN/reverse-proxy origin distinct from
	// the API origin). Empty means callers should treat the URL as relative to the API's own origin.
	CDNBaseURL string
}

// ThumbnailEnqueuer hands a processed Media object off for asynchronous, enumerated-size thumbnail generation. The
// parent operation does not wait on it: spec §4.2 "Thumbnail generation errors are logged but do not fail the
// parent operation."
type ThumbnailEnqueuer interface {
	EnqueueMediaThumbnails(ctx context.Context, job MediaThumbnailJob) error
}

// Service implements the Create/resumable-upload/process pipeline from spec §4.2.
type Service struct {
	storage StorageProvider
	repo    Repository
	prober  MetadataProber
	thumbs  ThumbnailEnqueuer
	uploads *uploadRegistry
	cfg     Config
	client  *http.Client
	log     zerolog.Logger
}

// NewService constructs a media Service. thumbs may be nil, in which case processed media simply never gets
// thumbnails (used in tests that don't care about the async path).
func NewService(storage StorageProvider, repo Repository, prober MetadataProber, thumbs ThumbnailEnqueuer, cfg Config, logger zerolog.Logger) *Service {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Service{
		storage: storage,
		repo:    repo,
		prober:  prober,
		thumbs:  thumbs,
		uploads: newUploadRegistry(),
		cfg:     cfg,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxDownloadRedirects {
					return fmt.Errorf("stopped after %d redirects", maxDownloadRedirects)
				}
				return checkDenylist(req.URL, cfg.DownloadDenylist)
			},
		},
		log: logger,
	}
}

// Create allocates a time-ordered media id and reserves a scratch file, per spec §4.2. For SourceUpload it records
// intent and returns an upload URL; for SourceDownload it fetches the URL synchronously (with timeout, redirect
// limit, denylist, and size limit) and proceeds straight to Processing.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, params CreateParams) (*CreateResult, error) {
	if params.DeclaredSize > 0 && params.DeclaredSize > s.cfg.MaxSizeBytes {
		return nil, ErrTooBig
	}

	id := ids.NewMediaID()
	scratchPath := filepath.Join(s.cfg.ScratchDir, "media-upload-"+id.String())

	f, err := os.Create(scratchPath)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close scratch file: %w", err)
	}

	up := &pendingUpload{
		id:           id,
		uploaderID:   userID,
		filename:     params.Filename,
		alt:          params.Alt,
		contentType:  params.ContentType,
		declaredSize: params.DeclaredSize,
		scratchPath:  scratchPath,
		createdAt:    time.Now(),
	}
	s.uploads.store(up)

	switch params.Kind {
	case SourceUpload:
		return &CreateResult{ID: id, UploadURL: "/api/v1/media/" + id.String() + "/upload"}, nil
	case SourceDownload:
		if err := s.fetchDownload(ctx, up, params.SourceURL); err != nil {
			s.uploads.delete(id)
			_ = os.Remove(scratchPath)
			return nil, err
		}
		m, err := s.process(ctx, up)
		if err != nil {
			return nil, err
		}
		return &CreateResult{ID: id, Media: m}, nil
	default:
		s.uploads.delete(id)
		_ = os.Remove(scratchPath)
		return nil, fmt.Errorf("unknown media source kind %d", params.Kind)
	}
}

// fetchDownload streams source_url to the scratch file, enforcing the declared/configured size limit and the host
// denylist on both the initial request and every redirect hop.
func (s *Service) fetchDownload(ctx context.Context, up *pendingUpload, sourceURL string) error {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return fmt.Errorf("parse source url: %w", err)
	}
	if err := checkDenylist(parsed, s.cfg.DownloadDenylist); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch download source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download source returned status %d", resp.StatusCode)
	}

	limit := s.cfg.MaxSizeBytes
	if up.declaredSize > 0 && up.declaredSize < limit {
		limit = up.declaredSize
	}
	if cl := resp.ContentLength; cl > 0 && cl > limit {
		return ErrTooBig
	}

	f, err := os.OpenFile(up.scratchPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open scratch file: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Read one byte beyond the limit so an over-limit response is detected rather than silently truncated.
	written, err := io.Copy(f, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fmt.Errorf("stream download body: %w", err)
	}
	if written > limit {
		return ErrTooBig
	}
	return nil
}

// checkDenylist rejects IP literals and hostnames present in the configured denylist, blocking the common SSRF
// targets (cloud metadata endpoints, loopback, localhost) spec §4.2 calls out.
func checkDenylist(u *url.URL, denylist []string) error {
	host := u.Hostname()
	for _, blocked := range denylist {
		if strings.EqualFold(host, blocked) {
			return fmt.Errorf("download source host %q is not permitted", host)
		}
	}
	return nil
}

// PatchUpload appends a chunk at the given offset, per the resumable-upload protocol in spec §4.2: the server
// verifies upload-offset == current file length (else ErrOffsetMismatch/CantOverwrite), appends, and returns the new
// offset. On reaching declared size the pipeline transitions to Processing and the returned Media is non-nil.
func (s *Service) PatchUpload(ctx context.Context, id ids.MediaID, userID uuid.UUID, offset, contentLength int64, body io.Reader) (newOffset int64, declaredSize int64, m *Media, err error) {
	up, ok := s.uploads.get(id)
	if !ok {
		return 0, 0, nil, ErrNotFound
	}
	if up.uploaderID != userID {
		return 0, 0, nil, ErrForbidden
	}

	up.mu.Lock()
	defer up.mu.Unlock()

	current, err := up.currentSize()
	if err != nil {
		return 0, 0, nil, err
	}
	if current != offset {
		return current, up.declaredSize, nil, ErrOffsetMismatch
	}
	if current+contentLength > up.declaredSize {
		return 0, 0, nil, ErrTooBig
	}

	f, err := os.OpenFile(up.scratchPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("open scratch file: %w", err)
	}
	written, copyErr := io.Copy(f, io.LimitReader(body, contentLength))
	closeErr := f.Close()
	if copyErr != nil {
		return 0, 0, nil, fmt.Errorf("append upload chunk: %w", copyErr)
	}
	if closeErr != nil {
		return 0, 0, nil, fmt.Errorf("close scratch file: %w", closeErr)
	}

	newOffset = current + written
	if newOffset < up.declaredSize {
		return newOffset, up.declaredSize, nil, nil
	}

	m, err = s.process(ctx, up)
	if err != nil {
		return newOffset, up.declaredSize, nil, err
	}
	return newOffset, up.declaredSize, m, nil
}

// Head reports the current offset and declared total for an in-flight upload, or the final size for an already
// processed one, matching `HEAD /media/{id}` from spec §6.
func (s *Service) Head(ctx context.Context, id ids.MediaID, userID uuid.UUID) (offset, total int64, err error) {
	if up, ok := s.uploads.get(id); ok {
		if up.uploaderID != userID {
			return 0, 0, ErrForbidden
		}
		up.mu.Lock()
		defer up.mu.Unlock()
		current, err := up.currentSize()
		if err != nil {
			return 0, 0, err
		}
		return current, up.declaredSize, nil
	}

	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	return m.SizeBytes, m.SizeBytes, nil
}

// process probes the scratch file, classifies its variant, uploads the source blob to object storage under
// media/{id}, persists the Media row, and best-effort-enqueues enumerated-size thumbnail generation. Spec §4.2:
// "Upload to object storage. After processing, upload the source blob under media/{id}."
func (s *Service) process(ctx context.Context, up *pendingUpload) (*Media, error) {
	defer func() {
		_ = os.Remove(up.scratchPath)
		s.uploads.delete(up.id)
	}()

	probeResult, err := s.prober.Probe(up.scratchPath, up.contentType)
	contentType := up.contentType
	variant := VariantFile
	var width, height *int
	if err == nil {
		contentType = probeResult.ContentType
		variant = VariantForContentType(contentType)
		width, height = probeResult.Width, probeResult.Height
	}

	f, err := os.Open(up.scratchPath)
	if err != nil {
		return nil, fmt.Errorf("open scratch file for upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	storageKey := "media/" + up.id.String()
	if err := s.storage.Put(ctx, storageKey, f); err != nil {
		return nil, fmt.Errorf("upload to object storage: %w", err)
	}

	size, err := up.currentSize()
	if err != nil {
		return nil, err
	}

	m := &Media{
		ID:            up.id,
		UploaderID:    up.uploaderID,
		State:         StateUploaded,
		Variant:       variant,
		Filename:      up.filename,
		Alt:           up.alt,
		ContentType:   contentType,
		SizeBytes:     size,
		Width:         width,
		Height:        height,
		StorageKey:    storageKey,
		ThumbnailKeys: map[int]string{},
		CreatedAt:     Timestamp(up.id),
	}

	if err := s.repo.Insert(ctx, m); err != nil {
		_ = s.storage.Delete(ctx, storageKey)
		return nil, fmt.Errorf("persist media: %w", err)
	}

	if s.thumbs != nil && (variant == VariantImage || variant == VariantVideo) && len(s.cfg.ThumbnailSizes) > 0 {
		job := MediaThumbnailJob{
			MediaID:     m.ID.String(),
			StorageKey:  m.StorageKey,
			ContentType: m.ContentType,
			Sizes:       s.cfg.ThumbnailSizes,
		}
		if err := s.thumbs.EnqueueMediaThumbnails(ctx, job); err != nil {
			s.log.Warn().Err(err).Str("media_id", m.ID.String()).Msg("Failed to enqueue media thumbnail job")
		}
	}

	return m, nil
}

// Delete removes a media object. Transferring-stage uploads are simply dropped from the registry; persisted objects
// are deleted from storage and the database. Matches original_source's media_delete, minus the link-check (this
// deployment's attachment linking already owns that invariant for message-linked uploads).
func (s *Service) Delete(ctx context.Context, id ids.MediaID, userID uuid.UUID) error {
	if up, ok := s.uploads.get(id); ok {
		if up.uploaderID != userID {
			return ErrForbidden
		}
		s.uploads.delete(id)
		_ = os.Remove(up.scratchPath)
		return nil
	}

	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if m.UploaderID != userID {
		return ErrForbidden
	}

	storageKey, thumbKeys, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	_ = s.storage.Delete(ctx, storageKey)
	for _, key := range thumbKeys {
		_ = s.storage.Delete(ctx, key)
	}
	return nil
}

// GetByID exposes the persisted Media record for the CDN/metadata read paths.
func (s *Service) GetByID(ctx context.Context, id ids.MediaID) (*Media, error) {
	return s.repo.GetByID(ctx, id)
}

// Storage exposes the underlying StorageProvider so handlers can stream blob bytes directly.
func (s *Service) Storage() StorageProvider { return s.storage }

// ThumbnailSizes exposes the configured allowed thumbnail sizes for the `GET /thumb/{id}?size=N` handler's
// validation (`size` must be in the allowed set, spec §4.2).
func (s *Service) ThumbnailSizes() []int { return s.cfg.ThumbnailSizes }

// PublicURL returns the CDN-facing URL for a media object's source blob.
func (s *Service) PublicURL(id ids.MediaID) string {
	return strings.TrimRight(s.cfg.CDNBaseURL, "/") + "/media/" + id.String()
}

// ThumbURL returns the CDN-facing URL for one size of a media object's thumbnail.
func (s *Service) ThumbURL(id ids.MediaID, size int) string {
	return fmt.Sprintf("%s/thumb/%s?size=%d", strings.TrimRight(s.cfg.CDNBaseURL, "/"), id.String(), size)
}

// GenerateThumbnailOnDemand serves `GET /thumb/{id}?size=N` when no worker-generated thumbnail exists yet for that
// size: it decodes the source image synchronously, resizes it, persists the result so later requests hit the cached
// key, and records it via Repository.SetThumbnailKey. Only VariantImage sources are eligible; anything else (video,
// audio, file, text) returns ErrNotFound since there is no stills-extraction path without ffmpeg.
func (s *Service) GenerateThumbnailOnDemand(ctx context.Context, id ids.MediaID, size int) (string, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if key, ok := m.ThumbnailKeys[size]; ok {
		return key, nil
	}
	if m.Variant != VariantImage {
		return "", ErrNotFound
	}

	rc, err := s.storage.Get(ctx, m.StorageKey)
	if err != nil {
		return "", fmt.Errorf("read source for on-demand thumbnail: %w", err)
	}
	defer func() { _ = rc.Close() }()

	img, _, err := image.Decode(rc)
	if err != nil {
		return "", fmt.Errorf("decode source for on-demand thumbnail: %w", err)
	}

	thumb := imaging.Fit(img, size, size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: onDemandThumbnailQuality}); err != nil {
		return "", fmt.Errorf("encode on-demand thumbnail: %w", err)
	}

	key := fmt.Sprintf("thumb/%s/%dx%d", id.String(), size, size)
	if err := s.storage.Put(ctx, key, &buf); err != nil {
		return "", fmt.Errorf("write on-demand thumbnail: %w", err)
	}
	if err := s.repo.SetThumbnailKey(ctx, id, size, key); err != nil {
		s.log.Warn().Err(err).Str("media_id", id.String()).Int("size", size).Msg("Failed to record on-demand thumbnail key")
	}
	return key, nil
}

// ErrTooBig is returned when a declared or observed size exceeds the configured maximum, mapped to the TooBig error
// kind (HTTP 413) in the api package.
var ErrTooBig = errors.New("media exceeds the maximum allowed size")
