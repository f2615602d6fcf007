package media

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uncord-chat/uncord-server/internal/protocol/ids"
)

// State is a stage in the forward-only media lifecycle: Transferring -> Processing -> Uploaded -> Consumed.
type State int

const (
	StateTransferring State = iota
	StateProcessing
	StateUploaded
	StateConsumed
)

func (s State) String() string {
	switch s {
	case StateTransferring:
		return "transferring"
	case StateProcessing:
		return "processing"
	case StateUploaded:
		return "uploaded"
	case StateConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Variant classifies a Media record by its mime family, which governs what metadata the protocol response carries
// (dimensions for Image/Video, duration for Video/Audio, nothing extra for Text/File).
type Variant int

const (
	VariantFile Variant = iota
	VariantImage
	VariantVideo
	VariantAudio
	VariantText
)

func (v Variant) String() string {
	switch v {
	case VariantImage:
		return "image"
	case VariantVideo:
		return "video"
	case VariantAudio:
		return "audio"
	case VariantText:
		return "text"
	default:
		return "file"
	}
}

// VariantForContentType maps a probed mime type to its metadata variant. A probe failure (empty contentType) or any
// mime family without a dedicated variant downgrades to VariantFile.
func VariantForContentType(contentType string) Variant {
	family, _, _ := strings.Cut(normaliseContentType(contentType), "/")
	switch family {
	case "image":
		return VariantImage
	case "video":
		return VariantVideo
	case "audio":
		return VariantAudio
	case "text":
		return VariantText
	default:
		return VariantFile
	}
}

// Sentinel errors returned by the media service, mapped to the API error taxonomy's Kind/Code pairs by the api
// package (mirrors attachment.ErrNotFound and the storage-layer errors already in storage.go).
var (
	ErrNotFound       = errors.New("media not found")
	ErrOffsetMismatch = errors.New("upload-offset does not match the current upload size")
	ErrNotUploading   = errors.New("media is not awaiting an upload")
	ErrUnknownSize    = errors.New("thumbnail size is not in the configured allowed set")
	ErrForbidden      = errors.New("media does not belong to the requesting user")
)

// Media is a fully processed media object: a source blob plus any generated thumbnails, addressed by a time-ordered
// MediaID whose embedded UUIDv7 timestamp doubles as the CDN Last-Modified value.
type Media struct {
	ID            ids.MediaID
	UploaderID    uuid.UUID
	State         State
	Variant       Variant
	Filename      string
	Alt           string
	ContentType   string
	SizeBytes     int64
	Width         *int
	Height        *int
	DurationMS    *int64
	StorageKey    string
	ThumbnailKeys map[int]string
	CreatedAt     time.Time
}

// Timestamp extracts the millisecond Unix timestamp embedded in a UUIDv7's first 48 bits (RFC 9562 layout), which
// ids.NewMediaID uses via uuid.NewV7. This backs the CDN's Last-Modified header without a separate stored column.
func Timestamp(id ids.MediaID) time.Time {
	u := uuid.UUID(id)
	ms := int64(u[0])<<40 | int64(u[1])<<32 | int64(u[2])<<24 | int64(u[3])<<16 | int64(u[4])<<8 | int64(u[5])
	return time.UnixMilli(ms).UTC()
}

// SourceKind distinguishes the two ways a MediaCreate request can populate the scratch file.
type SourceKind int

const (
	SourceUpload SourceKind = iota
	SourceDownload
)

// CreateParams is the input to Service.Create, covering both MediaCreateSource variants from spec §4.2: a client
// that will PATCH bytes in (Upload), or a URL the server itself fetches (Download).
type CreateParams struct {
	Kind        SourceKind
	Filename    string
	Alt         string
	ContentType string
	// DeclaredSize is the client-declared upload size (SourceUpload) or an optional expected size used to reject an
	// oversized response early (SourceDownload, 0 = unknown).
	DeclaredSize int64
	SourceURL    string
}

// CreateResult is returned from Service.Create. UploadURL is non-nil only for SourceUpload, matching the
// `{media_id, upload_url?}` wire shape from spec §6; a Download source resolves synchronously and returns the
// finished Media instead.
type CreateResult struct {
	ID        ids.MediaID
	UploadURL string
	Media     *Media
}
