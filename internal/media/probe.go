package media

import (
	"image"
	_ "image/gif"  // Register GIF decoder for dimension probing
	_ "image/jpeg" // Register JPEG decoder for dimension probing
	_ "image/png"  // Register PNG decoder for dimension probing
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// ProbeResult is what Service.process learns about a scratch file before it is persisted as a Media record.
type ProbeResult struct {
	ContentType string
	Width       *int
	Height      *int
	// DurationMS is always nil: sniffing audio/video duration needs a media-metadata collaborator (ffprobe in
	// original_source) that has no pure-Go equivalent among the example repos or their transitive dependencies, so
	// it is left unset here rather than shipping a fabricated library binding. See DESIGN.md.
	DurationMS *int64
}

// MetadataProber inspects a downloaded/uploaded scratch file to determine its real mime type and, for images,
// its pixel dimensions. Spec §4.2: "Probe the file ... to obtain mime, dimensions, duration, and embedded thumbnail
// stream if any." A probe failure downgrades the resulting Media to VariantFile rather than failing the operation.
type MetadataProber interface {
	Probe(path string, declaredContentType string) (ProbeResult, error)
}

// sniffProber is the default MetadataProber: github.com/gabriel-vasile/mimetype for content-type sniffing (the
// mime-detection library used by Caqil-bro and RoseWrightdev-Video-Conferencing in the example pack, both of which
// handle uploaded media) plus the standard image package for dimension probing of the formats it already registers
// decoders for (JPEG/PNG/GIF/WebP via disintegration/imaging's transitive decoders).
type sniffProber struct{}

// NewMetadataProber returns the default, dependency-grounded MetadataProber.
func NewMetadataProber() MetadataProber { return sniffProber{} }

func (sniffProber) Probe(path string, declaredContentType string) (ProbeResult, error) {
	contentType := declaredContentType
	if detected, err := mimetype.DetectFile(path); err == nil && detected != nil {
		contentType = detected.String()
	}

	result := ProbeResult{ContentType: contentType}
	if VariantForContentType(contentType) != VariantImage {
		return result, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return result, nil
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		// Metadata probe failure downgrades to File variant per spec §4.2; the caller does this by just not
		// treating the absence of Width/Height as fatal.
		return result, nil
	}
	w, h := cfg.Width, cfg.Height
	result.Width = &w
	result.Height = &h
	return result, nil
}
