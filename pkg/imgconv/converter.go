package imgconv

import (
	"bytes"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Supported output formats.
const (
	FormatWebP = "webp"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// ThumbSize is the fixed edge of the square cover-crop thumbnail.
const ThumbSize = 128

// DefaultQuality applies when the configured quality is out of range.
const DefaultQuality = 80

var formatExtensions = map[string]string{
	FormatWebP: "webp",
	FormatJPEG: "jpg",
	FormatPNG:  "png",
}

var allowedMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

var contentTypes = map[string]string{
	"webp": "image/webp",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
}

// IsSupportedFormat reports whether format is one of the three output formats.
func IsSupportedFormat(format string) bool {
	_, ok := formatExtensions[format]
	return ok
}

// IsSupportedMediaType reports whether a MIME type is an accepted upload type.
func IsSupportedMediaType(mediaType string) bool {
	return allowedMediaTypes[mediaType]
}

// Extension returns the file extension for an output format, without the dot.
func Extension(format string) string {
	return formatExtensions[format]
}

// ContentTypeByExt maps a file extension (without dot) to its content type,
// falling back to octet-stream for anything unrecognized.
func ContentTypeByExt(ext string) string {
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Converter is the opaque pixel-transcoding capability: pure functions on
// byte buffers, no filesystem or session knowledge.
type Converter interface {
	Convert(data []byte, format string) ([]byte, error)
	Thumbnail(data []byte) ([]byte, error)
}

// Processor implements Converter on top of the imaging and webp libraries.
type Processor struct {
	quality int
}

func NewProcessor(quality int) *Processor {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Processor{quality: quality}
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	// The webp decoder registers itself, but damaged RIFF headers can slip
	// past the format sniffer; try it directly before giving up.
	if img, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return img, nil
	}
	return nil, fmt.Errorf("failed to decode image: %w", err)
}

func (p *Processor) encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatWebP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(p.quality)}); err != nil {
			return nil, fmt.Errorf("failed to encode webp: %w", err)
		}
	case FormatJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
			return nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	case FormatPNG:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return buf.Bytes(), nil
}

// Convert transcodes image bytes into the requested output format.
func (p *Processor) Convert(data []byte, format string) ([]byte, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	return p.encode(img, format)
}

// Thumbnail produces a 128x128 cover-cropped WebP from the given bytes.
func (p *Processor) Thumbnail(data []byte) ([]byte, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	thumb := imaging.Fill(img, ThumbSize, ThumbSize, imaging.Center, imaging.Lanczos)
	return p.encode(thumb, FormatWebP)
}
