// Package media normalizes inline prompt images before they are
// journaled: oversized images are downscaled and re-encoded so a
// session replayed later sends the provider exactly what was stored.
package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/haasonsaas/loom/pkg/models"
)

const (
	// DefaultMaxDimension is the long-edge bound applied when resizing.
	// Providers downscale anything larger server-side; doing it here
	// keeps journals small and uploads fast.
	DefaultMaxDimension = 1568

	// MaxImageBytes bounds a single decoded image payload.
	MaxImageBytes = 6 * 1024 * 1024
)

// Options controls normalization.
type Options struct {
	// Resize enables downscaling images whose long edge exceeds
	// MaxDimension.
	Resize bool

	// MaxDimension bounds the long edge. Zero applies
	// DefaultMaxDimension.
	MaxDimension int
}

func (o Options) maxDimension() int {
	if o.MaxDimension <= 0 {
		return DefaultMaxDimension
	}
	return o.MaxDimension
}

// NormalizeImages converts prompt attachments into image content
// blocks. Each attachment is validated and size-guarded; when resizing
// is enabled, decodable images (png, jpeg, gif) whose long edge exceeds
// the bound are downscaled and re-encoded as PNG. Formats the decoder
// does not recognize pass through untouched.
func NormalizeImages(images []models.ImageAttachment, opts Options) ([]models.ContentBlock, error) {
	blocks := make([]models.ContentBlock, 0, len(images))
	for i, att := range images {
		if err := att.Validate(); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		raw, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, fmt.Errorf("image %d: decode base64: %w", i, err)
		}
		if len(raw) > MaxImageBytes {
			return nil, fmt.Errorf("image %d: %d bytes exceeds limit of %d", i, len(raw), MaxImageBytes)
		}
		if !opts.Resize {
			blocks = append(blocks, models.ImageBlock(att.Data, att.MimeType))
			continue
		}
		block, err := normalizeOne(raw, att, opts.maxDimension())
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// normalizeOne downscales a single image when needed. An undecodable
// payload is passed through as supplied.
func normalizeOne(raw []byte, att models.ImageAttachment, maxDim int) (models.ContentBlock, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return models.ImageBlock(att.Data, att.MimeType), nil
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return models.ImageBlock(att.Data, att.MimeType), nil
	}

	resized := scaleToFit(img, maxDim)
	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return models.ContentBlock{}, fmt.Errorf("encode resized image: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return models.ImageBlock(encoded, "image/png"), nil
}

// scaleToFit downscales img so its long edge equals maxDim, preserving
// aspect ratio.
func scaleToFit(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDim
		newHeight = height * maxDim / width
	} else {
		newHeight = maxDim
		newWidth = width * maxDim / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
