// Package processing holds the image inspection collaborators the
// upload pipeline calls at completion time: content hashing, dimension
// extraction, corruption detection, and thumbnail derivation.
package processing

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Register decoders for the formats clients upload
	_ "image/gif"
	_ "image/png"

	"github.com/pixelvault/pixelvault/pkg/utils"
	"golang.org/x/image/draw"
)

// ImageInfo is the metadata extracted from assembled upload content
type ImageInfo struct {
	SHA256    string
	Width     int
	Height    int
	Corrupted bool
}

// Processor inspects assembled image content
type Processor interface {
	// ExtractMetadata hashes the content and reads its dimensions.
	// Undecodable content reports Corrupted rather than failing.
	ExtractMetadata(content []byte) (*ImageInfo, error)

	// DeriveThumbnail produces a scaled-down JPEG of the content
	DeriveThumbnail(content []byte) ([]byte, error)
}

const thumbnailBound = 256

// StdProcessor implements Processor with the standard library decoders
type StdProcessor struct{}

// NewProcessor creates the default image processor
func NewProcessor() *StdProcessor {
	return &StdProcessor{}
}

// ExtractMetadata hashes content and decodes its bounds
func (p *StdProcessor) ExtractMetadata(content []byte) (*ImageInfo, error) {
	info := &ImageInfo{
		SHA256: utils.ComputeSHA256(content),
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		info.Corrupted = true
		return info, nil
	}

	info.Width = cfg.Width
	info.Height = cfg.Height
	return info, nil
}

// DeriveThumbnail scales the image to fit within thumbnailBound pixels
// on its longer edge and re-encodes it as JPEG
func (p *StdProcessor) DeriveThumbnail(content []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= thumbnailBound && h <= thumbnailBound {
		// Already small enough, re-encode as-is
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 80}); err != nil {
			return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
		}
		return buf.Bytes(), nil
	}

	scale := float64(thumbnailBound) / float64(w)
	if h > w {
		scale = float64(thumbnailBound) / float64(h)
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
