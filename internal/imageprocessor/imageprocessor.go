// Package imageprocessor validates uploads and normalises them before they are
// sent for inference.
package imageprocessor

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrEmptyImage is returned for zero-length uploads.
	ErrEmptyImage = errors.New("image is empty")
	// ErrUnsupportedType is returned when the upload is not a decodable image.
	ErrUnsupportedType = errors.New("unsupported image type")
	// ErrImageTooLarge is returned when the decoded pixel count exceeds MaxPixels.
	ErrImageTooLarge = errors.New("image dimensions exceed limit")
)

// MaxPixels caps width*height of an upload before it is fully decoded.
const MaxPixels = 40_000_000

// OutputContentType is the content type of Prepared.Data.
const OutputContentType = "image/jpeg"

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Prepared is an upload that passed validation, rotated upright and scaled to fit.
type Prepared struct {
	Data         []byte
	Width        int
	Height       int
	OriginalType string
	SHA1         string
}

// Sniff returns the detected MIME type of data, or ErrUnsupportedType.
func Sniff(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	mtype := mimetype.Detect(data)
	for m := mtype; m != nil; m = m.Parent() {
		if supportedTypes[m.String()] {
			return m.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
}

// Prepare decodes data honouring its EXIF orientation, fits it inside a
// maxSide x maxSide box and re-encodes it as JPEG.
func Prepare(data []byte, maxSide int) (*Prepared, error) {
	contentType, err := Sniff(data)
	if err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	bounds := img.Bounds()
	if maxSide > 0 && (bounds.Dx() > maxSide || bounds.Dy() > maxSide) {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	sum := sha1.Sum(data)
	return &Prepared{
		Data:         buf.Bytes(),
		Width:        img.Bounds().Dx(),
		Height:       img.Bounds().Dy(),
		OriginalType: contentType,
		SHA1:         hex.EncodeToString(sum[:]),
	}, nil
}
