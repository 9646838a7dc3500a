// Package imagedecode turns incoming base64 image payloads into pixel
// buffers, enforcing the upload size limit before any pixel work happens.
package imagedecode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

var (
	// ErrPayloadTooLarge indicates the decoded payload exceeds the
	// configured maximum content length.
	ErrPayloadTooLarge = errors.New("image payload exceeds size limit")
	// ErrInvalidImage indicates the payload is not valid base64 or does not
	// parse as a supported raster format.
	ErrInvalidImage = errors.New("invalid image payload")
)

// Supported raster formats. The registry knows more (imaging registers gif,
// bmp and tiff as a side effect) but the service only accepts these two.
var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
}

// Decode converts a base64 image payload into a pixel buffer. The payload
// may be a bare base64 string or a full data URI; everything up to and
// including the first comma is treated as the media-type prefix and
// stripped. maxBytes caps the decoded size and is checked before decoding.
func Decode(payload string, maxBytes int64) (image.Image, error) {
	encoded := payload
	if idx := strings.IndexByte(encoded, ','); idx >= 0 {
		encoded = encoded[idx+1:]
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	// Upper bound from the encoded length rejects oversized payloads
	// without materializing them.
	if int64(base64.StdEncoding.DecodedLen(len(encoded))) > maxBytes+2 {
		return nil, ErrPayloadTooLarge
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64", ErrInvalidImage)
	}
	if int64(len(raw)) > maxBytes {
		return nil, ErrPayloadTooLarge
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: unrecognized image data", ErrInvalidImage)
	}
	if !supportedFormats[format] {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidImage, format)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s decode failed", ErrInvalidImage, format)
	}
	return img, nil
}
