package request

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/comigor/streamchat/internal/chat"
)

// ErrValidation is wrapped by every input rejected before a request is sent.
var ErrValidation = errors.New("invalid input")

// ValidationError describes why an input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DefaultMaxImageBytes bounds attached images.
const DefaultMaxImageBytes int64 = 20 << 20

var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks an input before any state change or network call.
func (b *Builder) Validate(in chat.Input) error {
	if in.Image == nil {
		if strings.TrimSpace(in.Text) == "" {
			return invalid("text", "message is empty")
		}
		return nil
	}
	return b.validateImage(in.Image)
}

func (b *Builder) validateImage(img *chat.ImageRef) error {
	if img.Source == nil && img.DataURL == "" {
		return invalid("image", "no file or preview data attached")
	}

	contentType := strings.ToLower(img.ContentType)
	size := img.Size

	if img.DataURL != "" {
		mediaType, payload, err := parseDataURL(img.DataURL)
		if err != nil {
			if img.Source == nil {
				return err
			}
		} else {
			if contentType == "" {
				contentType = mediaType
			}
			if img.Source == nil {
				size = int64(len(payload))
			}
		}
	}

	if !supportedImageTypes[contentType] {
		return invalid("image", "unsupported image type %q", contentType)
	}
	if size > b.maxImageBytes() {
		return invalid("image", "image is %d bytes, limit is %d", size, b.maxImageBytes())
	}
	return nil
}

// parseDataURL splits "data:<mime>;base64,<payload>" and decodes the payload.
func parseDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, invalid("image", "preview is not a data URL")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, invalid("image", "data URL has no payload")
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, invalid("image", "data URL is not base64 encoded")
	}
	if encoded == "" {
		return "", nil, invalid("image", "data URL payload is empty")
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, invalid("image", "data URL payload is not valid base64")
	}
	return strings.ToLower(mediaType), payload, nil
}
