package capture

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"cap2cal/internal/services"
)

var dataURLPrefixes = map[string]string{
	"data:image/jpeg;base64,": "image/jpeg",
	"data:image/jpg;base64,":  "image/jpeg",
	"data:image/png;base64,":  "image/png",
	"data:image/webp;base64,": "image/webp",
}

var supportedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// RawImage is an opaque image payload plus the caller's locale. It is never
// persisted.
type RawImage struct {
	Data     []byte
	MimeType string
	Locale   string
}

// DecodeImage accepts bare base64 or a data URL and returns the decoded image.
// Structural problems are reported as services.ErrInput so callers can fail
// before any model call.
func DecodeImage(encoded, locale string, maxBytes int) (RawImage, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return RawImage{}, services.Wrap(services.ErrInput, "scan", "decode image", "image base64 data is required", nil)
	}
	declared := ""
	for prefix, mime := range dataURLPrefixes {
		if strings.HasPrefix(encoded, prefix) {
			declared = mime
			encoded = encoded[len(prefix):]
			break
		}
	}
	if declared == "" && strings.HasPrefix(encoded, "data:") {
		return RawImage{}, services.Wrap(services.ErrInput, "scan", "decode image", "unsupported data URL", nil)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return RawImage{}, services.Wrap(services.ErrInput, "scan", "decode image", "image is not valid base64", err)
		}
	}
	img := RawImage{Data: data, MimeType: declared, Locale: NormalizeLocale(locale)}
	if err := img.Check(maxBytes); err != nil {
		return RawImage{}, err
	}
	return img, nil
}

// Check validates size and content type. A declared mime type is replaced by
// the sniffed one when they disagree.
func (img *RawImage) Check(maxBytes int) error {
	if len(img.Data) == 0 {
		return services.Wrap(services.ErrInput, "scan", "check image", "image is empty", nil)
	}
	if maxBytes > 0 && len(img.Data) > maxBytes {
		return services.Wrap(services.ErrInput, "scan", "check image", fmt.Sprintf("image is %d bytes, limit is %d", len(img.Data), maxBytes), nil)
	}
	sniffed := http.DetectContentType(img.Data)
	if !supportedMimeTypes[sniffed] {
		return services.Wrap(services.ErrInput, "scan", "check image", fmt.Sprintf("unsupported image type %s", sniffed), nil)
	}
	img.MimeType = sniffed
	return nil
}

// DataURL renders the image for a multimodal chat request.
func (img RawImage) DataURL() string {
	return "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
