package chat

import (
	"encoding/base64"
	"path/filepath"
	"strings"
)

type imageAttachment struct {
	data     string
	mimeType string
	fileName string
	size     int64
}

// parseImage checks that req carries a base64 image data URL no larger than
// maxBytes once decoded. The reported size and type come from the payload, not
// from the client's claims.
func parseImage(req SendRequest, maxBytes int) (imageAttachment, error) {
	data := strings.TrimSpace(req.ImageData)
	header, encoded, found := strings.Cut(data, ",")
	if !found || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return imageAttachment{}, invalid("Only base64 image data URLs are supported")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxBytes+2 {
		return imageAttachment{}, invalid("Image is too large")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return imageAttachment{}, invalid("Image data is not valid base64")
	}
	if len(raw) == 0 {
		return imageAttachment{}, invalid("Image is empty")
	}
	if len(raw) > maxBytes {
		return imageAttachment{}, invalid("Image is too large")
	}
	mimeType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	return imageAttachment{
		data:     data,
		mimeType: mimeType,
		fileName: sanitizeFileName(req.FileName),
		size:     int64(len(raw)),
	}, nil
}

func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "image"
	}
	return name
}
