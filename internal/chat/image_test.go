package chat

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	tests := []struct {
		name    string
		req     SendRequest
		max     int
		wantErr string
	}{
		{name: "ok", req: SendRequest{ImageData: "data:image/png;base64," + payload, FileName: "a.png"}, max: 100},
		{name: "not a data url", req: SendRequest{ImageData: "https://example.com/a.png"}, max: 100, wantErr: "Only base64 image data URLs are supported"},
		{name: "not an image", req: SendRequest{ImageData: "data:text/plain;base64," + payload}, max: 100, wantErr: "Only base64 image data URLs are supported"},
		{name: "bad base64", req: SendRequest{ImageData: "data:image/png;base64,@@@"}, max: 100, wantErr: "Image data is not valid base64"},
		{name: "empty", req: SendRequest{ImageData: "data:image/png;base64,"}, max: 100, wantErr: "Image is empty"},
		{name: "too large", req: SendRequest{ImageData: "data:image/png;base64," + payload}, max: 4, wantErr: "Image is too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := parseImage(tt.req, tt.max)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrValidation)
				assert.Equal(t, tt.wantErr, clientMessage(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "image/png", img.mimeType)
			assert.Equal(t, int64(len("png-bytes")), img.size)
			assert.Equal(t, "a.png", img.fileName)
		})
	}
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "image", sanitizeFileName(""))
	assert.Equal(t, "image", sanitizeFileName(".."))
	assert.Equal(t, "evil.png", sanitizeFileName(`C:\tmp\evil.png`))
	assert.Equal(t, "x.gif", sanitizeFileName("a/b/x.gif"))
	assert.False(t, strings.Contains(sanitizeFileName("a\x00b.png"), "\x00"))
}
