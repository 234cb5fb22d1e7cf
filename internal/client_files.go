package internal

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"roomchat/internal/chat"
)

const maxClientImageBytes = 5 << 20

// loadImage reads an image from disk and packs it as a data URL send request.
func loadImage(path string, maxBytes int64) (chat.SendRequest, error) {
	path = expandHome(strings.TrimSpace(path))
	if path == "" {
		return chat.SendRequest{}, fmt.Errorf("usage: /image <path>")
	}
	info, err := os.Stat(path)
	if err != nil {
		return chat.SendRequest{}, err
	}
	if info.IsDir() {
		return chat.SendRequest{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxBytes {
		return chat.SendRequest{}, fmt.Errorf("image is %s, the limit is %s", formatFileSize(info.Size()), formatFileSize(maxBytes))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return chat.SendRequest{}, err
	}
	mimeType := http.DetectContentType(raw)
	if !strings.HasPrefix(mimeType, "image/") {
		return chat.SendRequest{}, fmt.Errorf("%s is not an image (%s)", filepath.Base(path), mimeType)
	}
	return chat.SendRequest{
		IsImage:   true,
		ImageData: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw),
		FileName:  filepath.Base(path),
		FileSize:  int64(len(raw)),
		FileType:  mimeType,
	}, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
