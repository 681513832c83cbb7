package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

var DefaultInputExtensions = []string{"jpg", "jpeg", "png", "webp", "gif", "bmp", "tiff", "tif", "heic", "heif"}

// UploadPolicy gates files before they reach the registry. It only looks at
// the name and size; content is classified later by the decoder chain.
type UploadPolicy struct {
	MaxBytes   int64
	Extensions []string
}

func (p UploadPolicy) Check(name string, size int64) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	allowed := p.Extensions
	if len(allowed) == 0 {
		allowed = DefaultInputExtensions
	}
	supported := false
	for _, candidate := range allowed {
		if ext == candidate {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("%w: %s", ErrUnsupportedUpload, name)
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return fmt.Errorf("%w: %s is %d bytes (max %s)", ErrTooLarge, name, size, FormatLimit(p.MaxBytes))
	}
	return nil
}

// FormatLimit renders a byte limit for users, e.g. "100MB".
func FormatLimit(bytes int64) string {
	const mb = 1024 * 1024
	if bytes%mb == 0 {
		return fmt.Sprintf("%dMB", bytes/mb)
	}
	return fmt.Sprintf("%d bytes", bytes)
}
