package archive

import (
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zip"
)

type Entry struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// WriteZip streams entries into one zip container. Image payloads are
// already compressed, so entries are stored rather than deflated.
func WriteZip(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		if _, dup := seen[entry.Name]; dup {
			_ = zw.Close()
			return fmt.Errorf("duplicate archive entry %q", entry.Name)
		}
		seen[entry.Name] = struct{}{}

		header := &zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Store,
			Modified: entry.Modified,
		}
		fw, err := zw.CreateHeader(header)
		if err != nil {
			_ = zw.Close()
			return fmt.Errorf("create archive entry %s: %w", entry.Name, err)
		}
		if _, err := fw.Write(entry.Data); err != nil {
			_ = zw.Close()
			return fmt.Errorf("write archive entry %s: %w", entry.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}
