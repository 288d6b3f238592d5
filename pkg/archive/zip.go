package archive

import (
	"archive/zip"
	"fmt"
	"io"
)

// Entry is one file to include in a bundle.
type Entry struct {
	Name string
	Data []byte
}

// Bundle writes the entries as a zip archive to w. The archive-bundling
// capability is opaque to the rest of the system: names in, bytes out.
func Bundle(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, entry := range entries {
		fw, err := zw.Create(entry.Name)
		if err != nil {
			zw.Close()
			return fmt.Errorf("failed to create archive entry: %w", err)
		}
		if _, err := fw.Write(entry.Data); err != nil {
			zw.Close()
			return fmt.Errorf("failed to write archive entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}
