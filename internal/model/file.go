package model

import "time"

// Session groups the files a single client has uploaded and converted. It is
// created lazily on first upload and removed when its last file record goes.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// FileRecord is the relational index entry for one converted output. A record
// is valid only while both its output file and its thumbnail exist on disk.
type FileRecord struct {
	SessionID        string    `json:"-"`
	DisplayName      string    `json:"display_name"`
	StorageName      string    `json:"storage_name"`
	Format           string    `json:"format"`
	ThumbnailName    string    `json:"thumbnail_name"`
	OriginalFileName string    `json:"-"`
	OriginalSize     int64     `json:"original_size"`
	ConvertedSize    int64     `json:"converted_size"`
	CreatedAt        time.Time `json:"created_at"`
}

// FileDescriptor is the shape handed back across the system boundary for each
// converted file.
type FileDescriptor struct {
	DisplayName   string `json:"display_name"`
	StorageName   string `json:"storage_name"`
	Format        string `json:"format"`
	ThumbnailName string `json:"thumbnail_name"`
	OriginalSize  int64  `json:"original_size"`
	ConvertedSize int64  `json:"converted_size"`
}

// Descriptor projects the record into its boundary shape.
func (r *FileRecord) Descriptor() FileDescriptor {
	return FileDescriptor{
		DisplayName:   r.DisplayName,
		StorageName:   r.StorageName,
		Format:        r.Format,
		ThumbnailName: r.ThumbnailName,
		OriginalSize:  r.OriginalSize,
		ConvertedSize: r.ConvertedSize,
	}
}

// Upload is one fresh file submitted in a batch.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Reconvert asks for a new output derived from an already stored file,
// referenced by its display name.
type Reconvert struct {
	Source string `json:"source"`
	Name   string `json:"name,omitempty"`
}

// Batch is the unit of work the conversion orchestrator processes.
type Batch struct {
	SessionID  string
	Format     string
	Uploads    []Upload
	Reconverts []Reconvert
}

// ItemFailure reports one failed batch item without failing its siblings.
type ItemFailure struct {
	Name   string `json:"name"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BatchResult carries the outcome of a batch: succeeded descriptors plus
// per-item failures.
type BatchResult struct {
	SessionID string           `json:"session_id"`
	Files     []FileDescriptor `json:"files"`
	Failures  []ItemFailure    `json:"failures,omitempty"`
}
