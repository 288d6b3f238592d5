package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/debumedia/image-optimizer/pkg/apperrors"
)

const (
	// OriginalDir holds the bytes as uploaded, before any conversion.
	OriginalDir = "original"
	// OutputDir holds converted files and their thumbnails.
	OutputDir = "output"
)

// Layout owns the on-disk directory convention: one directory per session,
// each with an original/ and output/ pair. Every path handed out is proven to
// resolve inside the session's own tree.
type Layout struct {
	basePath string
}

func NewLayout(basePath string) (*Layout, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &Layout{basePath: basePath}, nil
}

// segmentChars is the character set a path segment may use: the sanitizer's
// safe set plus the parentheses that collision disambiguators append.
var segmentChars = regexp.MustCompile(`^[A-Za-z0-9._()-]+$`)

// sanitizeSegment rejects any path segment that could escape the session
// sandbox. Segments are re-validated here independent of earlier sanitization:
// this is the security boundary, not a convenience.
func sanitizeSegment(segment string) error {
	if segment == "" {
		return apperrors.Wrap(apperrors.ErrInvalidPath, fmt.Errorf("empty path segment"))
	}
	if strings.Contains(segment, "..") ||
		strings.ContainsAny(segment, `/\`) ||
		!segmentChars.MatchString(segment) {
		return apperrors.Wrap(apperrors.ErrInvalidPath, fmt.Errorf("unsafe path segment: %s", segment))
	}
	return nil
}

// resolve joins base/session/area/name and verifies the result still sits
// under the base directory.
func (l *Layout) resolve(sessionID, area, name string) (string, error) {
	if err := sanitizeSegment(sessionID); err != nil {
		return "", err
	}
	if err := sanitizeSegment(name); err != nil {
		return "", err
	}

	fullPath := filepath.Join(l.basePath, sessionID, area, name)
	absFullPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absBasePath, err := filepath.Abs(l.basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	if !strings.HasPrefix(absFullPath, absBasePath+string(filepath.Separator)) {
		return "", apperrors.Wrap(apperrors.ErrInvalidPath, fmt.Errorf("path outside base directory: %s", name))
	}

	return fullPath, nil
}

// OriginalPath resolves the path of a file in the session's original area.
func (l *Layout) OriginalPath(sessionID, name string) (string, error) {
	return l.resolve(sessionID, OriginalDir, name)
}

// OutputPath resolves the path of a file in the session's output area.
// Thumbnails live here too.
func (l *Layout) OutputPath(sessionID, name string) (string, error) {
	return l.resolve(sessionID, OutputDir, name)
}

// EnsureSessionDirs creates the original/output directory pair. Safe to call
// repeatedly and concurrently: MkdirAll tolerates existing directories.
func (l *Layout) EnsureSessionDirs(sessionID string) error {
	if err := sanitizeSegment(sessionID); err != nil {
		return err
	}
	for _, area := range []string{OriginalDir, OutputDir} {
		dir := filepath.Join(l.basePath, sessionID, area)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return nil
}

func (l *Layout) write(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// WriteOriginal stores uploaded bytes under the session's original area.
func (l *Layout) WriteOriginal(sessionID, name string, data []byte) error {
	path, err := l.OriginalPath(sessionID, name)
	if err != nil {
		return err
	}
	return l.write(path, data)
}

// WriteOutput stores converted bytes under the session's output area.
func (l *Layout) WriteOutput(sessionID, name string, data []byte) error {
	path, err := l.OutputPath(sessionID, name)
	if err != nil {
		return err
	}
	return l.write(path, data)
}

// WriteThumbnail stores thumbnail bytes alongside the outputs.
func (l *Layout) WriteThumbnail(sessionID, name string, data []byte) error {
	return l.WriteOutput(sessionID, name, data)
}

// ReadOriginal returns the bytes of a file in the original area.
func (l *Layout) ReadOriginal(sessionID, name string) ([]byte, error) {
	path, err := l.OriginalPath(sessionID, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// ReadOutput returns the bytes of a file in the output area.
func (l *Layout) ReadOutput(sessionID, name string) ([]byte, error) {
	path, err := l.OutputPath(sessionID, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// OpenOutput opens an output file for streaming. Caller closes the reader.
func (l *Layout) OpenOutput(sessionID, name string) (io.ReadCloser, int64, error) {
	path, err := l.OutputPath(sessionID, name)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return file, info.Size(), nil
}

// OutputExists reports whether a file exists in the session's output area.
// Invalid names simply report false.
func (l *Layout) OutputExists(sessionID, name string) bool {
	path, err := l.OutputPath(sessionID, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// OriginalExists reports whether a file exists in the session's original area.
func (l *Layout) OriginalExists(sessionID, name string) bool {
	path, err := l.OriginalPath(sessionID, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// DeleteIfExists removes a resolved path, treating absence as success.
// File removal during cleanup is best-effort by contract.
func (l *Layout) DeleteIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// RemoveSessionTree removes the whole session directory, both areas included.
func (l *Layout) RemoveSessionTree(sessionID string) error {
	if err := sanitizeSegment(sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(l.basePath, sessionID)); err != nil {
		return fmt.Errorf("failed to remove session tree: %w", err)
	}
	return nil
}
