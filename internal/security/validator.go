package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"devdrop/internal/constants"
)

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".pdf": true, ".doc": true, ".docx": true, ".txt": true, ".md": true,
	".zip": true, ".rar": true, ".7z": true,
	".mp4": true, ".webm": true, ".mp3": true, ".wav": true,
	".js": true, ".ts": true, ".py": true, ".json": true, ".html": true, ".css": true,
}

// ValidateFile checks a proposed upload against the size ceiling and the
// extension allow-list. It is pure: no I/O, no state.
func ValidateFile(fileName string, size int64) error {
	if size > constants.MaxFileSize {
		return errors.New("File size exceeds 50MB limit.")
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if !allowedExtensions[ext] {
		return fmt.Errorf("File type %s is not allowed.", ext)
	}

	return nil
}

// SanitizeFilename replaces every character outside [A-Za-z0-9.-] with '_' and
// strips leading dots. No '/' or '..' can survive, which is what keeps
// client-supplied names from escaping the upload directory.
func SanitizeFilename(fileName string) string {
	var b strings.Builder
	b.Grow(len(fileName))
	for _, r := range fileName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// NewTransferID mints a cryptographically random transfer id. Client-supplied
// ids are never used for storage.
func NewTransferID() string {
	return uuid.New().String()
}

// ValidateStorageName accepts only names of the form <uuid>-<sanitized>, the
// shape every finalized upload is stored under.
func ValidateStorageName(name string) bool {
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return false
	}
	if len(name) < 38 { // 36-char uuid + '-' + at least one name byte
		return false
	}
	if _, err := uuid.Parse(name[:36]); err != nil {
		return false
	}
	return name[36] == '-'
}
