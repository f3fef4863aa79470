// Package spool manages the on-disk document files owned by print jobs.
//
// Every document a job carries is exactly one file under the spool
// directory. File names are derived deterministically from the printer,
// job id, document index, and a sanitized job title, so a crashed server
// can associate leftover files with their jobs.
package spool

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Document formats understood by the built-in signature table.
const (
	FormatPDF         = "application/pdf"
	FormatPostScript  = "application/postscript"
	FormatJPEG        = "image/jpeg"
	FormatPNG         = "image/png"
	FormatRaster      = "application/vnd.cups-raster"
	FormatURF         = "image/urf"
	FormatText        = "text/plain"
	FormatOctetStream = "application/octet-stream"
	FormatAuto        = "application/octet-stream;auto"
)

// sniffLen is how many leading bytes Detect needs at most.
const sniffLen = 12

var signatures = []struct {
	prefix []byte
	format string
}{
	{[]byte("%PDF"), FormatPDF},
	{[]byte("%!"), FormatPostScript},
	{[]byte{0x04, '%', '!'}, FormatPostScript},
	{[]byte{0xff, 0xd8, 0xff}, FormatJPEG},
	{[]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, FormatPNG},
	{[]byte("RaS2"), FormatRaster},
	{[]byte("RaS3"), FormatRaster},
	{[]byte("RaSt"), FormatRaster},
	{[]byte("UNIRAST"), FormatURF},
}

var extensions = map[string]string{
	".pdf":  FormatPDF,
	".ps":   FormatPostScript,
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".ras":  FormatRaster,
	".urf":  FormatURF,
	".txt":  FormatText,
	".text": FormatText,
}

var formatExt = map[string]string{
	FormatPDF:        "pdf",
	FormatPostScript: "ps",
	FormatJPEG:       "jpg",
	FormatPNG:        "png",
	FormatRaster:     "ras",
	FormatURF:        "urf",
	FormatText:       "txt",
}

// Detect matches the leading bytes of a document against the signature
// table. The second return value reports whether a signature matched.
func Detect(prefix []byte) (string, bool) {
	for _, sig := range signatures {
		if bytes.HasPrefix(prefix, sig.prefix) {
			return sig.format, true
		}
	}
	return "", false
}

// DetectExtension maps a filename extension onto a document format.
func DetectExtension(filename string) (string, bool) {
	format, ok := extensions[strings.ToLower(filepath.Ext(filename))]
	return format, ok
}

// Store owns the spool directory. The directory is created with
// owner-only permissions; documents inherit 0600.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the managed spool directory.
func (s *Store) Dir() string { return s.dir }

// DocumentPath derives the spool file name for one document. Titles are
// reduced to alphanumerics and hyphens so they are always path-safe.
func (s *Store) DocumentPath(printer string, jobID int64, docIndex int, title, format string) string {
	ext, ok := formatExt[format]
	if !ok {
		ext = "dat"
	}

	name := fmt.Sprintf("%s-%05d", SanitizeTitle(printer), jobID)
	if docIndex > 0 {
		name = fmt.Sprintf("%s-%03d", name, docIndex)
	}
	if t := SanitizeTitle(title); t != "" {
		name += "-" + t
	}

	return filepath.Join(s.dir, name+"."+ext)
}

// Create opens a new document file for writing.
func (s *Store) Create(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return f, nil
}

// Open opens an existing document file for reading.
func (s *Store) Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	return f, nil
}

// Remove deletes a document file. Removing a file that is already gone
// is not an error, and files outside the managed tree are left alone.
func (s *Store) Remove(path string) error {
	if !s.Contains(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove spool file: %w", err)
	}
	return nil
}

// Contains reports whether path resides under the managed spool tree.
func (s *Store) Contains(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SanitizeTitle keeps alphanumerics and maps everything else to hyphens,
// collapsing runs and trimming the ends.
func SanitizeTitle(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// SniffFile reads the leading bytes of path for Detect.
func (s *Store) SniffFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for type detection: %w", err)
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return nil, fmt.Errorf("failed to read file for type detection: %w", err)
	}
	return buf[:n], nil
}
