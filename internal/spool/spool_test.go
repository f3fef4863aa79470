package spool_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orrn/printd/internal/spool"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		format string
		ok     bool
	}{
		{"pdf", []byte("%PDF-1.7\n"), spool.FormatPDF, true},
		{"postscript", []byte("%!PS-Adobe-3.0"), spool.FormatPostScript, true},
		{"postscript with control byte", []byte{0x04, '%', '!'}, spool.FormatPostScript, true},
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, spool.FormatJPEG, true},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, spool.FormatPNG, true},
		{"raster", []byte("RaS2xxxx"), spool.FormatRaster, true},
		{"urf", []byte("UNIRAST\x00"), spool.FormatURF, true},
		{"plain text", []byte("hello world"), "", false},
		{"empty", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, ok := spool.Detect(tt.prefix)
			if ok != tt.ok {
				t.Fatalf("Detect ok = %v, want %v", ok, tt.ok)
			}
			if format != tt.format {
				t.Errorf("Detect format = %q, want %q", format, tt.format)
			}
		})
	}
}

func TestDetectExtension(t *testing.T) {
	if format, ok := spool.DetectExtension("report.PDF"); !ok || format != spool.FormatPDF {
		t.Errorf("DetectExtension(report.PDF) = %q, %v", format, ok)
	}
	if format, ok := spool.DetectExtension("notes.txt"); !ok || format != spool.FormatText {
		t.Errorf("DetectExtension(notes.txt) = %q, %v", format, ok)
	}
	if _, ok := spool.DetectExtension("binary.exe"); ok {
		t.Error("DetectExtension(binary.exe) should not match")
	}
	if _, ok := spool.DetectExtension("noextension"); ok {
		t.Error("DetectExtension(noextension) should not match")
	}
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Quarterly Report (final).pdf", "Quarterly-Report-final-pdf"},
		{"---", ""},
		{"simple", "simple"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"a/b\\c", "a-b-c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := spool.SanitizeTitle(tt.in); got != tt.want {
			t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDocumentPath(t *testing.T) {
	s, err := spool.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path := s.DocumentPath("office", 42, 1, "My Report", spool.FormatPDF)
	base := filepath.Base(path)
	if base != "office-00042-001-My-Report.pdf" {
		t.Errorf("DocumentPath base = %q, want %q", base, "office-00042-001-My-Report.pdf")
	}
	if !s.Contains(path) {
		t.Error("DocumentPath result should be inside the spool tree")
	}

	// Unknown formats fall back to a generic extension.
	path = s.DocumentPath("office", 7, 0, "", "application/x-something")
	if !strings.HasSuffix(path, "office-00007.dat") {
		t.Errorf("DocumentPath fallback = %q", path)
	}
}

func TestCreateRemoveContains(t *testing.T) {
	dir := t.TempDir()
	s, err := spool.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path := s.DocumentPath("p", 1, 1, "doc", spool.FormatText)
	f, err := s.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.WriteString("hello"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	if err := s.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be gone after Remove")
	}

	// Removing twice is not an error.
	if err := s.Remove(path); err != nil {
		t.Errorf("second Remove: %v", err)
	}

	// Files outside the tree are left alone.
	outside := filepath.Join(t.TempDir(), "keep.txt")
	if err := os.WriteFile(outside, []byte("keep"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if s.Contains(outside) {
		t.Error("Contains should reject a path outside the tree")
	}
	if err := s.Remove(outside); err != nil {
		t.Fatalf("Remove outside tree: %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Error("file outside the tree must not be deleted")
	}
}

func TestSniffFile(t *testing.T) {
	s, err := spool.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path := filepath.Join(s.Dir(), "doc.bin")
	if err := os.WriteFile(path, []byte("%PDF-1.4 rest of the file"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	prefix, err := s.SniffFile(path)
	if err != nil {
		t.Fatalf("SniffFile: %v", err)
	}
	if format, ok := spool.Detect(prefix); !ok || format != spool.FormatPDF {
		t.Errorf("Detect(sniffed) = %q, %v", format, ok)
	}
}
