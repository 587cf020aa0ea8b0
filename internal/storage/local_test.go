package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	store, err := NewLocal(t.TempDir(), maxSize)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	return store
}

func TestPutAndDelete(t *testing.T) {
	store := newTestStore(t, 1024)

	path, err := store.Put("report.pdf", samplePDF)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if filepath.Dir(path) != store.Dir() {
		t.Fatalf("stored outside managed dir: %s", path)
	}
	if !strings.HasPrefix(filepath.Base(path), "financial_document_") {
		t.Fatalf("unexpected stored name: %s", filepath.Base(path))
	}
	if !store.Exists(path) || !store.Readable(path) {
		t.Fatal("stored file should exist and be readable")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read stored file: %v", err)
	}
	if !bytes.Equal(data, samplePDF) {
		t.Fatal("stored content differs from input")
	}

	if err := store.Delete(path); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if store.Exists(path) {
		t.Fatal("file should be gone after Delete")
	}

	// 2回目の削除も成功扱い
	if err := store.Delete(path); err != nil {
		t.Fatalf("Delete should be idempotent: %v", err)
	}
}

func TestPutGeneratesUniqueNames(t *testing.T) {
	store := newTestStore(t, 1024)

	first, err := store.Put("a.pdf", samplePDF)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	second, err := store.Put("a.pdf", samplePDF)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if first == second {
		t.Fatalf("expected unique stored names, got %s twice", first)
	}
}

func TestPutRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t, int64(len(samplePDF)))

	cases := []struct {
		name     string
		filename string
		content  []byte
	}{
		{"empty filename", "", samplePDF},
		{"wrong extension", "report.txt", samplePDF},
		{"empty content", "report.pdf", nil},
		{"oversized", "report.pdf", append(append([]byte{}, samplePDF...), 'x')},
		{"not a pdf", "report.pdf", []byte("just plain text, no pdf header")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Put(tc.filename, tc.content)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}

			// 検証エラー時はディレクトリに何も書かれない
			entries, readErr := os.ReadDir(store.Dir())
			if readErr != nil {
				t.Fatalf("failed to read storage dir: %v", readErr)
			}
			if len(entries) != 0 {
				t.Fatalf("expected empty storage dir, found %d entries", len(entries))
			}
		})
	}
}
