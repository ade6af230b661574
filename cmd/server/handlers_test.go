package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveUploadUniquePaths(t *testing.T) {
	// Two uploads sharing a filename must land on distinct temp paths, and
	// removing one must not touch the other.
	p1, cleanup1, err := saveUpload(strings.NewReader("first"), "tender.txt")
	if err != nil {
		t.Fatal(err)
	}
	p2, cleanup2, err := saveUpload(strings.NewReader("second"), "tender.txt")
	if err != nil {
		cleanup1()
		t.Fatal(err)
	}
	defer cleanup2()

	if p1 == p2 {
		t.Fatalf("both uploads saved to %q", p1)
	}
	if filepath.Ext(p1) != ".txt" || filepath.Ext(p2) != ".txt" {
		t.Errorf("extension not preserved: %q, %q", p1, p2)
	}

	cleanup1()
	data, err := os.ReadFile(p2)
	if err != nil {
		t.Fatalf("second upload gone after first cleanup: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("second upload content = %q", data)
	}
}

func TestLoadTextUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tender.docx")
	if err := os.WriteFile(path, []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	if _, ok := loadText(rec, path, "tender.docx"); ok {
		t.Fatal("expected load to fail for unsupported format")
	}
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
