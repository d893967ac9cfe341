package main

import (
	"archive/tar"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/synodos/internal/config"
	"github.com/mtzanidakis/synodos/internal/store"
)

func TestSplitEntryPath(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantSection string
		wantRel     string
	}{
		{"database", "synodos-db/synodos.db", "synodos-db", "synodos.db"},
		{"nested path", "synodos-nats/jetstream/$G/streams/x", "synodos-nats", "jetstream/$G/streams/x"},
		{"section root", "synodos-nats/", "synodos-nats", ""},
		{"bare section", "synodos-db", "synodos-db", ""},
		{"leading dot-slash", "./synodos-db/synodos.db", "synodos-db", "synodos.db"},
		{"leading slash", "/synodos-db/synodos.db", "synodos-db", "synodos.db"},
		{"traversal kept visible", "synodos-nats/../../etc/passwd", "synodos-nats", "../../etc/passwd"},
		{"foreign prefix", "other/file.txt", "", ""},
		{"empty string", "", "", ""},
		{"just a slash", "/", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			section, rel := splitEntryPath(tt.input)
			if section != tt.wantSection {
				t.Errorf("splitEntryPath(%q) section = %q, want %q", tt.input, section, tt.wantSection)
			}
			if rel != tt.wantRel {
				t.Errorf("splitEntryPath(%q) rel = %q, want %q", tt.input, rel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{Path: filepath.Join(dir, "data", "synodos.db")},
		NATS:  config.NATSConfig{DataDir: filepath.Join(dir, "nats")},
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := testConfig(t)
	db, err := store.New(src.Store)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := db.SaveMessage(&store.Message{ThreadID: "th1", Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("save message: %v", err)
	}
	db.Close()

	streamFile := filepath.Join(src.NATS.DataDir, "jetstream", "meta.inf")
	if err := os.MkdirAll(filepath.Dir(streamFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(streamFile, []byte("stream"), 0o644); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup(src, []string{"-f", archive}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	dst := testConfig(t)
	if err := runRestore(dst, []string{"-f", archive}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := store.New(dst.Store)
	if err != nil {
		t.Fatalf("open restored store: %v", err)
	}
	msgs, err := restored.GetMessages("th1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}

	data, err := os.ReadFile(filepath.Join(dst.NATS.DataDir, "jetstream", "meta.inf"))
	if err != nil || string(data) != "stream" {
		t.Errorf("nats file = %q, %v", data, err)
	}

	// The database now exists, so a second restore needs -overwrite.
	if err := runRestore(dst, []string{"-f", archive}); err == nil {
		t.Error("expected restore over an existing database to fail")
	}
	restored.Close()
	if err := runRestore(dst, []string{"-f", archive, "-overwrite"}); err != nil {
		t.Errorf("restore with -overwrite: %v", err)
	}
}

// createTestArchive builds a zstd-compressed tar with the given entries.
func createTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	zw.Close()
	f.Close()
	return p
}

func TestRestoreRejectsEscapingEntries(t *testing.T) {
	archive := createTestArchive(t, map[string]string{
		"synodos-nats/../../outside.txt": "nope",
	})
	cfg := testConfig(t)
	err := runRestore(cfg, []string{"-f", archive})
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("err = %v", err)
	}
}

func TestRestoreEmptyArchive(t *testing.T) {
	archive := createTestArchive(t, map[string]string{"unrelated/file": "x"})
	if err := runRestore(testConfig(t), []string{"-f", archive}); err != nil {
		t.Errorf("restore: %v", err)
	}
}

func TestBackupRequiresOutput(t *testing.T) {
	if err := runBackup(testConfig(t), nil); err == nil {
		t.Error("expected error without -f")
	}
}
