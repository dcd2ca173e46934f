package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("queue:\n  max_concurrent: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "missing.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}

	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("missing.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockThenLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  max_concurrent: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	report, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 1 {
		t.Fatalf("len(manifest.Hashes) = %d, want 1", len(manifest.Hashes))
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("queue:\n  max_concurrent: 9\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected tampered config to fail verification")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "crmq config lock") {
		t.Fatalf("expected missing manifest error, got %v", err)
	}
}
