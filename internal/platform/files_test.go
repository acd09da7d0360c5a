package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateDirectoryIfNotExists(t *testing.T) {
	// Create temporary directory for testing
	tempDir := t.TempDir()
	testDir := filepath.Join(tempDir, "test_dir")

	// Directory should not exist initially
	if _, err := os.Stat(testDir); !os.IsNotExist(err) {
		t.Fatalf("Test directory already exists: %s", testDir)
	}

	err := CreateDirectoryIfNotExists(testDir)
	if err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	if _, err := os.Stat(testDir); os.IsNotExist(err) {
		t.Fatalf("Directory was not created: %s", testDir)
	}

	// Second call should not fail
	err = CreateDirectoryIfNotExists(testDir)
	if err != nil {
		t.Fatalf("Failed to handle existing directory: %v", err)
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"video.mp4", "video.mp4"},
		{"a/b\\c:d*e?f\"g<h>i|j.mkv", "a_b_c_d_e_f_g_h_i_j.mkv"},
		{"  ..hidden..  ", "hidden"},
	}

	for _, test := range tests {
		result := SafeFilename(test.input)
		if result != test.expected {
			t.Errorf("SafeFilename(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}

	if got := SafeFilename(" .. "); !strings.HasPrefix(got, "file_") {
		t.Errorf("SafeFilename of empty name = %q, expected file_ prefix", got)
	}

	long := strings.Repeat("x", 300) + ".mp4"
	got := SafeFilename(long)
	if len(got) > MaxFileNameLength || !strings.HasSuffix(got, ".mp4") {
		t.Errorf("SafeFilename(long) = %q (len %d)", got, len(got))
	}
}

func TestCleanDisplayName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"My%20Holiday%20Video.mp4", "My_Holiday_Video"},
		{"__clip--final__.mkv", "clip_final"},
		{"simple", "simple"},
	}

	for _, test := range tests {
		result := CleanDisplayName(test.input)
		if result != test.expected {
			t.Errorf("CleanDisplayName(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}

	if got := CleanDisplayName(strings.Repeat("ab", 50)); len(got) > MaxDisplayNameLength {
		t.Errorf("CleanDisplayName did not cap length: %d", len(got))
	}
	if got := CleanDisplayName("%%%.mp4"); !strings.HasPrefix(got, "file_") {
		t.Errorf("CleanDisplayName of symbols = %q", got)
	}
}

func TestReplaceExt(t *testing.T) {
	if got := ReplaceExt("movie.webm", ".mp4"); got != "movie.mp4" {
		t.Errorf("ReplaceExt() = %q", got)
	}
	if got := ReplaceExt("movie", ".mp3"); got != "movie.mp3" {
		t.Errorf("ReplaceExt() = %q", got)
	}
}

func TestFindOutputFile(t *testing.T) {
	tempDir := t.TempDir()
	write := func(name string, size int) {
		if err := os.WriteFile(filepath.Join(tempDir, name), make([]byte, size), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
	}
	write("other.mp4", 500)
	write("source.webm.part", 900)
	write("source.webm", 100)
	write("empty.mp4", 0)

	found, err := FindOutputFile(tempDir, "source")
	if err != nil {
		t.Fatalf("FindOutputFile failed: %v", err)
	}
	if filepath.Base(found) != "source.webm" {
		t.Errorf("Expected prefixed file, got %s", found)
	}

	found, err = FindOutputFile(tempDir, "")
	if err != nil {
		t.Fatalf("FindOutputFile failed: %v", err)
	}
	if filepath.Base(found) != "other.mp4" {
		t.Errorf("Expected largest file, got %s", found)
	}
}

func TestFindOutputFile_Empty(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempDir, "x.part"), []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := FindOutputFile(tempDir, ""); err == nil {
		t.Error("Expected error when only partial files exist")
	}
	if _, err := FindOutputFile(filepath.Join(tempDir, "missing"), ""); err == nil {
		t.Error("Expected error for missing directory")
	}
}
