package platform

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// File permissions
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// File name limits
const (
	MaxFileNameLength    = 180
	MaxDisplayNameLength = 60
)

// File extensions to skip when looking for tool output
var (
	SkippedExtensions = []string{".part", ".ytdl", ".tmp", ".temp"}
)

var (
	unsafeFileChars   = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)
	nonAlphanumerical = regexp.MustCompile(`[^a-zA-Z0-9]+`)
)

// CreateDirectoryIfNotExists creates directory if it doesn't exist
func CreateDirectoryIfNotExists(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, DefaultDirPermissions)
	}
	return nil
}

// SafeFilename replaces characters that are not allowed in file names,
// trims dots and spaces, and caps the length. An empty result falls back
// to a timestamped name.
func SafeFilename(name string) string {
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.Trim(strings.TrimSpace(name), ".")
	if name == "" {
		return fallbackName()
	}
	if len(name) > MaxFileNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = strings.TrimRight(truncate(name[:len(name)-len(ext)], MaxFileNameLength-len(ext)), ". ") + ext
	}
	return name
}

// CleanDisplayName turns a file name into a short ASCII label: the extension
// is dropped, URL escapes are decoded and runs of other characters become "_".
func CleanDisplayName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	}
	base = strings.Trim(nonAlphanumerical.ReplaceAllString(base, "_"), "_")
	if len(base) > MaxDisplayNameLength {
		base = strings.TrimRight(base[:MaxDisplayNameLength], "_")
	}
	if base == "" {
		return fallbackName()
	}
	return base
}

// ReplaceExt returns name with its extension replaced by ext (with leading dot)
func ReplaceExt(name, ext string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

// FindOutputFile returns the file an external tool wrote into dir. Files
// whose base name starts with prefix are preferred; partial downloads are
// skipped and the largest candidate wins.
func FindOutputFile(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	type candidate struct {
		path     string
		size     int64
		prefixed bool
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || isSkipped(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		candidates = append(candidates, candidate{
			path:     filepath.Join(dir, entry.Name()),
			size:     info.Size(),
			prefixed: prefix != "" && strings.HasPrefix(entry.Name(), prefix),
		})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no output file found in %s", dir)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].prefixed != candidates[j].prefixed {
			return candidates[i].prefixed
		}
		if candidates[i].size != candidates[j].size {
			return candidates[i].size > candidates[j].size
		}
		return candidates[i].path < candidates[j].path
	})
	return candidates[0].path, nil
}

func isSkipped(name string) bool {
	for _, ext := range SkippedExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func fallbackName() string {
	return fmt.Sprintf("file_%d", time.Now().Unix())
}
