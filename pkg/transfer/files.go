package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxNameLength = 255

var unsafeNameChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_", "/", "_",
	"\\", "_", "|", "_", "?", "_", "*", "_", "\x00", "_",
)

// SanitizeName makes a single path component safe to create on any common
// filesystem.
func SanitizeName(name string) string {
	name = unsafeNameChars.Replace(name)
	name = strings.Trim(name, " .")
	if name == "" {
		return "unnamed_file"
	}
	if len(name) > maxNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:maxNameLength-len(ext)], "") + ext
	}
	return name
}

// SafeRelativePath turns a slash-separated path from the wire into a
// relative OS path that cannot leave its base directory. Empty, "." and ".."
// components are dropped; the rest are sanitized.
func SafeRelativePath(rel, fallback string) string {
	var parts []string
	for _, part := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		parts = append(parts, SanitizeName(part))
	}
	if len(parts) == 0 {
		return SanitizeName(fallback)
	}
	return filepath.Join(parts...)
}

// within reports whether path lies inside dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// UniquePath returns path, or the first free "base_N.ext" beside it.
func UniquePath(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// batchDirName names the per-batch subfolder.
func batchDirName(t time.Time) string {
	return "batch_" + t.Format("20060102_150405")
}
