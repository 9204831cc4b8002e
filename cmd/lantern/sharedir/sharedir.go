// Package sharedir manages the shared directory and validates untrusted
// filenames before they touch the filesystem. Both the server and the
// client run every wire-supplied name through SafeFilename, so a remote
// peer can never cause a write outside the shared directory.
package sharedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrUnsafeFilename reports a filename containing traversal components,
// null bytes, or a reserved device name. No filesystem access is attempted
// for such names.
var ErrUnsafeFilename = errors.New("unsafe filename")

// Windows reserved device names that must never be used as filenames,
// with or without an extension.
var windowsReserved = regexp.MustCompile(`(?i)^(CON|PRN|AUX|NUL|COM[1-9]|LPT[1-9])(\.|$)`)

// SafeFilename reduces an untrusted filename to a safe base name.
func SafeFilename(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: contains null byte", ErrUnsafeFilename)
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if part == ".." {
			return "", fmt.Errorf("%w: path traversal component", ErrUnsafeFilename)
		}
	}

	// Normalize Windows separators so a backslash path from a Windows peer
	// is still reduced to its base name on any platform.
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("%w: empty after sanitization", ErrUnsafeFilename)
	}
	if windowsReserved.MatchString(base) {
		return "", fmt.Errorf("%w: reserved device name", ErrUnsafeFilename)
	}
	return base, nil
}

// FileInfo is one entry of a shared-directory listing.
type FileInfo struct {
	Name string
	Size uint64
}

// List returns the regular files in dir sorted by name. Subdirectories are
// skipped.
func List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read shared directory: %w", err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: entry.Name(), Size: uint64(info.Size())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
