package sharedir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain_name", "report.pdf", "report.pdf", true},
		{"path_stripped", "dir/sub/file.txt", "file.txt", true},
		{"windows_path_stripped", `C:\Users\me\file.txt`, "file.txt", true},
		{"traversal", "../../etc/passwd", "", false},
		{"traversal_middle", "a/../b.txt", "", false},
		{"null_byte", "a\x00b", "", false},
		{"reserved_con", "CON", "", false},
		{"reserved_lowercase", "con", "", false},
		{"reserved_with_ext", "NUL.txt", "", false},
		{"reserved_com_port", "com4.log", "", false},
		{"reserved_prefix_only", "CONFIG.sys", "CONFIG.sys", true},
		{"empty", "", "", false},
		{"dot", ".", "", false},
		{"dotdot", "..", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeFilename(tt.in)
			if tt.ok {
				if err != nil {
					t.Fatalf("SafeFilename(%q) failed: %v", tt.in, err)
				}
				if got != tt.want {
					t.Errorf("SafeFilename(%q) = %q, want %q", tt.in, got, tt.want)
				}
				return
			}
			if !errors.Is(err, ErrUnsafeFilename) {
				t.Fatalf("SafeFilename(%q) err = %v, want ErrUnsafeFilename", tt.in, err)
			}
		})
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "beta.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "alpha.txt"), []byte("ab"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := List(dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d entries, want 2 (subdirs skipped)", len(files))
	}
	if files[0].Name != "alpha.txt" || files[1].Name != "beta.txt" {
		t.Errorf("listing not sorted: %v", files)
	}
	if files[0].Size != 2 || files[1].Size != 5 {
		t.Errorf("sizes wrong: %v", files)
	}
}

func TestListEmptyDir(t *testing.T) {
	files, err := List(t.TempDir())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("got %d entries, want 0", len(files))
	}
}
