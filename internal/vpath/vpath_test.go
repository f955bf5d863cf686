package vpath

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		input, cwd, want string
	}{
		{"", "/", "/"},
		{"foo", "/", "/foo"},
		{"foo/bar", "/", "/foo/bar"},
		{"/foo//bar", "/", "/foo/bar"},
		{"foo\\bar", "/", "/foo/bar"},
		{"./foo", "/", "/foo"},
		{"bar", "/foo", "/foo/bar"},
		{"/abs/path", "/foo", "/abs/path"},
	}
	for _, c := range cases {
		if got := Normalize(c.input, c.cwd); got != c.want {
			t.Errorf("Normalize(%q, %q) = %q, want %q", c.input, c.cwd, got, c.want)
		}
	}
}

func TestValidateTraversal(t *testing.T) {
	_, err := Validate("../etc/passwd", "/")
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindTraversal {
		t.Fatalf("expected traversal error, got %v", err)
	}
}

func TestValidateDangerousChar(t *testing.T) {
	_, err := Validate("foo|bar", "/")
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindInvalidChar {
		t.Fatalf("expected invalid-char error, got %v", err)
	}
}

func TestValidateReservedName(t *testing.T) {
	_, err := Validate("con", "/")
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindInvalidChar {
		t.Fatalf("expected reserved-name rejection, got %v", err)
	}
}

func TestValidateTooDeep(t *testing.T) {
	_, err := Validate("a/b/c/d", "/")
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindTooDeep {
		t.Fatalf("expected too-deep error, got %v", err)
	}
}

func TestValidateMaxDepthBoundary(t *testing.T) {
	got, err := Validate("a/b/c", "/")
	if err != nil {
		t.Fatalf("unexpected error at max depth: %v", err)
	}
	if got != "/a/b/c" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveDotDotAtRoot(t *testing.T) {
	got, err := Resolve("..", "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/" {
		t.Fatalf("got %q, want /", got)
	}
}

func TestResolveDotDotBelowRoot(t *testing.T) {
	got, err := Resolve("..", "/foo/bar")
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindTraversal {
		t.Fatalf("expected traversal error, got %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty path on rejection", got)
	}
}

func TestResolveEmpty(t *testing.T) {
	got, err := Resolve("", "/foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/foo" {
		t.Fatalf("got %q, want /foo", got)
	}
}

func TestToRealWithinRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	real, err := ToReal(root, "/a/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if real != sub {
		t.Fatalf("got %q, want %q", real, sub)
	}
}

func TestToRealNewFileUnderExistingDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "uploads"), 0o755); err != nil {
		t.Fatal(err)
	}

	real, err := ToReal(root, "/uploads/new.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(root, "uploads", "new.txt")
	if real != want {
		t.Fatalf("got %q, want %q", real, want)
	}
}

func TestToRealSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := ToReal(root, "/escape")
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindOutsideRoot {
		t.Fatalf("expected outside-root error, got %v", err)
	}
}

func TestDepth(t *testing.T) {
	cases := []struct {
		path string
		want int
	}{
		{"/", 0},
		{"/a", 1},
		{"/a/b/c", 3},
	}
	for _, c := range cases {
		if got := Depth(c.path); got != c.want {
			t.Errorf("Depth(%q) = %d, want %d", c.path, got, c.want)
		}
	}
}
