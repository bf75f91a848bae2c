package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseProfile(t *testing.T) {
	tests := []struct {
		input   string
		want    Profile
		wantErr bool
	}{
		{"release", ProfileRelease, false},
		{"size", ProfileSize, false},
		{"debug", ProfileDebug, false},
		{"", ProfileRelease, false},
		{"fast", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProfile(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Expected parse of %q to fail", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("Expected %s for %q, got: %s", tt.want, tt.input, got)
		}
	}
}

func TestBuildFlags(t *testing.T) {
	release := strings.Join(buildFlags(ProfileRelease, false), " ")
	if !strings.Contains(release, "-trimpath") {
		t.Fatalf("Expected release flags to include -trimpath, got: %s", release)
	}
	if !strings.Contains(release, "-ldflags=-s -w") {
		t.Fatalf("Expected release flags to strip symbols, got: %s", release)
	}

	debug := strings.Join(buildFlags(ProfileDebug, false), " ")
	if strings.Contains(debug, "-ldflags") {
		t.Fatalf("Expected debug flags to keep symbols, got: %s", debug)
	}
	if !strings.Contains(debug, "-gcflags=all=-N -l") {
		t.Fatalf("Expected debug flags to disable optimization, got: %s", debug)
	}

	// Strip on top of debug adds the ldflags without duplication.
	stripped := strings.Join(buildFlags(ProfileDebug, true), " ")
	if !strings.Contains(stripped, "-ldflags=-s -w") {
		t.Fatalf("Expected strip to add symbol removal, got: %s", stripped)
	}
	sizeStripped := buildFlags(ProfileSize, true)
	for _, f := range sizeStripped {
		if strings.Count(f, "-s") > 1 {
			t.Fatalf("Expected no duplicated strip flags, got: %v", sizeStripped)
		}
	}
}

func TestBuildFlagsDeterministic(t *testing.T) {
	a := buildFlags(ProfileSize, true)
	b := buildFlags(ProfileSize, true)
	if strings.Join(a, "\x00") != strings.Join(b, "\x00") {
		t.Fatal("Expected identical flag slices for identical options")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "runner")
	content := strings.Repeat("planforge runner bytes ", 1000)
	if err := os.WriteFile(src, []byte(content), 0o755); err != nil {
		t.Fatalf("Failed to write binary: %v", err)
	}

	compressedPath, size, err := compressArtifact(src)
	if err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if size >= int64(len(content)) {
		t.Fatalf("Expected compression to shrink repetitive input, got: %d", size)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("Expected uncompressed original to be removed")
	}

	restored := filepath.Join(dir, "restored")
	if err := DecompressArtifact(compressedPath, restored); err != nil {
		t.Fatalf("Failed to decompress: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("Failed to read restored binary: %v", err)
	}
	if string(got) != content {
		t.Fatal("Expected decompressed content to match the original")
	}
	info, err := os.Stat(restored)
	if err != nil {
		t.Fatalf("Failed to stat restored binary: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatal("Expected restored binary to be executable")
	}
}
