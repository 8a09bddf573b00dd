package ortruntime

import "testing"

func TestPlatformSpecForKnownPlatform(t *testing.T) {
	spec, err := platformSpecFor("linux", "amd64")
	if err != nil {
		t.Fatalf("platformSpecFor: %v", err)
	}
	if spec.os != "linux" || spec.arch != "x64" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if len(spec.libNames) == 0 {
		t.Fatal("expected at least one lib name")
	}
}

func TestPlatformSpecForUnknownPlatform(t *testing.T) {
	if _, err := platformSpecFor("plan9", "mips"); err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}

func TestArchiveFilenameDerivesFromURL(t *testing.T) {
	spec, err := platformSpecFor("darwin", "arm64")
	if err != nil {
		t.Fatalf("platformSpecFor: %v", err)
	}
	if got := spec.archiveFilename(); got == "" {
		t.Fatal("expected non-empty archive filename")
	}
}

func TestFileExistsFalseForMissingPath(t *testing.T) {
	if fileExists("/definitely/does/not/exist/anywhere") {
		t.Fatal("expected false for missing path")
	}
}
