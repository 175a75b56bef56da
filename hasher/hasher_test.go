package hasher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"playcheck/logger"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hash-test")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDigestFile(t *testing.T) {
	logger.Init("error")
	path := writeTemp(t, "hello world")

	hashes, err := DigestFile(path, []string{"md5", "sha1", "sha256", "blake3", "unknown", "md5"})
	if err != nil {
		t.Fatalf("DigestFile: %v", err)
	}
	if hashes["md5"] != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("md5 mismatch: %s", hashes["md5"])
	}
	if hashes["sha1"] != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("sha1 mismatch: %s", hashes["sha1"])
	}
	if hashes["sha256"] != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("sha256 mismatch: %s", hashes["sha256"])
	}
	if hashes["blake3"] != "d74981efa70a0c880b8d8c1985d075dbcbf679b99a5f9914e5aaf96b831a9e24" {
		t.Errorf("blake3 mismatch: %s", hashes["blake3"])
	}
	if _, ok := hashes["unknown"]; ok {
		t.Errorf("unexpected hash for unknown algorithm")
	}
	if len(hashes) != 4 {
		t.Errorf("expected 4 digests, got %d", len(hashes))
	}
}

func TestDigestReader(t *testing.T) {
	hashes, err := Digest(strings.NewReader("hello world"), []string{"sha256"})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if hashes["sha256"] != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("sha256 mismatch: %s", hashes["sha256"])
	}
}

func TestDigestFileMissing(t *testing.T) {
	if _, err := DigestFile(filepath.Join(t.TempDir(), "missing"), []string{"md5"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(writeTemp(t, "manifest-a"))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	a2, _ := Fingerprint(writeTemp(t, "manifest-a"))
	b, _ := Fingerprint(writeTemp(t, "manifest-b"))
	if a != a2 {
		t.Fatal("identical content must fingerprint equal")
	}
	if a == b {
		t.Fatal("different content fingerprinted equal")
	}
}

func TestSupported(t *testing.T) {
	for _, name := range []string{"md5", "sha1", "sha256", "blake3"} {
		if !Supported(name) {
			t.Errorf("%s should be supported", name)
		}
	}
	if Supported("crc32") {
		t.Error("crc32 should not be supported")
	}
}
