package cachekey

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"strings"
	"testing"
)

func digestOf(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func TestForStability(t *testing.T) {
	k1, err := For("https://example.com/a/b?z=1&y=2", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	k2, err := For("https://example.com/a/b?z=1&y=2", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if k1.Digest != k2.Digest {
		t.Errorf("expected stable digest, got %s vs %s", k1.Digest, k2.Digest)
	}
}

func TestForIgnoresFragment(t *testing.T) {
	k1, err := For("https://example.com/a#frag1", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	k2, err := For("https://example.com/a#frag2", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if k1.Digest != k2.Digest {
		t.Error("fragment must not affect the cache key")
	}
}

func TestForQueryChangesKey(t *testing.T) {
	k1, err := For("https://example.com/a?x=1", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	k2, err := For("https://example.com/a?x=2", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if k1.Digest == k2.Digest {
		t.Error("differing query strings must produce distinct keys")
	}
}

func TestForDigestMatchesExpectedFormula(t *testing.T) {
	k, err := For("https://example.com/path", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	want := digestOf("https://example.com/path")
	if k.Digest != want {
		t.Errorf("digest = %s, want %s", k.Digest, want)
	}
}

func TestForHostHintUsedForRelativeURL(t *testing.T) {
	k, err := For("/index.html", "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if !strings.HasPrefix(k.NormalizedURL, "http://example.com/") {
		t.Errorf("expected host hint to be used, got %s", k.NormalizedURL)
	}
}

func TestForAbsoluteTakesPrecedenceOverHint(t *testing.T) {
	k, err := For("https://real.example.com/page", "localhost:8000")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if !strings.HasPrefix(k.NormalizedURL, "https://real.example.com/") {
		t.Errorf("absolute-form URL must win over host hint, got %s", k.NormalizedURL)
	}
}

func TestForDefaultPath(t *testing.T) {
	k, err := For("https://example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !strings.Contains(k.NormalizedURL, "example.com/") {
		t.Errorf("expected default path of /, got %s", k.NormalizedURL)
	}
	if !strings.HasSuffix(k.BodyPath, "/index-"+k.Digest+".html") {
		t.Errorf("expected default basename index.html, got %s", k.BodyPath)
	}
}

func TestForRejectsNoHost(t *testing.T) {
	_, err := For("/just/a/path", "")
	if err == nil {
		t.Fatal("expected an error when no host can be resolved")
	}
}

func TestForRejectsBadScheme(t *testing.T) {
	_, err := For("ftp://example.com/file", "")
	if err == nil {
		t.Fatal("expected an error for a non-http(s) scheme")
	}
}

func TestForRejectsPathTraversal(t *testing.T) {
	_, err := For("https://example.com/../../etc/passwd", "")
	if err == nil {
		t.Fatal("expected an error for a path containing ..")
	}
}

func TestPathsForLayout(t *testing.T) {
	k, err := For("https://example.com/images/logo.png", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	wantSuffix := "-" + k.Digest + ".png"
	if !strings.HasSuffix(k.BodyPath, wantSuffix) {
		t.Errorf("body path %s does not end with %s", k.BodyPath, wantSuffix)
	}
	if !strings.HasPrefix(k.BodyPath, "example.com/images/") {
		t.Errorf("body path %s does not start with host/dir", k.BodyPath)
	}
	if k.SidecarPath != k.BodyPath+".cache" {
		t.Errorf("sidecar path %s is not body path + .cache", k.SidecarPath)
	}
}
