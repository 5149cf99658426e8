package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"mpkg/pkg/mpkgerr"
	"mpkg/pkg/recipe"
)

// writeFixture stages a source file on disk. The tests point fetch_cmd's
// {url} token at its path, with "cp" as the command, so no network access
// is required.
func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrepareCopiesAndVerifies(t *testing.T) {
	stageDir := t.TempDir()
	srcCache := t.TempDir()
	workDir := t.TempDir()

	content := "hello source"
	fixture := writeFixture(t, stageDir, "thing-1.0.txt", content)

	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	f := New(srcCache, []string{"cp", "{url}", "{output}"})
	r := &recipe.Recipe{
		Name:    "thing",
		Version: "1.0",
		Sources: []string{fixture},
		Hashes:  []string{hash},
	}

	resolved, err := f.Prepare(r, workDir)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(resolved, "thing-1.0.txt"))
	if err != nil {
		t.Fatalf("reading copied source: %v", err)
	}
	if string(data) != content {
		t.Errorf("copied content = %q, want %q", data, content)
	}
}

func TestPrepareHashMismatch(t *testing.T) {
	stageDir := t.TempDir()
	srcCache := t.TempDir()
	workDir := t.TempDir()

	fixture := writeFixture(t, stageDir, "thing-1.0.txt", "hello source")

	f := New(srcCache, []string{"cp", "{url}", "{output}"})
	r := &recipe.Recipe{
		Name:    "thing",
		Version: "1.0",
		Sources: []string{fixture},
		Hashes:  []string{"0000000000000000000000000000000000000000000000000000000000000000"},
	}

	_, err := f.Prepare(r, workDir)
	var mismatch *mpkgerr.HashMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected HashMismatchError, got %v", err)
	}
}

func TestFetchCachesByFilename(t *testing.T) {
	stageDir := t.TempDir()
	srcCache := t.TempDir()

	fixture := writeFixture(t, stageDir, "cached-1.0.txt", "v1")

	f := New(srcCache, []string{"cp", "{url}", "{output}"})
	path1, err := f.fetch(fixture)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Overwrite the source fixture; since the cache already has the
	// destination filename, fetch should not re-invoke fetch_cmd.
	if err := os.WriteFile(fixture, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	path2, err := f.fetch(fixture)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if path1 != path2 {
		t.Fatalf("paths differ: %q vs %q", path1, path2)
	}
	data, _ := os.ReadFile(path2)
	if string(data) != "v1" {
		t.Errorf("cached content overwritten: got %q, want v1", data)
	}
}
