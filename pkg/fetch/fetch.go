// Package fetch retrieves, verifies, and extracts the sources a recipe
// declares, leaving a single working directory ready for the build stage.
package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"mpkg/pkg/fetch/archive"
	"mpkg/pkg/mpkgerr"
	"mpkg/pkg/recipe"
)

// Fetcher downloads and verifies recipe sources into a shared cache
// directory, then extracts them into a per-build working directory.
type Fetcher struct {
	// SrcCache is where downloaded source files are kept, keyed by
	// filename, so that re-building a recipe does not re-fetch.
	SrcCache string
	// FetchCmd is the external command template used to retrieve a URL.
	// Exactly one argument must equal the literal token "{url}" and one
	// must equal "{output}"; these are replaced with the real values. The
	// command is always run directly via exec, never through a shell.
	FetchCmd []string
}

// New returns a Fetcher backed by srcCache and invoking fetchCmd (a
// whitespace-split command template, e.g. "curl -L -o {output} {url}").
func New(srcCache string, fetchCmd []string) *Fetcher {
	return &Fetcher{SrcCache: srcCache, FetchCmd: fetchCmd}
}

func sourceFilename(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		base := filepath.Base(u.Path)
		if base != "." && base != "/" {
			return base
		}
	}
	return filepath.Base(source)
}

// fetch ensures the file for source is present in f.SrcCache, downloading
// it if necessary, and returns its local path.
func (f *Fetcher) fetch(source string) (string, error) {
	if err := os.MkdirAll(f.SrcCache, 0755); err != nil {
		return "", fmt.Errorf("creating source cache: %w", err)
	}

	dest := filepath.Join(f.SrcCache, sourceFilename(source))
	if _, err := os.Stat(dest); err == nil {
		slog.Debug("source already cached", "source", source, "path", dest)
		return dest, nil
	}

	tmp := dest + ".part"
	defer os.Remove(tmp)

	argv := make([]string, len(f.FetchCmd))
	for i, tok := range f.FetchCmd {
		switch tok {
		case "{url}":
			argv[i] = source
		case "{output}":
			argv[i] = tmp
		default:
			argv[i] = tok
		}
	}
	if len(argv) == 0 {
		return "", &mpkgerr.FetchFailedError{URL: source, Err: fmt.Errorf("fetch_cmd is empty")}
	}

	slog.Info("fetching source", "source", source)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", &mpkgerr.FetchFailedError{URL: source, Err: err}
	}

	if err := os.Rename(tmp, dest); err != nil {
		return "", &mpkgerr.FetchFailedError{URL: source, Err: err}
	}
	return dest, nil
}

// verify checks that path's SHA-256 digest matches expected. An empty
// expected hash means the recipe declared none; verify then succeeds
// without reading the file.
func verify(path, expected string) error {
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for verification: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return &mpkgerr.HashMismatchError{File: path, Expected: expected, Actual: actual}
	}
	return nil
}

// Prepare fetches and verifies every source declared by r, extracts any
// archive sources into workDir, and returns the directory the build stage
// should treat as its working directory.
//
// Per convention, when extraction yields exactly one top-level directory
// (the common "tarball contains a single project directory" layout) that
// directory is returned directly; otherwise workDir itself, containing
// whatever was extracted, is returned.
func (f *Fetcher) Prepare(r *recipe.Recipe, workDir string) (string, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("creating work dir: %w", err)
	}

	for i, source := range r.Sources {
		local, err := f.fetch(source)
		if err != nil {
			return "", err
		}
		if err := verify(local, r.Hashes[i]); err != nil {
			return "", err
		}

		if archive.IsSupported(local) {
			if err := archive.Extract(local, workDir); err != nil {
				return "", fmt.Errorf("extracting %s: %w", local, err)
			}
		} else {
			dest := filepath.Join(workDir, sourceFilename(source))
			if err := copyFile(local, dest); err != nil {
				return "", fmt.Errorf("copying %s: %w", local, err)
			}
		}
	}

	return resolveWorkDir(workDir)
}

// resolveWorkDir implements the "single subdirectory or scratch root" rule:
// if workDir contains exactly one entry and it is a directory, descend
// into it; otherwise use workDir as-is.
func resolveWorkDir(workDir string) (string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", fmt.Errorf("reading work dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(workDir, entries[0].Name()), nil
	}
	return workDir, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
