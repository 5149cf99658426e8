// Package install stages a built package under DESTDIR, strips its ELF
// binaries, and commits the staged tree onto the live install root.
package install

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"mpkg/pkg/database"
	"mpkg/pkg/recipe"
)

// Options carries the host configuration the installer needs.
type Options struct {
	// StagingDir is the root under which each package gets its own
	// staging subdirectory, i.e. StagingDir/<name>.
	StagingDir string
	// InstallPrefix is the live install root, conventionally "/".
	InstallPrefix string
	// StripCmd is invoked on each ELF file found in staging.
	StripCmd []string
	// LogWriter receives combined stdout/stderr of every subprocess.
	LogWriter *os.File
}

// Install runs the staging, strip, commit, manifest, and register steps
// for r, whose sources were built in workDir.
func Install(db *database.Database, r *recipe.Recipe, workDir string, opts Options) error {
	stageDir := filepath.Join(opts.StagingDir, r.Name)
	if err := os.RemoveAll(stageDir); err != nil {
		return fmt.Errorf("clearing staging dir: %w", err)
	}
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}

	if err := stage(r, workDir, stageDir, opts); err != nil {
		return fmt.Errorf("staging %s: %w", r.Name, err)
	}

	strip(stageDir, opts)

	manifest, err := commit(stageDir, opts.InstallPrefix)
	if err != nil {
		return fmt.Errorf("committing %s: %w", r.Name, err)
	}

	if err := db.Register(r.Name, r.Version, manifest); err != nil {
		return fmt.Errorf("registering %s: %w", r.Name, err)
	}

	slog.Info("installed package", "package", r.Name, "version", r.Version, "files", len(manifest))
	return nil
}

// stage runs install_script, or the first of the standard fallbacks that
// succeeds, with DESTDIR pointed at stageDir.
func stage(r *recipe.Recipe, workDir, stageDir string, opts Options) error {
	destDir := "DESTDIR=" + stageDir

	if r.HasInstallScript {
		cmd := exec.Command("/bin/sh", "-e", "-c", r.InstallScript)
		cmd.Dir = workDir
		cmd.Env = append(os.Environ(), destDir)
		return attachAndRun(cmd, opts)
	}

	fallbacks := [][]string{
		{"cmake", "--install", "build"},
		{"make", "-C", "build", "install"},
		{"make", "install"},
	}
	var lastErr error
	for _, argv := range fallbacks {
		if !commandExists(argv[0]) {
			continue
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = workDir
		cmd.Env = append(os.Environ(), destDir)
		if err := attachAndRun(cmd, opts); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no install_script and none of the fallback install commands are available")
	}
	return lastErr
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// strip runs opts.StripCmd on every regular file under stageDir that is
// executable or looks like a shared/static library and whose content
// begins with the ELF magic number. Failures are logged, not returned:
// per the install contract, strip failures are warnings.
func strip(stageDir string, opts Options) {
	if len(opts.StripCmd) == 0 {
		return
	}

	filepath.Walk(stageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !looksStrippable(path, info) {
			return nil
		}
		if !isELF(path) {
			return nil
		}

		argv := append(append([]string{}, opts.StripCmd[1:]...), path)
		cmd := exec.Command(opts.StripCmd[0], argv...)
		if err := attachAndRun(cmd, opts); err != nil {
			slog.Warn("strip failed", "path", path, "error", err)
		}
		return nil
	})
}

func looksStrippable(path string, info os.FileInfo) bool {
	if info.Mode()&0111 != 0 {
		return true
	}
	base := filepath.Base(path)
	return strings.Contains(base, ".so") || strings.HasSuffix(base, ".a")
}

func isELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, err := f.Read(magic)
	if err != nil || n < 4 {
		return false
	}
	return bytes.Equal(magic, []byte{0x7f, 'E', 'L', 'F'})
}

// commit overlays stageDir onto prefix, preserving permissions, hard
// links, and symlinks, and returns the sorted, de-duplicated manifest of
// every file or symlink under stageDir, rewritten to be rooted at prefix.
func commit(stageDir, prefix string) ([]string, error) {
	var manifest []string
	var totalBytes int64

	err := filepath.Walk(stageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stageDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dest := filepath.Join(prefix, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", path, err)
			}
			os.Remove(dest)
			if err := os.Symlink(target, dest); err != nil {
				return fmt.Errorf("creating symlink %s: %w", dest, err)
			}
			manifest = append(manifest, dest)
		case info.IsDir():
			if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
				return fmt.Errorf("creating directory %s: %w", dest, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", dest, err)
			}
			if err := copyPreservingMode(path, dest, info); err != nil {
				return fmt.Errorf("copying %s: %w", path, err)
			}
			manifest = append(manifest, dest)
			totalBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("committed staged files", "count", len(manifest), "bytes", humanize.Bytes(uint64(totalBytes)))

	manifest = sortedUnique(manifest)
	return manifest, nil
}

// copyPreservingMode replaces dest with src. It first hard-links dest to
// src, so staged names that share an inode stay linked after commit; when
// the link fails (e.g. across filesystems) it copies the content with src's
// permission bits instead, and each name then gets its own copy.
func copyPreservingMode(src, dest string, info os.FileInfo) error {
	os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func attachAndRun(cmd *exec.Cmd, opts Options) error {
	if opts.LogWriter != nil {
		cmd.Stdout = opts.LogWriter
		cmd.Stderr = opts.LogWriter
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", strings.Join(cmd.Args, " "), err)
	}
	return nil
}
