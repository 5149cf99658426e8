// Package build runs a recipe's build step: either its own Build script or
// a heuristic dispatch based on the project descriptor found in the
// prepared working directory.
package build

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"mpkg/pkg/mpkgerr"
	"mpkg/pkg/recipe"
)

// Options carries the host configuration the builder needs.
type Options struct {
	// MakeFlags is passed to make/cmake --build as $MAKEFLAGS.
	MakeFlags string
	// LogWriter receives combined stdout/stderr from every subprocess
	// the build step runs (typically a dated per-stage log file).
	LogWriter *os.File
}

// Build runs r's build step in workDir. It never touches the live install
// root; all subprocess output is written to opts.LogWriter (or to stderr
// when it is nil), and a failure is returned as an error naming the
// command that failed.
func Build(r *recipe.Recipe, workDir string, opts Options) error {
	if r.HasBuildScript {
		slog.Info("running recipe build script", "package", r.Name, "dir", workDir)
		return runShell(r.BuildScript, workDir, opts)
	}

	switch {
	case exists(workDir, "configure"):
		slog.Info("building via configure/make", "package", r.Name)
		return runSteps(workDir, opts,
			[]string{"./configure", "--prefix=/usr"},
			makeInvocation(opts.MakeFlags),
		)
	case exists(workDir, "meson.build"):
		slog.Info("building via meson", "package", r.Name)
		return runSteps(workDir, opts,
			[]string{"meson", "setup", "build", "--prefix=/usr"},
			[]string{"meson", "compile", "-C", "build"},
		)
	case exists(workDir, "CMakeLists.txt"):
		slog.Info("building via cmake", "package", r.Name)
		cmakeBuild := append([]string{"cmake", "--build", "build", "--"}, splitFlags(opts.MakeFlags)...)
		return runSteps(workDir, opts,
			[]string{"cmake", "-B", "build", "-DCMAKE_BUILD_TYPE=Release", "-DCMAKE_INSTALL_PREFIX=/usr"},
			cmakeBuild,
		)
	default:
		return &mpkgerr.NoBuildStrategyError{Package: r.Name, Dir: workDir}
	}
}

func makeInvocation(makeFlags string) []string {
	argv := []string{"make"}
	return append(argv, splitFlags(makeFlags)...)
}

func splitFlags(flags string) []string {
	flags = strings.TrimSpace(flags)
	if flags == "" {
		return nil
	}
	return strings.Fields(flags)
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func runSteps(workDir string, opts Options, steps ...[]string) error {
	for _, argv := range steps {
		if err := runCommand(argv[0], argv[1:], workDir, nil, opts); err != nil {
			return err
		}
	}
	return nil
}

// runShell passes script to /bin/sh -c in strict mode (-e), so that any failing
// command in the recipe-authored body aborts the build.
func runShell(script, workDir string, opts Options) error {
	cmd := exec.Command("/bin/sh", "-e", "-c", script)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	return attachAndRun(cmd, opts)
}

func runCommand(name string, args []string, workDir string, extraEnv []string, opts Options) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), extraEnv...)
	return attachAndRun(cmd, opts)
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
