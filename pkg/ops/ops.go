// Package ops implements the composite, user-facing operations: the ones a
// CLI subcommand maps onto directly. Each operation acquires the database
// lock for its duration and coordinates the resolver, fetch, build, and
// install packages underneath.
package ops

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mpkg/pkg/build"
	"mpkg/pkg/config"
	"mpkg/pkg/database"
	"mpkg/pkg/fetch"
	"mpkg/pkg/install"
	"mpkg/pkg/mpkgerr"
	"mpkg/pkg/recipe"
	"mpkg/pkg/resolver"
	"mpkg/pkg/version"
)

// Manager is the coordinating handle every operation runs against.
type Manager struct {
	Cfg *config.Config
	DB  *database.Database
}

// New builds a Manager from cfg, opening (but not locking) its database.
func New(cfg *config.Config) *Manager {
	return &Manager{Cfg: cfg, DB: database.Open(cfg.DBRoot)}
}

// withLock acquires the database's exclusive lock for the duration of fn,
// per the single-operation-at-a-time concurrency model.
func (m *Manager) withLock(fn func() error) error {
	lock, err := m.DB.Lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

func (m *Manager) openLog(stage string) (*os.File, error) {
	if err := os.MkdirAll(m.Cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102"), stage)
	return os.OpenFile(filepath.Join(m.Cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func (m *Manager) fetcher() *fetch.Fetcher {
	return fetch.New(m.Cfg.SrcCache, strings.Fields(m.Cfg.FetchCmd))
}

func (m *Manager) buildOptions(log *os.File) build.Options {
	return build.Options{MakeFlags: m.Cfg.MakeFlags, LogWriter: log}
}

func (m *Manager) installOptions(log *os.File) install.Options {
	return install.Options{
		StagingDir:    m.Cfg.StagingDir,
		InstallPrefix: m.Cfg.InstallPrefix,
		StripCmd:      strings.Fields(m.Cfg.StripCmd),
		LogWriter:     log,
	}
}

// Info reports a recipe's metadata alongside its installed version, if any.
type InfoReport struct {
	Recipe       *recipe.Recipe
	Installed    bool
	InstalledVer string
}

// Info implements `info(name)`.
func (m *Manager) Info(name string) (*InfoReport, error) {
	var report *InfoReport
	err := m.withLock(func() error {
		r, err := recipe.Load(m.Cfg.RecipesDir, name)
		if err != nil {
			return err
		}
		v, ok := m.DB.InstalledVersion(name)
		report = &InfoReport{Recipe: r, Installed: ok, InstalledVer: v}
		return nil
	})
	return report, err
}

// Build implements `build(name)`: resolve, ensure every not-yet-installed
// dependency is built and installed in resolver order, then build the
// target itself (without installing it).
func (m *Manager) Build(name string) error {
	return m.withLock(func() error { return m.buildLocked(name) })
}

func (m *Manager) buildLocked(name string) error {
	order, err := resolver.Resolve(m.Cfg.RecipesDir, name)
	if err != nil {
		return err
	}

	for _, r := range order {
		if r.Name == name {
			continue
		}
		if m.DB.IsInstalled(r.Name) {
			continue
		}
		if err := m.buildAndInstallOne(r); err != nil {
			return fmt.Errorf("building dependency %s: %w", r.Name, err)
		}
	}

	target := order[len(order)-1]
	_, err = m.buildOne(target)
	return err
}

// buildOne runs fetch+build for r and returns the resolved working
// directory, without installing.
func (m *Manager) buildOne(r *recipe.Recipe) (string, error) {
	log, err := m.openLog("build-" + r.Name)
	if err != nil {
		return "", err
	}
	defer log.Close()

	workArea := filepath.Join(m.Cfg.BuildDir, r.Name)
	if err := os.RemoveAll(workArea); err != nil {
		return "", fmt.Errorf("clearing build area for %s: %w", r.Name, err)
	}

	workDir, err := m.fetcher().Prepare(r, workArea)
	if err != nil {
		return "", err
	}

	if err := build.Build(r, workDir, m.buildOptions(log)); err != nil {
		return "", err
	}
	return workDir, nil
}

func (m *Manager) buildAndInstallOne(r *recipe.Recipe) error {
	workDir, err := m.buildOne(r)
	if err != nil {
		return err
	}
	log, err := m.openLog("install-" + r.Name)
	if err != nil {
		return err
	}
	defer log.Close()
	return install.Install(m.DB, r, workDir, m.installOptions(log))
}

// resolveWorkDir re-derives the prepared working directory for a package
// already built under m.Cfg.BuildDir, following the same single-
// subdirectory rule Prepare applies.
func (m *Manager) resolveWorkDir(name string) (string, error) {
	workArea := filepath.Join(m.Cfg.BuildDir, name)
	entries, err := os.ReadDir(workArea)
	if err != nil {
		return "", fmt.Errorf("locating build area for %s: %w", name, err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(workArea, entries[0].Name()), nil
	}
	return workArea, nil
}

// Install implements `install(name)`: requires a prior successful build.
func (m *Manager) Install(name string) error {
	return m.withLock(func() error {
		r, err := recipe.Load(m.Cfg.RecipesDir, name)
		if err != nil {
			return err
		}
		workDir, err := m.resolveWorkDir(name)
		if err != nil {
			return err
		}
		log, err := m.openLog("install-" + name)
		if err != nil {
			return err
		}
		defer log.Close()
		if err := install.Install(m.DB, r, workDir, m.installOptions(log)); err != nil {
			return err
		}
		return m.DB.MarkManual(name)
	})
}

// Remove implements `remove(name)`.
func (m *Manager) Remove(name string) error {
	return m.withLock(func() error { return m.removeLocked(name) })
}

func (m *Manager) removeLocked(name string) error {
	dependents, err := m.DB.ReverseDeps(m.Cfg.RecipesDir, name)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return &mpkgerr.HasReverseDependentsError{Package: name, Dependent: dependents}
	}

	files, err := m.DB.InstalledFiles(name)
	if err != nil {
		return err
	}

	for _, f := range files {
		info, err := os.Lstat(f)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("checking file during remove", "package", name, "path", f, "error", err)
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := os.Remove(f); err != nil {
			slog.Warn("removing file", "package", name, "path", f, "error", err)
		}
	}

	pruneEmptyParents(files)

	return m.DB.Unregister(name)
}

// pruneEmptyParents removes now-empty parent directories of the removed
// files, deepest first.
func pruneEmptyParents(files []string) {
	dirs := make(map[string]bool)
	for _, f := range files {
		dirs[filepath.Dir(f)] = true
	}
	var ordered []string
	for d := range dirs {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})
	for _, d := range ordered {
		for d != "." && d != string(filepath.Separator) {
			entries, err := os.ReadDir(d)
			if err != nil || len(entries) > 0 {
				break
			}
			if err := os.Remove(d); err != nil {
				break
			}
			d = filepath.Dir(d)
		}
	}
}

// Rebuild implements `rebuild(name)`.
func (m *Manager) Rebuild(name string) error {
	return m.withLock(func() error { return m.rebuildLocked(name) })
}

func (m *Manager) rebuildLocked(name string) error {
	if m.DB.IsInstalled(name) {
		if err := m.removeLocked(name); err != nil {
			slog.Warn("remove during rebuild failed, continuing", "package", name, "error", err)
		}
	}
	if err := m.buildLocked(name); err != nil {
		return err
	}
	r, err := recipe.Load(m.Cfg.RecipesDir, name)
	if err != nil {
		return err
	}
	workDir, err := m.resolveWorkDir(name)
	if err != nil {
		return err
	}
	log, err := m.openLog("install-" + name)
	if err != nil {
		return err
	}
	defer log.Close()
	return install.Install(m.DB, r, workDir, m.installOptions(log))
}

// RebuildSystem implements `rebuild-system()`.
func (m *Manager) RebuildSystem() error {
	return m.withLock(func() error {
		installed, err := m.DB.AllInstalled()
		if err != nil {
			return err
		}
		order, err := installedOrder(m.Cfg.RecipesDir, installed)
		if err != nil {
			return err
		}
		for _, name := range order {
			if err := m.rebuildLocked(name); err != nil {
				return fmt.Errorf("rebuilding %s: %w", name, err)
			}
		}
		return nil
	})
}

// installedOrder topologically sorts the installed set, restricted to
// edges among themselves, using the same deterministic tie-break as the
// resolver package.
func installedOrder(recipesDir string, installed []string) ([]string, error) {
	installedSet := make(map[string]bool, len(installed))
	for _, n := range installed {
		installedSet[n] = true
	}

	recipes := make(map[string]*recipe.Recipe, len(installed))
	for _, name := range installed {
		r, err := recipe.Load(recipesDir, name)
		if err != nil {
			return nil, err
		}
		recipes[name] = r
	}

	indegree := make(map[string]int, len(installed))
	dependents := make(map[string][]string)
	for name := range recipes {
		indegree[name] = 0
	}
	for name, r := range recipes {
		for _, dep := range r.Depends {
			if !installedSet[dep] {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := append([]string{}, dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(installed) {
		return nil, fmt.Errorf("cycle detected among installed packages")
	}
	return order, nil
}

// UpgradeReport describes the outcome of Upgrade.
type UpgradeReport struct {
	Action      string
	FromVersion string
	ToVersion   string
}

// Upgrade implements `upgrade(name)`.
func (m *Manager) Upgrade(name string) (*UpgradeReport, error) {
	var report *UpgradeReport
	err := m.withLock(func() error {
		r, err := recipe.Load(m.Cfg.RecipesDir, name)
		if err != nil {
			return err
		}

		installedVer, ok := m.DB.InstalledVersion(name)
		if !ok {
			if err := m.buildLocked(name); err != nil {
				return err
			}
			workDir, err := m.resolveWorkDir(name)
			if err != nil {
				return err
			}
			log, err := m.openLog("install-" + name)
			if err != nil {
				return err
			}
			defer log.Close()
			if err := install.Install(m.DB, r, workDir, m.installOptions(log)); err != nil {
				return err
			}
			if err := m.DB.MarkManual(name); err != nil {
				return err
			}
			report = &UpgradeReport{Action: "installed", ToVersion: r.Version}
			return nil
		}

		switch version.Compare(r.Version, installedVer) {
		case version.Greater:
			if err := m.rebuildLocked(name); err != nil {
				return err
			}
			report = &UpgradeReport{Action: "upgraded", FromVersion: installedVer, ToVersion: r.Version}
		default:
			report = &UpgradeReport{Action: "no-upgrade", FromVersion: installedVer, ToVersion: r.Version}
		}
		return nil
	})
	return report, err
}

// Autoremove implements `autoremove()`: repeatedly removes orphans until a
// fixed point, processing leaves first so reverse-dependency safety holds
// at every step.
func (m *Manager) Autoremove() ([]string, error) {
	var removed []string
	err := m.withLock(func() error {
		for {
			orphans, err := m.DB.Orphans(m.Cfg.RecipesDir)
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				return nil
			}

			progressed := false
			for _, name := range orphans {
				dependents, err := m.DB.ReverseDeps(m.Cfg.RecipesDir, name)
				if err != nil {
					return err
				}
				if len(dependents) > 0 {
					continue
				}
				if err := m.removeLocked(name); err != nil {
					return fmt.Errorf("removing orphan %s: %w", name, err)
				}
				removed = append(removed, name)
				progressed = true
			}
			if !progressed {
				return nil
			}
		}
	})
	return removed, err
}

// Orphans implements the `orphans` CLI subcommand.
func (m *Manager) Orphans() ([]string, error) {
	var orphans []string
	err := m.withLock(func() error {
		var err error
		orphans, err = m.DB.Orphans(m.Cfg.RecipesDir)
		return err
	})
	return orphans, err
}

// MarkManual implements `mark-manual <pkg>`.
func (m *Manager) MarkManual(name string) error {
	return m.withLock(func() error { return m.DB.MarkManual(name) })
}

// InstalledEntry is one row of `list-installed` output.
type InstalledEntry struct {
	Name        string
	Version     string
	InstalledAt time.Time
}

// ListInstalled implements `list-installed`: every installed package,
// sorted by name, with its version and install timestamp.
func (m *Manager) ListInstalled() ([]InstalledEntry, error) {
	var entries []InstalledEntry
	err := m.withLock(func() error {
		names, err := m.DB.AllInstalled()
		if err != nil {
			return err
		}
		entries = make([]InstalledEntry, 0, len(names))
		for _, name := range names {
			v, _ := m.DB.InstalledVersion(name)
			at, _ := m.DB.InstalledAt(name)
			entries = append(entries, InstalledEntry{Name: name, Version: v, InstalledAt: at})
		}
		return nil
	})
	return entries, err
}
