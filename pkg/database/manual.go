package database

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mpkg/pkg/recipe"
)

func (db *Database) manualListPath() string {
	return filepath.Join(db.root, "state", "manual.list")
}

// ManualSet returns the set of packages marked as manually requested,
// i.e. installed for their own sake rather than pulled in as a dependency.
func (db *Database) ManualSet() (map[string]bool, error) {
	set := make(map[string]bool)
	f, err := os.Open(db.manualListPath())
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("reading manual set: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			set[name] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manual set: %w", err)
	}
	return set, nil
}

// MarkManual adds name to the manual set. It is idempotent.
func (db *Database) MarkManual(name string) error {
	set, err := db.ManualSet()
	if err != nil {
		return err
	}
	set[name] = true
	return db.writeManualSet(set)
}

// UnmarkManual removes name from the manual set. It is idempotent.
func (db *Database) UnmarkManual(name string) error {
	set, err := db.ManualSet()
	if err != nil {
		return err
	}
	delete(set, name)
	return db.writeManualSet(set)
}

func (db *Database) writeManualSet(set map[string]bool) error {
	stateDir := filepath.Join(db.root, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	content := strings.Join(names, "\n")
	if len(names) > 0 {
		content += "\n"
	}

	tmp, err := os.CreateTemp(stateDir, ".manual.list.tmp-")
	if err != nil {
		return fmt.Errorf("writing manual set: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing manual set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing manual set: %w", err)
	}
	if err := os.Rename(tmpPath, db.manualListPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing manual set: %w", err)
	}
	return nil
}

// ReverseDeps returns the names of installed packages that directly depend
// on name, per the recipes currently found in recipesDir. A package whose
// recipe has gone missing is treated as having no declared dependencies
// (it cannot be depended upon via a dependency graph that no longer
// exists), not as an error: reverse-dependency queries must not fail just
// because an unrelated recipe disappeared.
func (db *Database) ReverseDeps(recipesDir, name string) ([]string, error) {
	installed, err := db.AllInstalled()
	if err != nil {
		return nil, err
	}

	var dependents []string
	for _, candidate := range installed {
		if candidate == name {
			continue
		}
		r, err := recipe.Load(recipesDir, candidate)
		if err != nil {
			continue
		}
		for _, dep := range r.Depends {
			if dep == name {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents, nil
}

// Orphans returns installed packages that are neither in the manual set nor
// a direct dependency of any installed package, per the recipes currently
// found in recipesDir. This is a one-hop computation, not a transitive
// closure seeded from the manual set: the direct dependencies of every
// installed package count as needed, so a package depended on only by an
// orphan is not itself reported until that orphan is removed.
func (db *Database) Orphans(recipesDir string) ([]string, error) {
	installed, err := db.AllInstalled()
	if err != nil {
		return nil, err
	}
	manual, err := db.ManualSet()
	if err != nil {
		return nil, err
	}

	needed := make(map[string]bool)
	for _, name := range installed {
		r, err := recipe.Load(recipesDir, name)
		if err != nil {
			continue
		}
		for _, dep := range r.Depends {
			needed[dep] = true
		}
	}

	var orphans []string
	for _, name := range installed {
		if !needed[name] && !manual[name] {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}
