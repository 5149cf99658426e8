// Package recipe reads the line-oriented recipe files that describe how to
// build one package: a name, a version, its sources and optional checksums,
// its direct dependencies, and optional build/install script bodies.
package recipe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mpkg/pkg/mpkgerr"
)

// Recipe is the parsed form of a single "<name>.pkg" file.
type Recipe struct {
	Name    string
	Version string

	// Sources and Hashes are aligned positionally: Hashes[i] is the
	// expected SHA-256 of Sources[i], or "" if no hash was declared for
	// that source.
	Sources []string
	Hashes  []string

	// Depends is the de-duplicated set of direct dependency names, kept in
	// first-seen order for determinism.
	Depends []string

	// HasBuildScript/HasInstallScript distinguish "no Build/Install block
	// present" (heuristic applies) from "block present with empty body".
	HasBuildScript   bool
	BuildScript      string
	HasInstallScript bool
	InstallScript    string
}

// Load reads the recipe named name (without the ".pkg" suffix) from dir.
func Load(dir, name string) (*Recipe, error) {
	path := filepath.Join(dir, name+".pkg")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &mpkgerr.RecipeNotFoundError{Name: name}
		}
		return nil, fmt.Errorf("opening recipe %s: %w", name, err)
	}
	defer f.Close()

	r, err := parse(f, name)
	if err != nil {
		return nil, err
	}

	if r.Name == "" {
		return nil, &mpkgerr.RecipeMalformedError{Name: name, Reason: "missing Name"}
	}
	if r.Version == "" {
		return nil, &mpkgerr.RecipeMalformedError{Name: name, Reason: "missing Version"}
	}
	if r.Name != name {
		return nil, &mpkgerr.RecipeMalformedError{
			Name:   name,
			Reason: fmt.Sprintf("Name %q does not match recipe filename stem %q", r.Name, name),
		}
	}

	return r, nil
}

// Exists reports whether a recipe file for name is present under dir,
// without parsing it.
func Exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name+".pkg"))
	return err == nil
}

func parse(f *os.File, name string) (*Recipe, error) {
	r := &Recipe{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var depends []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		key, rest, ok := splitKeyValue(line)
		if !ok {
			continue
		}
		lowerKey := strings.ToLower(key)

		if rest == "|" {
			body, err := readBlock(scanner, key)
			if err != nil {
				return nil, &mpkgerr.RecipeMalformedError{Name: name, Reason: err.Error()}
			}
			switch lowerKey {
			case "build":
				r.HasBuildScript = true
				r.BuildScript = body
			case "install":
				r.HasInstallScript = true
				r.InstallScript = body
			default:
				return nil, &mpkgerr.RecipeMalformedError{
					Name:   name,
					Reason: fmt.Sprintf("unknown block key %q", key),
				}
			}
			continue
		}

		switch lowerKey {
		case "name":
			r.Name = strings.TrimSpace(rest)
		case "version":
			r.Version = strings.TrimSpace(rest)
		case "source":
			r.Sources = append(r.Sources, strings.TrimSpace(rest))
		case "sha256":
			r.Hashes = append(r.Hashes, strings.TrimSpace(rest))
		case "depends":
			depends = append(depends, splitDepends(rest)...)
		default:
			// Unknown scalar keys are ignored rather than fatal: the
			// format is meant to tolerate forward-compatible additions.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading recipe %s: %w", name, err)
	}

	r.Depends = dedupe(depends)

	// Align Hashes with Sources: pad with "" so index i always refers to
	// Sources[i], per the positional alignment the data model requires.
	for len(r.Hashes) < len(r.Sources) {
		r.Hashes = append(r.Hashes, "")
	}

	return r, nil
}

// splitKeyValue splits a "<Key>: <value>" line. ok is false for lines that
// don't match that shape (no recognized separator).
func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// readBlock consumes lines until one matching "<key>: end" (case-insensitive
// on key), returning the literal body in between.
func readBlock(scanner *bufio.Scanner, key string) (string, error) {
	endMarkerKey := strings.ToLower(key)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if k, v, ok := splitKeyValue(line); ok && strings.ToLower(k) == endMarkerKey && strings.EqualFold(v, "end") {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
	return "", fmt.Errorf("block %q opened but never closed with %q: end", key, key)
}

func splitDepends(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
