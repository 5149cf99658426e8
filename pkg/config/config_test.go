package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
recipes_dir = "/var/mpkg/recipes"
src_cache = "/var/mpkg/cache"
build_dir = "/var/mpkg/build"
staging_dir = "/var/mpkg/staging"
db_root = "/var/mpkg/db"
log_dir = "/var/mpkg/log"
fetch_cmd = "curl -L -o {output} {url}"
makeflags = "-j4"
strip_cmd = "strip"
install_prefix = "/"
jobs = 4
color = true
`

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RecipesDir != "/var/mpkg/recipes" {
		t.Errorf("RecipesDir = %q", cfg.RecipesDir)
	}
	if cfg.Jobs != 4 {
		t.Errorf("Jobs = %d", cfg.Jobs)
	}
	if !cfg.Color {
		t.Errorf("Color = false, want true")
	}
}

func TestLoadMissingKey(t *testing.T) {
	path := writeConfig(t, `
recipes_dir = "/var/mpkg/recipes"
src_cache = "/var/mpkg/cache"
build_dir = "/var/mpkg/build"
staging_dir = "/var/mpkg/staging"
db_root = "/var/mpkg/db"
log_dir = "/var/mpkg/log"
makeflags = "-j4"
strip_cmd = "strip"
install_prefix = "/"
jobs = 4
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing fetch_cmd")
	}
}

func TestLoadMissingJobs(t *testing.T) {
	path := writeConfig(t, `
recipes_dir = "/var/mpkg/recipes"
src_cache = "/var/mpkg/cache"
build_dir = "/var/mpkg/build"
staging_dir = "/var/mpkg/staging"
db_root = "/var/mpkg/db"
log_dir = "/var/mpkg/log"
fetch_cmd = "curl -L -o {output} {url}"
makeflags = "-j4"
strip_cmd = "strip"
install_prefix = "/"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing jobs")
	}
}
