package ops

import (
	"os"
	"path/filepath"
	"testing"

	"mpkg/pkg/config"
)

func writeRecipe(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".pkg"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	recipesDir := filepath.Join(root, "recipes")
	for _, d := range []string{"recipes", "src_cache", "build", "staging", "db", "log"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return &config.Config{
		RecipesDir:    recipesDir,
		SrcCache:      filepath.Join(root, "src_cache"),
		BuildDir:      filepath.Join(root, "build"),
		StagingDir:    filepath.Join(root, "staging"),
		DBRoot:        filepath.Join(root, "db"),
		LogDir:        filepath.Join(root, "log"),
		FetchCmd:      "cp {url} {output}",
		MakeFlags:     "",
		StripCmd:      "",
		InstallPrefix: filepath.Join(root, "opt"),
		Jobs:          1,
	}
}

func linearChainRecipe(name, depends, script string) string {
	body := "Name: " + name + "\nVersion: 1.0\n"
	if depends != "" {
		body += "Depends: " + depends + "\n"
	}
	body += "Build: |\n" + script + "\nBuild: end\n"
	body += "Install: |\nmkdir -p $DESTDIR/bin && cp built $DESTDIR/bin/" + name + "\nInstall: end\n"
	return body
}

func TestBuildInstallLinearChain(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg.RecipesDir, "a", linearChainRecipe("a", "", "touch built"))
	writeRecipe(t, cfg.RecipesDir, "b", linearChainRecipe("b", "a", "touch built"))

	m := New(cfg)
	if err := m.Build("b"); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := m.Install("b"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if !m.DB.IsInstalled("a") {
		t.Error("expected dependency a to be installed as a side effect of building b")
	}
	if !m.DB.IsInstalled("b") {
		t.Error("expected b to be installed")
	}

	if _, err := os.Stat(filepath.Join(cfg.InstallPrefix, "bin", "b")); err != nil {
		t.Errorf("expected installed binary: %v", err)
	}
}

func TestRemoveBlockedByReverseDependents(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg.RecipesDir, "a", linearChainRecipe("a", "", "touch built"))
	writeRecipe(t, cfg.RecipesDir, "b", linearChainRecipe("b", "a", "touch built"))

	m := New(cfg)
	if err := m.Build("b"); err != nil {
		t.Fatal(err)
	}
	if err := m.Install("b"); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove("a"); err == nil {
		t.Fatal("expected Remove(a) to fail while b depends on it")
	}
	if !m.DB.IsInstalled("a") {
		t.Fatal("a should remain installed after blocked remove")
	}
}

func TestAutoremoveReapsOrphan(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg.RecipesDir, "a", linearChainRecipe("a", "", "touch built"))
	writeRecipe(t, cfg.RecipesDir, "b", linearChainRecipe("b", "a", "touch built"))

	m := New(cfg)
	if err := m.Build("b"); err != nil {
		t.Fatal(err)
	}
	if err := m.Install("b"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkManual("b"); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("b"); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Autoremove()
	if err != nil {
		t.Fatalf("Autoremove: %v", err)
	}
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("removed = %v, want [a]", removed)
	}
	if m.DB.IsInstalled("a") {
		t.Fatal("expected a to be removed as an orphan")
	}
}

func TestInstallMarksManual(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg.RecipesDir, "a", linearChainRecipe("a", "", "touch built"))

	m := New(cfg)
	if err := m.Build("a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Install("a"); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Autoremove()
	if err != nil {
		t.Fatalf("Autoremove: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("Autoremove reaped %v, but a was explicitly installed and should be in the manual set", removed)
	}
	if !m.DB.IsInstalled("a") {
		t.Fatal("a should remain installed")
	}
}

func TestUpgradeNoOp(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg.RecipesDir, "x", linearChainRecipe("x", "", "touch built"))

	m := New(cfg)
	if err := m.Build("x"); err != nil {
		t.Fatal(err)
	}
	if err := m.Install("x"); err != nil {
		t.Fatal(err)
	}

	report, err := m.Upgrade("x")
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if report.Action != "no-upgrade" {
		t.Fatalf("Action = %q, want no-upgrade", report.Action)
	}
}

func TestListInstalledSorted(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg.RecipesDir, "zeta", linearChainRecipe("zeta", "", "touch built"))
	writeRecipe(t, cfg.RecipesDir, "alpha", linearChainRecipe("alpha", "", "touch built"))

	m := New(cfg)
	for _, name := range []string{"zeta", "alpha"} {
		if err := m.Build(name); err != nil {
			t.Fatal(err)
		}
		if err := m.Install(name); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := m.ListInstalled()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "alpha" || entries[1].Name != "zeta" {
		t.Fatalf("entries = %+v", entries)
	}
}
