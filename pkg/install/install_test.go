package install

import (
	"os"
	"path/filepath"
	"testing"

	"mpkg/pkg/database"
	"mpkg/pkg/recipe"
)

func TestInstallViaScript(t *testing.T) {
	workDir := t.TempDir()
	stagingDir := t.TempDir()
	prefix := t.TempDir()
	dbRoot := t.TempDir()

	db := database.Open(dbRoot)
	r := &recipe.Recipe{
		Name:             "foo",
		Version:          "1.0",
		HasInstallScript: true,
		InstallScript:    "mkdir -p $DESTDIR/bin && printf hi > $DESTDIR/bin/foo",
	}

	opts := Options{StagingDir: stagingDir, InstallPrefix: prefix}
	if err := Install(db, r, workDir, opts); err != nil {
		t.Fatalf("Install: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(prefix, "bin", "foo"))
	if err != nil {
		t.Fatalf("committed file missing: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("content = %q, want hi", data)
	}

	v, ok := db.InstalledVersion("foo")
	if !ok || v != "1.0" {
		t.Fatalf("InstalledVersion = %q, %v", v, ok)
	}

	files, err := db.InstalledFiles("foo")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(prefix, "bin", "foo")
	if len(files) != 1 || files[0] != want {
		t.Fatalf("manifest = %v, want [%s]", files, want)
	}
}

func TestInstallOverwritesExisting(t *testing.T) {
	workDir := t.TempDir()
	stagingDir := t.TempDir()
	prefix := t.TempDir()
	dbRoot := t.TempDir()

	db := database.Open(dbRoot)
	r := &recipe.Recipe{
		Name:             "foo",
		Version:          "1.0",
		HasInstallScript: true,
		InstallScript:    "mkdir -p $DESTDIR/bin && printf v1 > $DESTDIR/bin/foo",
	}
	if err := Install(db, r, workDir, Options{StagingDir: stagingDir, InstallPrefix: prefix}); err != nil {
		t.Fatal(err)
	}

	r2 := &recipe.Recipe{
		Name:             "foo",
		Version:          "2.0",
		HasInstallScript: true,
		InstallScript:    "mkdir -p $DESTDIR/bin && printf v2 > $DESTDIR/bin/foo",
	}
	if err := Install(db, r2, workDir, Options{StagingDir: stagingDir, InstallPrefix: prefix}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(prefix, "bin", "foo"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("content = %q, want v2 (overwrite)", data)
	}
}
