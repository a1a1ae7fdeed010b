// End-to-end update flow over HTTP: build packages into a repository,
// serve it with range requests, and drive a workspace through install,
// patch, corruption and repair.
package update_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/pack"
	"github.com/deltaup/deltaup/internal/repo"
	"github.com/deltaup/deltaup/internal/repository"
	"github.com/deltaup/deltaup/internal/workspace"
)

func write(t *testing.T, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func buildAndRegister(t *testing.T, repoDir string, b *pack.Builder) {
	t.Helper()
	if err := b.Build(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	r := repository.New(repoDir)
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	if err := r.AddBuiltPackage(b.BuildDir, b.Package()); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterVersion(metadata.Version{Revision: b.Version}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCurrentVersion(b.Version); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateOverHTTP(t *testing.T) {
	repoDir := t.TempDir()

	v1 := t.TempDir()
	write(t, v1, "app", strings.Repeat("binary v1 ", 5000))
	write(t, v1, "assets/data", strings.Repeat("assets ", 3000))
	buildAndRegister(t, repoDir, &pack.Builder{
		BuildDir:  t.TempDir(),
		Version:   "v1",
		SourceDir: v1,
		Options:   pack.DefaultOptions(),
	})

	v2 := t.TempDir()
	write(t, v2, "app", strings.Repeat("binary v1 ", 5000)+"patched tail")
	write(t, v2, "assets/data", strings.Repeat("assets ", 3000))
	write(t, v2, "assets/extra", "new in v2")
	buildAndRegister(t, repoDir, &pack.Builder{
		BuildDir:        t.TempDir(),
		Version:         "v2",
		SourceDir:       v2,
		PreviousVersion: "v1",
		PreviousDir:     v1,
		Options:         pack.DefaultOptions(),
	})

	srv := httptest.NewServer(http.FileServer(http.Dir(repoDir)))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	link := repo.NewHTTPLink(u)

	workspaceDir := t.TempDir()
	w, err := workspace.Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	opts := workspace.DefaultUpdateOptions()

	// Fresh install lands on v1 when asked explicitly.
	if err := w.Update(ctx, link, "v1", opts, nil); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	// The empty goal follows the repository's current pointer to v2.
	if err := w.Update(ctx, link, "", opts, nil); err != nil {
		t.Fatalf("update to current: %v", err)
	}
	state := w.State()
	if state.Kind != metadata.StateStable || state.Version != "v2" {
		t.Fatalf("state: got %+v, want Stable{v2}", state)
	}
	got, err := os.ReadFile(filepath.Join(workspaceDir, "app"))
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Repeat("binary v1 ", 5000) + "patched tail"; string(got) != want {
		t.Fatalf("app content mismatch after patch (%d bytes, want %d)", len(got), len(want))
	}

	// Corrupt a file behind the engine's back; check flags it and the
	// next update over HTTP repairs it.
	if err := os.WriteFile(filepath.Join(workspaceDir, "assets/extra"), []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := w.Check(nil); err == nil {
		t.Fatal("check: expected failure after tampering")
	}
	if err := w.Update(ctx, link, "v2", opts, nil); err != nil {
		t.Fatalf("repair: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(workspaceDir, "assets/extra"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "new in v2" {
		t.Fatalf("assets/extra not repaired: %q", b)
	}
}

func TestGoalValidation(t *testing.T) {
	if _, err := deltaup.NewCleanName("../evil"); err == nil {
		t.Fatal("expected invalid revision name to be rejected")
	}
}
