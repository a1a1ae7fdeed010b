package workspace

import (
	"context"
	"crypto/sha1"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/pack"
	"github.com/deltaup/deltaup/internal/repo"
	"github.com/deltaup/deltaup/internal/repository"
	"github.com/google/go-cmp/cmp"
)

// file describes one expected workspace entry in tests.
type file struct {
	content string
	exe     bool
}

func writeTree(t *testing.T, dir string, files map[string]file) {
	t.Helper()
	for path, f := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		mode := os.FileMode(0644)
		if f.exe {
			mode = 0755
		}
		if err := os.WriteFile(full, []byte(f.content), mode); err != nil {
			t.Fatal(err)
		}
	}
}

func readTree(t *testing.T, dir string) map[string]file {
	t.Helper()
	out := make(map[string]file)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".update" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		exe := runtime.GOOS != "windows" && fi.Mode().Perm()&0111 != 0
		out[filepath.ToSlash(rel)] = file{content: string(b), exe: exe}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// buildPackage builds a package from srcFiles (against preFiles when
// fromVersion is set) and registers it in the repository.
func buildPackage(t *testing.T, repoDir, version string, srcFiles map[string]file, fromVersion string, preFiles map[string]file, sliceSize uint64) {
	t.Helper()
	srcDir := t.TempDir()
	writeTree(t, srcDir, srcFiles)
	b := &pack.Builder{
		BuildDir:  t.TempDir(),
		Version:   deltaup.MustCleanName(version),
		SourceDir: srcDir,
		SliceSize: sliceSize,
		Options:   pack.DefaultOptions(),
	}
	if fromVersion != "" {
		preDir := t.TempDir()
		writeTree(t, preDir, preFiles)
		b.PreviousVersion = deltaup.MustCleanName(fromVersion)
		b.PreviousDir = preDir
	}
	if err := b.Build(context.Background(), nil); err != nil {
		t.Fatalf("build %s: %v", version, err)
	}
	r := repository.New(repoDir)
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	if err := r.AddBuiltPackage(b.BuildDir, b.Package()); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterVersion(metadata.Version{Revision: deltaup.MustCleanName(version)}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCurrentVersion(deltaup.MustCleanName(version)); err != nil {
		t.Fatal(err)
	}
}

func mustUpdate(t *testing.T, w *Workspace, link repo.Link, goal string, opts UpdateOptions) {
	t.Helper()
	if err := w.Update(context.Background(), link, deltaup.CleanName(goal), opts, nil); err != nil {
		t.Fatalf("update to %s: %v", goal, err)
	}
}

func wantStable(t *testing.T, w *Workspace, version string) {
	t.Helper()
	if err := w.ReloadState(); err != nil {
		t.Fatal(err)
	}
	state := w.State()
	if state.Kind != metadata.StateStable || string(state.Version) != version {
		t.Fatalf("unexpected state: got %+v, want Stable{%s}", state, version)
	}
}

var treeV1 = map[string]file{
	"a":   {content: "aaaaaaaaaa"},
	"b/c": {content: strings.Repeat("c", 20)},
	"d":   {content: ""},
}

var treeV2 = map[string]file{
	"a": {content: "aaaaAAaaaaAA"},
	"e": {content: "eeeee", exe: true},
}

func TestFreshInstall(t *testing.T) {
	repoDir := t.TempDir()
	buildPackage(t, repoDir, "v1", treeV1, "", nil, 0)

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	mustUpdate(t, w, repo.NewFileLink(repoDir), "v1", DefaultUpdateOptions())
	wantStable(t, w, "v1")
	if diff := cmp.Diff(treeV1, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Errorf("workspace tree: diff (-want +got):\n%s", diff)
	}
}

func TestPatchUpdate(t *testing.T) {
	repoDir := t.TempDir()
	buildPackage(t, repoDir, "v1", treeV1, "", nil, 0)
	buildPackage(t, repoDir, "v2", treeV2, "v1", treeV1, 0)

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	link := repo.NewFileLink(repoDir)
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())
	// empty goal resolves to the repository's current revision (v2)
	mustUpdate(t, w, link, "", DefaultUpdateOptions())
	wantStable(t, w, "v2")
	if diff := cmp.Diff(treeV2, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Errorf("workspace tree: diff (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(workspaceDir, "b")); !os.IsNotExist(err) {
		t.Errorf("directory b should be removed, stat err = %v", err)
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	repoDir := t.TempDir()
	buildPackage(t, repoDir, "v1", treeV1, "", nil, 0)

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	link := repo.NewFileLink(repoDir)
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())
	before := readTree(t, workspaceDir)
	// Second run short-circuits on Stable{v1}.
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())
	wantStable(t, w, "v1")
	if diff := cmp.Diff(before, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Errorf("workspace changed on no-op update: diff (-want +got):\n%s", diff)
	}
}

func TestNoPath(t *testing.T) {
	repoDir := t.TempDir()
	buildPackage(t, repoDir, "v1", treeV1, "", nil, 0)
	buildPackage(t, repoDir, "v2", treeV2, "v1", treeV1, 0)
	// Remove the complete package so a new workspace has no way in.
	r := repository.New(repoDir)
	if err := r.UnregisterPackage("complete_v1.metadata"); err != nil {
		t.Fatal(err)
	}

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	err = w.Update(context.Background(), repo.NewFileLink(repoDir), "v2", DefaultUpdateOptions(), nil)
	if err != ErrNoPath {
		t.Fatalf("update: got %v, want ErrNoPath", err)
	}
	if _, err := os.Stat(filepath.Join(workspaceDir, ".update", "state.json")); !os.IsNotExist(err) {
		t.Errorf("state.json should not exist after NoPath, stat err = %v", err)
	}
}

func TestCheckAndRepair(t *testing.T) {
	repoDir := t.TempDir()
	buildPackage(t, repoDir, "v1", treeV1, "", nil, 0)

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	link := repo.NewFileLink(repoDir)
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())

	// Truncate a to corrupt it.
	if err := os.WriteFile(filepath.Join(workspaceDir, "a"), []byte("aaa"), 0644); err != nil {
		t.Fatal(err)
	}
	err = w.Check(nil)
	cerr, ok := err.(*CheckFailedError)
	if !ok || cerr.Files != 1 {
		t.Fatalf("check: got %v, want CheckFailedError{1}", err)
	}
	state := w.State()
	if state.Kind != metadata.StateCorrupted {
		t.Fatalf("state after check: got %+v, want Corrupted", state)
	}
	want := []metadata.Failure{{Path: "a"}}
	if diff := cmp.Diff(want, state.Failures); diff != "" {
		t.Errorf("failures: diff (-want +got):\n%s", diff)
	}

	// The next update repairs only the failing file and returns to
	// Stable{v1}.
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())
	wantStable(t, w, "v1")
	if diff := cmp.Diff(treeV1, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Errorf("workspace tree after repair: diff (-want +got):\n%s", diff)
	}

	// A clean workspace passes the explicit check.
	if err := w.Check(nil); err != nil {
		t.Fatalf("check after repair: %v", err)
	}
	wantStable(t, w, "v1")
}

// flakyLink fails every package stream after limit bytes, simulating
// an interrupted connection or crash mid-download.
type flakyLink struct {
	repo.Link
	limit int64
}

type limitedReader struct {
	rc        io.ReadCloser
	remaining *int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if *l.remaining <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if int64(len(p)) > *l.remaining {
		p = p[:*l.remaining]
	}
	n, err := l.rc.Read(p)
	*l.remaining -= int64(n)
	return n, err
}

func (l *limitedReader) Close() error { return l.rc.Close() }

func (f *flakyLink) PackageRange(ctx context.Context, name deltaup.CleanName, start, end uint64) (io.ReadCloser, error) {
	rc, err := f.Link.PackageRange(ctx, name, start, end)
	if err != nil {
		return nil, err
	}
	return &limitedReader{rc: rc, remaining: &f.limit}, nil
}

func TestResumeAfterInterruptedDownload(t *testing.T) {
	repoDir := t.TempDir()
	// Incompressible content so the 10 KiB budget below cuts the
	// transfer well before the end.
	rng := rand.New(rand.NewSource(1))
	blob := make([]byte, 1<<20)
	rng.Read(blob)
	big := map[string]file{
		"blob":  {content: string(blob)},
		"small": {content: "tiny"},
	}
	buildPackage(t, repoDir, "v1", big, "", nil, 0)

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	link := repo.NewFileLink(repoDir)

	// First attempt dies after 10 KiB of download.
	flaky := &flakyLink{Link: link, limit: 10 * 1024}
	if err := w.Update(context.Background(), flaky, "v1", DefaultUpdateOptions(), nil); err == nil {
		t.Fatal("expected interrupted update to fail")
	}
	if err := w.ReloadState(); err != nil {
		t.Fatal(err)
	}
	if got := w.State().Kind; got != metadata.StateUpdating {
		t.Fatalf("state after interruption: got %v, want updating", got)
	}

	// The retry resumes and completes; final bytes match a clean run.
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())
	wantStable(t, w, "v1")
	if diff := cmp.Diff(big, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Errorf("workspace tree after resume: diff (-want +got):\n%s", diff)
	}
}

func TestSlicedPatchUpdate(t *testing.T) {
	const sliceSize = 64 * 1024
	head := strings.Repeat("stable prefix 0123456789 ", 10000)
	v1 := map[string]file{
		"data.pak": {content: head + strings.Repeat("v1 tail ", 2000)},
	}
	v2 := map[string]file{
		"data.pak": {content: head + strings.Repeat("v2 tail! ", 3000)},
	}

	repoDir := t.TempDir()
	buildPackage(t, repoDir, "v1", v1, "", nil, sliceSize)
	buildPackage(t, repoDir, "v2", v2, "v1", v1, sliceSize)

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	link := repo.NewFileLink(repoDir)
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())
	if diff := cmp.Diff(v1, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Fatalf("v1 tree: diff (-want +got):\n%s", diff)
	}
	mustUpdate(t, w, link, "v2", DefaultUpdateOptions())
	wantStable(t, w, "v2")
	if diff := cmp.Diff(v2, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Errorf("v2 tree: diff (-want +got):\n%s", diff)
	}

	// Sliced files verify like everything else.
	if err := w.Check(nil); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestUpdateWithCheckVerifiesExistingFiles(t *testing.T) {
	repoDir := t.TempDir()
	buildPackage(t, repoDir, "v1", treeV1, "", nil, 0)

	workspaceDir := t.TempDir()
	w, err := Open(workspaceDir)
	if err != nil {
		t.Fatal(err)
	}
	link := repo.NewFileLink(repoDir)
	mustUpdate(t, w, link, "v1", DefaultUpdateOptions())

	// Corrupt a file, then update to the same revision with check: the
	// verify pass finds the damage and the repair pass fixes it.
	if err := os.WriteFile(filepath.Join(workspaceDir, "b/c"), []byte("corrupted"), 0644); err != nil {
		t.Fatal(err)
	}
	opts := DefaultUpdateOptions()
	opts.Check = true
	mustUpdate(t, w, link, "v1", opts)
	wantStable(t, w, "v1")
	if diff := cmp.Diff(treeV1, readTree(t, workspaceDir), cmp.AllowUnexported(file{})); diff != "" {
		t.Errorf("workspace tree: diff (-want +got):\n%s", diff)
	}
}

func TestZeroByteFileSha1(t *testing.T) {
	// Sha1Of(nil) must be the well-known empty SHA-1 that zero-byte
	// files are recorded with.
	h := sha1.Sum(nil)
	if got, want := deltaup.Sha1Of(nil), deltaup.Sha1Hash(h); got != want {
		t.Fatalf("empty sha1: got %s, want %s", got, want)
	}
}
