package repo

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/google/go-cmp/cmp"
)

func writeTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		metadata.CurrentFilename:  `{"version":"1","current":{"revision":"v2","description":"second"}}`,
		metadata.VersionsFilename: `{"version":"1","versions":[{"revision":"v1","description":"first"},{"revision":"v2","description":"second"}]}`,
		metadata.PackagesFilename: `{"version":"1","packages":[{"from":"","to":"v1","size":"10"},{"from":"v1","to":"v2","size":"4"}]}`,
		"complete_v1":             "0123456789",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testLink(t *testing.T, link Link) {
	ctx := context.Background()

	current, err := link.CurrentVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(current.Current.Revision), "v2"; got != want {
		t.Errorf("current: got %q, want %q", got, want)
	}

	versions, err := link.Versions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(versions.Versions), 2; got != want {
		t.Fatalf("versions: got %d, want %d", got, want)
	}

	packages, err := link.Packages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := metadata.Packages{Packages: []metadata.Package{
		{To: "v1", Size: 10},
		{From: "v1", To: "v2", Size: 4},
	}}
	if diff := cmp.Diff(want, packages); diff != "" {
		t.Errorf("packages: diff (-want +got):\n%s", diff)
	}

	rd, err := link.PackageRange(ctx, "complete_v1", 2, 7)
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	b, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "23456"; got != want {
		t.Errorf("range [2,7): got %q, want %q", got, want)
	}

	if _, err := link.PackageMetadata(ctx, "complete_v9.metadata"); err == nil {
		t.Error("PackageMetadata(missing): expected error")
	}
}

func TestFileLink(t *testing.T) {
	testLink(t, NewFileLink(writeTestRepo(t)))
}

func TestHTTPLink(t *testing.T) {
	dir := writeTestRepo(t)
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	testLink(t, NewHTTPLink(u))
}

func TestHTTPLinkRejectsFullContent(t *testing.T) {
	// A server that ignores Range requests must fail the stream.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "full body")
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	link := NewHTTPLink(u)
	if _, err := link.PackageRange(context.Background(), "complete_v1", 0, 4); err == nil {
		t.Fatal("expected ErrNotPartialContent")
	} else if _, ok := err.(*ErrNotPartialContent); !ok {
		t.Fatalf("got %T (%v), want *ErrNotPartialContent", err, err)
	}
}

func TestHTTPLinkBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "updater" || pass != "hunter2" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"version":"1","current":{"revision":"v1","description":""}}`)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	u.User = url.UserPassword("updater", "hunter2")
	link := NewHTTPLink(u)
	current, err := link.CurrentVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(current.Current.Revision), "v1"; got != want {
		t.Errorf("current: got %q, want %q", got, want)
	}
}

func TestNewLocation(t *testing.T) {
	for _, tt := range []struct {
		location string
		wantHTTP bool
	}{
		{"https://updates.example.com/repo", true},
		{"http://user:pw@updates.example.com/repo", true},
		{"file:///srv/repo", false},
		{"/srv/repo", false},
	} {
		link, err := New(tt.location)
		if err != nil {
			t.Fatalf("New(%q): %v", tt.location, err)
		}
		_, isHTTP := link.(*HTTPLink)
		if isHTTP != tt.wantHTTP {
			t.Errorf("New(%q): got %T, want http=%v", tt.location, link, tt.wantHTTP)
		}
	}
}
