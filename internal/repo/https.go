package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"golang.org/x/xerrors"
)

// Shared across links: package downloads are long-lived range
// requests, so keep connections around and leave the bytes alone.
var httpClient = &http.Client{Transport: &http.Transport{
	MaxIdleConnsPerHost: 10,
	DisableCompression:  true,
}}

// HTTPLink serves a repository over HTTP(S). Userinfo in the base URL
// is sent as basic auth on every request.
type HTTPLink struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPLink returns a Link over the repository at base.
func NewHTTPLink(base *url.URL) *HTTPLink {
	return &HTTPLink{base: base, client: httpClient}
}

func (l *HTTPLink) request(ctx context.Context, name string) (*http.Request, error) {
	u := l.base.JoinPath(name)
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	if user := l.base.User; user != nil {
		password, _ := user.Password()
		req.SetBasicAuth(user.Username(), password)
	}
	return req.WithContext(ctx), nil
}

func (l *HTTPLink) getJSON(ctx context.Context, name string, v interface{}) error {
	req, err := l.request(ctx, name)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &ErrNotFound{Name: req.URL.Redacted()}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP status %v", req.URL.Redacted(), resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return xerrors.Errorf("decode %s: %v", req.URL.Redacted(), err)
	}
	return nil
}

func (l *HTTPLink) CurrentVersion(ctx context.Context) (metadata.Current, error) {
	var current metadata.Current
	err := l.getJSON(ctx, metadata.CurrentFilename, &current)
	return current, err
}

func (l *HTTPLink) Versions(ctx context.Context) (metadata.Versions, error) {
	var versions metadata.Versions
	err := l.getJSON(ctx, metadata.VersionsFilename, &versions)
	return versions, err
}

func (l *HTTPLink) Packages(ctx context.Context) (metadata.Packages, error) {
	var packages metadata.Packages
	err := l.getJSON(ctx, metadata.PackagesFilename, &packages)
	return packages, err
}

func (l *HTTPLink) PackageMetadata(ctx context.Context, name deltaup.CleanName) (metadata.PackageMetadata, error) {
	var meta metadata.PackageMetadata
	err := l.getJSON(ctx, string(name), &meta)
	return meta, err
}

func (l *HTTPLink) PackageRange(ctx context.Context, name deltaup.CleanName, start, end uint64) (io.ReadCloser, error) {
	req, err := l.request(ctx, string(name))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, &ErrNotFound{Name: req.URL.Redacted()}
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &ErrNotPartialContent{URL: req.URL.Redacted(), Status: resp.Status}
	}
	return resp.Body, nil
}
