// Package repo links a workspace to a package repository, either a
// local directory or an HTTP(S) server. It exposes the four JSON index
// reads plus a byte-range stream over a named package blob.
package repo

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
)

// Link is the read-only view of a repository a workspace updates from.
type Link interface {
	// CurrentVersion reads the repository's `current` pointer.
	CurrentVersion(ctx context.Context) (metadata.Current, error)
	// Versions reads the repository changelog.
	Versions(ctx context.Context) (metadata.Versions, error)
	// Packages reads the update graph.
	Packages(ctx context.Context) (metadata.Packages, error)
	// PackageMetadata reads the metadata file called name, e.g.
	// `complete_v2.metadata` (see metadata.Package.MetadataName).
	PackageMetadata(ctx context.Context, name deltaup.CleanName) (metadata.PackageMetadata, error)
	// PackageRange streams the bytes [start, end) of the named package
	// blob. The returned reader yields exactly end-start bytes unless
	// the transfer fails.
	PackageRange(ctx context.Context, name deltaup.CleanName, start, end uint64) (io.ReadCloser, error)
}

// ErrNotFound reports a missing repository object.
type ErrNotFound struct {
	Name string // file path or URL
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s: not found", e.Name)
}

// ErrNotPartialContent reports a server that answered a range request
// with anything but 206.
type ErrNotPartialContent struct {
	URL    string
	Status string
}

func (e *ErrNotPartialContent) Error() string {
	return fmt.Sprintf("%s: expected 206 Partial Content, got %s", e.URL, e.Status)
}

// New returns a Link for a repository location: an http:// or https://
// URL (userinfo is used for basic auth), a file:// URL, or a plain
// directory path.
func New(location string) (Link, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid repository url %q: %v", location, err)
		}
		return NewHTTPLink(u), nil
	}
	if strings.HasPrefix(location, "file://") {
		return NewFileLink(strings.TrimPrefix(location, "file://")), nil
	}
	return NewFileLink(location), nil
}
