// Package repository manages a local package repository directory:
// the current/versions/packages index files and package registration.
//
// Index updates are atomic renames only, so a repository stays
// servable while it is being administered.
package repository

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/repo"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Repository administers the repository at dir.
type Repository struct {
	dir string
}

// New returns a Repository rooted at dir.
func New(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository root.
func (r *Repository) Dir() string { return r.dir }

// Link returns the read view served from the same directory.
func (r *Repository) Link() repo.Link {
	return repo.NewFileLink(r.dir)
}

// Init creates empty versions and packages indexes if missing.
func (r *Repository) Init() error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return err
	}
	if err := r.createIfMissing(metadata.VersionsFilename, metadata.Versions{}); err != nil {
		return err
	}
	return r.createIfMissing(metadata.PackagesFilename, metadata.Packages{})
}

func (r *Repository) createIfMissing(name string, v interface{}) error {
	path := filepath.Join(r.dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return r.writeIndex(name, v)
}

func (r *Repository) writeIndex(name string, v interface{}) error {
	f, err := renameio.TempFile("", filepath.Join(r.dir, name))
	if err != nil {
		return err
	}
	defer f.Cleanup()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

func (r *Repository) readIndex(name string, v interface{}) error {
	b, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// CurrentVersion reads the current pointer.
func (r *Repository) CurrentVersion() (metadata.Current, error) {
	var current metadata.Current
	err := r.readIndex(metadata.CurrentFilename, &current)
	return current, err
}

// SetCurrentVersion points current at an already registered version.
func (r *Repository) SetCurrentVersion(revision deltaup.CleanName) error {
	versions, err := r.Versions()
	if err != nil {
		return err
	}
	for _, v := range versions.Versions {
		if v.Revision == revision {
			return r.writeIndex(metadata.CurrentFilename, metadata.Current{Current: v})
		}
	}
	return xerrors.Errorf("version %s doesn't exist", revision)
}

// Versions reads the changelog.
func (r *Repository) Versions() (metadata.Versions, error) {
	var versions metadata.Versions
	err := r.readIndex(metadata.VersionsFilename, &versions)
	return versions, err
}

// RegisterVersion adds or updates a changelog entry.
func (r *Repository) RegisterVersion(version metadata.Version) error {
	versions, err := r.Versions()
	if err != nil {
		return err
	}
	for i, v := range versions.Versions {
		if v.Revision == version.Revision {
			versions.Versions[i] = version
			return r.writeIndex(metadata.VersionsFilename, versions)
		}
	}
	versions.Versions = append(versions.Versions, version)
	return r.writeIndex(metadata.VersionsFilename, versions)
}

// UnregisterVersion removes a changelog entry.
func (r *Repository) UnregisterVersion(revision deltaup.CleanName) error {
	versions, err := r.Versions()
	if err != nil {
		return err
	}
	kept := versions.Versions[:0]
	for _, v := range versions.Versions {
		if v.Revision != revision {
			kept = append(kept, v)
		}
	}
	versions.Versions = kept
	return r.writeIndex(metadata.VersionsFilename, versions)
}

// Packages reads the update graph.
func (r *Repository) Packages() (metadata.Packages, error) {
	var packages metadata.Packages
	err := r.readIndex(metadata.PackagesFilename, &packages)
	return packages, err
}

// PackageMetadata reads a package's metadata file.
func (r *Repository) PackageMetadata(metadataName string) (metadata.PackageMetadata, error) {
	var meta metadata.PackageMetadata
	err := r.readIndex(metadataName, &meta)
	return meta, err
}

// RegisterPackage adds the package described by an already present
// metadata file to the packages index.
func (r *Repository) RegisterPackage(metadataName string) error {
	meta, err := r.PackageMetadata(metadataName)
	if err != nil {
		return err
	}
	packages, err := r.Packages()
	if err != nil {
		return err
	}
	kept := packages.Packages[:0]
	for _, p := range packages.Packages {
		if p != meta.Package {
			kept = append(kept, p)
		}
	}
	packages.Packages = append(kept, meta.Package)
	return r.writeIndex(metadata.PackagesFilename, packages)
}

// UnregisterPackage removes the package from the packages index; the
// data and metadata files stay in place.
func (r *Repository) UnregisterPackage(metadataName string) error {
	meta, err := r.PackageMetadata(metadataName)
	if err != nil {
		return err
	}
	packages, err := r.Packages()
	if err != nil {
		return err
	}
	kept := packages.Packages[:0]
	for _, p := range packages.Packages {
		if p != meta.Package {
			kept = append(kept, p)
		}
	}
	packages.Packages = kept
	return r.writeIndex(metadata.PackagesFilename, packages)
}

// AddBuiltPackage moves a built package (data + metadata) from
// buildDir into the repository and registers it. Both destination
// names must be absent; if the metadata rename fails, the data rename
// is reverted.
func (r *Repository) AddBuiltPackage(buildDir string, pkg metadata.Package) error {
	dataName := string(pkg.DataName())
	metadataName := string(pkg.MetadataName())
	builtData := filepath.Join(buildDir, dataName)
	builtMetadata := filepath.Join(buildDir, metadataName)
	repoData := filepath.Join(r.dir, dataName)
	repoMetadata := filepath.Join(r.dir, metadataName)

	for _, check := range []struct {
		path string
		want bool
	}{
		{builtData, true},
		{builtMetadata, true},
		{repoData, false},
		{repoMetadata, false},
	} {
		_, err := os.Stat(check.path)
		switch {
		case err == nil && !check.want:
			return xerrors.Errorf("%s already exists", check.path)
		case os.IsNotExist(err) && check.want:
			return xerrors.Errorf("%s is missing", check.path)
		case err != nil && !os.IsNotExist(err):
			return err
		}
	}

	if err := os.Rename(builtData, repoData); err != nil {
		return err
	}
	if err := os.Rename(builtMetadata, repoMetadata); err != nil {
		if rerr := os.Rename(repoData, builtData); rerr != nil {
			return xerrors.Errorf("%v (and reverting data rename failed: %v)", err, rerr)
		}
		return err
	}
	return r.RegisterPackage(metadataName)
}
