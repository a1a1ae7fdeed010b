package repo

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"golang.org/x/xerrors"
)

// FileLink serves a repository from a local directory.
type FileLink struct {
	dir string
}

// NewFileLink returns a Link over the repository at dir.
func NewFileLink(dir string) *FileLink {
	return &FileLink{dir: dir}
}

func (l *FileLink) readJSON(name string, v interface{}) error {
	path := filepath.Join(l.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ErrNotFound{Name: path}
		}
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return xerrors.Errorf("decode %s: %v", path, err)
	}
	return nil
}

func (l *FileLink) CurrentVersion(ctx context.Context) (metadata.Current, error) {
	var current metadata.Current
	err := l.readJSON(metadata.CurrentFilename, &current)
	return current, err
}

func (l *FileLink) Versions(ctx context.Context) (metadata.Versions, error) {
	var versions metadata.Versions
	err := l.readJSON(metadata.VersionsFilename, &versions)
	return versions, err
}

func (l *FileLink) Packages(ctx context.Context) (metadata.Packages, error) {
	var packages metadata.Packages
	err := l.readJSON(metadata.PackagesFilename, &packages)
	return packages, err
}

func (l *FileLink) PackageMetadata(ctx context.Context, name deltaup.CleanName) (metadata.PackageMetadata, error) {
	var meta metadata.PackageMetadata
	err := l.readJSON(string(name), &meta)
	return meta, err
}

type fileRange struct {
	io.Reader
	f *os.File
}

func (r *fileRange) Close() error { return r.f.Close() }

func (l *FileLink) PackageRange(ctx context.Context, name deltaup.CleanName, start, end uint64) (io.ReadCloser, error) {
	path := filepath.Join(l.dir, string(name))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Name: path}
		}
		return nil, err
	}
	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		f.Close()
		return nil, xerrors.Errorf("seek %s to %d: %v", path, start, err)
	}
	return &fileRange{Reader: io.LimitReader(f, int64(end-start)), f: f}, nil
}
