// Package pack builds repository packages: it enumerates the
// differences between a source directory and an optional previous
// directory, compresses or delta-encodes every changed slice with the
// best of the configured coders, and assembles the package data blob
// and metadata.
package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/codec"
	"github.com/deltaup/deltaup/internal/metadata"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const bufferSize = 128 * 1024

// Options configures which coders a build tries.
type Options struct {
	Compressors []*codec.Options
	Patchers    []*codec.Options
}

// DefaultOptions tries the brotli, zstd and raw compressors and the
// zstd, bsdiff and raw patchers.
func DefaultOptions() Options {
	return Options{
		Compressors: []*codec.Options{
			codec.NewOptions(codec.Brotli),
			codec.NewOptions(codec.Zstd),
			codec.NewOptions(codec.Raw),
		},
		Patchers: []*codec.Options{
			codec.NewOptions(codec.Zstd),
			codec.NewOptions(codec.Bsdiff),
			codec.NewOptions(codec.Raw),
		},
	}
}

// RawOptions builds store-only packages; useful in tests.
func RawOptions() Options {
	return Options{
		Compressors: []*codec.Options{codec.NewOptions(codec.Raw)},
		Patchers:    []*codec.Options{codec.NewOptions(codec.Raw)},
	}
}

// ProgressFunc reports completed build tasks.
type ProgressFunc func(done, total int, name string)

// Builder builds one package.
type Builder struct {
	// BuildDir is where scratch files and the finished package land.
	BuildDir string
	// Version is the revision the package installs.
	Version deltaup.CleanName
	// SourceDir is the directory tree the package must reproduce.
	SourceDir string
	// PreviousVersion/PreviousDir make this a patch package.
	PreviousVersion deltaup.CleanName
	PreviousDir     string
	// NumWorkers bounds build parallelism; 0 means NumCPU.
	NumWorkers int
	// SliceSize splits files larger than this into independently
	// patchable slices; 0 disables slicing.
	SliceSize uint64
	Options   Options
}

// Package returns the package entry this builder produces.
func (b *Builder) Package() metadata.Package {
	return metadata.Package{From: b.PreviousVersion, To: b.Version}
}

// DataPath is where Build leaves the package blob.
func (b *Builder) DataPath() string {
	pkg := b.Package()
	return filepath.Join(b.BuildDir, string(pkg.DataName()))
}

// MetadataPath is where Build leaves the package metadata.
func (b *Builder) MetadataPath() string {
	pkg := b.Package()
	return filepath.Join(b.BuildDir, string(pkg.MetadataName()))
}

// builtOperation is one finished task: the operation plus the scratch
// file holding its data bytes, if it carries any.
type builtOperation struct {
	op       metadata.Operation
	dataPath string
}

type task struct {
	name string
	run  func() (builtOperation, error)
}

// Build produces the package data and metadata files in BuildDir.
func (b *Builder) Build(ctx context.Context, report ProgressFunc) error {
	if err := os.MkdirAll(b.BuildDir, 0755); err != nil {
		return err
	}
	previous := ""
	if b.PreviousDir != "" {
		previous = b.PreviousDir
	}
	tasks, err := b.planDir(b.SourceDir, previous, "")
	if err != nil {
		return xerrors.Errorf("build task list: %w", err)
	}

	workers := b.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	built := make([]builtOperation, len(tasks))
	var (
		mu   sync.Mutex
		done int
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range tasks {
		i := i
		g.Go(func() error {
			op, err := tasks[i].run()
			if err != nil {
				return xerrors.Errorf("task %s: %w", tasks[i].name, err)
			}
			built[i] = op
			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if report != nil {
				report(n, len(tasks), tasks[i].name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return b.assemble(built)
}

// assemble concatenates the per-task data files into the package blob
// in task order and writes the metadata.
func (b *Builder) assemble(built []builtOperation) error {
	pkg := b.Package()
	dataPath := b.DataPath()
	dataFile, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return xerrors.Errorf("create package file: %w", err)
	}
	defer dataFile.Close()

	buffer := make([]byte, bufferSize)
	operations := make([]metadata.Operation, 0, len(built))
	for _, bo := range built {
		if bo.dataPath != "" {
			bo.op.DataOffset = pkg.Size
			pkg.Size += bo.op.DataSize
			src, err := os.Open(bo.dataPath)
			if err != nil {
				return xerrors.Errorf("open operation data: %w", err)
			}
			copied, err := io.CopyBuffer(dataFile, src, buffer)
			src.Close()
			if err != nil {
				return xerrors.Errorf("copy operation data: %w", err)
			}
			if uint64(copied) != bo.op.DataSize {
				return xerrors.Errorf("operation %s: copied %d bytes, recorded %d", bo.op.Path, copied, bo.op.DataSize)
			}
			if err := os.Remove(bo.dataPath); err != nil {
				return err
			}
		}
		operations = append(operations, bo.op)
	}
	if err := dataFile.Close(); err != nil {
		return err
	}

	meta := metadata.PackageMetadata{Package: pkg, Operations: operations}
	metaFile, err := os.OpenFile(b.MetadataPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return xerrors.Errorf("create metadata file: %w", err)
	}
	defer metaFile.Close()
	if err := writeJSON(metaFile, meta); err != nil {
		return xerrors.Errorf("write metadata: %w", err)
	}
	return metaFile.Close()
}

func isExe(fi os.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return filepath.Ext(fi.Name()) == ".exe"
	}
	return fi.Mode().Perm()&0111 != 0
}

type fileKind int

const (
	kindNone fileKind = iota
	kindDir
	kindFile
	kindExe
)

func (k fileKind) isFile() bool { return k == kindFile || k == kindExe }

func kindOf(fi os.FileInfo) (fileKind, error) {
	switch {
	case fi.IsDir():
		return kindDir, nil
	case fi.Mode().IsRegular():
		if isExe(fi) {
			return kindExe, nil
		}
		return kindFile, nil
	}
	return kindNone, xerrors.Errorf("unsupported file type %v for %s", fi.Mode(), fi.Name())
}

type fileState struct {
	pre, src fileKind
}

func dirStates(states map[string]*fileState, dir string, pre bool) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			return nil, err
		}
		kind, err := kindOf(fi)
		if err != nil {
			return nil, err
		}
		state, ok := states[entry.Name()]
		if !ok {
			state = &fileState{}
			states[entry.Name()] = state
			names = append(names, entry.Name())
		}
		if pre {
			state.pre = kind
		} else {
			state.src = kind
		}
	}
	return names, nil
}

// planDir walks source and previous in tandem, sorted by name, and
// emits the per-file build tasks.
func (b *Builder) planDir(src, pre, relative string) ([]task, error) {
	states := make(map[string]*fileState)
	var names []string
	if n, err := dirStates(states, pre, true); err != nil {
		return nil, err
	} else {
		names = append(names, n...)
	}
	if n, err := dirStates(states, src, false); err != nil {
		return nil, err
	} else {
		names = append(names, n...)
	}
	// The pre pass inserted its names first; merge in source-only names
	// and restore lexical order.
	names = sortedUnique(names)

	var tasks []task
	for _, name := range names {
		state := states[name]
		rel := name
		if relative != "" {
			rel = relative + "/" + name
		}
		path, err := deltaup.NewCleanPath(rel)
		if err != nil {
			return nil, err
		}

		if state.pre == kindDir && state.src.isFile() || state.pre.isFile() && state.src == kindDir {
			return nil, xerrors.Errorf("%s changed type between revisions (directory vs file)", rel)
		}

		if state.pre.isFile() && !state.src.isFile() {
			path := path
			tasks = append(tasks, task{
				name: fmt.Sprintf("rm %s", path),
				run: func() (builtOperation, error) {
					return builtOperation{op: metadata.Operation{Type: metadata.OpRm, Path: path}}, nil
				},
			})
		}
		if state.src == kindDir && state.pre != kindDir {
			path := path
			tasks = append(tasks, task{
				name: fmt.Sprintf("mkdir %s", path),
				run: func() (builtOperation, error) {
					return builtOperation{op: metadata.Operation{Type: metadata.OpMkDir, Path: path}}, nil
				},
			})
		}
		if state.src.isFile() {
			srcPath := filepath.Join(src, name)
			srcSlices, err := b.slices(path, srcPath, state.src == kindExe)
			if err != nil {
				return nil, err
			}
			var (
				preSlices []slice
				prePath   string
			)
			if state.pre.isFile() {
				prePath = filepath.Join(pre, name)
				preSlices, err = b.slices(path, prePath, state.src == kindExe)
				if err != nil {
					return nil, err
				}
			}
			if sliced(srcSlices) {
				// The head operation carries the whole-file expectation
				// for the sliced handler.
				headPre := ""
				if sliced(preSlices) {
					headPre = prePath
				}
				tasks = append(tasks, b.headTask(path, state.src == kindExe, srcPath, headPre))
			}
			for i := range srcSlices {
				srcSlice := srcSlices[i]
				preSlice := matchSlice(preSlices, srcSlice.sliceName)
				tmpPath := b.taskScratchPath(srcSlice.path, srcSlice.sliceName)
				if preSlice != nil {
					preSlice := *preSlice
					tasks = append(tasks, task{
						name: fmt.Sprintf("patch %s [%d %d] -> [%d %d]", path, preSlice.offset, preSlice.size, srcSlice.offset, srcSlice.size),
						run: func() (builtOperation, error) {
							return b.patchSlice(srcSlice, preSlice, tmpPath)
						},
					})
				} else {
					tasks = append(tasks, task{
						name: fmt.Sprintf("add %s [%d %d]", path, srcSlice.offset, srcSlice.size),
						run: func() (builtOperation, error) {
							return b.addSlice(srcSlice, tmpPath)
						},
					})
				}
			}
		}
		if state.src == kindDir || state.pre == kindDir {
			subSrc, subPre := "", ""
			if state.src == kindDir {
				subSrc = filepath.Join(src, name)
			}
			if state.pre == kindDir {
				subPre = filepath.Join(pre, name)
			}
			sub, err := b.planDir(subSrc, subPre, rel)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, sub...)
		}
		if state.pre == kindDir && state.src != kindDir {
			path := path
			tasks = append(tasks, task{
				name: fmt.Sprintf("rmdir %s", path),
				run: func() (builtOperation, error) {
					return builtOperation{op: metadata.Operation{Type: metadata.OpRmDir, Path: path}}, nil
				},
			})
		}
	}
	return tasks, nil
}

// taskScratchPath names a task's scratch file after the slice it
// encodes, so scratch names stay unique across the whole tree walk.
func (b *Builder) taskScratchPath(path, sliceName deltaup.CleanPath) string {
	sum := deltaup.Sha1Of([]byte(string(path) + "#" + string(sliceName)))
	return filepath.Join(b.BuildDir, "task_"+sum.String()[:16])
}

func sortedUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func matchSlice(slices []slice, name deltaup.CleanPath) *slice {
	for i := range slices {
		if slices[i].sliceName == name {
			return &slices[i]
		}
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
