package pack

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/deltaup/deltaup/internal/metadata"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func build(t *testing.T, b *Builder) metadata.PackageMetadata {
	t.Helper()
	if err := b.Build(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(b.MetadataPath())
	if err != nil {
		t.Fatal(err)
	}
	var meta metadata.PackageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	return meta
}

func opsByPath(meta metadata.PackageMetadata) map[string]metadata.OperationType {
	out := make(map[string]metadata.OperationType)
	for _, op := range meta.Operations {
		out[string(op.Path)] = op.Type
	}
	return out
}

func TestBuildCompletePackage(t *testing.T) {
	srcDir := t.TempDir()
	writeFiles(t, srcDir, map[string]string{
		"a":     "file a content",
		"b/c":   "nested content",
		"empty": "",
	})

	b := &Builder{
		BuildDir:  t.TempDir(),
		Version:   "v1",
		SourceDir: srcDir,
		Options:   DefaultOptions(),
	}
	meta := build(t, b)

	if got, want := string(meta.Package.DataName()), "complete_v1"; got != want {
		t.Errorf("package name: got %q, want %q", got, want)
	}
	ops := opsByPath(meta)
	for path, want := range map[string]metadata.OperationType{
		"a": metadata.OpAdd, "b": metadata.OpMkDir, "b/c": metadata.OpAdd, "empty": metadata.OpAdd,
	} {
		if got := ops[path]; got != want {
			t.Errorf("operation for %s: got %q, want %q", path, got, want)
		}
	}

	// The data ranges must be disjoint and cover [0, size) in order.
	var offset uint64
	for _, op := range meta.Operations {
		start, end, ok := op.Range()
		if !ok {
			continue
		}
		if start != offset {
			t.Errorf("operation %s: data offset %d, want %d", op.Path, start, offset)
		}
		offset = end
		if op.Path == "empty" && op.FinalSize != 0 {
			t.Errorf("empty file final size: got %d, want 0", op.FinalSize)
		}
	}
	if offset != meta.Package.Size {
		t.Errorf("package size: got %d, want %d", meta.Package.Size, offset)
	}

	fi, err := os.Stat(b.DataPath())
	if err != nil {
		t.Fatal(err)
	}
	if uint64(fi.Size()) != meta.Package.Size {
		t.Errorf("data blob size %d != recorded size %d", fi.Size(), meta.Package.Size)
	}

	// Task scratch files must all be consumed.
	entries, err := os.ReadDir(b.BuildDir)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(entries), 2; got != want {
		t.Errorf("build dir entries: got %d, want %d (data + metadata)", got, want)
	}
}

func TestBuildIdenticalPatchIsCheckOnly(t *testing.T) {
	files := map[string]string{"a": "same content", "d/n": "nested"}
	srcDir, preDir := t.TempDir(), t.TempDir()
	writeFiles(t, srcDir, files)
	writeFiles(t, preDir, files)

	b := &Builder{
		BuildDir:        t.TempDir(),
		Version:         "v2",
		SourceDir:       srcDir,
		PreviousVersion: "v1",
		PreviousDir:     preDir,
		Options:         DefaultOptions(),
	}
	meta := build(t, b)
	if meta.Package.Size != 0 {
		t.Errorf("identical patch package carries %d data bytes, want 0", meta.Package.Size)
	}
	for _, op := range meta.Operations {
		switch op.Type {
		case metadata.OpCheck, metadata.OpMkDir:
		default:
			t.Errorf("operation %s: got type %q, want check or mkdir", op.Path, op.Type)
		}
	}
}

func TestBuildRejectsTypeChange(t *testing.T) {
	srcDir, preDir := t.TempDir(), t.TempDir()
	writeFiles(t, srcDir, map[string]string{"x/child": "now a directory"})
	writeFiles(t, preDir, map[string]string{"x": "was a file"})

	b := &Builder{
		BuildDir:        t.TempDir(),
		Version:         "v2",
		SourceDir:       srcDir,
		PreviousVersion: "v1",
		PreviousDir:     preDir,
		Options:         RawOptions(),
	}
	if err := b.Build(context.Background(), nil); err == nil {
		t.Fatal("expected type-change error")
	}
}

func TestBuildSliced(t *testing.T) {
	srcDir := t.TempDir()
	content := make([]byte, 300*1024)
	for i := range content {
		content[i] = byte(i)
	}
	writeFiles(t, srcDir, map[string]string{"big.pak": string(content)})

	b := &Builder{
		BuildDir:  t.TempDir(),
		Version:   "v1",
		SourceDir: srcDir,
		SliceSize: 128 * 1024,
		Options:   RawOptions(),
	}
	meta := build(t, b)

	var head, slices int
	var coveredBytes uint64
	for _, op := range meta.Operations {
		if op.SliceHandler != metadata.SlicedHandlerName {
			t.Errorf("operation %s/%s: missing sliced handler", op.Path, op.Slice)
		}
		if op.Slice == "" {
			head++
			if got, want := op.FinalSize, uint64(len(content)); got != want {
				t.Errorf("head final size: got %d, want %d", got, want)
			}
		} else {
			slices++
			coveredBytes += op.FinalSize
		}
	}
	if head != 1 {
		t.Errorf("head operations: got %d, want 1", head)
	}
	if slices != 3 {
		t.Errorf("slice operations: got %d, want 3 (300 KiB / 128 KiB)", slices)
	}
	if coveredBytes != uint64(len(content)) {
		t.Errorf("slices cover %d bytes, want %d", coveredBytes, len(content))
	}
}

func TestPatchFallsBackToAdd(t *testing.T) {
	// A tiny file that shares nothing with its previous revision gains
	// nothing from delta encoding; the operation degrades to Add.
	srcDir, preDir := t.TempDir(), t.TempDir()
	writeFiles(t, srcDir, map[string]string{"a": "ZZZZZZZZ"})
	writeFiles(t, preDir, map[string]string{"a": "q"})

	b := &Builder{
		BuildDir:        t.TempDir(),
		Version:         "v2",
		SourceDir:       srcDir,
		PreviousVersion: "v1",
		PreviousDir:     preDir,
		Options:         DefaultOptions(),
	}
	meta := build(t, b)
	if got, want := len(meta.Operations), 1; got != want {
		t.Fatalf("operations: got %d, want %d", got, want)
	}
	op := meta.Operations[0]
	if op.Type != metadata.OpAdd {
		t.Errorf("operation type: got %q, want add (patch gained nothing)", op.Type)
	}
	if op.PatchType != "" {
		t.Errorf("degraded add still records patch type %q", op.PatchType)
	}
}
