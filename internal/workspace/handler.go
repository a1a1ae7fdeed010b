package workspace

import (
	"io"
	"os"
	"path/filepath"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"golang.org/x/xerrors"
)

// directHandler applies each operation to its own file.
type directHandler struct {
	run  *applyRun
	path deltaup.CleanPath
}

func (h *directHandler) handledPath() deltaup.CleanPath { return h.path }

func (h *directHandler) stillCompatible(op *metadata.Operation) bool {
	return op.SliceHandler == ""
}

func (h *directHandler) finalize() error { return nil }

func (h *directHandler) apply(idx int, op *metadata.Operation) error {
	h.path = op.Path
	r := h.run
	switch op.Type {
	case metadata.OpAdd:
		return h.addOrPatch(idx, op, nil)

	case metadata.OpPatch:
		finalPath := r.fm.finalPath(op.Path)
		fi, err := os.Stat(finalPath)
		if err != nil {
			return err
		}
		if uint64(fi.Size()) != op.LocalSize {
			return mismatch("local size", fi.Size(), op.LocalSize)
		}
		local, err := os.Open(finalPath)
		if err != nil {
			return err
		}
		defer local.Close()
		return h.addOrPatch(idx, op, io.NewSectionReader(local, int64(op.LocalOffset), int64(op.LocalSize)))

	case metadata.OpCheck:
		if !r.opts.Check {
			return nil
		}
		return h.check(op)

	case metadata.OpRm:
		return removeFile(r.fm.finalPath(op.Path))

	case metadata.OpMkDir:
		return os.MkdirAll(r.fm.finalPath(op.Path), 0755)

	case metadata.OpRmDir:
		if err := os.Remove(r.fm.finalPath(op.Path)); err != nil {
			return r.warnFS(err, "unable to remove directory %s", op.Path)
		}
		return nil
	}
	return xerrors.Errorf("unsupported operation type %q", op.Type)
}

// addOrPatch decodes the operation into a tmp file and atomically
// renames it over the final path once every byte checked out.
func (h *directHandler) addOrPatch(idx int, op *metadata.Operation, local io.ReadSeeker) error {
	r := h.run
	tmpPath := r.fm.tmpOperationPath(r.packageName, idx)
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := r.decodeData(idx, op, local, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := setExePermission(tmpPath, op.Exe); err != nil {
		return err
	}
	finalPath := r.fm.finalPath(op.Path)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return err
	}
	if err := removeFile(finalPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	return r.removeScratch(idx, op)
}

// check verifies an existing file's size and hash without writing
// anything.
func (h *directHandler) check(op *metadata.Operation) error {
	r := h.run
	if _, err := r.avail.WaitExceeds(r.position()); err != nil {
		return err
	}
	path := r.fm.finalPath(op.Path)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if op.LocalOffset == 0 {
		if uint64(fi.Size()) != op.LocalSize {
			return mismatch("local size", fi.Size(), op.LocalSize)
		}
	} else if uint64(fi.Size()) < op.LocalOffset+op.LocalSize {
		return mismatch("local size", fi.Size(), op.LocalOffset+op.LocalSize)
	}
	if err := setExePermission(path, op.Exe); err != nil {
		return err
	}
	section := io.NewSectionReader(f, int64(op.LocalOffset), int64(op.LocalSize))
	return r.verifyStream(section, op.LocalSize, op.LocalSha1, nil)
}

// verifyStream reads exactly size bytes from src, hashing them into
// both the operation check and, when tee is non-nil, the surrounding
// whole-file accounting.
func (r *applyRun) verifyStream(src io.Reader, size uint64, want deltaup.Sha1Hash, tee io.Writer) error {
	out := newCheckWriter(io.Discard, nil)
	var dst io.Writer = out
	if tee != nil {
		dst = io.MultiWriter(out, tee)
	}
	for out.count < size {
		max := uint64(len(r.buffer))
		if left := size - out.count; left < max {
			max = left
		}
		n, err := src.Read(r.buffer[:max])
		if n == 0 {
			if err == nil || err == io.EOF {
				return mismatch("local size", out.count, size)
			}
			return err
		}
		if _, err := dst.Write(r.buffer[:n]); err != nil {
			return err
		}
		r.events <- applyEvent{applied: r.position(), deltaChecked: uint64(n)}
	}
	if got := out.sum(); got != want {
		return mismatch("local sha1", got, want)
	}
	return nil
}
