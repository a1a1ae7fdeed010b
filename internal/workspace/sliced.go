package workspace

import (
	"io"
	"os"
	"path/filepath"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"golang.org/x/xerrors"
)

type slicedMode int

const (
	slicedAdd slicedMode = iota
	slicedPatch
	slicedCheck
)

// slicedHandler assembles one output file from a run of slice
// operations. The first operation of the run has no slice and carries
// the whole-file expectation; the following operations each add, patch
// or check one contiguous slice, in file order.
//
// In patch and add mode, a check operation for an unchanged slice
// copies the local bytes into the new output, so a file can be rebuilt
// from a mix of local and downloaded slices. That is also what makes
// per-slice repair work: intact slices arrive as checks, broken ones as
// adds.
type slicedHandler struct {
	run  *applyRun
	path deltaup.CleanPath
	mode slicedMode
	exe  bool

	finalSize uint64
	finalSha1 deltaup.Sha1Hash

	tmpPath string
	tmpFile *os.File
	tmpOut  *checkWriter // whole-file accounting over tmpFile

	localFile *os.File
	localIn   *checkWriter // whole-file accounting in check mode
}

func newSlicedHandler(run *applyRun, op *metadata.Operation) (*slicedHandler, error) {
	h := &slicedHandler{run: run, path: op.Path, exe: op.Exe}
	switch op.Type {
	case metadata.OpAdd:
		h.mode = slicedAdd
		h.finalSize, h.finalSha1 = op.FinalSize, op.FinalSha1
	case metadata.OpPatch:
		h.mode = slicedPatch
		h.finalSize, h.finalSha1 = op.FinalSize, op.FinalSha1
	case metadata.OpCheck:
		h.mode = slicedCheck
		h.finalSize, h.finalSha1 = op.LocalSize, op.LocalSha1
	default:
		return nil, xerrors.Errorf("sliced handler only supports add, patch and check operations")
	}

	return h, nil
}

func (h *slicedHandler) handledPath() deltaup.CleanPath { return h.path }

func (h *slicedHandler) stillCompatible(op *metadata.Operation) bool {
	return op.Path == h.path
}

// openOutputs lazily creates the tmp (and local) files on the first
// operation, once the head operation index is known.
func (h *slicedHandler) openOutputs(idx int) error {
	if h.mode == slicedCheck {
		if h.localFile != nil {
			return nil
		}
		f, err := os.Open(h.run.fm.finalPath(h.path))
		if err != nil {
			return err
		}
		h.localFile = f
		h.localIn = newCheckWriter(io.Discard, nil)
		return nil
	}
	if h.tmpFile != nil {
		return nil
	}
	h.tmpPath = h.run.fm.tmpOperationPath(h.run.packageName, idx)
	tmp, err := os.OpenFile(h.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	h.tmpFile = tmp
	h.tmpOut = newCheckWriter(tmp, nil)
	if h.mode == slicedPatch {
		local, err := os.Open(h.run.fm.finalPath(h.path))
		if err != nil {
			tmp.Close()
			h.tmpFile = nil
			return err
		}
		h.localFile = local
	}
	return nil
}

func (h *slicedHandler) apply(idx int, op *metadata.Operation) error {
	r := h.run
	if h.mode == slicedCheck && !r.opts.Check {
		// Nothing to verify, nothing to write.
		return nil
	}
	if err := h.openOutputs(idx); err != nil {
		return err
	}
	if op.Slice == "" {
		switch op.Type {
		case metadata.OpAdd, metadata.OpPatch, metadata.OpCheck:
			// The head operation carries the whole-file expectation
			// only; its content arrives as slices.
			return nil
		case metadata.OpRm, metadata.OpRmDir, metadata.OpMkDir:
			return r.warnMeta("%s %s is not a valid sliced operation", op.Type, op.Path)
		}
	}

	switch op.Type {
	case metadata.OpAdd:
		switch h.mode {
		case slicedAdd, slicedPatch:
			if err := r.decodeData(idx, op, nil, h.tmpOut); err != nil {
				return err
			}
			return r.removeScratch(idx, op)
		case slicedCheck:
			return r.warnMeta("cannot add slice %s to checked file %s", op.Slice, op.Path)
		}

	case metadata.OpPatch:
		switch h.mode {
		case slicedPatch:
			local := io.NewSectionReader(h.localFile, int64(op.LocalOffset), int64(op.LocalSize))
			if err := r.decodeData(idx, op, local, h.tmpOut); err != nil {
				return err
			}
			return r.removeScratch(idx, op)
		case slicedAdd:
			return r.warnMeta("cannot patch slice %s of new file %s", op.Slice, op.Path)
		case slicedCheck:
			return r.warnMeta("cannot patch slice %s of checked file %s", op.Slice, op.Path)
		}

	case metadata.OpCheck:
		switch h.mode {
		case slicedAdd:
			// Repair from a complete package: intact slices are copied
			// from the local file exactly as in patch mode.
			if h.localFile == nil {
				local, err := os.Open(r.fm.finalPath(h.path))
				if err != nil {
					return err
				}
				h.localFile = local
			}
			fallthrough
		case slicedPatch:
			// Unchanged slice: copy the local bytes into the output,
			// verifying them on the way.
			if _, err := r.avail.WaitExceeds(r.position()); err != nil {
				return err
			}
			local := io.NewSectionReader(h.localFile, int64(op.LocalOffset), int64(op.LocalSize))
			return r.verifyStream(local, op.LocalSize, op.LocalSha1, h.tmpOut)
		case slicedCheck:
			if _, err := r.avail.WaitExceeds(r.position()); err != nil {
				return err
			}
			if h.localIn.count != op.LocalOffset {
				return mismatch("slice local offset", h.localIn.count, op.LocalOffset)
			}
			section := io.NewSectionReader(h.localFile, int64(op.LocalOffset), int64(op.LocalSize))
			return r.verifyStream(section, op.LocalSize, op.LocalSha1, h.localIn)
		}

	case metadata.OpRm:
		// A removed slice simply doesn't appear in the output.
		return nil
	}
	return xerrors.Errorf("unsupported sliced operation type %q", op.Type)
}

func (h *slicedHandler) finalize() error {
	switch h.mode {
	case slicedAdd, slicedPatch:
		if h.tmpFile == nil {
			return nil
		}
		defer func() {
			if h.localFile != nil {
				h.localFile.Close()
				h.localFile = nil
			}
		}()
		if err := h.tmpFile.Close(); err != nil {
			return err
		}
		h.tmpFile = nil
		if h.tmpOut.count != h.finalSize {
			return mismatch("file size", h.tmpOut.count, h.finalSize)
		}
		if got := h.tmpOut.sum(); got != h.finalSha1 {
			return mismatch("file sha1", got, h.finalSha1)
		}
		if err := setExePermission(h.tmpPath, h.exe); err != nil {
			return err
		}
		if h.localFile != nil {
			h.localFile.Close()
			h.localFile = nil
		}
		finalPath := h.run.fm.finalPath(h.path)
		if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
			return err
		}
		if err := removeFile(finalPath); err != nil {
			return err
		}
		return os.Rename(h.tmpPath, finalPath)

	case slicedCheck:
		if h.localFile == nil {
			return nil
		}
		defer h.localFile.Close()
		if !h.run.opts.Check {
			return nil
		}
		if h.localIn.count != h.finalSize {
			return mismatch("file size", h.localIn.count, h.finalSize)
		}
		if got := h.localIn.sum(); got != h.finalSha1 {
			return mismatch("file sha1", got, h.finalSha1)
		}
		return nil
	}
	return nil
}
