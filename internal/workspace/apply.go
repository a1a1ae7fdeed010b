package workspace

import (
	"crypto/sha1"
	"hash"
	"io"
	"log"
	"os"
	"sync"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/codec"
	"github.com/deltaup/deltaup/internal/metadata"
	"golang.org/x/xerrors"
)

// applyEvent is one progress step or per-operation failure from the
// applier worker.
type applyEvent struct {
	applied      metadata.UpdatePosition
	deltaFiles   uint64
	deltaInput   uint64
	deltaOutput  uint64
	deltaChecked uint64
	failure      *metadata.Failure
}

// applyRun is the per-package state of the applier worker. The applied
// position is guarded by mu: decoders with internal goroutines (zstd,
// bsdiff's pipe) advance it from their reader while the worker
// goroutine reports it.
type applyRun struct {
	opts        UpdateOptions
	fm          fileManager
	packageName string
	avail       *available
	events      chan<- applyEvent
	buffer      []byte

	mu      sync.Mutex
	applied metadata.UpdatePosition
}

func (r *applyRun) position() metadata.UpdatePosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}

func (r *applyRun) setPosition(p metadata.UpdatePosition) {
	r.mu.Lock()
	r.applied = p
	r.mu.Unlock()
}

// advanceBytes moves the applied position forward within the current
// operation and returns the new position.
func (r *applyRun) advanceBytes(n uint64) metadata.UpdatePosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied.ByteIdx += n
	return r.applied
}

// applyPackage is the applier worker: it consumes operations in index
// order, blocking on the available watermark, and closes events when
// the package is done or the run is cancelled.
func applyPackage(opts UpdateOptions, fm fileManager, packageName string, operations []indexedOperation, avail *available, events chan<- applyEvent) {
	defer close(events)
	run := &applyRun{
		opts:        opts,
		fm:          fm,
		packageName: packageName,
		avail:       avail,
		events:      events,
		buffer:      make([]byte, bufferSize),
	}
	var h handler
	fail := func(path deltaup.CleanPath, slice deltaup.CleanPath, err error) {
		log.Printf("operation %s failed: %v", path, err)
		events <- applyEvent{applied: run.position(), failure: &metadata.Failure{Path: path, Slice: slice}}
	}
	for _, iop := range operations {
		if h != nil && !h.stillCompatible(iop.op) {
			if err := h.finalize(); err != nil {
				if err == errCancelled {
					return
				}
				fail(h.handledPath(), "", err)
			}
			h = nil
		}
		if h == nil {
			var err error
			if h, err = newHandler(run, iop.op); err != nil {
				fail(iop.op.Path, iop.op.Slice, err)
				continue
			}
		}
		run.setPosition(metadata.UpdatePosition{OperationIdx: iop.idx})
		if err := h.apply(iop.idx, iop.op); err != nil {
			if err == errCancelled {
				return
			}
			fail(iop.op.Path, iop.op.Slice, err)
			continue
		}
		done := metadata.UpdatePosition{OperationIdx: iop.idx + 1}
		run.setPosition(done)
		events <- applyEvent{applied: done, deltaFiles: 1}
	}
	if h != nil {
		if err := h.finalize(); err != nil && err != errCancelled {
			fail(h.handledPath(), "", err)
		}
	}
}

// A handler interprets operations for one output file. The direct
// handler maps one operation to one file; the sliced handler
// assembles one file from many slice operations.
type handler interface {
	handledPath() deltaup.CleanPath
	stillCompatible(op *metadata.Operation) bool
	apply(idx int, op *metadata.Operation) error
	finalize() error
}

func newHandler(run *applyRun, op *metadata.Operation) (handler, error) {
	if op.SliceHandler != "" {
		if op.SliceHandler != metadata.SlicedHandlerName {
			return nil, xerrors.Errorf("slice handler %s isn't supported", op.SliceHandler)
		}
		return newSlicedHandler(run, op)
	}
	return &directHandler{run: run}, nil
}

// dataReader reads one operation's scratch download, throttled by the
// available watermark and accounting input hash, size and progress.
type dataReader struct {
	run       *applyRun
	f         *os.File
	remaining uint64
	count     uint64
	hash      hash.Hash
}

// openData waits for the watermark to reach the operation, then opens
// its scratch file. Operations without data bytes get an empty reader.
func (r *applyRun) openData(idx int, op *metadata.Operation) (*dataReader, error) {
	if _, err := r.avail.WaitExceeds(r.position()); err != nil {
		return nil, err
	}
	dr := &dataReader{run: r, remaining: op.DataSize, hash: sha1.New()}
	if op.DataSize == 0 {
		return dr, nil
	}
	path := r.fm.downloadOperationPath(r.packageName, idx)
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open data file: %v", err)
	}
	dr.f = f
	return dr, nil
}

func (d *dataReader) Read(p []byte) (int, error) {
	if d.remaining == 0 {
		return 0, io.EOF
	}
	run := d.run
	pos := run.position()
	avail, err := run.avail.WaitExceeds(pos)
	if err != nil {
		return 0, err
	}
	budget := d.remaining
	if avail.OperationIdx == pos.OperationIdx {
		budget = avail.ByteIdx - pos.ByteIdx
	}
	max := uint64(len(p))
	if budget < max {
		max = budget
	}
	n, err := d.f.Read(p[:max])
	if n == 0 {
		if err == nil || err == io.EOF {
			err = xerrors.Errorf("unexpected EOF in data file")
		}
		return 0, err
	}
	d.hash.Write(p[:n])
	d.count += uint64(n)
	d.remaining -= uint64(n)
	pos = run.advanceBytes(uint64(n))
	run.events <- applyEvent{applied: pos, deltaInput: uint64(n)}
	return n, nil
}

func (d *dataReader) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}

func (d *dataReader) sum() deltaup.Sha1Hash {
	var h deltaup.Sha1Hash
	d.hash.Sum(h[:0])
	return h
}

// checkWriter counts and hashes everything written through it,
// reporting output progress.
type checkWriter struct {
	w     io.Writer
	run   *applyRun
	count uint64
	hash  hash.Hash
}

func newCheckWriter(w io.Writer, run *applyRun) *checkWriter {
	return &checkWriter{w: w, run: run, hash: sha1.New()}
}

func (c *checkWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.hash.Write(p[:n])
	c.count += uint64(n)
	if c.run != nil && n > 0 {
		c.run.events <- applyEvent{applied: c.run.position(), deltaOutput: uint64(n)}
	}
	return n, err
}

func (c *checkWriter) sum() deltaup.Sha1Hash {
	var h deltaup.Sha1Hash
	c.hash.Sum(h[:0])
	return h
}

func mismatch(what string, found, expected interface{}) error {
	return xerrors.Errorf("%s mismatch, found: %v, expected: %v", what, found, expected)
}

// decodeData streams an operation's scratch bytes through its decoder
// (and, for patches, the delta patcher seeded from local) into out,
// then verifies the input and output sizes and hashes.
func (r *applyRun) decodeData(idx int, op *metadata.Operation, local io.ReadSeeker, dst io.Writer) error {
	in, err := r.openData(idx, op)
	if err != nil {
		return err
	}
	defer in.Close()
	out := newCheckWriter(dst, r)

	dec, err := codec.Decompressor(string(op.DataCompression), in)
	if err != nil {
		return err
	}
	defer dec.Close()
	var src io.Reader = dec
	if op.Type == metadata.OpPatch {
		patcher, err := codec.PatchReader(string(op.PatchType), local, dec)
		if err != nil {
			return err
		}
		defer patcher.Close()
		src = patcher
	}

	// A short or corrupt stream surfaces as a read error here; the
	// byte-for-byte verification below catches everything else.
	if _, err := io.CopyBuffer(out, src, r.buffer); err != nil {
		return err
	}

	if in.count != op.DataSize {
		return mismatch("data size", in.count, op.DataSize)
	}
	if got := in.sum(); got != op.DataSha1 {
		return mismatch("data sha1", got, op.DataSha1)
	}
	if out.count != op.FinalSize {
		return mismatch("final size", out.count, op.FinalSize)
	}
	if got := out.sum(); got != op.FinalSha1 {
		return mismatch("final sha1", got, op.FinalSha1)
	}
	return nil
}

// removeScratch deletes an operation's consumed scratch download.
func (r *applyRun) removeScratch(idx int, op *metadata.Operation) error {
	if op.DataSize == 0 {
		return nil
	}
	return removeFile(r.fm.downloadOperationPath(r.packageName, idx))
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// setExePermission adds the executable bits when exe is set; read and
// write bits are left alone.
func setExePermission(path string, exe bool) error {
	if !exe {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode()
	if mode&0111 != 0111 {
		return os.Chmod(path, mode|0111)
	}
	return nil
}

func (r *applyRun) warnMeta(format string, args ...interface{}) error {
	if r.opts.StrictMeta {
		return xerrors.Errorf(format, args...)
	}
	log.Printf(format, args...)
	return nil
}

func (r *applyRun) warnFS(err error, format string, args ...interface{}) error {
	if r.opts.StrictFS {
		return err
	}
	log.Printf("%s: %v", xerrors.Errorf(format, args...), err)
	return nil
}
