package pack

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/codec"
	"github.com/deltaup/deltaup/internal/metadata"
	"golang.org/x/xerrors"
)

// slice is one contiguous region of a source or previous file, the
// unit of compression and patching. Unsliced files are a single slice
// covering the whole file.
type slice struct {
	path         deltaup.CleanPath
	sliceName    deltaup.CleanPath // empty for whole-file slices
	sliceHandler deltaup.CleanName
	exe          bool
	filePath     string
	offset, size uint64
}

func (s *slice) open() (io.ReadSeeker, func() error, error) {
	f, err := os.Open(s.filePath)
	if err != nil {
		return nil, nil, err
	}
	return io.NewSectionReader(f, int64(s.offset), int64(s.size)), f.Close, nil
}

// slices splits a file for packaging. With SliceSize configured and a
// file big enough, the file becomes a run of fixed-size slices handled
// by the sliced handler; slice names are positional so that unchanged
// regions line up between revisions.
func (b *Builder) slices(path deltaup.CleanPath, filePath string, exe bool) ([]slice, error) {
	fi, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	size := uint64(fi.Size())
	if b.SliceSize == 0 || size <= b.SliceSize {
		return []slice{{path: path, exe: exe, filePath: filePath, size: size}}, nil
	}
	var out []slice
	for i, offset := 0, uint64(0); offset < size; i, offset = i+1, offset+b.SliceSize {
		sliceSize := b.SliceSize
		if size-offset < sliceSize {
			sliceSize = size - offset
		}
		out = append(out, slice{
			path:         path,
			sliceName:    deltaup.MustCleanPath(fmt.Sprintf("%08d", i)),
			sliceHandler: metadata.SlicedHandlerName,
			exe:          exe,
			filePath:     filePath,
			offset:       offset,
			size:         sliceSize,
		})
	}
	return out, nil
}

// sliced reports whether the file got split into handler slices.
func sliced(slices []slice) bool {
	return len(slices) > 0 && slices[0].sliceHandler != ""
}

func (s *slice) operationCommon(op *metadata.Operation) {
	op.Path = s.path
	op.Slice = s.sliceName
	op.SliceHandler = s.sliceHandler
	op.Exe = s.exe
}

// hashFile digests a whole file.
func hashFile(path string) (deltaup.Sha1Hash, uint64, error) {
	var sum deltaup.Sha1Hash
	f, err := os.Open(path)
	if err != nil {
		return sum, 0, err
	}
	defer f.Close()
	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return sum, 0, err
	}
	h.Sum(sum[:0])
	return sum, uint64(n), nil
}

// headTask emits the whole-file operation that leads a sliced run: it
// carries no data, only the whole-file expectation the applier checks
// at finalize.
func (b *Builder) headTask(path deltaup.CleanPath, exe bool, srcPath, prePath string) task {
	return task{
		name: fmt.Sprintf("slices %s", path),
		run: func() (builtOperation, error) {
			srcSha1, srcSize, err := hashFile(srcPath)
			if err != nil {
				return builtOperation{}, err
			}
			op := metadata.Operation{
				Type:            metadata.OpAdd,
				Path:            path,
				SliceHandler:    metadata.SlicedHandlerName,
				Exe:             exe,
				DataCompression: codec.Raw,
				DataSha1:        deltaup.Sha1Of(nil),
				FinalSize:       srcSize,
				FinalSha1:       srcSha1,
			}
			if prePath != "" {
				preSha1, preSize, err := hashFile(prePath)
				if err != nil {
					return builtOperation{}, err
				}
				if preSha1 == srcSha1 && preSize == srcSize {
					op = metadata.Operation{
						Type:         metadata.OpCheck,
						Path:         path,
						SliceHandler: metadata.SlicedHandlerName,
						Exe:          exe,
						LocalSize:    srcSize,
						LocalSha1:    srcSha1,
					}
				} else {
					op.Type = metadata.OpPatch
					op.PatchType = codec.Raw
					op.LocalSize = preSize
					op.LocalSha1 = preSha1
				}
			}
			return builtOperation{op: op}, nil
		},
	}
}

// encoded is one candidate coder output.
type encoded struct {
	opts      *codec.Options
	path      string
	dataSize  uint64
	dataSha1  deltaup.Sha1Hash
	finalSize uint64
	finalSha1 deltaup.Sha1Hash
}

type countingWriter struct {
	w     io.Writer
	count uint64
	hash  io.Writer
	sum   func() deltaup.Sha1Hash
}

func newCountingWriter(w io.Writer) *countingWriter {
	h := sha1.New()
	return &countingWriter{
		w:    w,
		hash: h,
		sum: func() deltaup.Sha1Hash {
			var s deltaup.Sha1Hash
			h.Sum(s[:0])
			return s
		},
	}
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.hash.Write(p[:n])
	c.count += uint64(n)
	return n, err
}

// bestEncoder runs every eligible coder over the source slice and
// keeps the smallest output that passes the coder's filters. mk builds
// the concrete coder over the candidate output file.
func bestEncoder(encoders []*codec.Options, mk func(*codec.Options, io.Writer) (io.WriteCloser, error), src *slice, tmpPath string) (*encoded, error) {
	var best *encoded
	for _, opts := range encoders {
		minSize, err := opts.MinSize()
		if err != nil {
			return nil, err
		}
		maxSize, err := opts.MaxSize()
		if err != nil {
			return nil, err
		}
		if src.size < minSize || src.size > maxSize {
			continue
		}

		encPath := fmt.Sprintf("%s.%s", tmpPath, opts.Name)
		srcReader, closeSrc, err := src.open()
		if err != nil {
			return nil, err
		}
		candidate, err := encodeOne(opts, mk, srcReader, encPath)
		closeSrc()
		if err != nil {
			return nil, err
		}
		if candidate.finalSize != src.size {
			return nil, xerrors.Errorf("%s: read %d bytes of %s, expected %d", opts.Name, candidate.finalSize, src.path, src.size)
		}

		minRatio, err := opts.MinRatio()
		if err != nil {
			return nil, err
		}
		var ratio uint64
		if candidate.finalSize > 0 {
			ratio = candidate.dataSize * 100 / candidate.finalSize
		}
		if ratio > minRatio {
			if err := os.Remove(candidate.path); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case best == nil:
			best = candidate
		case candidate.dataSize >= best.dataSize:
			if err := os.Remove(candidate.path); err != nil {
				return nil, err
			}
		default:
			if err := os.Remove(best.path); err != nil {
				return nil, err
			}
			best = candidate
		}
	}
	if best == nil {
		return nil, xerrors.Errorf("no eligible coder for %s", src.path)
	}
	return best, nil
}

func encodeOne(opts *codec.Options, mk func(*codec.Options, io.Writer) (io.WriteCloser, error), src io.Reader, encPath string) (*encoded, error) {
	f, err := os.OpenFile(encPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := newCountingWriter(f)
	enc, err := mk(opts, out)
	if err != nil {
		return nil, err
	}
	in := newCountingWriter(enc)
	if _, err := io.Copy(in, src); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &encoded{
		opts:      opts,
		path:      encPath,
		dataSize:  out.count,
		dataSha1:  out.sum(),
		finalSize: in.count,
		finalSha1: in.sum(),
	}, nil
}

// addSlice compresses a new slice with the best compressor.
func (b *Builder) addSlice(src slice, tmpPath string) (builtOperation, error) {
	best, err := bestEncoder(b.compressors(), codec.Compressor, &src, tmpPath)
	if err != nil {
		return builtOperation{}, err
	}
	op := metadata.Operation{
		Type:            metadata.OpAdd,
		DataSize:        best.dataSize,
		DataSha1:        best.dataSha1,
		DataCompression: deltaup.CleanName(best.opts.Name),
		FinalOffset:     src.offset,
		FinalSize:       best.finalSize,
		FinalSha1:       best.finalSha1,
	}
	src.operationCommon(&op)
	return builtOperation{op: op, dataPath: best.path}, nil
}

// patchSlice emits a Check for identical slices, otherwise delta-
// encodes the slice with the best patcher and compresses the delta.
// When the raw patcher wins (the delta gained nothing over the plain
// content), the operation degrades to an Add.
func (b *Builder) patchSlice(src, pre slice, tmpPath string) (builtOperation, error) {
	equal, preSha1, err := compareSlices(&src, &pre)
	if err != nil {
		return builtOperation{}, err
	}
	if equal {
		op := metadata.Operation{
			Type:        metadata.OpCheck,
			LocalOffset: pre.offset,
			LocalSize:   pre.size,
			LocalSha1:   preSha1,
		}
		src.operationCommon(&op)
		return builtOperation{op: op}, nil
	}

	bestPatch, err := bestEncoder(b.patchers(), func(opts *codec.Options, w io.Writer) (io.WriteCloser, error) {
		preReader, closePre, err := pre.open()
		if err != nil {
			return nil, err
		}
		enc, err := codec.PatchEncoder(opts, preReader, w)
		closePre()
		if err != nil {
			return nil, err
		}
		return enc, nil
	}, &src, tmpPath)
	if err != nil {
		return builtOperation{}, err
	}

	patchSlice := slice{
		path:     src.path,
		filePath: bestPatch.path,
		size:     bestPatch.dataSize,
	}
	bestData, err := bestEncoder(b.compressors(), codec.Compressor, &patchSlice, tmpPath+".data")
	if err != nil {
		return builtOperation{}, err
	}
	if err := os.Remove(bestPatch.path); err != nil {
		return builtOperation{}, err
	}

	op := metadata.Operation{
		DataSize:        bestData.dataSize,
		DataSha1:        bestData.dataSha1,
		DataCompression: deltaup.CleanName(bestData.opts.Name),
		FinalOffset:     src.offset,
		FinalSize:       bestPatch.finalSize,
		FinalSha1:       bestPatch.finalSha1,
	}
	src.operationCommon(&op)
	if bestPatch.opts.Name == codec.Raw {
		op.Type = metadata.OpAdd
	} else {
		op.Type = metadata.OpPatch
		op.PatchType = deltaup.CleanName(bestPatch.opts.Name)
		op.LocalOffset = pre.offset
		op.LocalSize = pre.size
		op.LocalSha1 = preSha1
	}
	return builtOperation{op: op, dataPath: bestData.path}, nil
}

func (b *Builder) compressors() []*codec.Options {
	if len(b.Options.Compressors) > 0 {
		return b.Options.Compressors
	}
	return DefaultOptions().Compressors
}

func (b *Builder) patchers() []*codec.Options {
	if len(b.Options.Patchers) > 0 {
		return b.Options.Patchers
	}
	return DefaultOptions().Patchers
}

// compareSlices reports whether both slices hold the same bytes and
// returns the previous slice's hash.
func compareSlices(src, pre *slice) (bool, deltaup.Sha1Hash, error) {
	var preSha1 deltaup.Sha1Hash
	preReader, closePre, err := pre.open()
	if err != nil {
		return false, preSha1, err
	}
	defer closePre()
	h := sha1.New()

	equal := src.size == pre.size
	preBuf := make([]byte, bufferSize)
	if equal {
		srcReader, closeSrc, err := src.open()
		if err != nil {
			return false, preSha1, err
		}
		srcBuf := make([]byte, bufferSize)
		for {
			n, err := io.ReadFull(preReader, preBuf)
			if n > 0 {
				h.Write(preBuf[:n])
				if equal {
					if _, serr := io.ReadFull(srcReader, srcBuf[:n]); serr != nil {
						equal = false
					} else if !bytes.Equal(srcBuf[:n], preBuf[:n]) {
						equal = false
					}
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				closeSrc()
				return false, preSha1, err
			}
		}
		closeSrc()
	} else {
		for {
			n, err := preReader.Read(preBuf)
			if n > 0 {
				h.Write(preBuf[:n])
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return false, preSha1, err
			}
		}
	}
	h.Sum(preSha1[:0])
	return equal, preSha1, nil
}
