package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/kr/binarydist"
	"golang.org/x/xerrors"
)

func readPrevious(previous io.ReadSeeker) ([]byte, error) {
	if _, err := previous.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(previous)
}

// PatchEncoder returns a writer that consumes the new content of a
// slice and writes a delta against previous into w. Close finalizes
// the delta but leaves w open.
func PatchEncoder(opts *Options, previous io.ReadSeeker, w io.Writer) (io.WriteCloser, error) {
	switch opts.Name {
	case Raw:
		// No delta: the "patch" is the plain new content.
		return nopWriteCloser{w}, nil

	case Zstd:
		level, err := opts.u32Range(3, 1, 21, "", "level")
		if err != nil {
			return nil, err
		}
		dict, err := readPrevious(previous)
		if err != nil {
			return nil, err
		}
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))),
			zstd.WithEncoderDictRaw(0, dict))

	case Bsdiff:
		old, err := readPrevious(previous)
		if err != nil {
			return nil, err
		}
		return &bsdiffEncoder{old: old, w: w}, nil
	}
	return nil, xerrors.Errorf("patcher %s isn't supported", opts.Name)
}

// bsdiffEncoder buffers the new content; the bsdiff format needs both
// sides in full before any delta byte can be produced.
type bsdiffEncoder struct {
	old []byte
	new bytes.Buffer
	w   io.Writer
}

func (e *bsdiffEncoder) Write(p []byte) (int, error) { return e.new.Write(p) }

func (e *bsdiffEncoder) Close() error {
	return binarydist.Diff(bytes.NewReader(e.old), bytes.NewReader(e.new.Bytes()), e.w)
}

// PatchReader returns a reader producing final content by applying the
// delta stream patch onto previous.
func PatchReader(patchType string, previous io.ReadSeeker, patch io.Reader) (io.ReadCloser, error) {
	switch patchType {
	case Raw:
		// The delta stream is the final content.
		return nopReadCloser{patch}, nil

	case Zstd:
		dict, err := readPrevious(previous)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(patch, zstd.WithDecoderDictRaw(0, dict))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil

	case Bsdiff:
		old, err := readPrevious(previous)
		if err != nil {
			return nil, err
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(binarydist.Patch(bytes.NewReader(old), pw, patch))
		}()
		return pr, nil
	}
	return nil, xerrors.Errorf("patcher %s isn't supported", patchType)
}
