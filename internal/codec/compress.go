package codec

import (
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/xerrors"
)

// Compression codec names as they appear in operation metadata.
const (
	Raw    = "raw"
	Zstd   = "zstd"
	Brotli = "brotli"
	Lzma   = "lzma"
	Gzip   = "gzip"
	Bsdiff = "bsdiff"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

// Compressor returns a writer that compresses into w according to
// opts. Close flushes and finalizes the compressed stream but leaves w
// open.
func Compressor(opts *Options, w io.Writer) (io.WriteCloser, error) {
	switch opts.Name {
	case Raw:
		return nopWriteCloser{w}, nil

	case Zstd:
		level, err := opts.u32Range(3, 1, 21, "", "level")
		if err != nil {
			return nil, err
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))

	case Brotli:
		quality, err := opts.u32Range(6, 0, 11, "", "quality")
		if err != nil {
			return nil, err
		}
		lgwin, err := opts.u32Range(20, 10, 30, "lgwin", "lg_window_size")
		if err != nil {
			return nil, err
		}
		return brotli.NewWriterOptions(w, brotli.WriterOptions{
			Quality: int(quality),
			LGWin:   int(lgwin),
		}), nil

	case Lzma:
		preset, err := opts.u32Range(6, 0, 9, "", "preset")
		if err != nil {
			return nil, err
		}
		extreme, err := opts.boolean(true, "extreme")
		if err != nil {
			return nil, err
		}
		cfg := lzma.Writer2Config{DictCap: lzmaDictCap(preset, extreme)}
		return cfg.NewWriter2(w)

	case Gzip:
		level, err := opts.u32Range(6, 1, 9, "", "level")
		if err != nil {
			return nil, err
		}
		return pgzip.NewWriterLevel(w, int(level))
	}
	return nil, xerrors.Errorf("compressor %s isn't supported", opts.Name)
}

// lzmaDictCap maps the conventional 0..9 preset scale onto a
// dictionary capacity (64 KiB for preset 0 up to 32 MiB for preset 9;
// extreme doubles it for presets below 9).
func lzmaDictCap(preset uint32, extreme bool) int {
	cap := 1 << (16 + preset)
	if extreme && preset < 9 {
		cap <<= 1
	}
	return cap
}

// Decompressor returns a reader that decodes the name-compressed
// stream r. Close releases decoder resources but leaves r open.
func Decompressor(name string, r io.Reader) (io.ReadCloser, error) {
	switch name {
	case Raw:
		return nopReadCloser{r}, nil

	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil

	case Brotli:
		return nopReadCloser{brotli.NewReader(r)}, nil

	case Lzma:
		// DictCap must cover the largest capacity lzmaDictCap hands to
		// the writer side.
		cfg := lzma.Reader2Config{DictCap: 1 << 25}
		dec, err := cfg.NewReader2(r)
		if err != nil {
			return nil, err
		}
		return nopReadCloser{dec}, nil

	case Gzip:
		dec, err := pgzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec, nil
	}
	return nil, xerrors.Errorf("decompressor %s isn't supported", name)
}
