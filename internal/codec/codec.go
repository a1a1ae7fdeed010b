// Package codec provides the streaming compressors, decompressors and
// delta patchers packages are built from and applied with.
//
// Codecs are addressed by CleanName on the wire (an operation's
// dataCompression / patchType field). Build-side codecs additionally
// carry options parsed from strings like "brotli:quality=9;lgwin=24"
// or "zstd:level=19;minratio=95".
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Options is one configured coder: a codec name plus its parameters.
type Options struct {
	Name   string
	params map[string]string
}

// NewOptions returns options for name with no parameters.
func NewOptions(name string) *Options {
	return &Options{Name: name, params: map[string]string{}}
}

// ParseOptions parses "name" or "name:key=value;key=value". A bare
// value without '=' is stored under the empty key, so "zstd:19" is
// shorthand for "zstd:level=19".
func ParseOptions(s string) (*Options, error) {
	name, rest, _ := strings.Cut(s, ":")
	if name == "" {
		return nil, xerrors.Errorf("bad coder %q: missing name", s)
	}
	opts := NewOptions(name)
	for _, kv := range strings.Split(rest, ";") {
		if kv == "" {
			continue
		}
		key, value, found := strings.Cut(kv, "=")
		if !found {
			// bare value
			opts.params[""] = key
			continue
		}
		opts.params[key] = value
	}
	return opts, nil
}

func (o *Options) String() string {
	if len(o.params) == 0 {
		return o.Name
	}
	var kv []string
	for k, v := range o.params {
		if k == "" {
			kv = append(kv, v)
		} else {
			kv = append(kv, k+"="+v)
		}
	}
	return o.Name + ":" + strings.Join(kv, ";")
}

// get returns the first present parameter among names.
func (o *Options) get(names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := o.params[name]; ok {
			return v, true
		}
	}
	return "", false
}

func (o *Options) u32Range(def, min, max uint32, names ...string) (uint32, error) {
	v, ok := o.get(names...)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, xerrors.Errorf("coder %s: bad value %q for %s: %v", o.Name, v, names[0], err)
	}
	if uint32(n) < min || uint32(n) > max {
		return 0, xerrors.Errorf("coder %s: %s=%d out of range [%d, %d]", o.Name, names[0], n, min, max)
	}
	return uint32(n), nil
}

func (o *Options) boolean(def bool, names ...string) (bool, error) {
	v, ok := o.get(names...)
	if !ok {
		return def, nil
	}
	switch v {
	case "0", "false":
		return false, nil
	case "1", "true":
		return true, nil
	}
	return false, xerrors.Errorf("coder %s: bad value %q for %s", o.Name, v, names[0])
}

func (o *Options) size(def uint64, names ...string) (uint64, error) {
	v, ok := o.get(names...)
	if !ok {
		return def, nil
	}
	n, err := ParseSize(v)
	if err != nil {
		return 0, xerrors.Errorf("coder %s: bad size %q for %s: %v", o.Name, v, names[0], err)
	}
	return n, nil
}

// MinRatio is the percentage (0..=100) the encoded size must stay
// under relative to the input for this coder to be kept. The ratio is
// encoded*100/input rounded down, so the default of 100 keeps any
// output less than 1% larger than the input.
func (o *Options) MinRatio() (uint64, error) {
	v, err := o.u32Range(100, 0, 100, "minratio")
	return uint64(v), err
}

// MinSize is the smallest input this coder applies to.
func (o *Options) MinSize() (uint64, error) { return o.size(0, "minsize") }

// MaxSize is the largest input this coder applies to.
func (o *Options) MaxSize() (uint64, error) { return o.size(^uint64(0), "maxsize") }

// ParseSize parses a byte count with an optional binary suffix:
// "1024", "500k", "2m", "1g".
func ParseSize(s string) (uint64, error) {
	shift := 0
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		shift, s = 10, s[:len(s)-1]
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		shift, s = 20, s[:len(s)-1]
	case strings.HasSuffix(s, "g"), strings.HasSuffix(s, "G"):
		shift, s = 30, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %s overflows", s)
	}
	return n << shift, nil
}
