// Package deltaup provides the primitive types shared between the
// repository and workspace layers: validated names and paths, and the
// SHA-1 content hash used for all integrity checks.
package deltaup

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// A CleanName is a non-empty string matching [A-Za-z0-9_.-]+. Revisions,
// package names and codec names are CleanNames so that they can be used
// directly as file names and URL path segments.
type CleanName string

func validNameByte(b byte) bool {
	return b >= 'a' && b <= 'z' ||
		b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' ||
		b == '_' || b == '-' || b == '.'
}

// NewCleanName validates s as a CleanName.
func NewCleanName(s string) (CleanName, error) {
	if s == "" {
		return "", fmt.Errorf("clean name must not be empty")
	}
	for i := 0; i < len(s); i++ {
		if !validNameByte(s[i]) {
			return "", fmt.Errorf("invalid clean name %q (want [A-Za-z0-9_.-]+)", s)
		}
	}
	return CleanName(s), nil
}

// MustCleanName is like NewCleanName but panics on invalid input. Use
// only for literals.
func MustCleanName(s string) CleanName {
	n, err := NewCleanName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n CleanName) String() string { return string(n) }

// UnmarshalText validates the name, so any JSON decode of a CleanName
// field goes through NewCleanName.
func (n *CleanName) UnmarshalText(b []byte) error {
	v, err := NewCleanName(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// A CleanPath is a non-empty relative path with '/' separators and no
// "." or ".." component. Backslashes are normalized to slashes on
// ingest so that packages built on Windows apply everywhere.
type CleanPath string

// NewCleanPath validates (and normalizes) s as a CleanPath.
func NewCleanPath(s string) (CleanPath, error) {
	if strings.ContainsRune(s, '\\') {
		s = strings.ReplaceAll(s, "\\", "/")
	}
	if s == "" {
		return "", fmt.Errorf("clean path must not be empty")
	}
	if strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("invalid clean path %q (must be relative)", s)
	}
	for _, component := range strings.Split(s, "/") {
		if component == "." || component == ".." {
			return "", fmt.Errorf("invalid clean path %q (must not contain %q)", s, component)
		}
	}
	return CleanPath(s), nil
}

// MustCleanPath is like NewCleanPath but panics on invalid input. Use
// only for literals.
func MustCleanPath(s string) CleanPath {
	p, err := NewCleanPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p CleanPath) String() string { return string(p) }

func (p *CleanPath) UnmarshalText(b []byte) error {
	v, err := NewCleanPath(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Sha1Hash is a 20 byte SHA-1 digest, hex-encoded in JSON.
type Sha1Hash [sha1.Size]byte

// Sha1Of digests buf in one go.
func Sha1Of(buf []byte) Sha1Hash {
	return Sha1Hash(sha1.Sum(buf))
}

// ParseSha1 decodes a 40 character hex string.
func ParseSha1(s string) (Sha1Hash, error) {
	var h Sha1Hash
	if len(s) != 2*sha1.Size {
		return h, fmt.Errorf("invalid sha1 %q: want %d hex chars", s, 2*sha1.Size)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid sha1 %q: %v", s, err)
	}
	copy(h[:], b)
	return h, nil
}

func (h Sha1Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Sha1Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Sha1Hash) UnmarshalText(b []byte) error {
	v, err := ParseSha1(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
