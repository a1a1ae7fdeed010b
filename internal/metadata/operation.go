package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/deltaup/deltaup"
)

// OperationType discriminates the operation union on the wire.
type OperationType string

const (
	OpAdd   OperationType = "add"
	OpPatch OperationType = "patch"
	OpCheck OperationType = "check"
	OpRm    OperationType = "rm"
	OpMkDir OperationType = "mkdir"
	OpRmDir OperationType = "rmdir"
)

// SlicedHandlerName is the only slice handler this implementation
// knows about.
const SlicedHandlerName deltaup.CleanName = "sliced"

// Operation is one file- or directory-level instruction within a
// package. It is a tagged union; which fields are meaningful depends
// on Type:
//
//	add:   Path, Slice?, SliceHandler?, Exe, Data*, Final*
//	patch: add fields plus PatchType, Local*
//	check: Path, Slice?, SliceHandler?, Exe, Local*
//	rm:    Path, Slice?
//	mkdir: Path
//	rmdir: Path
type Operation struct {
	Type OperationType

	Path         deltaup.CleanPath
	Slice        deltaup.CleanPath // optional: a sub-file region name
	SliceHandler deltaup.CleanName // optional: handler for this path's slices
	Exe          bool

	DataOffset      uint64
	DataSize        uint64
	DataSha1        deltaup.Sha1Hash
	DataCompression deltaup.CleanName

	PatchType deltaup.CleanName

	LocalOffset uint64
	LocalSize   uint64
	LocalSha1   deltaup.Sha1Hash

	FinalOffset uint64
	FinalSize   uint64
	FinalSha1   deltaup.Sha1Hash
}

// HasData reports whether the operation carries bytes in the package
// data blob.
func (o *Operation) HasData() bool {
	return o.Type == OpAdd || o.Type == OpPatch
}

// Range returns the [start, end) byte range of this operation within
// the package data blob, or ok=false for operations that carry no
// data.
func (o *Operation) Range() (start, end uint64, ok bool) {
	if !o.HasData() {
		return 0, 0, false
	}
	return o.DataOffset, o.DataOffset + o.DataSize, true
}

// CheckSize is the number of local bytes a check operation verifies.
func (o *Operation) CheckSize() uint64 {
	if o.Type == OpCheck {
		return o.LocalSize
	}
	return 0
}

// AsCheck converts the operation into the check operation that
// verifies its outcome. Add and Patch turn into a Check of their final
// content, Check and MkDir pass through, Rm and RmDir verify nothing.
func (o *Operation) AsCheck() (Operation, bool) {
	switch o.Type {
	case OpAdd, OpPatch:
		return Operation{
			Type:         OpCheck,
			Path:         o.Path,
			Slice:        o.Slice,
			SliceHandler: o.SliceHandler,
			Exe:          o.Exe,
			LocalOffset:  o.FinalOffset,
			LocalSize:    o.FinalSize,
			LocalSha1:    o.FinalSha1,
		}, true
	case OpCheck, OpMkDir:
		return *o, true
	default:
		return Operation{}, false
	}
}

type operationWire struct {
	Type OperationType `json:"type"`

	Path         deltaup.CleanPath `json:"path"`
	Slice        string            `json:"slice,omitempty"`
	SliceHandler string            `json:"sliceHandler,omitempty"`
	Exe          bool              `json:"exe,omitempty"`

	DataOffset      uint64 `json:"dataOffset,string,omitempty"`
	DataSize        uint64 `json:"dataSize,string,omitempty"`
	DataSha1        string `json:"dataSha1,omitempty"`
	DataCompression string `json:"dataCompression,omitempty"`

	PatchType string `json:"patchType,omitempty"`

	LocalOffset uint64 `json:"localOffset,string,omitempty"`
	LocalSize   uint64 `json:"localSize,string,omitempty"`
	LocalSha1   string `json:"localSha1,omitempty"`

	FinalOffset uint64 `json:"finalOffset,string,omitempty"`
	FinalSize   uint64 `json:"finalSize,string,omitempty"`
	FinalSha1   string `json:"finalSha1,omitempty"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	w := operationWire{
		Type: o.Type,
		Path: o.Path,
	}
	switch o.Type {
	case OpAdd, OpPatch, OpCheck, OpRm:
		w.Slice = string(o.Slice)
	}
	switch o.Type {
	case OpAdd, OpPatch, OpCheck:
		w.SliceHandler = string(o.SliceHandler)
		w.Exe = o.Exe
	}
	switch o.Type {
	case OpAdd, OpPatch:
		w.DataOffset = o.DataOffset
		w.DataSize = o.DataSize
		w.DataSha1 = o.DataSha1.String()
		w.DataCompression = string(o.DataCompression)
		w.FinalOffset = o.FinalOffset
		w.FinalSize = o.FinalSize
		w.FinalSha1 = o.FinalSha1.String()
	}
	switch o.Type {
	case OpPatch:
		w.PatchType = string(o.PatchType)
		fallthrough
	case OpCheck:
		w.LocalOffset = o.LocalOffset
		w.LocalSize = o.LocalSize
		w.LocalSha1 = o.LocalSha1.String()
	}
	return json.Marshal(w)
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var w operationWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case OpAdd, OpPatch, OpCheck, OpRm, OpMkDir, OpRmDir:
	default:
		return fmt.Errorf("unknown operation type %q", w.Type)
	}
	op := Operation{
		Type: w.Type,
		Path: w.Path,
		Exe:  w.Exe,
	}
	if w.Slice != "" {
		slice, err := deltaup.NewCleanPath(w.Slice)
		if err != nil {
			return err
		}
		op.Slice = slice
	}
	if w.SliceHandler != "" {
		handler, err := deltaup.NewCleanName(w.SliceHandler)
		if err != nil {
			return err
		}
		op.SliceHandler = handler
	}
	switch w.Type {
	case OpAdd, OpPatch:
		compression, err := deltaup.NewCleanName(w.DataCompression)
		if err != nil {
			return fmt.Errorf("operation %s: %v", w.Path, err)
		}
		op.DataOffset = w.DataOffset
		op.DataSize = w.DataSize
		op.DataCompression = compression
		if op.DataSha1, err = deltaup.ParseSha1(w.DataSha1); err != nil {
			return fmt.Errorf("operation %s: data sha1: %v", w.Path, err)
		}
		op.FinalOffset = w.FinalOffset
		op.FinalSize = w.FinalSize
		if op.FinalSha1, err = deltaup.ParseSha1(w.FinalSha1); err != nil {
			return fmt.Errorf("operation %s: final sha1: %v", w.Path, err)
		}
	}
	switch w.Type {
	case OpPatch:
		patchType, err := deltaup.NewCleanName(w.PatchType)
		if err != nil {
			return fmt.Errorf("operation %s: %v", w.Path, err)
		}
		op.PatchType = patchType
		fallthrough
	case OpCheck:
		var err error
		op.LocalOffset = w.LocalOffset
		op.LocalSize = w.LocalSize
		if op.LocalSha1, err = deltaup.ParseSha1(w.LocalSha1); err != nil {
			return fmt.Errorf("operation %s: local sha1: %v", w.Path, err)
		}
	}
	*o = op
	return nil
}
