package metadata

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/deltaup/deltaup"
	"github.com/google/go-cmp/cmp"
)

func TestPackageNames(t *testing.T) {
	complete := Package{To: "v2", Size: 42}
	if got, want := string(complete.DataName()), "complete_v2"; got != want {
		t.Errorf("DataName: got %q, want %q", got, want)
	}
	patch := Package{From: "v1", To: "v2", Size: 42}
	if got, want := string(patch.MetadataName()), "patchv1_v2.metadata"; got != want {
		t.Errorf("MetadataName: got %q, want %q", got, want)
	}
}

func TestPackageMetadataJSON(t *testing.T) {
	h := deltaup.Sha1Of([]byte("content"))
	meta := PackageMetadata{
		Package: Package{From: "v1", To: "v2", Size: 30},
		Operations: []Operation{
			{Type: OpMkDir, Path: "b"},
			{
				Type:            OpAdd,
				Path:            "b/c",
				Exe:             true,
				DataOffset:      0,
				DataSize:        20,
				DataSha1:        h,
				DataCompression: "zstd",
				FinalSize:       40,
				FinalSha1:       h,
			},
			{
				Type:            OpPatch,
				Path:            "a",
				DataOffset:      20,
				DataSize:        10,
				DataSha1:        h,
				DataCompression: "zstd",
				PatchType:       "bsdiff",
				LocalSize:       17,
				LocalSha1:       h,
				FinalSize:       19,
				FinalSha1:       h,
			},
			{Type: OpRm, Path: "old"},
			{Type: OpRmDir, Path: "olddir"},
		},
	}
	b, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	// Sizes travel as decimal strings so that consumers without 64 bit
	// JSON numbers stay exact.
	if !strings.Contains(string(b), `"size":"30"`) {
		t.Errorf("package size not string-encoded: %s", b)
	}
	var got PackageMetadata
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Errorf("metadata round trip: diff (-want +got):\n%s", diff)
	}
}

func TestOperationUnmarshalRejectsDirtyPath(t *testing.T) {
	raw := `{"type":"rm","path":"../../etc/passwd"}`
	var op Operation
	if err := json.Unmarshal([]byte(raw), &op); err == nil {
		t.Fatalf("expected error for path traversal, got %+v", op)
	}
}

func TestAsCheck(t *testing.T) {
	h := deltaup.Sha1Of([]byte("x"))
	add := Operation{
		Type: OpAdd, Path: "a", Exe: true,
		DataSize: 5, DataSha1: h, DataCompression: "raw",
		FinalSize: 9, FinalSha1: h,
	}
	check, ok := add.AsCheck()
	if !ok {
		t.Fatal("AsCheck(add): not ok")
	}
	want := Operation{Type: OpCheck, Path: "a", Exe: true, LocalSize: 9, LocalSha1: h}
	if diff := cmp.Diff(want, check); diff != "" {
		t.Errorf("AsCheck(add): diff (-want +got):\n%s", diff)
	}

	rm := Operation{Type: OpRm, Path: "a"}
	if _, ok := rm.AsCheck(); ok {
		t.Error("AsCheck(rm): expected not ok")
	}
	mkdir := Operation{Type: OpMkDir, Path: "d"}
	if got, ok := mkdir.AsCheck(); !ok || got.Type != OpMkDir {
		t.Errorf("AsCheck(mkdir): got %+v, ok=%v", got, ok)
	}
}

func TestStateJSON(t *testing.T) {
	states := []State{
		New(),
		Stable("v1"),
		Corrupted("v2", []Failure{{Path: "a"}, {Path: "p", Slice: "s"}}),
		Updating(&UpdateState{
			From:      "v1",
			To:        "v2",
			Available: UpdatePosition{OperationIdx: 3, ByteIdx: 77},
			Applied:   UpdatePosition{OperationIdx: 2, ByteIdx: 11},
			Failures:  []Failure{{Path: "a"}},
		}),
	}
	for _, state := range states {
		b, err := json.Marshal(state)
		if err != nil {
			t.Fatal(err)
		}
		var got State
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if diff := cmp.Diff(state, got); diff != "" {
			t.Errorf("state round trip: diff (-want +got):\n%s", diff)
		}
	}
}

func TestSortFailures(t *testing.T) {
	failures := []Failure{
		{Path: "b"},
		{Path: "a", Slice: "s2"},
		{Path: "a", Slice: "s1"},
		{Path: "b"},
		{Path: "a", Slice: "s1"},
	}
	got := SortFailures(failures)
	want := []Failure{
		{Path: "a", Slice: "s1"},
		{Path: "a", Slice: "s2"},
		{Path: "b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SortFailures: diff (-want +got):\n%s", diff)
	}
}

func TestUpdatePositionLess(t *testing.T) {
	a := UpdatePosition{OperationIdx: 1, ByteIdx: 100}
	b := UpdatePosition{OperationIdx: 2, ByteIdx: 0}
	if !a.Less(b) || b.Less(a) {
		t.Errorf("position ordering broken: %+v vs %+v", a, b)
	}
	c := UpdatePosition{OperationIdx: 1, ByteIdx: 101}
	if !a.Less(c) || a.Less(a) {
		t.Errorf("byte ordering broken: %+v vs %+v", a, c)
	}
}
