package metadata

import (
	"testing"

	"github.com/deltaup/deltaup"
	"github.com/google/go-cmp/cmp"
)

func names(chain []*Package) []string {
	var out []string
	for _, p := range chain {
		out = append(out, string(p.DataName()))
	}
	return out
}

func TestShortestPath(t *testing.T) {
	for _, tt := range []struct {
		desc     string
		start    string
		goal     string
		packages []Package
		want     []string // package data names, nil = no path
	}{
		{
			desc:  "fresh install",
			goal:  "v1",
			packages: []Package{
				{To: "v1", Size: 100},
			},
			want: []string{"complete_v1"},
		},
		{
			desc:  "patch chain",
			start: "v1",
			goal:  "v3",
			packages: []Package{
				{From: "v1", To: "v2", Size: 10},
				{From: "v2", To: "v3", Size: 10},
				{To: "v3", Size: 1000},
			},
			want: []string{"patchv1_v2", "patchv2_v3"},
		},
		{
			desc:  "complete beats big patch",
			start: "v1",
			goal:  "v2",
			packages: []Package{
				{From: "v1", To: "v2", Size: 100 << 20},
				{To: "v2", Size: 10 << 20},
			},
			want: []string{"complete_v2"},
		},
		{
			desc:  "no path from new workspace",
			goal:  "v2",
			packages: []Package{
				{From: "v1", To: "v2", Size: 10},
			},
			want: nil,
		},
		{
			desc:  "no package at all",
			start: "v1",
			goal:  "v2",
			want:  nil,
		},
		{
			desc:  "downgrade via complete",
			start: "v2",
			goal:  "v1",
			packages: []Package{
				{From: "v1", To: "v2", Size: 10},
				{To: "v1", Size: 50},
			},
			want: []string{"complete_v1"},
		},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			chain := ShortestPath(deltaup.CleanName(tt.start), deltaup.CleanName(tt.goal), tt.packages)
			if diff := cmp.Diff(tt.want, names(chain)); diff != "" {
				t.Errorf("unexpected chain: diff (-want +got):\n%s", diff)
			}
		})
	}
}
