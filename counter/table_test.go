// Copyright © 2020 PrivCount Authors
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file in the root of this source tree.

package counter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinIndexHalfOpenBoundaries(t *testing.T) {
	s := &Spec{
		Name: "c",
		Bins: []Bin{
			{Lo: 0, Hi: 10},
			{Lo: 10, Hi: 20},
			{Lo: 20, Hi: math.Inf(1)},
		},
	}
	require.NoError(t, s.Validate())

	idx, ok := s.BinIndex(0)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = s.BinIndex(9.999)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = s.BinIndex(10)
	require.True(t, ok)
	require.Equal(t, 1, idx, "10 belongs to the [10,20) bin, not [0,10)")

	idx, ok = s.BinIndex(1_000_000)
	require.True(t, ok)
	require.Equal(t, 2, idx, "the +Inf bin is closed on its upper end")

	_, ok = s.BinIndex(-1)
	require.False(t, ok, "values below every bin's Lo overflow")
}

func TestValidateRejectsNonMonotonicAndGappedBins(t *testing.T) {
	bad := &Spec{Name: "c", Bins: []Bin{{Lo: 5, Hi: 5}}}
	require.Error(t, bad.Validate())

	gapped := &Spec{Name: "c", Bins: []Bin{{Lo: 0, Hi: 5}, {Lo: 6, Hi: 10}}}
	require.Error(t, gapped.Validate())

	negative := &Spec{Name: "c", Bins: []Bin{{Lo: 0, Hi: 1}}, Sensitivity: -1}
	require.Error(t, negative.Validate())
}

func TestNewTableRejectsDuplicateNames(t *testing.T) {
	specs := []Spec{
		{Name: "dup", Bins: []Bin{{Lo: 0, Hi: 1}}},
		{Name: "dup", Bins: []Bin{{Lo: 0, Hi: 1}}},
	}
	_, err := NewTable(specs)
	require.Error(t, err)
}

func TestTableSubscribers(t *testing.T) {
	specs := []Spec{
		{Name: "a", Bins: []Bin{{Lo: 0, Hi: 1}}, EventTypes: []string{"circuit_end"}},
		{Name: "b", Bins: []Bin{{Lo: 0, Hi: 1}}, EventTypes: []string{"stream_end"}},
		{Name: "c", Bins: []Bin{{Lo: 0, Hi: 1}}, EventTypes: []string{"circuit_end", "stream_end"}},
	}
	tbl, err := NewTable(specs)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"a", "c"}, namesOf(tbl.Subscribers("circuit_end")))
	require.ElementsMatch(t, []string{"b", "c"}, namesOf(tbl.Subscribers("stream_end")))
	require.Empty(t, tbl.Subscribers("unknown_kind"))

	require.Equal(t, []string{"a", "b", "c"}, tbl.Names())
	require.Nil(t, tbl.Get("missing"))
	require.NotNil(t, tbl.Get("a"))
}

func namesOf(specs []*Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}
