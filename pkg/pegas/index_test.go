package pegas

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRtransIndexHoles(t *testing.T) {
	ix := newRtransIndex()
	a := fakeRegion(RegionID(uuid.New()))
	b := fakeRegion(RegionID(uuid.New()))

	// Two ranges with a one-byte hole and a touching neighbour.
	ix.insert(indexEntry{base: 0x1000, end: 0x1800, region: a})
	ix.insert(indexEntry{base: 0x1801, end: 0x2000, region: b})

	cases := []struct {
		addr uintptr
		want Mapping
	}{
		{0x0fff, nil},
		{0x1000, a},
		{0x17ff, a},
		{0x1800, nil},
		{0x1801, b},
		{0x1fff, b},
		{0x2000, nil},
	}
	for _, c := range cases {
		e, ok := ix.lookup(c.addr)
		if c.want == nil {
			require.False(t, ok, "0x%x", c.addr)
			continue
		}
		require.True(t, ok, "0x%x", c.addr)
		require.Equal(t, c.want, e.region, "0x%x", c.addr)
	}

	_, ok := ix.overlaps(0x1800, 0x1801)
	require.False(t, ok)
	e, ok := ix.overlaps(0x0800, 0x1001)
	require.True(t, ok)
	require.Equal(t, Mapping(a), e.region)
	e, ok = ix.overlaps(0x1900, 0x1901)
	require.True(t, ok)
	require.Equal(t, Mapping(b), e.region)

	ix.remove(0x1000)
	_, ok = ix.lookup(0x1000)
	require.False(t, ok)
	require.Equal(t, 1, ix.len())
}
