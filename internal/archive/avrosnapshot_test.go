package archive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenshin-tsdb/kenshin/pkg/storage"
)

func TestSnapshotRoundTrip(t *testing.T) {
	tags := []string{"cpu_load", "mem_used"}
	result := &storage.FetchResult{
		From: 1000,
		Step: 60,
		Rows: [][]float64{
			{1.5, 2.5},
			{storage.NullValue, 3.5},
		},
	}

	data, err := EncodeSnapshot(tags, result)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	points, decodedTags, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.ElementsMatch(t, []string{"cpu_load", "mem_used"}, decodedTags)
	require.Equal(t, int64(1000), points[0].TS)
	require.Equal(t, int64(1060), points[1].TS)
}
