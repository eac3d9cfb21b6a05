package data

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

func TestNextBatchShiftsTargets(t *testing.T) {
	loader, err := FromTokens(seq(20), 2, 3)
	require.NoError(t, err)
	inputs, targets := loader.NextBatch()
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, inputs)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, targets)
	inputs, _ = loader.NextBatch()
	assert.Equal(t, []int32{6, 7, 8, 9, 10, 11}, inputs)
}

func TestNextBatchWraps(t *testing.T) {
	loader, err := FromTokens(seq(8), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.NumBatches)
	first, _ := loader.NextBatch()
	second, _ := loader.NextBatch()
	assert.Equal(t, first, second)
}

func TestFromTokensTooSmall(t *testing.T) {
	_, err := FromTokens(seq(6), 2, 3)
	assert.Error(t, err)
	_, err = FromTokens(seq(6), 0, 3)
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	train, val := Split(seq(10), 0.9)
	assert.Len(t, train, 9)
	assert.Equal(t, []int32{9}, val)
	train, val = Split(seq(10), 1.5)
	assert.Len(t, train, 10)
	assert.Empty(t, val)
}

func TestWriteReadTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.bin")
	tokens := []int32{3, 0, 70000, 12}
	require.NoError(t, WriteTokens(path, tokens))
	got, err := ReadTokens(path)
	require.NoError(t, err)
	assert.Equal(t, tokens, got)

	loader, err := NewDataLoader(path, 1, 2)
	require.NoError(t, err)
	inputs, targets := loader.NextBatch()
	assert.Equal(t, []int32{3, 0}, inputs)
	assert.Equal(t, []int32{0, 70000}, targets)
}
