package gpt

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	v, err := vocab.Build("hello, wörld")
	require.NoError(t, err)
	cfg := testConfig(v.Size())
	cfg.Causal = true
	cfg.Dropout = 0.1
	return &Checkpoint{Model: newTestModel(t, cfg), Vocab: v}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ckpt := testCheckpoint(t)
	var buf bytes.Buffer
	require.NoError(t, ckpt.Write(&buf))

	got, err := ReadCheckpoint(&buf)
	require.NoError(t, err)
	assert.Equal(t, ckpt.Model.Config, got.Model.Config)
	assert.Equal(t, ckpt.Model.Params.Memory, got.Model.Params.Memory)
	text, err := got.Vocab.Decode([]int32{0, 1, 2})
	require.NoError(t, err)
	want, err := ckpt.Vocab.Decode([]int32{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, want, text)
}

func TestCheckpointSaveLoad(t *testing.T) {
	ckpt := testCheckpoint(t)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, ckpt.Save(path))

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	in := tokens(ckpt.Vocab.Size(), 8)
	a, err := ckpt.Model.Forward(in, nil, 1, 8)
	require.NoError(t, err)
	b, err := got.Model.Forward(in, nil, 1, 8)
	require.NoError(t, err)
	assert.Equal(t, a.Logits, b.Logits)
}

func TestReadCheckpointRejectsGarbage(t *testing.T) {
	_, err := ReadCheckpoint(bytes.NewReader([]byte("short")))
	assert.ErrorIs(t, err, ErrBadCheckpoint)

	header := make([]int32, headerLen)
	header[0] = 1234
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, header))
	_, err = ReadCheckpoint(&buf)
	assert.ErrorIs(t, err, ErrBadCheckpoint)
}

func TestReadCheckpointTruncated(t *testing.T) {
	ckpt := testCheckpoint(t)
	var buf bytes.Buffer
	require.NoError(t, ckpt.Write(&buf))
	raw := buf.Bytes()
	_, err := ReadCheckpoint(bytes.NewReader(raw[:len(raw)-4]))
	assert.ErrorIs(t, err, ErrBadCheckpoint)
}

func TestReadCheckpointRejectsHugeHeader(t *testing.T) {
	header := func(mutate func(h []int32)) *bytes.Buffer {
		h := make([]int32, headerLen)
		h[0], h[1] = checkpointMagic, checkpointVersion
		h[2], h[3], h[4], h[5], h[6], h[7] = 8, 5, 2, 2, 16, 4
		h[10] = 10
		mutate(h)
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
		return &buf
	}

	_, err := ReadCheckpoint(header(func(h []int32) { h[4], h[6] = 1<<30, 1<<30 }))
	assert.ErrorIs(t, err, ErrBadCheckpoint)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ReadCheckpoint(header(func(h []int32) { h[2], h[3], h[6], h[5] = 1<<30, 1<<30, 1<<30, 1 }))
	assert.ErrorIs(t, err, ErrBadCheckpoint)

	_, err = ReadCheckpoint(header(func(h []int32) { h[10] = 1<<31 - 1 }))
	assert.ErrorIs(t, err, ErrBadCheckpoint)

	_, err = ReadCheckpoint(header(func(h []int32) { h[6] = -16 }))
	assert.ErrorIs(t, err, ErrBadCheckpoint)
}
