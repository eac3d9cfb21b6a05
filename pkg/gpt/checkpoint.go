package gpt

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/gomega/pkg/vocab"
)

const (
	checkpointMagic   = 20240917
	checkpointVersion = 1
	headerLen         = 256

	// maxVocabJSON bounds the vocabulary section of a checkpoint.
	maxVocabJSON = 64 << 20
)

// Checkpoint is a model together with the vocabulary it was trained on.
type Checkpoint struct {
	Model *Model
	Vocab *vocab.Vocab
}

// LoadCheckpoint reads a checkpoint from path. Files ending in .pt or .pth are
// read as PyTorch checkpoints, anything else in the native format.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth":
		return LoadTorchCheckpoint(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCheckpoint(bufio.NewReader(f))
}

// ReadCheckpoint decodes a native checkpoint: an int32[256] header, the
// vocabulary as JSON, then every parameter as little-endian float32.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrBadCheckpoint, err)
	}
	if header[0] != checkpointMagic {
		return nil, fmt.Errorf("%w: bad magic %d", ErrBadCheckpoint, header[0])
	}
	if header[1] != checkpointVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadCheckpoint, header[1])
	}
	cfg := Config{
		BlockSize:  int(header[2]),
		VocabSize:  int(header[3]),
		NumLayers:  int(header[4]),
		NumHeads:   int(header[5]),
		EmbedDim:   int(header[6]),
		HiddenMult: int(header[7]),
		Causal:     header[8] != 0,
		Dropout:    math.Float32frombits(uint32(header[9])),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCheckpoint, err)
	}
	vocabLen := int(header[10])
	if vocabLen <= 0 || vocabLen > maxVocabJSON {
		return nil, fmt.Errorf("%w: vocab length %d", ErrBadCheckpoint, vocabLen)
	}
	raw := make([]byte, vocabLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: reading vocab: %w", ErrBadCheckpoint, err)
	}
	v := &vocab.Vocab{}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCheckpoint, err)
	}
	if v.Size() != cfg.VocabSize {
		return nil, fmt.Errorf("%w: vocab has %d entries, config says %d", ErrBadCheckpoint, v.Size(), cfg.VocabSize)
	}
	model, err := newModel(cfg, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCheckpoint, err)
	}
	if err := binary.Read(r, binary.LittleEndian, model.Params.Memory); err != nil {
		return nil, fmt.Errorf("%w: reading parameters: %w", ErrBadCheckpoint, err)
	}
	return &Checkpoint{Model: model, Vocab: v}, nil
}

// Write encodes the checkpoint in the native format.
func (c *Checkpoint) Write(w io.Writer) error {
	cfg := c.Model.Config
	raw, err := json.Marshal(c.Vocab)
	if err != nil {
		return err
	}
	header := make([]int32, headerLen)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(cfg.BlockSize)
	header[3] = int32(cfg.VocabSize)
	header[4] = int32(cfg.NumLayers)
	header[5] = int32(cfg.NumHeads)
	header[6] = int32(cfg.EmbedDim)
	header[7] = int32(cfg.HiddenMult)
	if cfg.Causal {
		header[8] = 1
	}
	header[9] = int32(math.Float32bits(cfg.Dropout))
	header[10] = int32(len(raw))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, c.Model.Params.Memory)
}

// Save writes the checkpoint to path in the native format.
func (c *Checkpoint) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := c.Write(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
