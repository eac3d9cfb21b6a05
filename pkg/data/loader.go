// Package data reads and writes token streams and cuts them into training
// batches.
package data

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Int32ByteLen is the size of one token on disk.
const Int32ByteLen = 4

// Loader is an interface for data loaders.
type Loader interface {
	// NextBatch returns B*T inputs and the same positions shifted by one as targets.
	NextBatch() ([]int32, []int32)
	Reset()
}

// DataLoader walks a token stream in consecutive (B, T) windows, wrapping
// around at the end.
type DataLoader struct {
	batchSize  int
	seqLength  int
	curPos     int
	NumBatches int
	data       []int32
}

// NewDataLoader returns a loader over the int32 little-endian token file filename.
func NewDataLoader(filename string, batchSize, seqLength int) (*DataLoader, error) {
	tokens, err := ReadTokens(filename)
	if err != nil {
		return nil, err
	}
	return FromTokens(tokens, batchSize, seqLength)
}

// FromTokens returns a loader over tokens. The slice is not copied.
func FromTokens(tokens []int32, batchSize, seqLength int) (*DataLoader, error) {
	if batchSize <= 0 || seqLength <= 0 {
		return nil, fmt.Errorf("batch size and sequence length must be positive, got %d and %d", batchSize, seqLength)
	}
	if len(tokens) < batchSize*seqLength+1 {
		return nil, fmt.Errorf("%d tokens is too small for batch size %d and sequence length %d", len(tokens), batchSize, seqLength)
	}
	return &DataLoader{
		batchSize:  batchSize,
		seqLength:  seqLength,
		NumBatches: (len(tokens) - 1) / (batchSize * seqLength),
		data:       tokens,
	}, nil
}

// Reset resets the loader to the beginning of the stream.
func (loader *DataLoader) Reset() {
	loader.curPos = 0
}

// NextBatch returns the next batch of data.
func (loader *DataLoader) NextBatch() ([]int32, []int32) {
	n := loader.batchSize * loader.seqLength
	if loader.curPos+n+1 > len(loader.data) {
		loader.Reset()
	}
	inputs := loader.data[loader.curPos : loader.curPos+n]
	targets := loader.data[loader.curPos+1 : loader.curPos+n+1]
	loader.curPos += n
	return inputs, targets
}

// Split cuts tokens into a leading training part holding fraction of the
// stream and the remaining validation part.
func Split(tokens []int32, fraction float64) (train, val []int32) {
	cut := int(float64(len(tokens)) * fraction)
	cut = min(max(cut, 0), len(tokens))
	return tokens[:cut], tokens[cut:]
}

// ReadTokens reads an int32 little-endian token file.
func ReadTokens(filename string) ([]int32, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if len(raw)%Int32ByteLen != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of %d", filename, len(raw), Int32ByteLen)
	}
	tokens := make([]int32, len(raw)/Int32ByteLen)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// WriteTokens writes tokens as int32 little-endian.
func WriteTokens(filename string, tokens []int32) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, tokens); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
