package gpt

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// pickleMap covers both *types.Dict and *types.OrderedDict.
type pickleMap interface {
	Get(key interface{}) (interface{}, bool)
}

// LoadTorchCheckpoint reads a checkpoint written by torch.save with the keys
// "config", "vocab" and "model_state". Missing config entries fall back to
// DefaultConfig.
func LoadTorchCheckpoint(path string) (*Checkpoint, error) {
	loaded, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCheckpoint, err)
	}
	root, ok := loaded.(pickleMap)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, want a dict", ErrBadCheckpoint, loaded)
	}

	rawVocab, ok := root.Get("vocab")
	if !ok {
		return nil, fmt.Errorf("%w: missing vocab", ErrBadCheckpoint)
	}
	v, err := torchVocab(rawVocab)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCheckpoint, err)
	}

	cfg := DefaultConfig(v.Size())
	if rawCfg, ok := root.Get("config"); ok {
		if m, ok := rawCfg.(pickleMap); ok {
			cfg.BlockSize = pickleInt(m, "block_size", cfg.BlockSize)
			cfg.EmbedDim = pickleInt(m, "embed_dim", cfg.EmbedDim)
			cfg.NumLayers = pickleInt(m, "n_layers", cfg.NumLayers)
			cfg.NumHeads = pickleInt(m, "n_heads", cfg.NumHeads)
		}
	}
	model, err := newModel(cfg, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCheckpoint, err)
	}

	rawState, ok := root.Get("model_state")
	if !ok {
		return nil, fmt.Errorf("%w: missing model_state", ErrBadCheckpoint)
	}
	state, ok := rawState.(pickleMap)
	if !ok {
		return nil, fmt.Errorf("%w: model_state is %T", ErrBadCheckpoint, rawState)
	}
	for name, dst := range model.Params.Named(cfg) {
		raw, ok := state.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: missing parameter %s", ErrBadCheckpoint, name)
		}
		if err := copyTensor(dst, raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBadCheckpoint, name, err)
		}
	}
	log.Debug("loaded torch checkpoint", "path", path, "params", model.NumParameters())
	return &Checkpoint{Model: model, Vocab: v}, nil
}

// torchVocab converts the pickled {"vocab_size", "stoi", "itos"} dict. itos
// keys may be ints or decimal strings.
func torchVocab(raw interface{}) (*vocab.Vocab, error) {
	m, ok := raw.(pickleMap)
	if !ok {
		return nil, fmt.Errorf("vocab is %T, want a dict", raw)
	}
	size := pickleInt(m, "vocab_size", -1)
	if size < 0 {
		return nil, fmt.Errorf("vocab has no vocab_size")
	}
	stoi := make(map[string]int, size)
	itos := make(map[int]string, size)
	if rawStoi, ok := m.Get("stoi"); ok {
		d, ok := rawStoi.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("stoi is %T", rawStoi)
		}
		for _, k := range d.Keys() {
			c, ok := k.(string)
			id, _ := d.Get(k)
			n, isInt := id.(int)
			if !ok || !isInt {
				return nil, fmt.Errorf("stoi entry %v: %v", k, id)
			}
			stoi[c] = n
		}
	}
	if rawItos, ok := m.Get("itos"); ok {
		d, ok := rawItos.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("itos is %T", rawItos)
		}
		for _, k := range d.Keys() {
			var id int
			switch k := k.(type) {
			case int:
				id = k
			case string:
				n, err := strconv.Atoi(k)
				if err != nil {
					return nil, fmt.Errorf("itos key %q", k)
				}
				id = n
			default:
				return nil, fmt.Errorf("itos key %v is %T", k, k)
			}
			val, _ := d.Get(k)
			c, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("itos[%d] is %T", id, val)
			}
			itos[id] = c
		}
	}
	return vocab.FromMaps(size, stoi, itos)
}

func pickleInt(m pickleMap, key string, fallback int) int {
	raw, ok := m.Get(key)
	if !ok {
		return fallback
	}
	n, ok := raw.(int)
	if !ok {
		return fallback
	}
	return n
}

// copyTensor copies a contiguous float32 torch tensor into dst.
func copyTensor(dst []float32, raw interface{}) error {
	t, ok := raw.(*pytorch.Tensor)
	if !ok {
		return fmt.Errorf("value is %T, want a tensor", raw)
	}
	storage, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return fmt.Errorf("storage is %T, want float32", t.Source)
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	if n != len(dst) {
		return fmt.Errorf("tensor has %d values (shape %v), want %d", n, t.Size, len(dst))
	}
	// row-major contiguous strides are 1 for the last dim and the running
	// product of sizes for the rest
	want := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] > 1 && t.Stride[i] != want {
			return fmt.Errorf("tensor is not contiguous: shape %v stride %v", t.Size, t.Stride)
		}
		want *= t.Size[i]
	}
	if t.StorageOffset+n > len(storage.Data) {
		return fmt.Errorf("tensor overruns its storage")
	}
	copy(dst, storage.Data[t.StorageOffset:t.StorageOffset+n])
	return nil
}
