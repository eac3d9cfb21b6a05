package gpt

import (
	"fmt"

	"github.com/conneroisu/gomega/pkg/torch"
	"golang.org/x/exp/rand"
)

// SelfAttention is one multi-head self-attention layer. The weights are views
// into the model's parameter memory.
type SelfAttention struct {
	QKVW  []float32 // (3C, C)
	QKVB  []float32 // (3C)
	ProjW []float32 // (C, C)
	ProjB []float32 // (C)

	Channels int
	Heads    int
}

type attentionActivations struct {
	qkv    []float32 // (B, T, 3C)
	preatt []float32 // (B, NH, T, T)
	att    []float32 // (B, NH, T, T)
	atty   []float32 // (B, T, C)
	out    []float32 // (B, T, C)
}

func newAttentionActivations(B, T, C, NH int) attentionActivations {
	return attentionActivations{
		qkv:    make([]float32, B*T*3*C),
		preatt: make([]float32, B*NH*T*T),
		att:    make([]float32, B*NH*T*T),
		atty:   make([]float32, B*T*C),
		out:    make([]float32, B*T*C),
	}
}

func (a SelfAttention) forward(acts attentionActivations, inp, mask []float32, B, T int) {
	C := a.Channels
	torch.MatmulForward(acts.qkv, inp, a.QKVW, a.QKVB, B, T, C, 3*C)
	torch.AttentionForward(acts.atty, acts.preatt, acts.att, acts.qkv, mask, B, T, C, a.Heads)
	torch.MatmulForward(acts.out, acts.atty, a.ProjW, a.ProjB, B, T, C, C)
}

// backward accumulates into grads and dinp, given the gradient already stored in dacts.out.
func (a SelfAttention) backward(grads SelfAttention, dacts, acts attentionActivations, dinp, inp []float32, B, T int) {
	C := a.Channels
	torch.MatmulBackward(dacts.atty, grads.ProjW, grads.ProjB, dacts.out, acts.atty, a.ProjW, B, T, C, C)
	torch.AttentionBackward(dacts.qkv, dacts.preatt, dacts.att, dacts.atty, acts.qkv, acts.att, B, T, C, a.Heads)
	torch.MatmulBackward(dinp, grads.QKVW, grads.QKVB, dacts.qkv, inp, a.QKVW, B, T, C, 3*C)
}

// Forward runs the layer on x of shape (B, T, C). mask is nil or (T, T),
// with 0 marking a forbidden (query, key) pair. It returns the output, of the
// same shape as x, and the attention weights of shape (B, NH, T, T).
func (a SelfAttention) Forward(x, mask []float32, B, T int) ([]float32, []float32, error) {
	if err := checkShape(x, mask, B, T, a.Channels); err != nil {
		return nil, nil, err
	}
	acts := newAttentionActivations(B, T, a.Channels, a.Heads)
	a.forward(acts, x, mask, B, T)
	return acts.out, acts.att, nil
}

// FeedForward is the position-wise MLP of a block.
type FeedForward struct {
	FCW   []float32 // (H, C)
	FCB   []float32 // (H)
	ProjW []float32 // (C, H)
	ProjB []float32 // (C)

	Channels int
	Hidden   int
	Dropout  float32
}

type feedForwardActivations struct {
	fch      []float32 // (B, T, H)
	fchGelu  []float32 // (B, T, H)
	out      []float32 // (B, T, C)
	dropMask []float32 // (B, T, C), nil when dropout is off
}

// forward runs the MLP. When acts.dropMask is set it is refilled from rng and
// applied to the output.
func (f FeedForward) forward(acts feedForwardActivations, inp []float32, rng *rand.Rand, B, T int) {
	C, H := f.Channels, f.Hidden
	torch.MatmulForward(acts.fch, inp, f.FCW, f.FCB, B, T, C, H)
	torch.GeluForward(acts.fchGelu, acts.fch, B*T*H)
	torch.MatmulForward(acts.out, acts.fchGelu, f.ProjW, f.ProjB, B, T, H, C)
	if acts.dropMask != nil {
		keep := 1 / (1 - f.Dropout)
		for i := range acts.dropMask {
			if rng.Float32() < f.Dropout {
				acts.dropMask[i] = 0
			} else {
				acts.dropMask[i] = keep
			}
		}
		torch.DropoutForward(acts.out, acts.dropMask, B*T*C)
	}
}

func (f FeedForward) backward(grads FeedForward, dacts, acts feedForwardActivations, dinp, inp []float32, B, T int) {
	C, H := f.Channels, f.Hidden
	if acts.dropMask != nil {
		torch.DropoutBackward(dacts.out, acts.dropMask, B*T*C)
	}
	torch.MatmulBackward(dacts.fchGelu, grads.ProjW, grads.ProjB, dacts.out, acts.fchGelu, f.ProjW, B, T, H, C)
	torch.GeluBackward(dacts.fch, acts.fch, dacts.fchGelu, B*T*H)
	torch.MatmulBackward(dinp, grads.FCW, grads.FCB, dacts.fch, inp, f.FCW, B, T, C, H)
}

// Forward runs the MLP in inference mode (no dropout) on x of shape (B, T, C).
func (f FeedForward) Forward(x []float32, B, T int) ([]float32, error) {
	if err := checkShape(x, nil, B, T, f.Channels); err != nil {
		return nil, err
	}
	acts := feedForwardActivations{
		fch:     make([]float32, B*T*f.Hidden),
		fchGelu: make([]float32, B*T*f.Hidden),
		out:     make([]float32, B*T*f.Channels),
	}
	f.forward(acts, x, nil, B, T)
	return acts.out, nil
}

// Block is one pre-normalization transformer block:
//
//	x = x + Attn(LN1(x))
//	x = x + FF(LN2(x))
type Block struct {
	LN1W, LN1B []float32
	Attn       SelfAttention
	LN2W, LN2B []float32
	FF         FeedForward
}

func (b Block) forward(acts blockActivations, residual, mask []float32, rng *rand.Rand, B, T int) {
	C := b.Attn.Channels
	N := B * T * C
	torch.LayernormForward(acts.ln1, acts.ln1Mean, acts.ln1Rstd, residual, b.LN1W, b.LN1B, B, T, C)
	b.Attn.forward(acts.attn, acts.ln1, mask, B, T)
	torch.ResidualForward(acts.residual2, residual, acts.attn.out, N)
	torch.LayernormForward(acts.ln2, acts.ln2Mean, acts.ln2Rstd, acts.residual2, b.LN2W, b.LN2B, B, T, C)
	b.FF.forward(acts.ff, acts.ln2, rng, B, T)
	torch.ResidualForward(acts.residual3, acts.residual2, acts.ff.out, N)
}

// backward propagates the gradient stored in dacts.residual3 back to
// dresidual, accumulating parameter gradients into grads.
func (b Block) backward(grads Block, dacts, acts blockActivations, dresidual, residual []float32, B, T int) {
	C := b.Attn.Channels
	N := B * T * C
	torch.ResidualBackward(dacts.residual2, dacts.ff.out, dacts.residual3, N)
	b.FF.backward(grads.FF, dacts.ff, acts.ff, dacts.ln2, acts.ln2, B, T)
	torch.LayernormBackward(dacts.residual2, grads.LN2W, grads.LN2B, dacts.ln2, acts.residual2, b.LN2W, acts.ln2Mean, acts.ln2Rstd, B, T, C)
	torch.ResidualBackward(dresidual, dacts.attn.out, dacts.residual2, N)
	b.Attn.backward(grads.Attn, dacts.attn, acts.attn, dacts.ln1, acts.ln1, B, T)
	torch.LayernormBackward(dresidual, grads.LN1W, grads.LN1B, dacts.ln1, residual, b.LN1W, acts.ln1Mean, acts.ln1Rstd, B, T, C)
}

// Forward runs the block in inference mode on x of shape (B, T, C).
func (b Block) Forward(x, mask []float32, B, T int) ([]float32, error) {
	C, NH, H := b.Attn.Channels, b.Attn.Heads, b.FF.Hidden
	if err := checkShape(x, mask, B, T, C); err != nil {
		return nil, err
	}
	acts := blockActivations{
		ln1:       make([]float32, B*T*C),
		ln1Mean:   make([]float32, B*T),
		ln1Rstd:   make([]float32, B*T),
		attn:      newAttentionActivations(B, T, C, NH),
		residual2: make([]float32, B*T*C),
		ln2:       make([]float32, B*T*C),
		ln2Mean:   make([]float32, B*T),
		ln2Rstd:   make([]float32, B*T),
		ff: feedForwardActivations{
			fch:     make([]float32, B*T*H),
			fchGelu: make([]float32, B*T*H),
			out:     make([]float32, B*T*C),
		},
		residual3: make([]float32, B*T*C),
	}
	b.forward(acts, x, mask, nil, B, T)
	return acts.residual3, nil
}

func checkShape(x, mask []float32, B, T, C int) error {
	if B <= 0 || T <= 0 {
		return fmt.Errorf("batch and sequence length must be positive, got B=%d T=%d", B, T)
	}
	if len(x) != B*T*C {
		return fmt.Errorf("input has %d values, want B*T*C = %d*%d*%d", len(x), B, T, C)
	}
	if mask != nil && len(mask) != T*T {
		return fmt.Errorf("mask has %d values, want T*T = %d", len(mask), T*T)
	}
	return nil
}
