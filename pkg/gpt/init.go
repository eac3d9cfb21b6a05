package gpt

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// initStd is the standard deviation of every linear and embedding weight.
const initStd = 0.02

// initKind enumerates the layer kinds that have their own initialization.
type initKind int

const (
	linearWithBias initKind = iota
	linearNoBias
	embedding
	layerNorm
)

// paramGroup is a run of parameters sharing one initialization procedure.
type paramGroup struct {
	kind   initKind
	weight []float32
	bias   []float32
}

// groups lists every parameter of the model by layer kind. The per-layer
// tensors cover all L layers at once.
func (p *ParameterTensors) groups() []paramGroup {
	return []paramGroup{
		{kind: embedding, weight: p.TokEmbed.data},
		{kind: embedding, weight: p.PosEmbed.data},
		{kind: layerNorm, weight: p.LayerNorm1W.data, bias: p.LayerNorm1B.data},
		{kind: linearWithBias, weight: p.QueryKeyValW.data, bias: p.QueryKeyValB.data},
		{kind: linearWithBias, weight: p.AttProjW.data, bias: p.AttProjB.data},
		{kind: layerNorm, weight: p.LayerNorm2W.data, bias: p.LayerNorm2B.data},
		{kind: linearWithBias, weight: p.FeedFwdW.data, bias: p.FeedFwdB.data},
		{kind: linearWithBias, weight: p.FeedFwdProjW.data, bias: p.FeedFwdProjB.data},
		{kind: layerNorm, weight: p.LayerFinNormW.data, bias: p.LayerFinNormB.data},
		{kind: linearNoBias, weight: p.HeadW.data},
	}
}

// initialize sets every parameter from src: linear and embedding weights
// from N(0, 0.02), linear biases to zero, LayerNorm to the identity
// (weight 1, bias 0).
func (p *ParameterTensors) initialize(src rand.Source) {
	normal := distuv.Normal{Mu: 0, Sigma: initStd, Src: src}
	fillNormal := func(w []float32) {
		for i := range w {
			w[i] = float32(normal.Rand())
		}
	}
	for _, g := range p.groups() {
		switch g.kind {
		case linearWithBias:
			fillNormal(g.weight)
			clear(g.bias)
		case linearNoBias, embedding:
			fillNormal(g.weight)
		case layerNorm:
			for i := range g.weight {
				g.weight[i] = 1
			}
			clear(g.bias)
		}
	}
}
