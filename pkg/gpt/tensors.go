package gpt

import "strconv"

// tensor is a wrapper around a slice of float32 values and a list of dimensions
type tensor struct {
	data []float32
	dims []int
}

// newTensor creates a new tensor with the given data and dimensions.
func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s:s],
		dims: dims,
	}, s
}

// carver hands out consecutive tensors from one backing slice.
type carver struct {
	mem []float32
}

func (c *carver) next(dims ...int) tensor {
	t, n := newTensor(c.mem, dims...)
	c.mem = c.mem[n:]
	return t
}

func (c *carver) done() {
	if len(c.mem) != 0 {
		panic("tensor layout does not add up to the allocated memory")
	}
}

// ParameterTensors are the parameters of the model. Every per-layer tensor
// stores all L layers back to back.
type ParameterTensors struct {
	Memory        []float32
	TokEmbed      tensor // (V, C) - Token embedding table.
	PosEmbed      tensor // (maxT, C) - Position embedding table.
	LayerNorm1W   tensor // (L, C) - Weights for Layer Normalization 1.
	LayerNorm1B   tensor // (L, C) - Biases for Layer Normalization 1.
	QueryKeyValW  tensor // (L, 3*C, C) - Attention QKV weights.
	QueryKeyValB  tensor // (L, 3*C) - Attention QKV biases.
	AttProjW      tensor // (L, C, C) - Attention output projection weights.
	AttProjB      tensor // (L, C) - Attention output projection biases.
	LayerNorm2W   tensor // (L, C) - Weights for Layer Normalization 2.
	LayerNorm2B   tensor // (L, C) - Biases for Layer Normalization 2.
	FeedFwdW      tensor // (L, H, C) - Feed-forward expansion weights (H = HiddenMult*C).
	FeedFwdB      tensor // (L, H) - Feed-forward expansion biases.
	FeedFwdProjW  tensor // (L, C, H) - Feed-forward projection weights.
	FeedFwdProjB  tensor // (L, C) - Feed-forward projection biases.
	LayerFinNormW tensor // (C) - Final layer normalization weights.
	LayerFinNormB tensor // (C) - Final layer normalization biases.
	HeadW         tensor // (V, C) - Output projection to vocabulary logits, no bias.
}

// Init allocates the parameter memory for cfg and carves it into tensors.
func (p *ParameterTensors) Init(cfg Config) {
	V, C, maxT, L, H := cfg.VocabSize, cfg.EmbedDim, cfg.BlockSize, cfg.NumLayers, cfg.HiddenDim()
	p.Memory = make([]float32,
		V*C+ // TokEmbed
			maxT*C+ // PosEmbed
			L*C+ // LayerNorm1W
			L*C+ // LayerNorm1B
			L*3*C*C+ // QueryKeyValW
			L*3*C+ // QueryKeyValB
			L*C*C+ // AttProjW
			L*C+ // AttProjB
			L*C+ // LayerNorm2W
			L*C+ // LayerNorm2B
			L*H*C+ // FeedFwdW
			L*H+ // FeedFwdB
			L*C*H+ // FeedFwdProjW
			L*C+ // FeedFwdProjB
			C+ // LayerFinNormW
			C+ // LayerFinNormB
			V*C, // HeadW
	)
	c := carver{mem: p.Memory}
	p.TokEmbed = c.next(V, C)
	p.PosEmbed = c.next(maxT, C)
	p.LayerNorm1W = c.next(L, C)
	p.LayerNorm1B = c.next(L, C)
	p.QueryKeyValW = c.next(L, 3*C, C)
	p.QueryKeyValB = c.next(L, 3*C)
	p.AttProjW = c.next(L, C, C)
	p.AttProjB = c.next(L, C)
	p.LayerNorm2W = c.next(L, C)
	p.LayerNorm2B = c.next(L, C)
	p.FeedFwdW = c.next(L, H, C)
	p.FeedFwdB = c.next(L, H)
	p.FeedFwdProjW = c.next(L, C, H)
	p.FeedFwdProjB = c.next(L, C)
	p.LayerFinNormW = c.next(C)
	p.LayerFinNormB = c.next(C)
	p.HeadW = c.next(V, C)
	c.done()
}

// Len returns the length of the memory slice.
func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

// layerSlice returns layer l of a tensor whose leading dimension is L.
func layerSlice(t tensor, l int) []float32 {
	n := len(t.data) / t.dims[0]
	return t.data[l*n : (l+1)*n]
}

// block returns views of the parameters of layer l.
func (p *ParameterTensors) block(cfg Config, l int) Block {
	return Block{
		LN1W: layerSlice(p.LayerNorm1W, l),
		LN1B: layerSlice(p.LayerNorm1B, l),
		Attn: SelfAttention{
			QKVW:     layerSlice(p.QueryKeyValW, l),
			QKVB:     layerSlice(p.QueryKeyValB, l),
			ProjW:    layerSlice(p.AttProjW, l),
			ProjB:    layerSlice(p.AttProjB, l),
			Channels: cfg.EmbedDim,
			Heads:    cfg.NumHeads,
		},
		LN2W: layerSlice(p.LayerNorm2W, l),
		LN2B: layerSlice(p.LayerNorm2B, l),
		FF: FeedForward{
			FCW:      layerSlice(p.FeedFwdW, l),
			FCB:      layerSlice(p.FeedFwdB, l),
			ProjW:    layerSlice(p.FeedFwdProjW, l),
			ProjB:    layerSlice(p.FeedFwdProjB, l),
			Channels: cfg.EmbedDim,
			Hidden:   cfg.HiddenDim(),
			Dropout:  cfg.Dropout,
		},
	}
}

// Named returns every parameter under the name PyTorch's state_dict gives it
// in the reference model.
func (p *ParameterTensors) Named(cfg Config) map[string][]float32 {
	named := map[string][]float32{
		"tok_emb.weight": p.TokEmbed.data,
		"pos_emb.weight": p.PosEmbed.data,
		"ln_f.weight":    p.LayerFinNormW.data,
		"ln_f.bias":      p.LayerFinNormB.data,
		"head.weight":    p.HeadW.data,
	}
	for l := 0; l < cfg.NumLayers; l++ {
		b := p.block(cfg, l)
		prefix := "blocks." + strconv.Itoa(l) + "."
		named[prefix+"ln1.weight"] = b.LN1W
		named[prefix+"ln1.bias"] = b.LN1B
		named[prefix+"attn.qkv.weight"] = b.Attn.QKVW
		named[prefix+"attn.qkv.bias"] = b.Attn.QKVB
		named[prefix+"attn.proj.weight"] = b.Attn.ProjW
		named[prefix+"attn.proj.bias"] = b.Attn.ProjB
		named[prefix+"ln2.weight"] = b.LN2W
		named[prefix+"ln2.bias"] = b.LN2B
		named[prefix+"ff.net.0.weight"] = b.FF.FCW
		named[prefix+"ff.net.0.bias"] = b.FF.FCB
		named[prefix+"ff.net.2.weight"] = b.FF.ProjW
		named[prefix+"ff.net.2.bias"] = b.FF.ProjB
	}
	return named
}

// ActivationTensors holds every intermediate value of one forward pass. The
// backward pass reads them, and its gradients use the same layout.
type ActivationTensors struct {
	Memory         []float32
	Encoded        tensor // (B, T, C) - Token plus position embeddings.
	Layer1Act      tensor // (L, B, T, C) - Activations after Layer Normalization 1.
	LayerNorm1Mean tensor // (L, B, T) - Mean values for Layer Normalization 1.
	LayerNorm1Rstd tensor // (L, B, T) - Reciprocal standard deviation for Layer Normalization 1.
	QueryKeyVal    tensor // (L, B, T, 3*C) - Combined Query, Key, Value projections.
	AttentionInter tensor // (L, B, T, C) - Concatenated head outputs before the projection.
	PreAttention   tensor // (L, B, NH, T, T) - Scaled scores before softmax.
	Attention      tensor // (L, B, NH, T, T) - Attention weights after softmax.
	AttentionProj  tensor // (L, B, T, C) - Projected attention outputs.
	Residual2      tensor // (L, B, T, C) - Residual stream after attention.
	LayerNorm2Act  tensor // (L, B, T, C) - Activations after Layer Normalization 2.
	LayerNorm2Mean tensor // (L, B, T) - Mean values for Layer Normalization 2.
	LayerNorm2Rstd tensor // (L, B, T) - Reciprocal standard deviation for Layer Normalization 2.
	FeedForward    tensor // (L, B, T, H) - Feed-forward expansion.
	FeedForwardGel tensor // (L, B, T, H) - Feed-forward expansion after GELU.
	FeedForwardPrj tensor // (L, B, T, C) - Feed-forward output, after dropout while training.
	DropoutMask    tensor // (L, B, T, C) - Dropout scale per element; empty when dropout is off.
	Residual3      tensor // (L, B, T, C) - Residual stream after the feed-forward block.
	LayerNormFinal tensor // (B, T, C) - Activations after the final Layer Normalization.
	LayerNormFMean tensor // (B, T) - Mean values for the final Layer Normalization.
	LayerNormFRstd tensor // (B, T) - Reciprocal standard deviation for the final Layer Normalization.
	Logits         tensor // (B, T, V) - Raw output scores.
	Probabilities  tensor // (B, T, V) - Softmax of the logits; only filled when targets are given.
	Losses         tensor // (B, T) - Loss per position.

	B, T, L int
	cfg     Config
}

// Init allocates activations for a (B, T) batch. dropout reserves room for
// the dropout masks.
func (a *ActivationTensors) Init(cfg Config, B, T int, dropout bool) {
	C, L, NH, V, H := cfg.EmbedDim, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize, cfg.HiddenDim()
	maskLayers := 0
	if dropout {
		maskLayers = L
	}
	a.Memory = make([]float32,
		B*T*C+ // Encoded
			L*B*T*C+ // Layer1Act
			L*B*T+ // LayerNorm1Mean
			L*B*T+ // LayerNorm1Rstd
			L*B*T*3*C+ // QueryKeyVal
			L*B*T*C+ // AttentionInter
			L*B*NH*T*T+ // PreAttention
			L*B*NH*T*T+ // Attention
			L*B*T*C+ // AttentionProj
			L*B*T*C+ // Residual2
			L*B*T*C+ // LayerNorm2Act
			L*B*T+ // LayerNorm2Mean
			L*B*T+ // LayerNorm2Rstd
			L*B*T*H+ // FeedForward
			L*B*T*H+ // FeedForwardGel
			L*B*T*C+ // FeedForwardPrj
			maskLayers*B*T*C+ // DropoutMask
			L*B*T*C+ // Residual3
			B*T*C+ // LayerNormFinal
			B*T+ // LayerNormFMean
			B*T+ // LayerNormFRstd
			B*T*V+ // Logits
			B*T*V+ // Probabilities
			B*T, // Losses
	)
	c := carver{mem: a.Memory}
	a.Encoded = c.next(B, T, C)
	a.Layer1Act = c.next(L, B, T, C)
	a.LayerNorm1Mean = c.next(L, B, T)
	a.LayerNorm1Rstd = c.next(L, B, T)
	a.QueryKeyVal = c.next(L, B, T, 3*C)
	a.AttentionInter = c.next(L, B, T, C)
	a.PreAttention = c.next(L, B, NH, T, T)
	a.Attention = c.next(L, B, NH, T, T)
	a.AttentionProj = c.next(L, B, T, C)
	a.Residual2 = c.next(L, B, T, C)
	a.LayerNorm2Act = c.next(L, B, T, C)
	a.LayerNorm2Mean = c.next(L, B, T)
	a.LayerNorm2Rstd = c.next(L, B, T)
	a.FeedForward = c.next(L, B, T, H)
	a.FeedForwardGel = c.next(L, B, T, H)
	a.FeedForwardPrj = c.next(L, B, T, C)
	a.DropoutMask = c.next(maskLayers, B, T, C)
	a.Residual3 = c.next(L, B, T, C)
	a.LayerNormFinal = c.next(B, T, C)
	a.LayerNormFMean = c.next(B, T)
	a.LayerNormFRstd = c.next(B, T)
	a.Logits = c.next(B, T, V)
	a.Probabilities = c.next(B, T, V)
	a.Losses = c.next(B, T)
	c.done()
	a.B, a.T, a.L, a.cfg = B, T, L, cfg
}

// zero clears every activation.
func (a *ActivationTensors) zero() {
	clear(a.Memory)
}

// blockActivations are the activations of one layer.
type blockActivations struct {
	ln1, ln1Mean, ln1Rstd []float32
	attn                  attentionActivations
	residual2             []float32
	ln2, ln2Mean, ln2Rstd []float32
	ff                    feedForwardActivations
	residual3             []float32
}

// layer returns views of the activations of layer l.
func (a *ActivationTensors) layer(l int) blockActivations {
	var dropMask []float32
	if len(a.DropoutMask.data) > 0 {
		dropMask = layerSlice(a.DropoutMask, l)
	}
	return blockActivations{
		ln1:     layerSlice(a.Layer1Act, l),
		ln1Mean: layerSlice(a.LayerNorm1Mean, l),
		ln1Rstd: layerSlice(a.LayerNorm1Rstd, l),
		attn: attentionActivations{
			qkv:    layerSlice(a.QueryKeyVal, l),
			preatt: layerSlice(a.PreAttention, l),
			att:    layerSlice(a.Attention, l),
			atty:   layerSlice(a.AttentionInter, l),
			out:    layerSlice(a.AttentionProj, l),
		},
		residual2: layerSlice(a.Residual2, l),
		ln2:       layerSlice(a.LayerNorm2Act, l),
		ln2Mean:   layerSlice(a.LayerNorm2Mean, l),
		ln2Rstd:   layerSlice(a.LayerNorm2Rstd, l),
		ff: feedForwardActivations{
			fch:      layerSlice(a.FeedForward, l),
			fchGelu:  layerSlice(a.FeedForwardGel, l),
			out:      layerSlice(a.FeedForwardPrj, l),
			dropMask: dropMask,
		},
		residual3: layerSlice(a.Residual3, l),
	}
}

// residualIn returns the residual stream entering layer l.
func (a *ActivationTensors) residualIn(l int) []float32 {
	if l == 0 {
		return a.Encoded.data
	}
	return layerSlice(a.Residual3, l-1)
}
