package torch

import (
	"math"
	"sync"
)

// invSqrt2Pi is 1/sqrt(2*pi), the peak of the standard normal density.
const invSqrt2Pi = 0.3989422804014327

// Erf returns the error function of x.
func Erf(x float32) float32 {
	return float32(math.Erf(float64(x)))
}

// Exp returns e**x aka the exponential function of x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Inf returns positive infinity if sign >= 0, negative infinity if sign < 0.
func Inf(sign int) float32 {
	return float32(math.Inf(sign))
}

// Log returns the natural logarithm of x aka the logarithm function of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// IsNaN returns true if f is not a number.
func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

// Pow returns x**y aka the power function of x and y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// Sqrt returns the square root of x aka the square root function of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// EncoderForward iterates through the batch/sequence and combines the token embeddings
// with the position embeddings. This allows the vector to encode tokens and positions in one.
//
// Position ids always run 0..T-1, so wpe must hold at least T rows.
func EncoderForward(out []float32, inp []int32, wte []float32, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			// inp -> id -> wte[id]
			ix := int(inp[b*T+t])
			wteIx := wte[ix*C:]
			wpeT := wpe[t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = wteIx[i] + wpeT[i]
			}
		}
	}
}

// EncoderBackward accumulates the embedding gradients.
// Parameters:
//   - dwte: gradients with respect to token embeddings (wte)
//   - dwpe: gradients with respect to positional embeddings (wpe)
//   - dout: the gradient to apply to dwte and dwpe
//   - inp: input tokens (ids that refer to rows within wte)
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: embedding dimension (number of features)
func EncoderBackward(dwte, dwpe []float32, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			ix := int(inp[b*T+t])
			dwteIx := dwte[ix*C:]
			dwpeT := dwpe[t*C:]
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dwteIx[i] += d
				dwpeT[i] += d
			}
		}
	}
}

// LayernormForward normalizes the activations of every (b,t) position.
// For each vector the mean and variance are calculated, then the normalized
// vector is scaled by weight and shifted by bias.
// Reference: https://pytorch.org/docs/stable/generated/torch.nn.LayerNorm.html
// Parameters:
//   - out: output activations (B,T,C)
//   - mean: mean values (B,T) for each position (b,t)
//   - rstd: reciprocal standard deviations (B,T) for each position (b,t)
//   - inp: input activations (B,T,C)
//   - weight: learnable weight (C) for scaling
//   - bias: learnable bias (C) for shifting
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: embedding dimension (number of features)
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	var eps float32 = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float32
			for i := 0; i < C; i++ {
				m += x[i]
			}
			m /= float32(C)
			var v float32
			for i := 0; i < C; i++ {
				xshift := x[i] - m
				v += xshift * xshift
			}
			v /= float32(C)
			s := 1.0 / Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (x[i] - m)
				outBT[i] = n*weight[i] + bias[i]
			}
			// kept for the backward pass
			mean[b*T+t] = m
			rstd[b*T+t] = s
		}
	}
}

// LayernormBackward accumulates gradients for the input, weight and bias of a LayerNorm.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normBTI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normBTI * doutBT[i]

				var dval float32
				dval += dnormI
				dval -= dnormMean
				dval -= normBTI * dnormNormMean
				dval *= rstdBT
				dinpBT[i] += dval
			}
		}
	}
}

// MatmulForward performs matrix multiplication and adds bias.
//
// The weight is laid out as (OC, C), the same row-major layout as a PyTorch
// nn.Linear weight, so out[b,t,o] = bias[o] + sum_i inp[b,t,i] * weight[o,i].
//
// Parameters:
//   - out: output matrix (B,T,OC)
//   - inp: input matrix (B,T,C)
//   - weight: weight matrix (OC,C)
//   - bias: bias vector (OC), may be nil
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: input dimension (number of features)
//   - OC: number of output channels
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float32
					if bias != nil {
						val = bias[o]
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += inpBT[i] * wrow[i]
					}
					outBT[o] = val
				}
			}(b, t)
		}
	}
	wg.Wait()
}

// MatmulBackward accumulates the gradients of MatmulForward. dbias may be nil
// for layers without a bias.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				doutBT := dout[b*T*OC+t*OC:]
				dinpBT := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutBT[o]
					for i := 0; i < C; i++ {
						dinpBT[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			dwrow := dweight[o*C:]
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					inpBT := inp[b*T*C+t*C:]
					d := dout[b*T*OC+t*OC+o]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

// AttentionForward performs the multi-head attention forward pass.
//
//	attention is the only layer that mixes information across time
//	every other operation is applied at every (b,t) position independently
//	(no layer mixes information across batches)
//
// inp holds the query, key and value projections side by side: for every
// position the first C values are the query, the next C the key and the last
// C the value. Each head h reads the hs = C/NH wide slice starting at h*hs.
//
// mask is either nil (every position attends to every position in the
// window) or a (T,T) matrix where mask[t*T+t2] == 0 forbids query t from
// attending to key t2. Forbidden scores are stored as -Inf in preatt and get
// exactly zero weight in att. A query row with every key forbidden gets all
// zero weights and a zero output.
//
// Parameters:
//   - out: output matrix (B,T,C)
//   - preatt: pre-softmax scores (B,NH,T,T)
//   - att: post-softmax weights (B,NH,T,T)
//   - inp: input matrix (B,T,3C) holding Query, Key, Value vectors
//   - mask: optional (T,T) mask
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: input dimension (number of features)
//   - NH: number of attention heads
func AttentionForward(out, preatt, att, inp, mask []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	negInf := Inf(-1)
	var wg sync.WaitGroup
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBth := preatt[b*NH*T*T+h*T*T+t*T:]
					attBth := att[b*NH*T*T+h*T*T+t*T:]
					var maskT []float32
					if mask != nil {
						maskT = mask[t*T:]
					}
					// pass 1: query dot key, scaled, and the row maximum
					maxval := negInf
					for t2 := 0; t2 < T; t2++ {
						if maskT != nil && maskT[t2] == 0 {
							preattBth[t2] = negInf
							continue
						}
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:] // +C because it's key
						var val float32
						for i := 0; i < hs; i++ {
							val += queryT[i] * keyT2[i]
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBth[t2] = val
					}
					// pass 2: exponentiate relative to the maximum
					var expsum float32
					for t2 := 0; t2 < T; t2++ {
						if maskT != nil && maskT[t2] == 0 {
							attBth[t2] = 0
							continue
						}
						expv := Exp(preattBth[t2] - maxval)
						expsum += expv
						attBth[t2] = expv
					}
					var expsumInv float32
					if expsum != 0.0 {
						expsumInv = 1.0 / expsum
					}
					// pass 3: normalize to get softmax
					for t2 := 0; t2 < T; t2++ {
						attBth[t2] *= expsumInv
					}
					// pass 4: weighted sum of the values
					outBth := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBth[i] = 0.0
					}
					for t2 := 0; t2 < T; t2++ {
						a := attBth[t2]
						if a == 0 {
							continue
						}
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:] // +C*2 because it's value
						for i := 0; i < hs; i++ {
							outBth[i] += a * valueT2[i]
						}
					}
				}(batch, timmie, h)
			}
		}
	}
	wg.Wait()
}

// AttentionBackward performs the backward pass of AttentionForward.
//
// Masked positions carry zero attention weight, so their local softmax
// derivative is zero and they receive no gradient.
//
// Parameters:
//   - dinp: gradient of the input matrix (B,T,3C)
//   - dpreatt: gradient of the pre-attention matrix (B,NH,T,T)
//   - datt: gradient of the attention matrix (B,NH,T,T)
//   - dout: gradient of the output matrix (B,T,C)
//   - inp: input matrix (B,T,3C)
//   - att: attention matrix (B,NH,T,T)
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: input dimension (number of features)
//   - NH: number of attention heads
func AttentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := C * 3
	headSize := C / NH
	scale := 1.0 / Sqrt(float32(headSize))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				dqueryT := dinp[b*T*C3+t*C3+h*headSize:]
				queryT := inp[b*T*C3+t*C3+h*headSize:]
				// value accumulation
				doutBTH := dout[b*T*C+t*C+h*headSize:]
				for t2 := 0; t2 < T; t2++ {
					valueT2 := inp[b*T*C3+t2*C3+h*headSize+C*2:]
					dvalueT2 := dinp[b*T*C3+t2*C3+h*headSize+C*2:]
					for i := 0; i < headSize; i++ {
						dattBTH[t2] += valueT2[i] * doutBTH[i]
						dvalueT2[i] += attBTH[t2] * doutBTH[i]
					}
				}
				// softmax does not require input (preatt) to backward
				for t2 := 0; t2 < T; t2++ {
					if attBTH[t2] == 0 {
						continue
					}
					for t3 := 0; t3 < T; t3++ {
						var indicator float32
						if t2 == t3 {
							indicator = 1.0
						}
						localDerivative := attBTH[t2] * (indicator - attBTH[t3])
						dpreattBTH[t3] += localDerivative * dattBTH[t2]
					}
				}
				// query @ key matmul
				for t2 := 0; t2 < T; t2++ {
					if dpreattBTH[t2] == 0 {
						continue
					}
					keyT2 := inp[b*T*C3+t2*C3+h*headSize+C:]
					dkeyT2 := dinp[b*T*C3+t2*C3+h*headSize+C:]
					for i := 0; i < headSize; i++ {
						dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
						dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

// CausalMask returns a (T,T) mask that lets position t attend to positions 0..t only.
func CausalMask(T int) []float32 {
	mask := make([]float32, T*T)
	for t := 0; t < T; t++ {
		for t2 := 0; t2 <= t; t2++ {
			mask[t*T+t2] = 1
		}
	}
	return mask
}

// GeluForward is the Gaussian Error Linear Units activation function in its
// exact form, x * Phi(x), matching torch.nn.GELU with approximate="none".
//
// Paper: https://arxiv.org/abs/1606.08415v5
func GeluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		out[i] = 0.5 * x * (1.0 + Erf(x/math.Sqrt2))
	}
}

// GeluBackward computes the backward pass of the GeLU non-linearity:
// d/dx x*Phi(x) = Phi(x) + x*phi(x).
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cdf := 0.5 * (1.0 + Erf(x/math.Sqrt2))
		pdf := invSqrt2Pi * Exp(-0.5*x*x)
		dinp[i] += (cdf + x*pdf) * dout[i]
	}
}

// DropoutForward zeroes elements of inp in place where mask is zero and
// rescales the rest. The mask holds 0 for dropped elements and 1/(1-p) for
// kept ones, so the expected activation is unchanged.
func DropoutForward(inp, mask []float32, n int) {
	for i := 0; i < n; i++ {
		inp[i] *= mask[i]
	}
}

// DropoutBackward scales the incoming gradient in place by the same mask.
func DropoutBackward(dinp, mask []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] *= mask[i]
	}
}

// ResidualForward performs a residual connection between two inputs.
//
// out = inp1 + inp2
func ResidualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

// ResidualBackward calculates the backward pass of the residual connection.
// The gradient flows unchanged into both branches.
func ResidualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// SoftmaxForward calculates the softmax over the last (V) axis of logits.
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				baseIndex := b*T*V + t*V
				logitsBT := logits[baseIndex : baseIndex+V]
				probsBT := probs[baseIndex : baseIndex+V]
				// numerical stability
				maxval := logitsBT[0]
				for i := 1; i < V; i++ {
					if logitsBT[i] > maxval {
						maxval = logitsBT[i]
					}
				}
				var sum float32
				for i := 0; i < V; i++ {
					probsBT[i] = Exp(logitsBT[i] - maxval)
					sum += probsBT[i]
				}
				for i := 0; i < V; i++ {
					probsBT[i] /= sum
				}
			}(b, t)
		}
	}
	wg.Wait()
}

// CrossEntropyForward calculates the per position cross entropy loss
// -log(probs[target]).
//
// Parameters:
//   - losses: output matrix (B,T)
//   - probs: softmax probabilities (B,T,V)
//   - targets: target ids (B,T)
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - V: vocabulary size
func CrossEntropyForward(losses []float32, probs []float32, targets []int32, B, T, V int) {
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			startIndex := batch*T*V + timmie*V
			ix := int(targets[batch*T+timmie])
			losses[batch*T+timmie] = -Log(probs[startIndex+ix])
		}
	}
}

// CrossentropySoftmaxBackward calculates the gradient of the fused
// softmax + cross entropy with respect to the logits: (p - onehot) * dloss.
//
// Parameters:
//   - dlogits: gradient of the logits
//   - dlosses: gradient of the cross entropy loss
//   - probs: probabilities
//   - targets: target tokens
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - V: vocabulary size
func CrossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			baseIndex := batch*T*V + timmie*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			dloss := dlosses[batch*T+timmie]
			ix := targets[batch*T+timmie]
			for i := 0; i < V; i++ {
				p := probsBT[i]
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (p - indicator) * dloss
			}
		}
	}
}
