package gpt

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/conneroisu/gomega/pkg/data"
	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackwardNeedsLoss(t *testing.T) {
	model := newTestModel(t, testConfig(5))
	out, err := model.Forward(tokens(5, 4), nil, 1, 4)
	require.NoError(t, err)
	assert.Error(t, model.Backward(out))
	assert.Error(t, model.Backward(nil))
}

// TestBackwardMatchesFiniteDifference compares analytic gradients with
// central differences of the loss for a few parameters of every kind.
func TestBackwardMatchesFiniteDifference(t *testing.T) {
	for _, causal := range []bool{false, true} {
		cfg := testConfig(5)
		cfg.NumLayers = 1
		cfg.Causal = causal
		model := newTestModel(t, cfg)
		B, T := 2, 4
		seq := tokens(5, B*T+1)
		in, targets := seq[:B*T], seq[1:]

		out, err := model.Forward(in, targets, B, T)
		require.NoError(t, err)
		model.ZeroGradient()
		require.NoError(t, model.Backward(out))

		loss := func() float64 {
			o, err := model.Forward(in, targets, B, T)
			require.NoError(t, err)
			return float64(o.Loss)
		}
		p, g := &model.Params, &model.Gradients
		checks := map[string]struct{ param, grad []float32 }{
			"head":   {p.HeadW.data, g.HeadW.data},
			"tok":    {p.TokEmbed.data, g.TokEmbed.data},
			"pos":    {p.PosEmbed.data, g.PosEmbed.data},
			"qkv":    {p.QueryKeyValW.data, g.QueryKeyValW.data},
			"proj":   {p.AttProjW.data, g.AttProjW.data},
			"ff":     {p.FeedFwdW.data, g.FeedFwdW.data},
			"ffproj": {p.FeedFwdProjW.data, g.FeedFwdProjW.data},
			"ln1":    {p.LayerNorm1W.data, g.LayerNorm1W.data},
			"lnf":    {p.LayerFinNormB.data, g.LayerFinNormB.data},
		}
		const eps = 1e-3
		for name, c := range checks {
			for _, i := range []int{0, len(c.param) / 3, len(c.param) - 1} {
				orig := c.param[i]
				c.param[i] = orig + eps
				up := loss()
				c.param[i] = orig - eps
				down := loss()
				c.param[i] = orig
				numeric := (up - down) / (2 * eps)
				analytic := float64(c.grad[i])
				assert.InDelta(t, numeric, analytic, 2e-3+0.05*math.Abs(numeric), "%s[%d] causal=%v", name, i, causal)
			}
		}
	}
}

func TestTrainReducesLoss(t *testing.T) {
	text := strings.Repeat("abcab", 80)
	v, err := vocab.Build(text)
	require.NoError(t, err)
	ids, err := v.Encode(text)
	require.NoError(t, err)
	trainIDs, valIDs := data.Split(ids, 0.8)

	B, T := 4, 8
	trainLoader, err := data.FromTokens(trainIDs, B, T)
	require.NoError(t, err)
	valLoader, err := data.FromTokens(valIDs, B, T)
	require.NoError(t, err)

	cfg := testConfig(v.Size())
	cfg.NumLayers = 1
	model := newTestModel(t, cfg)
	opts := DefaultTrainOptions()
	opts.Steps = 60
	opts.BatchSize, opts.SeqLength = B, T
	opts.LearningRate = 1e-2
	opts.EvalEvery = 20
	opts.EvalBatches = 2
	opts.SampleEvery = 30
	opts.SampleLength = 8
	opts.Tokenizer = v

	report, err := model.Train(context.Background(), trainLoader, valLoader, opts)
	require.NoError(t, err)
	require.Len(t, report.Losses, 60)
	assert.Len(t, report.ValLosses, 3)
	assert.Less(t, report.Losses[59], report.Losses[0]/2)
	assert.Less(t, report.ValLosses[2], report.ValLosses[0])
}

func TestTrainRejectsLongSequences(t *testing.T) {
	model := newTestModel(t, testConfig(5))
	opts := DefaultTrainOptions()
	opts.SeqLength = 9
	_, err := model.Train(context.Background(), nil, nil, opts)
	assert.ErrorIs(t, err, ErrSequenceTooLong)
}

func TestTrainCancelled(t *testing.T) {
	model := newTestModel(t, testConfig(5))
	loader, err := data.FromTokens(tokens(5, 40), 1, 8)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := DefaultTrainOptions()
	opts.BatchSize, opts.SeqLength = 1, 8
	report, err := model.Train(ctx, loader, nil, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Losses)
}
