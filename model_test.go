package glow

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqueeze(t *testing.T) {
	config := getTestConfig(nil)
	x := randomTensor(1, 3, 2, 4, 4, 3)
	exec := must.M1(context.NewExecAny(config.Backend, nil,
		func(_ *context.Context, x *Node) []*Node {
			squeezed := squeeze(x)
			return []*Node{squeezed, ReduceAllMax(Abs(Sub(x, unsqueeze(squeezed))))}
		}))
	outs := exec.MustExec(x)
	assert.Equal(t, []int{2, 2, 2, 12}, outs[0].Shape().Dimensions)
	assert.InDelta(t, 0.0, scalarF64(t, outs[1]), 0, "unsqueeze must invert squeeze exactly")
}

func TestInferenceGraphShapes(t *testing.T) {
	config := getTestConfig(nil)
	images := randomImagesTensor(4, 8, 8, 5, 1)

	exec := must.M1(context.NewExecAny(config.Backend, config.Context,
		func(ctx *context.Context, x *Node) []*Node {
			factorizedZ, logDet := config.InferenceGraph(ctx, x, true)
			return append(factorizedZ, logDet)
		}))
	outs := exec.MustExec(images)
	require.Len(t, outs, config.Hyper.Levels+1)

	wantShapes := config.LatentShapes(4)
	totalSize := 0
	for i, want := range wantShapes {
		assert.Truef(t, want.Equal(outs[i].Shape()),
			"latent %d: want shape %s, got %s", i, want, outs[i].Shape())
		totalSize += want.Size()
	}
	// The flow is a bijection: no dimensions lost or gained.
	assert.Equal(t, 4*8*8*3, totalSize)

	logDet := outs[config.Hyper.Levels]
	assert.Equal(t, []int{4}, logDet.Shape().Dimensions)
}

func TestLatentShapesMultiLevel(t *testing.T) {
	config := getTestConfig(map[string]any{"levels": 3, "image_size": 16})
	got := config.LatentShapes(2)
	require.Len(t, got, 3)
	assert.Equal(t, []int{2, 8, 8, 6}, got[0].Dimensions)
	assert.Equal(t, []int{2, 4, 4, 12}, got[1].Dimensions)
	assert.Equal(t, []int{2, 2, 2, 48}, got[2].Dimensions)
}

func TestMergeFactorizedZ(t *testing.T) {
	config := getTestConfig(nil)
	images := randomImagesTensor(4, 8, 8, 5, 2)

	encode := must.M1(context.NewExecAny(config.Backend, config.Context,
		func(ctx *context.Context, x *Node) []*Node {
			factorizedZ, _ := config.InferenceGraph(ctx, x, true)
			return factorizedZ
		}))
	latents := encode.MustExec(images)

	// Merging is a lossless repacking: image shape back, every element kept.
	exec := must.M1(context.NewExecAny(config.Backend, nil,
		func(_ *context.Context, zs []*Node) []*Node {
			merged := MergeFactorizedZGraph(zs)
			var partsSum *Node
			for _, z := range zs {
				partsSum = addLogDet(partsSum, ReduceAllSum(z))
			}
			return []*Node{merged, Abs(Sub(ReduceAllSum(merged), partsSum))}
		}))
	defer exec.Finalize()
	args := make([]any, len(latents))
	for i, z := range latents {
		args[i] = z
	}
	outs := exec.MustExec(args...)
	assert.Equal(t, []int{4, 8, 8, 3}, outs[0].Shape().Dimensions)
	assert.InDelta(t, 0.0, scalarF64(t, outs[1]), 1e-3)

	merged := MergeFactorizedZHost(config, latents)
	assert.Equal(t, []int{4, 8, 8, 3}, merged.Shape().Dimensions)
}

func maxAbsDiff(t *testing.T, config *Config, a, b *tensors.Tensor) float64 {
	t.Helper()
	exec := must.M1(context.NewExecAny(config.Backend, nil,
		func(_ *context.Context, x, y *Node) *Node {
			return ReduceAllMax(Abs(Sub(x, y)))
		}))
	defer exec.Finalize()
	return scalarF64(t, exec.MustExec1(a, b))
}

func TestRoundTrip(t *testing.T) {
	for name, overrides := range map[string]map[string]any{
		"dense": nil,
		"lu":    {"lu_decomposition": true},
	} {
		t.Run(name, func(t *testing.T) {
			config := getTestConfig(overrides)
			images := randomImagesTensor(4, 8, 8, 5, 7)

			encode := must.M1(context.NewExecAny(config.Backend, config.Context,
				func(ctx *context.Context, x *Node) []*Node {
					factorizedZ, _ := config.InferenceGraph(ctx, x, true)
					return factorizedZ
				}))
			encode.MustExec(images) // Creates and initializes the variables.

			// Move one coupling away from the identity, so the round trip
			// exercises more than the rotations and the actnorm.
			weightsVar := config.Context.In(ModelScope).In("level_0").In("step_0").
				In("coupling").In("conv_out").In("conv").InspectVariableInScope("weights")
			require.NotNil(t, weightsVar)
			dims := weightsVar.Shape().Dimensions
			require.NoError(t, weightsVar.SetValue(randomTensor(0.2, 8, dims...)))

			latents := encode.MustExec(images)
			decoder := NewDecoder(config)
			defer decoder.Finalize()
			reconstructed := decoder.Decode(latents...)

			require.Equal(t, images.Shape().Dimensions, reconstructed.Shape().Dimensions)
			assert.Less(t, maxAbsDiff(t, config, images, reconstructed), 1e-3)
		})
	}
}

func TestRoundTripSingleLevel(t *testing.T) {
	config := getTestConfig(map[string]any{
		"image_size":      4,
		"levels":          1,
		"depth_per_level": 2,
		"num_bits_x":      8,
		"batch_size":      2,
	})
	images := randomImagesTensor(2, 4, 4, 8, 13)

	encode := must.M1(context.NewExecAny(config.Backend, config.Context,
		func(ctx *context.Context, x *Node) []*Node {
			factorizedZ, _ := config.InferenceGraph(ctx, x, true)
			return factorizedZ
		}))
	latents := encode.MustExec(images)

	// A single level emits everything after the squeeze: one latent tensor.
	require.Len(t, latents, 1)
	assert.Equal(t, []int{2, 2, 2, 12}, latents[0].Shape().Dimensions)

	decoder := NewDecoder(config)
	defer decoder.Finalize()
	reconstructed := decoder.Decode(latents...)
	assert.Less(t, maxAbsDiff(t, config, images, reconstructed), 1e-3)
}

// TestInferenceLogDetAdditive replays the flow layer by layer on the shared
// variables and checks that InferenceGraph's aggregate log-determinant is
// exactly the sum of the per-layer contributions.
func TestInferenceLogDetAdditive(t *testing.T) {
	config := getTestConfig(map[string]any{
		"image_size":      4,
		"levels":          1,
		"depth_per_level": 2,
		"num_bits_x":      8,
		"batch_size":      2,
	})
	hp := config.Hyper
	images := randomImagesTensor(2, 4, 4, 8, 17)

	exec := must.M1(context.NewExecAny(config.Backend, config.Context,
		func(ctx *context.Context, x *Node) *Node {
			_, logDet := config.InferenceGraph(ctx, x, true)

			model := ctx.In(ModelScope).Reuse()
			var sum *Node
			y := x
			for step := 0; step < hp.DepthPerLevel; step++ {
				stepCtx := model.In("level_0").Inf("step_%d", step)
				var ld *Node
				y, ld = actNorm(stepCtx.In("actnorm"), y, false)
				sum = addLogDet(sum, ld)
				y, ld = mixChannels(stepCtx.In("mix"), y, hp.LUDecomposition)
				sum = addLogDet(sum, ld)
				y, ld = affineCoupling(stepCtx.In("coupling"), y, hp.NNHiddenChannels)
				sum = addLogDet(sum, ld)
			}
			return ReduceAllMax(Abs(Sub(logDet, sum)))
		}))
	assert.Less(t, scalarF64(t, exec.MustExec1(images)), 1e-4)
}

func TestDecoderSample(t *testing.T) {
	config := getTestConfig(nil)
	images := randomImagesTensor(4, 8, 8, 5, 9)

	encode := must.M1(context.NewExecAny(config.Backend, config.Context,
		func(ctx *context.Context, x *Node) []*Node {
			factorizedZ, _ := config.InferenceGraph(ctx, x, true)
			return factorizedZ
		}))
	encode.MustExec(images)

	decoder := NewDecoder(config)
	defer decoder.Finalize()
	samples := decoder.Sample(2, 0.7)
	assert.Equal(t, []int{2, 8, 8, 3}, samples.Shape().Dimensions)

	// Finite pixels only.
	zeros := tensors.FromFlatDataAndDimensions(make([]float32, 2*8*8*3), 2, 8, 8, 3)
	maxAbs := maxAbsDiff(t, config, samples, zeros)
	assert.False(t, math.IsNaN(maxAbs) || math.IsInf(maxAbs, 0))

	// Decode must refuse a latent count that doesn't match the topology.
	err := exceptions.TryCatch[error](func() { decoder.Decode(decoder.wInverses[0][0]) })
	require.Error(t, err)
}
