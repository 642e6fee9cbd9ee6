package glow

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// squeeze trades spatial resolution for channels, [b, h, w, c] to
// [b, h/2, w/2, 4c]: each 2x2 spatial patch becomes 4 channel groups.
func squeeze(x *Node) *Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, b, h/2, 2, w/2, 2, c)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, b, h/2, w/2, 4*c)
}

// unsqueeze is the inverse of squeeze, [b, h, w, c] to [b, 2h, 2w, c/4].
func unsqueeze(x *Node) *Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, b, h, w, 2, 2, c/4)
	x = TransposeAllAxes(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, b, 2*h, 2*w, c/4)
}

// InferenceGraph builds the normalizing direction of the flow: it maps a
// batch of images x ([batch, height, width, 3]) to its factorized latent
// representation, one tensor per level, and the accumulated log-determinant
// of the Jacobian, shaped [batch].
//
// Each level runs DepthPerLevel flow steps (actnorm, channel mixing, affine
// coupling) at the current resolution, squeezes, and factors out the first
// half of the channels as that level's latent; the last level emits
// everything. Channels factored out early therefore pass through fewer
// layers, giving the multi-scale architecture its cost advantage.
//
// With initialize=true the actnorm layers overwrite their parameters with
// the batch statistics (see InitializeActNormWeights).
//
// ctx is expected at the root scope; all variables live under ModelScope.
func (c *Config) InferenceGraph(ctx *context.Context, x *Node, initialize bool) (factorizedZ []*Node, logDet *Node) {
	ctx = ctx.In(ModelScope)
	hp := c.Hyper
	factorizedZ = make([]*Node, 0, hp.Levels)

	for level := 0; level < hp.Levels; level++ {
		levelCtx := ctx.Inf("level_%d", level)
		for step := 0; step < hp.DepthPerLevel; step++ {
			stepCtx := levelCtx.Inf("step_%d", step)
			var ld *Node
			x, ld = actNorm(stepCtx.In("actnorm"), x, initialize)
			logDet = addLogDet(logDet, ld)
			x, ld = mixChannels(stepCtx.In("mix"), x, hp.LUDecomposition)
			logDet = addLogDet(logDet, ld)
			x, ld = affineCoupling(stepCtx.In("coupling"), x, hp.NNHiddenChannels)
			logDet = addLogDet(logDet, ld)
		}
		x = squeeze(x)
		if level < hp.Levels-1 {
			channels := x.Shape().Dimensions[3]
			zi := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(channels/2))
			x = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(channels/2))
			factorizedZ = append(factorizedZ, zi)
		} else {
			factorizedZ = append(factorizedZ, x)
		}
	}
	return
}

func addLogDet(total, ld *Node) *Node {
	if total == nil {
		return ld
	}
	return Add(total, ld)
}

// generativeGraph builds the inverse flow: factorized latents back to images.
// ctx must share the model variables (built from Config.Context with Reuse).
// wInverses holds the inverted mixing matrix of each flow step, indexed
// [level][step], captured as constants (see Decoder).
func (c *Config) generativeGraph(ctx *context.Context, factorizedZ []*Node, wInverses [][]*Node) *Node {
	ctx = ctx.In(ModelScope)
	hp := c.Hyper

	var y *Node
	for level := hp.Levels - 1; level >= 0; level-- {
		if y == nil {
			y = factorizedZ[level]
		} else {
			y = Concatenate([]*Node{factorizedZ[level], y}, -1)
		}
		y = unsqueeze(y)
		levelCtx := ctx.Inf("level_%d", level)
		for step := hp.DepthPerLevel - 1; step >= 0; step-- {
			stepCtx := levelCtx.Inf("step_%d", step)
			y = affineCouplingReverse(stepCtx.In("coupling"), y, hp.NNHiddenChannels)
			y = mixChannelsReverse(y, wInverses[level][step])
			y = actNormReverse(stepCtx.In("actnorm"), y)
		}
	}
	return y
}

// MergeFactorizedZGraph packs the per-level latents back into one tensor with
// the shape of the input images, by walking the levels in reverse and undoing
// each level's factor-out and squeeze. Purely a reshaping: no flow layers are
// applied, so the result is a lossless repacking of the latents.
func MergeFactorizedZGraph(factorizedZ []*Node) *Node {
	var z *Node
	for i := len(factorizedZ) - 1; i >= 0; i-- {
		if z == nil {
			z = factorizedZ[i]
		} else {
			z = Concatenate([]*Node{factorizedZ[i], z}, -1)
		}
		z = unsqueeze(z)
	}
	return z
}

// LatentShapes returns the shapes of the factorized latents produced by
// InferenceGraph for the configured topology, used to sample latents for
// generation.
func (c *Config) LatentShapes(batchSize int) []shapes.Shape {
	hp := c.Hyper
	result := make([]shapes.Shape, 0, hp.Levels)
	h, w, channels := hp.ImageHeight, hp.ImageWidth, 3
	for level := 0; level < hp.Levels; level++ {
		h, w, channels = h/2, w/2, 4*channels
		if level < hp.Levels-1 {
			result = append(result, shapes.Make(c.DType, batchSize, h, w, channels/2))
			channels /= 2
		} else {
			result = append(result, shapes.Make(c.DType, batchSize, h, w, channels))
		}
	}
	return result
}
