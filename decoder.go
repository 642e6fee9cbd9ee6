package glow

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
	"gonum.org/v1/gonum/mat"
)

// Decoder runs the flow in the generative direction: factorized latents back
// to images. It shares the model variables with the training context, except
// for the mixing matrices, whose inverses are computed on the host (with
// gonum) when the decoder is created and captured as constants.
//
// Because of that capture, a Decoder is a snapshot: create a new one after
// further training steps.
type Decoder struct {
	config     *Config
	wInverses  [][]*tensors.Tensor
	decodeExec *context.Exec
}

// NewDecoder captures the current model parameters into a Decoder.
// The model variables must already exist (at least one inference graph must
// have been built), otherwise it panics.
func NewDecoder(config *Config) *Decoder {
	d := &Decoder{
		config:    config,
		wInverses: invertMixingMatrices(config),
	}
	d.decodeExec = must.M1(context.NewExecAny(config.Backend, config.Context.Reuse(),
		func(ctx *context.Context, factorizedZ []*Node) *Node {
			return config.generativeGraph(ctx, factorizedZ, d.wInverseNodes(factorizedZ[0].Graph()))
		}))
	return d
}

// Finalize releases the decoder's compiled graph and device buffers. The
// decoder must not be used afterwards.
func (d *Decoder) Finalize() {
	d.decodeExec.Finalize()
}

// Decode maps factorized latents, one tensor per level as produced by
// InferenceGraph, back to images shaped [batch, height, width, 3].
func (d *Decoder) Decode(factorizedZ ...*tensors.Tensor) *tensors.Tensor {
	if len(factorizedZ) != d.config.Hyper.Levels {
		exceptions.Panicf("Decode: got %d latent tensors for a %d-level model",
			len(factorizedZ), d.config.Hyper.Levels)
	}
	args := make([]any, len(factorizedZ))
	for i, z := range factorizedZ {
		args[i] = z
	}
	return d.decodeExec.MustExec1(args...)
}

// Sample draws numImages latents from N(0, temperature²) and decodes them.
// Lower temperatures sample closer to the mode of the model distribution and
// usually give cleaner images.
func (d *Decoder) Sample(numImages int, temperature float64) *tensors.Tensor {
	config := d.config
	return context.MustExecOnce(config.Backend, config.Context.Reuse(),
		func(ctx *context.Context, g *Graph) *Node {
			latentShapes := config.LatentShapes(numImages)
			factorizedZ := make([]*Node, len(latentShapes))
			for i, shape := range latentShapes {
				factorizedZ[i] = MulScalar(ctx.RandomNormal(g, shape), temperature)
			}
			return config.generativeGraph(ctx, factorizedZ, d.wInverseNodes(g))
		})
}

// wInverseNodes materializes the captured inverse mixing matrices as
// constants of graph g, indexed [level][step].
func (d *Decoder) wInverseNodes(g *Graph) [][]*Node {
	nodes := make([][]*Node, len(d.wInverses))
	for level, steps := range d.wInverses {
		nodes[level] = make([]*Node, len(steps))
		for step, w := range steps {
			nodes[level][step] = Const(g, w)
		}
	}
	return nodes
}

// invertMixingMatrices reads the current mixing matrix of every flow step
// from the model variables and inverts it on the host.
func invertMixingMatrices(config *Config) [][]*tensors.Tensor {
	hp := config.Hyper
	result := make([][]*tensors.Tensor, hp.Levels)
	for level := 0; level < hp.Levels; level++ {
		result[level] = make([]*tensors.Tensor, hp.DepthPerLevel)
		for step := 0; step < hp.DepthPerLevel; step++ {
			ctx := config.Context.In(ModelScope).
				Inf("level_%d", level).Inf("step_%d", step).In("mix")
			w := mixingMatrix(ctx, hp.LUDecomposition)
			var wInverse mat.Dense
			if err := wInverse.Inverse(w); err != nil {
				exceptions.Panicf("mixing matrix of level %d step %d is singular: %v", level, step, err)
			}
			result[level][step] = denseToTensor(&wInverse, config.DType)
		}
	}
	return result
}

// mixingMatrix reconstructs W of one mixing layer from the variables in ctx's
// scope.
func mixingMatrix(ctx *context.Context, luDecomposition bool) *mat.Dense {
	if !luDecomposition {
		return tensorToDense(variableValue(ctx, "w"))
	}
	perm := tensorToDense(variableValue(ctx, "p"))
	lower := tensorToDense(variableValue(ctx, "l"))
	upper := tensorToDense(variableValue(ctx, "u"))
	signS := tensorToVector(variableValue(ctx, "sign_s"))
	logS := tensorToVector(variableValue(ctx, "log_s"))

	n, _ := lower.Dims()
	l := mat.NewDense(n, n, nil)
	u := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		l.Set(i, i, 1)
		u.Set(i, i, signS[i]*math.Exp(logS[i]))
		for j := 0; j < i; j++ {
			l.Set(i, j, lower.At(i, j))
		}
		for j := i + 1; j < n; j++ {
			u.Set(i, j, upper.At(i, j))
		}
	}
	var lu, w mat.Dense
	lu.Mul(l, u)
	w.Mul(perm, &lu)
	return &w
}

func variableValue(ctx *context.Context, name string) *tensors.Tensor {
	v := ctx.InspectVariableInScope(name)
	if v == nil {
		exceptions.Panicf("variable %q not found in scope %q: the model must be built before creating a Decoder",
			name, ctx.Scope())
	}
	return v.MustValue()
}

func tensorToDense(t *tensors.Tensor) *mat.Dense {
	switch rows := t.Value().(type) {
	case [][]float32:
		m := mat.NewDense(len(rows), len(rows[0]), nil)
		for i, row := range rows {
			for j, x := range row {
				m.Set(i, j, float64(x))
			}
		}
		return m
	case [][]float64:
		m := mat.NewDense(len(rows), len(rows[0]), nil)
		for i, row := range rows {
			m.SetRow(i, row)
		}
		return m
	default:
		exceptions.Panicf("expected a float32 or float64 matrix, got %s", t.Shape())
	}
	return nil
}

func tensorToVector(t *tensors.Tensor) []float64 {
	switch v := t.Value().(type) {
	case []float32:
		result := make([]float64, len(v))
		for i, x := range v {
			result[i] = float64(x)
		}
		return result
	case []float64:
		return v
	default:
		exceptions.Panicf("expected a float32 or float64 vector, got %s", t.Shape())
	}
	return nil
}
