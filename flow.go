package glow

import (
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"gonum.org/v1/gonum/mat"
)

// LogScaleClamp bounds the log-scale predicted by the coupling sub-network to
// [-LogScaleClamp, LogScaleClamp] (soft clamping with tanh), keeping
// exp(logScale) away from overflow and from collapsing to 0 early in training.
const LogScaleClamp = 5.0

// actNormEpsilon is added to the per-channel stddev during the data-dependent
// initialization, so constant channels don't produce an infinite scale.
const actNormEpsilon = 1e-6

// All layers below operate on images shaped [batch, height, width, channels]
// and return the transformed images along with the log-determinant of the
// layer's Jacobian, shaped [batch]. Reverse functions rebuild the inverse
// transform on a context sharing the same variables (ctx.Reuse()).

// actNorm is the activation normalization layer: per-channel affine
// y = (x - bias) * scale.
//
// If initialize is true, bias and scale are first overwritten in-graph with
// the batch statistics (bias=mean, scale=1/stddev), so the layer outputs have
// zero mean and unit variance on the initialization batch. The updates only
// take effect when run through a context.Exec (or train.Trainer), which
// applies Variable.SetValueGraph results.
func actNorm(ctx *context.Context, x *Node, initialize bool) (y, logDet *Node) {
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batch, h, w, channels := dims[0], dims[1], dims[2], dims[3]

	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(dtype, channels))
	scaleVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("scale", shapes.Make(dtype, channels))

	if initialize {
		mean := ReduceMean(x, 0, 1, 2)
		centered := Sub(x, InsertAxes(mean, 0, 0, 0))
		stddev := Sqrt(ReduceMean(Square(centered), 0, 1, 2))
		scale := Div(OnesLike(stddev), AddScalar(stddev, actNormEpsilon))
		biasVar.SetValueGraph(mean)
		scaleVar.SetValueGraph(scale)
	}

	bias := biasVar.ValueGraph(g)
	scale := scaleVar.ValueGraph(g)
	y = Mul(Sub(x, InsertAxes(bias, 0, 0, 0)), InsertAxes(scale, 0, 0, 0))

	// Per-pixel Jacobian is diag(scale), repeated over the h*w positions.
	logDet = BroadcastToDims(
		MulScalar(ReduceAllSum(Log(Abs(scale))), float64(h*w)),
		batch)
	return
}

// actNormReverse computes x = y/scale + bias with the layer's current
// parameters.
func actNormReverse(ctx *context.Context, y *Node) *Node {
	g := y.Graph()
	bias := ctx.GetVariable("bias").ValueGraph(g)
	scale := ctx.GetVariable("scale").ValueGraph(g)
	return Add(Div(y, InsertAxes(scale, 0, 0, 0)), InsertAxes(bias, 0, 0, 0))
}

// mixChannels is the invertible 1x1 convolution: every pixel's channel vector
// is multiplied by the same learned invertible matrix W.
//
// With luDecomposition=false W is a single dense matrix, initialized to a
// random rotation, and the log-determinant costs O(channels³). With
// luDecomposition=true W is kept factorized as P·L·U (P a fixed permutation,
// L unit-lower-triangular, U upper-triangular with parameterized diagonal
// sign·exp(logS)), which brings the log-determinant down to a sum over logS.
func mixChannels(ctx *context.Context, x *Node, luDecomposition bool) (y, logDet *Node) {
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batch, h, w, channels := dims[0], dims[1], dims[2], dims[3]

	var weights, logDetW *Node
	if luDecomposition {
		weights, logDetW = luWeights(ctx, g, dtype, channels)
	} else {
		wVar := ctx.VariableWithValue("w", rotationTensor(channels, dtype, layerSeed(ctx)))
		weights = wVar.ValueGraph(g)
		// No slogdet op is available, but WᵀW is symmetric positive
		// definite (W stays invertible during training), so
		// log|det W| = ½·log det(WᵀW) via a pivot-free elimination.
		logDetW = MulScalar(logDetSPD(MatMul(Transpose(weights, 0, 1), weights)), 0.5)
	}

	y = Einsum("bhwi,io->bhwo", x, weights)
	logDet = BroadcastToDims(MulScalar(logDetW, float64(h*w)), batch)
	return
}

// luWeights builds W = P·L·U from the layer variables, returning W and
// log|det W| (a scalar). Variables are created on first use, initialized from
// the LU factorization of a random rotation.
func luWeights(ctx *context.Context, g *Graph, dtype dtypes.DType, channels int) (weights, logDetW *Node) {
	perm, lower, upper, signS, logS := luInitTensors(channels, dtype, layerSeed(ctx))
	permVar := ctx.VariableWithValue("p", perm).SetTrainable(false)
	lowerVar := ctx.VariableWithValue("l", lower)
	upperVar := ctx.VariableWithValue("u", upper)
	signVar := ctx.VariableWithValue("sign_s", signS).SetTrainable(false)
	logSVar := ctx.VariableWithValue("log_s", logS)

	// Only the strictly triangular parts of l and u are free parameters;
	// masking keeps the rest from drifting.
	matShape := shapes.Make(dtypes.Int32, channels, channels)
	rowIdx := Iota(g, matShape, 0)
	colIdx := Iota(g, matShape, 1)
	eye := ConvertDType(Equal(rowIdx, colIdx), dtype)
	strictlyLower := ConvertDType(GreaterThan(rowIdx, colIdx), dtype)
	strictlyUpper := ConvertDType(LessThan(rowIdx, colIdx), dtype)

	logSNode := logSVar.ValueGraph(g)
	diagS := Mul(Mul(signVar.ValueGraph(g), Exp(logSNode)), eye) // eye*s[j] = diag(s)
	l := Add(Mul(lowerVar.ValueGraph(g), strictlyLower), eye)
	u := Add(Mul(upperVar.ValueGraph(g), strictlyUpper), diagS)
	weights = MatMul(permVar.ValueGraph(g), MatMul(l, u))
	logDetW = ReduceAllSum(logSNode)
	return
}

// mixChannelsReverse multiplies each pixel's channel vector by wInverse, the
// host-inverted mixing matrix (see Decoder).
func mixChannelsReverse(y, wInverse *Node) *Node {
	return Einsum("bhwi,io->bhwo", y, wInverse)
}

// logDetSPD returns log(det(a)) of a symmetric positive-definite matrix as a
// scalar node. It runs a pivot-free Gaussian elimination unrolled at
// graph-build time: at each step the pivot is accumulated and the trailing
// submatrix is updated with the Schur complement. Differentiable like any
// other graph composition.
func logDetSPD(a *Node) *Node {
	n := a.Shape().Dimensions[0]
	var logDet *Node
	for i := 0; i < n; i++ {
		pivot := Slice(a, AxisElem(0), AxisElem(0)) // [1, 1]
		logPivot := Reshape(Log(pivot))             // scalar
		if logDet == nil {
			logDet = logPivot
		} else {
			logDet = Add(logDet, logPivot)
		}
		if i == n-1 {
			break
		}
		row := Slice(a, AxisElem(0), AxisRangeToEnd(1))          // [1, k]
		trailing := Slice(a, AxisRangeToEnd(1), AxisRangeToEnd(1)) // [k, k]
		a = Sub(trailing, Div(Mul(Transpose(row, 0, 1), row), pivot))
	}
	return logDet
}

// affineCoupling splits the channels into a conditioning half xa (the first
// ⌊c/2⌋ channels, passed through unchanged) and a transformed half xb, which
// gets an affine transform predicted from xa:
//
//	yb = xb*exp(logScale) + shift, y = concat(xa, yb)
//
// The sub-network starts as all-zeros, so the whole layer starts as the
// identity.
func affineCoupling(ctx *context.Context, x *Node, hiddenChannels int) (y, logDet *Node) {
	channels := x.Shape().Dimensions[3]
	condChannels := channels / 2
	xa := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(condChannels))
	xb := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(condChannels))

	shift, logScale := couplingNet(ctx, xa, hiddenChannels, channels-condChannels)
	yb := Add(Mul(xb, Exp(logScale)), shift)
	y = Concatenate([]*Node{xa, yb}, -1)
	logDet = ReduceSum(logScale, 1, 2, 3)
	return
}

// affineCouplingReverse inverts affineCoupling: the conditioning half came
// through unchanged, so the same sub-network outputs can be recomputed and
// undone.
func affineCouplingReverse(ctx *context.Context, y *Node, hiddenChannels int) *Node {
	channels := y.Shape().Dimensions[3]
	condChannels := channels / 2
	ya := Slice(y, AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(condChannels))
	yb := Slice(y, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(condChannels))

	shift, logScale := couplingNet(ctx, ya, hiddenChannels, channels-condChannels)
	xb := Div(Sub(yb, shift), Exp(logScale))
	return Concatenate([]*Node{ya, xb}, -1)
}

// couplingNet is the conv net conditioning the affine coupling: two hidden
// layers (3x3 and 1x1) with relu, and a zero-initialized 3x3 output layer
// predicting shift and logScale for each transformed channel. The raw
// log-scale is soft clamped to ±LogScaleClamp.
func couplingNet(ctx *context.Context, xa *Node, hiddenChannels, outChannels int) (shift, logScale *Node) {
	h := layers.Convolution(ctx.In("conv0"), xa).
		Channels(hiddenChannels).KernelSize(3).PadSame().Done()
	h = activations.Relu(h)
	h = layers.Convolution(ctx.In("conv1"), h).
		Channels(hiddenChannels).KernelSize(1).PadSame().Done()
	h = activations.Relu(h)
	out := layers.Convolution(ctx.In("conv_out").WithInitializer(initializers.Zero), h).
		Channels(2*outChannels).KernelSize(3).PadSame().Done()

	shift = Slice(out, AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(outChannels))
	raw := Slice(out, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(outChannels))
	logScale = MulScalar(Tanh(DivScalar(raw, LogScaleClamp)), LogScaleClamp)
	return
}

// layerSeed derives a deterministic seed from the variable scope, so a given
// topology always gets the same random initialization, independent of the
// order the layers are first built in.
func layerSeed(ctx *context.Context) int64 {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(ctx.Scope()))
	return int64(hash.Sum64())
}

// randomRotation samples an orthogonal matrix: QR decomposition of a matrix
// of normal samples.
func randomRotation(n int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(n, n, data))
	var q mat.Dense
	qr.QTo(&q)
	return &q
}

// rotationTensor returns a random rotation as the initial value for a dense
// mixing matrix.
func rotationTensor(n int, dtype dtypes.DType, seed int64) *tensors.Tensor {
	return denseToTensor(randomRotation(n, seed), dtype)
}

// luInitTensors factorizes a random rotation W₀ = P·L·U and returns the
// initial values for the LU-parameterized mixing layer: the permutation
// matrix, the full L and U matrices (their strictly triangular parts are the
// free parameters), and sign and log-magnitude of U's diagonal.
func luInitTensors(n int, dtype dtypes.DType, seed int64) (perm, lower, upper, signS, logS *tensors.Tensor) {
	w0 := randomRotation(n, seed)
	var lu mat.LU
	lu.Factorize(w0)

	var l, u mat.TriDense
	lu.LTo(&l)
	lu.UTo(&u)

	// gonum gives W₀ = P·L·U with row i of L·U coming from row pivots[i]
	// of W₀.
	pivots := lu.RowPivots(nil)
	permMat := mat.NewDense(n, n, nil)
	for i, p := range pivots {
		permMat.Set(p, i, 1)
	}

	signData := make([]float64, n)
	logSData := make([]float64, n)
	for i := 0; i < n; i++ {
		d := u.At(i, i)
		signData[i] = 1
		if d < 0 {
			signData[i] = -1
		}
		logSData[i] = math.Log(math.Abs(d))
	}

	perm = denseToTensor(permMat, dtype)
	lower = denseToTensor(mat.DenseCopyOf(&l), dtype)
	upper = denseToTensor(mat.DenseCopyOf(&u), dtype)
	signS = vectorToTensor(signData, dtype)
	logS = vectorToTensor(logSData, dtype)
	return
}

// denseToTensor converts a gonum matrix to a tensor of the model dtype.
func denseToTensor(m *mat.Dense, dtype dtypes.DType) *tensors.Tensor {
	rows, cols := m.Dims()
	if dtype == dtypes.Float64 {
		data := make([]float64, 0, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				data = append(data, m.At(i, j))
			}
		}
		return tensors.FromFlatDataAndDimensions(data, rows, cols)
	}
	data := make([]float32, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, float32(m.At(i, j)))
		}
	}
	return tensors.FromFlatDataAndDimensions(data, rows, cols)
}

func vectorToTensor(v []float64, dtype dtypes.DType) *tensors.Tensor {
	if dtype == dtypes.Float64 {
		return tensors.FromFlatDataAndDimensions(append([]float64{}, v...), len(v))
	}
	data := make([]float32, len(v))
	for i, x := range v {
		data[i] = float32(x)
	}
	return tensors.FromFlatDataAndDimensions(data, len(v))
}
