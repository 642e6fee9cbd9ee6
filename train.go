package glow

import (
	"fmt"
	"math"
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// actNormInitFlag is the variable name recording that the data-dependent
// actnorm initialization already ran. It lives under ModelScope and is saved
// with the checkpoints, so a resumed training never re-initializes.
const actNormInitFlag = "actnorm_initialized"

// TrainModel trains the flow on trainImages, a dataset of individual examples
// as returned by LoadImagesDataset (batching and shuffling are configured
// here). It orchestrates the data-dependent initialization, the training loop
// with checkpointing and the periodic reversibility diagnostics, using the
// hyperparameters in the Config's context.
func TrainModel(config *Config, trainImages *datasets.InMemoryDataset, checkpointPath string, verbosity int) {
	ctx := config.Context
	backend := config.Backend

	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving. This also loads a previous model if one exists in
	// checkpointPath.
	checkpoint := config.AttachCheckpoint(checkpointPath)
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if verbosity >= 1 {
		for _, paramsPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	numExamples := trainImages.NumExamples()
	if numExamples < config.BatchSize {
		exceptions.Panicf("dataset has %d examples, fewer than one batch of %d", numExamples, config.BatchSize)
	}

	// probeDS yields deterministic batches for the initialization and the
	// reversibility diagnostics; the training copy shuffles and loops forever.
	probeDS := trainImages.Copy()
	probeDS.BatchSize(config.BatchSize, true)
	shuffleSeed := context.GetParamOr(ctx, "shuffle_seed", int64(42))
	trainImages.WithRand(rand.New(rand.NewSource(shuffleSeed))).
		Shuffle().Infinite(true).BatchSize(config.BatchSize, true)

	// Data-dependent initialization of the actnorm layers, unless a resumed
	// checkpoint already carries initialized weights.
	initialized := false
	if NeedsActNormInit(ctx) {
		InitializeActNormWeights(config, probeDS)
		initialized = true
	} else if verbosity >= 1 {
		fmt.Println("\t - actnorm weights already initialized, skipping.")
	}

	var trainDS train.Dataset = trainImages
	if config.DataParallelism > 1 {
		if config.BatchSize%config.DataParallelism != 0 {
			exceptions.Panicf("batch_size=%d is not divisible by data_parallelism=%d",
				config.BatchSize, config.DataParallelism)
		}
		trainDS = must.M1(NewShardedDataset(backend, trainImages, config.DataParallelism))
		if verbosity >= 1 {
			fmt.Printf("\t - data-parallel training over %d devices (%d examples each)\n",
				config.DataParallelism, config.BatchSize/config.DataParallelism)
		}
	}

	// The loss is computed inside the model graph; the trainer just picks it
	// up from the first output.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[0] }
	trainer := train.NewTrainer(
		backend, ctx, BuildTrainComputation(config), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 || initialized {
		// Variables already exist (loaded or initialized), reuse them.
		trainer.SetContext(ctx.Reuse())
	}

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// The loop aborts on NaN loss on its own; ±Inf needs an explicit guard.
	train.EveryNSteps(loop, 1, "finite loss guard", 0,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			return checkLossIsFinite(stepMetrics, loop.LoopStep)
		})

	if checkpoint != nil {
		every := context.GetParamOr(ctx, "checkpoint_every_n_steps", 100)
		train.EveryNSteps(loop, every, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Reversibility diagnostics, by default once per pass over the data.
	diagnostics := newReversibilityCheck(config, probeDS)
	revEvery := context.GetParamOr(ctx, "reversibility_check_every_n_steps", 0)
	if revEvery <= 0 {
		revEvery = max(numExamples/config.BatchSize, 1)
	}
	train.EveryNSteps(loop, revEvery, "reversibility check", 20,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return diagnostics.run(loop.LoopStep)
		})

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				errSave := checkpoint.Save()
				if errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if verbosity >= 1 {
		config.PrintModelSummary()
	}
}

// checkLossIsFinite errors out on a NaN or ±Inf loss, stopping training (and
// triggering the debug checkpoint save) before further steps run on corrupted
// weights.
func checkLossIsFinite(stepMetrics []*tensors.Tensor, step int) error {
	if len(stepMetrics) == 0 {
		return nil
	}
	var loss float64
	switch v := stepMetrics[0].Value().(type) {
	case float32:
		loss = float64(v)
	case float64:
		loss = v
	default:
		return nil
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Errorf("non-finite loss %v at training step %d", loss, step)
	}
	return nil
}

// BuildTrainComputation builds the ModelFn for training and evaluation: it
// adds the dequantization noise (only when training), runs the inference
// direction of the flow and computes the bits/dim objective in-graph.
//
// Outputs: [loss, nllBitsPerDim, logDetBitsPerDim], all scalars.
func BuildTrainComputation(config *Config) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		images := ConvertDType(inputs[0], config.DType)
		loss, nllBits, logDetBits := lossGraph(ctx, config, images, false)
		return []*Node{loss, nllBits, logDetBits}
	}
}

// lossGraph computes the negative log-likelihood of images under the flow, in
// bits per dimension:
//
//	loss = (nll - logDet) / (log(2)·numPixels), averaged over the batch
//
// where nll is the negative log-density of the latents under a standard
// normal prior and logDet includes both the flow's Jacobian and the
// -log(numBins) per pixel discretization correction, so losses are
// comparable across bit depths.
func lossGraph(ctx *context.Context, config *Config, images *Node, initialize bool) (loss, nllBits, logDetBits *Node) {
	g := images.Graph()
	hp := config.Hyper
	numBins := float64(hp.NumBins())
	numPixels := float64(hp.NumPixels())

	if ctx.IsTraining(g) {
		// Dequantization: uniform noise over the width of one bin, turning
		// the discrete pixel distribution into a density.
		noise := ctx.RandomUniform(g, images.Shape())
		images = Add(images, MulScalar(noise, 1.0/numBins))
	}

	factorizedZ, logDet := config.InferenceGraph(ctx, images, initialize)
	logDet = AddScalar(logDet, -math.Log(numBins)*numPixels)

	// -log p(z) under N(0, I), summed over all latent dimensions.
	var nll *Node
	for _, zi := range factorizedZ {
		nllI := ReduceSum(MulScalar(AddScalar(Square(zi), math.Log(2*math.Pi)), 0.5), 1, 2, 3)
		nll = addLogDet(nll, nllI)
	}

	bitsDenominator := math.Log(2) * numPixels
	loss = ReduceAllMean(DivScalar(Sub(nll, logDet), bitsDenominator))
	nllBits = ReduceAllMean(DivScalar(nll, bitsDenominator))
	logDetBits = ReduceAllMean(DivScalar(logDet, bitsDenominator))
	return
}

// NeedsActNormInit reports whether the data-dependent actnorm initialization
// still has to run. It is false for models resumed from a checkpoint.
func NeedsActNormInit(ctx *context.Context) bool {
	v := ctx.InspectVariable(context.ScopeSeparator+ModelScope, actNormInitFlag)
	if v == nil {
		return true
	}
	flag, ok := v.MustValue().Value().(bool)
	return !ok || !flag
}

// InitializeActNormWeights runs one batch of ds through the flow in
// initialization mode: every actnorm layer overwrites its bias and scale with
// the batch statistics, so its outputs start with zero mean and unit variance.
// All other variables are created with their regular initializers.
//
// Calling it again once the model is initialized is refused with a warning,
// since overwriting trained weights with batch statistics would destroy them.
func InitializeActNormWeights(config *Config, ds train.Dataset) {
	ctx := config.Context
	if !NeedsActNormInit(ctx) {
		klog.Warning("actnorm weights are already initialized; refusing to overwrite them with batch statistics")
		return
	}
	_, inputs, _, err := ds.Yield()
	if err != nil {
		exceptions.Panicf("reading initialization batch: %v", err)
	}
	ds.Reset()

	exec := must.M1(context.NewExecAny(config.Backend, ctx,
		func(ctx *context.Context, images *Node) *Node {
			images = ConvertDType(images, config.DType)
			loss, _, _ := lossGraph(ctx, config, images, true)
			return loss
		}))
	defer exec.Finalize()
	lossT := exec.MustExec1(inputs[0])
	klog.V(1).Infof("actnorm initialization done, loss on the initialization batch: %v", lossT.Value())

	ctx.In(ModelScope).VariableWithValue(actNormInitFlag, true).SetTrainable(false)
}

// reversibilityCheck runs the round-trip diagnostic: encode a fixed probe
// batch, decode it back with a freshly captured Decoder and log the latent
// and reconstruction statistics. With reduce_memory=false the encoding Exec
// (graph and device buffers) is kept alive between checks; with
// reduce_memory=true it is rebuilt and released every time.
type reversibilityCheck struct {
	config  *Config
	probeDS *datasets.InMemoryDataset
	encode  *context.Exec
}

func newReversibilityCheck(config *Config, probeDS *datasets.InMemoryDataset) *reversibilityCheck {
	return &reversibilityCheck{config: config, probeDS: probeDS}
}

func (r *reversibilityCheck) encodeExec() *context.Exec {
	if r.encode != nil {
		return r.encode
	}
	config := r.config
	exec := must.M1(context.NewExecAny(config.Backend, config.Context.Reuse(),
		func(ctx *context.Context, images *Node) []*Node {
			images = ConvertDType(images, config.DType)
			factorizedZ, _ := config.InferenceGraph(ctx, images, false)
			return factorizedZ
		}))
	if !config.ReduceMemory {
		r.encode = exec
	}
	return exec
}

func (r *reversibilityCheck) run(step int) error {
	config := r.config
	r.probeDS.Reset()
	_, inputs, _, err := r.probeDS.Yield()
	if err != nil {
		return err
	}
	images := inputs[0]

	encode := r.encodeExec()
	if config.ReduceMemory {
		defer encode.Finalize()
	}
	factorizedZ := encode.MustExec(images)

	decoder := NewDecoder(config)
	defer decoder.Finalize()
	reconstructed := decoder.Decode(factorizedZ...)

	statsExec := must.M1(context.NewExecAny(config.Backend, nil,
		func(_ *context.Context, x, revX *Node) []*Node {
			x = ConvertDType(x, config.DType)
			xMean := ReduceAllMean(revX)
			xVar := ReduceAllMean(Square(Sub(revX, xMean)))
			maxErr := ReduceAllMax(Abs(Sub(x, revX)))
			return []*Node{xMean, xVar, maxErr}
		}))
	defer statsExec.Finalize()
	stats := statsExec.MustExec(images, reconstructed)

	zStatsExec := must.M1(context.NewExecAny(config.Backend, nil,
		func(_ *context.Context, z *Node) []*Node {
			zMean := ReduceAllMean(z)
			zVar := ReduceAllMean(Square(Sub(z, zMean)))
			return []*Node{zMean, zVar}
		}))
	defer zStatsExec.Finalize()
	zStats := zStatsExec.MustExec(MergeFactorizedZHost(config, factorizedZ))

	klog.Infof("[step %d] reversibility: rev_x mean=%v var=%v max|x-rev_x|=%v; z mean=%v var=%v",
		step, stats[0].Value(), stats[1].Value(), stats[2].Value(),
		zStats[0].Value(), zStats[1].Value())
	return nil
}

// MergeFactorizedZHost merges factorized latent tensors into a single
// image-shaped tensor (see MergeFactorizedZGraph).
func MergeFactorizedZHost(config *Config, factorizedZ []*tensors.Tensor) *tensors.Tensor {
	args := make([]any, len(factorizedZ))
	for i, z := range factorizedZ {
		args[i] = z
	}
	exec := must.M1(context.NewExecAny(config.Backend, nil,
		func(_ *context.Context, zs []*Node) *Node {
			return MergeFactorizedZGraph(zs)
		}))
	defer exec.Finalize()
	return exec.MustExec1(args...)
}
