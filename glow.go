// Package glow implements the Glow generative model (Kingma & Dhariwal, 2018):
// a normalizing flow built from invertible steps (activation normalization,
// invertible 1x1 convolutions and affine couplings) stacked in a multi-scale
// architecture, trained by exact maximum likelihood.
//
// The package provides the inference (image → factorized latents + log-det)
// and generative (latents → image) directions as GoMLX computation graphs
// sharing one set of variables, plus a training entry point (TrainModel) and
// an image-directory dataset loader.
package glow

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelScope is the context scope under which all model variables live.
const ModelScope = "glow"

// ParamsExcludedFromSaving is the list of parameters (see
// CreateDefaultContext) that shouldn't be saved along the model checkpoints,
// and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{
	"train_steps", "num_checkpoints", "checkpoint_every_n_steps",
	"reversibility_check_every_n_steps",
}

// Config holds the configuration of a Glow model and its training run.
// See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // At the root scope.

	// Hyper is the flow topology, immutable for the lifetime of the model.
	Hyper Hyperparameters

	DType     dtypes.DType
	BatchSize int

	// ReduceMemory avoids keeping the diagnostic latents alive on device
	// during training, recomputing them when needed.
	ReduceMemory bool

	// DataParallelism is the number of devices each batch is sharded over.
	// 0 or 1 means single-device training.
	DataParallelism int

	// ParamsSet are hyperparameters overridden on the command line, that
	// should not be reloaded from a checkpoint.
	ParamsSet []string

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a Config from the hyperparameters in ctx.
//
// paramsSet are hyperparameters overridden in the command line, that should
// not be loaded from the checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, paramsSet []string) *Config {
	hp := HyperparametersFromContext(ctx)
	if err := hp.Validate(); err != nil {
		exceptions.Panicf("invalid hyperparameters: %v", err)
	}
	var dtype dtypes.DType
	dtypeName := context.GetParamOr(ctx, "dtype", "float32")
	switch dtypeName {
	case "float32":
		dtype = dtypes.Float32
	case "float64":
		dtype = dtypes.Float64
	default:
		exceptions.Panicf("unsupported dtype %q: only float32 and float64 are supported", dtypeName)
	}
	return &Config{
		Backend:         backend,
		Context:         ctx,
		Hyper:           hp,
		DType:           dtype,
		BatchSize:       context.GetParamOr(ctx, "batch_size", 32),
		ReduceMemory:    context.GetParamOr(ctx, "reduce_memory", false),
		DataParallelism: context.GetParamOr(ctx, "data_parallelism", 0),
		ParamsSet:       paramsSet,
	}
}

// modelCtx returns the context scoped to the model variables.
func (c *Config) modelCtx() *context.Context {
	return c.Context.In(ModelScope)
}

// AttachCheckpoint attaches a checkpoints.Handler saving to checkpointPath,
// loading a previous checkpoint if one exists, and writes the hyperparameters
// snapshot next to it. Pre-existing directories are fine.
func (c *Config) AttachCheckpoint(checkpointPath string) *checkpoints.Handler {
	if checkpointPath == "" {
		return nil
	}
	checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
	if !fsutil.MustFileExists(checkpointPath) {
		must.M(os.MkdirAll(checkpointPath, 0777))
	}

	// If the directory holds a previous run, its topology wins: the
	// checkpointed variables are only valid for the topology that created
	// them.
	if prev, err := LoadHyperparameters(checkpointPath); err == nil {
		if prev != c.Hyper {
			klog.Warningf("Hyperparameters in %q differ from the current settings; using the snapshot: %+v",
				checkpointPath, prev)
			c.Hyper = prev
			c.Hyper.SetInContext(c.Context)
		}
	} else if !os.IsNotExist(errors.Cause(err)) {
		klog.Warningf("Could not read hyperparameters snapshot: %v", err)
	}

	numCheckpointsToKeep := context.GetParamOr(c.Context, "num_checkpoints", 3)
	checkpoint := must.M1(checkpoints.Build(c.Context).
		Dir(checkpointPath).
		Keep(numCheckpointsToKeep).
		ExcludeParams(append(c.ParamsSet, ParamsExcludedFromSaving...)...).
		Done())
	must.M(c.Hyper.Save(checkpointPath))
	c.Checkpoint = checkpoint
	return checkpoint
}

// PrintModelSummary prints the number of parameters and memory used by the
// model variables.
func (c *Config) PrintModelSummary() {
	ctx := c.Context
	fmt.Printf("Model #params:\t%d\n", ctx.NumParameters())
	fmt.Printf(" Model memory:\t%s\n", humanize.IBytes(uint64(ctx.Memory())))
}
