package glow

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// CreateDefaultContext sets the context with default hyperparameters to use
// with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":     50_000,
		"num_checkpoints": 3,

		// checkpoint_every_n_steps controls how often a checkpoint is saved
		// during training; one is always saved at the end of the run.
		"checkpoint_every_n_steps": 100,

		// batch_size per training step. With data_parallelism > 1 it is split
		// evenly across devices.
		"batch_size": 32,

		// dtype of the model. "float32" or "float64".
		"dtype": "float32",

		// Flow topology. See Hyperparameters.
		"levels":             3,
		"depth_per_level":    8,
		"nn_hidden_channels": 128,
		"image_size":         64, // Shortcut for image_height == image_width.
		"num_bits_x":         8,
		"lu_decomposition":   false,

		// reduce_memory trades recomputation of the diagnostic latents for
		// lower peak device memory during training.
		"reduce_memory": false,

		// data_parallelism is the number of devices to shard each batch over.
		// 0 means single-device training.
		"data_parallelism": 0,

		// shuffle_seed makes the dataset shuffling (and therefore the
		// per-device shard assignment) deterministic.
		"shuffle_seed": int64(42),

		// reversibility_check_every_n_steps: 0 derives the cadence from the
		// dataset size, i.e. once per pass over the data.
		"reversibility_check_every_n_steps": 0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,
		optimizers.ParamAdamEpsilon:  1e-8,
	})
	return ctx
}
