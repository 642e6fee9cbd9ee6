package glow

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// ShardedDataset wraps a batched dataset for data-parallel training: every
// yielded batch is split evenly along the batch axis into one shard per
// device, and handed to the trainer as distributed tensors over a 1D device
// mesh. The gradient averaging across devices is then carried out by the
// backend's auto-sharding execution.
type ShardedDataset struct {
	source     *datasets.InMemoryDataset
	mesh       *distributed.DeviceMesh
	shardSpec  distributed.ShardSpec
	devices    []backends.DeviceNum
	numDevices int
	splitExec  *context.Exec
}

var (
	_ train.Dataset            = (*ShardedDataset)(nil)
	_ train.DistributedDataset = (*ShardedDataset)(nil)
)

// NewShardedDataset shards source over numDevices devices. source must
// already be configured with a batch size divisible by numDevices.
func NewShardedDataset(backend backends.Backend, source *datasets.InMemoryDataset, numDevices int) (*ShardedDataset, error) {
	if numDevices < 2 {
		return nil, errors.Errorf("sharding requires at least 2 devices, got %d", numDevices)
	}
	if have := backend.NumDevices(); int(have) < numDevices {
		return nil, errors.Errorf("data_parallelism=%d but backend %q only has %d device(s)",
			numDevices, backend.Name(), have)
	}
	mesh, err := distributed.NewDeviceMesh([]int{numDevices}, []string{"batch"})
	if err != nil {
		return nil, err
	}
	devices := make([]backends.DeviceNum, numDevices)
	for i := range devices {
		devices[i] = backends.DeviceNum(i)
	}
	splitExec, err := context.NewExecAny(backend, nil,
		func(_ *context.Context, batch *Node) []*Node {
			return Split(batch, 0, numDevices)
		})
	if err != nil {
		return nil, err
	}
	return &ShardedDataset{
		source:     source,
		mesh:       mesh,
		shardSpec:  distributed.NewShardSpec("batch"),
		devices:    devices,
		numDevices: numDevices,
		splitExec:  splitExec,
	}, nil
}

func (d *ShardedDataset) Name() string { return d.source.Name() }

func (d *ShardedDataset) Reset() { d.source.Reset() }

// Yield provides the non-distributed view of the data, used for instance by
// diagnostics that run on a single device.
func (d *ShardedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return d.source.Yield()
}

// Strategy is distributed.AutoSharding: the training graph is written as a
// single program and the backend partitions it over the mesh.
func (d *ShardedDataset) Strategy() distributed.Strategy {
	return distributed.AutoSharding
}

func (d *ShardedDataset) DeviceAssignment() []backends.DeviceNum {
	return d.devices
}

// DistributedYield yields the next batch sharded along the batch axis.
func (d *ShardedDataset) DistributedYield() (spec any, inputs, labels []*distributed.Tensor, err error) {
	spec, hostInputs, hostLabels, err := d.source.Yield()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, err = d.shard(hostInputs)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err = d.shard(hostLabels)
	if err != nil {
		return nil, nil, nil, err
	}
	return
}

func (d *ShardedDataset) shard(hostTensors []*tensors.Tensor) ([]*distributed.Tensor, error) {
	result := make([]*distributed.Tensor, len(hostTensors))
	for i, t := range hostTensors {
		batchSize := t.Shape().Dimensions[0]
		if batchSize%d.numDevices != 0 {
			return nil, errors.Errorf("batch size %d is not divisible by data_parallelism=%d",
				batchSize, d.numDevices)
		}
		shards, err := d.splitExec.Exec(t)
		if err != nil {
			return nil, errors.WithMessage(err, "splitting batch into shards")
		}
		shardMap := make(map[int]*tensors.Tensor, len(shards))
		for device, shard := range shards {
			shardMap[device] = shard
		}
		result[i], err = distributed.New(d.mesh, d.shardSpec, shardMap)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
