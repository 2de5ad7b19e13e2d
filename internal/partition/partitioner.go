package partition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-bowyer/internal/batching"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/logger"
	"github.com/23skdu/longbow-bowyer/internal/state"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// StepOut is the per-shard result of a step function, and after merging
// the result of the whole program. Training steps fill the gradient
// fields, inference steps the sequence and score fields.
type StepOut struct {
	Grads     map[string]*tensor.FloatMat
	LossSum   float64
	WeightSum float64

	Sequences   *tensor.IntMat
	TokenScores *tensor.FloatMat
	Scores      []float32

	NewState *state.TrainState
}

// StepFn computes one shard. It must be pure: read the state, never
// mutate it, and touch only rows of its own shard.
type StepFn func(st *state.TrainState, shard *batching.Batch) (*StepOut, error)

// MergeFn combines shard outputs in shard order into the program result.
type MergeFn func(st *state.TrainState, outs []*StepOut) (*StepOut, error)

// ShapeMismatchError reports a batch that does not fit the signature a
// program was compiled for.
type ShapeMismatchError struct {
	Program string
	Feature string
	Reason  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("partition: program %s: feature %s: %s", e.Program, e.Feature, e.Reason)
}

// Partitioner lays data-parallel programs across a mesh. Each program is
// compiled against fixed feature shapes; running it splits the batch into
// contiguous row shards, one per partition.
type Partitioner struct {
	mesh  *Mesh
	parts int
	log   *logger.Logger
}

func NewPartitioner(mesh *Mesh, partitions int) (*Partitioner, error) {
	if mesh == nil {
		return nil, &config.Error{Field: "mesh", Reason: "not set"}
	}
	if partitions < 1 {
		return nil, &config.Error{Field: "partitions", Reason: fmt.Sprintf("%d (must be positive)", partitions)}
	}
	if partitions > mesh.Size() {
		return nil, &config.Error{Field: "partitions", Reason: fmt.Sprintf("%d exceeds mesh of %d devices", partitions, mesh.Size())}
	}
	return &Partitioner{mesh: mesh, parts: partitions, log: logger.Component("partition")}, nil
}

func (p *Partitioner) Partitions() int {
	return p.parts
}

func (p *Partitioner) Mesh() *Mesh {
	return p.mesh
}

// Partition compiles step and merge against the given feature shapes.
// Every feature must carry the same row count and it must divide evenly
// across the partitions.
func (p *Partitioner) Partition(name string, step StepFn, merge MergeFn, shapes map[string]tensor.Shape) (*Compiled, error) {
	if step == nil || merge == nil {
		return nil, fmt.Errorf("partition: program %s: step and merge required", name)
	}
	if len(shapes) == 0 {
		return nil, fmt.Errorf("partition: program %s: no feature shapes", name)
	}

	rows := -1
	for _, feature := range sortedFeatures(shapes) {
		shape := shapes[feature]
		if shape.Rows < 1 || shape.Cols < 1 {
			return nil, &ShapeMismatchError{Program: name, Feature: feature, Reason: fmt.Sprintf("degenerate shape %v", shape)}
		}
		if rows == -1 {
			rows = shape.Rows
		} else if shape.Rows != rows {
			return nil, &ShapeMismatchError{Program: name, Feature: feature, Reason: fmt.Sprintf("%d rows, other features have %d", shape.Rows, rows)}
		}
	}
	if rows%p.parts != 0 {
		return nil, &config.Error{Field: "partitions", Reason: fmt.Sprintf("batch of %d rows not divisible by %d", rows, p.parts)}
	}

	owned := make(map[string]tensor.Shape, len(shapes))
	for feature, shape := range shapes {
		owned[feature] = shape
	}

	p.log.Debug("Compiled program", "name", name, "partitions", p.parts, "signature", batching.ShapeKey(owned))
	return &Compiled{name: name, step: step, merge: merge, shapes: owned, parts: p.parts}, nil
}

// Compiled is a program bound to one feature signature. Safe for
// concurrent Run calls.
type Compiled struct {
	name   string
	step   StepFn
	merge  MergeFn
	shapes map[string]tensor.Shape
	parts  int
}

func (c *Compiled) Name() string {
	return c.name
}

// Signature returns the canonical shape key the program was compiled for.
func (c *Compiled) Signature() string {
	return batching.ShapeKey(c.shapes)
}

// Run guards the batch against the compiled signature, executes one shard
// per partition concurrently, and merges shard outputs in shard order so
// results do not depend on goroutine scheduling.
func (c *Compiled) Run(st *state.TrainState, b *batching.Batch) (*StepOut, error) {
	if err := c.guard(b); err != nil {
		return nil, err
	}

	shards := b.Shard(c.parts)
	outs := make([]*StepOut, len(shards))
	errs := make([]error, len(shards))

	var wg sync.WaitGroup
	for i := 0; i < len(shards); i++ {
		wg.Add(1)
		go func(idx int, shard *batching.Batch) {
			defer wg.Done()
			outs[idx], errs[idx] = c.step(st, shard)
		}(i, shards[i])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return c.merge(st, outs)
}

func (c *Compiled) guard(b *batching.Batch) error {
	got := b.Shapes()
	for _, feature := range sortedFeatures(c.shapes) {
		want := c.shapes[feature]
		shape, ok := got[feature]
		if !ok {
			return &ShapeMismatchError{Program: c.name, Feature: feature, Reason: "missing from batch"}
		}
		if shape != want {
			return &ShapeMismatchError{Program: c.name, Feature: feature, Reason: fmt.Sprintf("shape %v, compiled for %v", shape, want)}
		}
	}
	for feature := range got {
		if _, ok := c.shapes[feature]; !ok {
			return &ShapeMismatchError{Program: c.name, Feature: feature, Reason: "not in compiled signature"}
		}
	}
	return nil
}

func sortedFeatures(shapes map[string]tensor.Shape) []string {
	features := make([]string, 0, len(shapes))
	for feature := range shapes {
		features = append(features, feature)
	}
	sort.Strings(features)
	return features
}
