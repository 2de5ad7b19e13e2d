package batching

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// ShapeError reports a batch that cannot satisfy the declared shapes.
// Index is the offending example, -1 when the problem is batch-wide.
type ShapeError struct {
	Feature string
	Index   int
	Reason  string
}

func (e *ShapeError) Error() string {
	switch {
	case e.Feature == "":
		return fmt.Sprintf("batch: %s", e.Reason)
	case e.Index >= 0:
		return fmt.Sprintf("batch: feature %s, example %d: %s", e.Feature, e.Index, e.Reason)
	default:
		return fmt.Sprintf("batch: feature %s: %s", e.Feature, e.Reason)
	}
}

// Batch is a fixed-shape collection of model features. Every matrix has
// batch-size rows; Examples counts the rows holding real data, the rest is
// row padding whose loss weights are zero. Start is the absolute offset of
// row 0 within the parent batch: zero for assembled batches, set by Shard
// so per-row decode seeding does not depend on the partition count.
type Batch struct {
	Examples int
	Start    int
	Features map[string]*tensor.IntMat
}

// Rows returns the configured batch size.
func (b *Batch) Rows() int {
	for _, m := range b.Features {
		return m.Rows
	}
	return 0
}

func (b *Batch) Shapes() map[string]tensor.Shape {
	out := make(map[string]tensor.Shape, len(b.Features))
	for name, m := range b.Features {
		out[name] = m.Shape()
	}
	return out
}

// Shard splits the batch into parts contiguous row ranges. Shards are views
// over the parent's storage; step functions treat batches as read-only.
// Rows must divide evenly by parts (the partitioner checks at compile).
func (b *Batch) Shard(parts int) []*Batch {
	rows := b.Rows()
	per := rows / parts
	out := make([]*Batch, parts)
	for i := 0; i < parts; i++ {
		lo, hi := i*per, (i+1)*per
		used := b.Examples - lo
		if used < 0 {
			used = 0
		}
		if used > per {
			used = per
		}
		features := make(map[string]*tensor.IntMat, len(b.Features))
		for name, m := range b.Features {
			features[name] = m.SliceRows(lo, hi)
		}
		out[i] = &Batch{Examples: used, Start: b.Start + lo, Features: features}
	}
	return out
}

// ShapeKey renders shapes as a canonical descriptor string: feature names
// sorted, each with its dims. Used as the compile-cache key.
func ShapeKey(shapes map[string]tensor.Shape) string {
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(shapes[name].String())
	}
	return sb.String()
}
