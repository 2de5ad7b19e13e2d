package preprocess

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

// Error reports a pipeline failure: which stage, which example. The first
// failure aborts the whole batch; examples are never silently dropped.
type Error struct {
	Index int
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("preprocess: stage %s, example %d: %v", e.Stage, e.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transform is one pipeline stage. Apply must be pure: no mutation of the
// input example or its slices, identical output for identical input.
type Transform interface {
	Name() string
	Apply(ex Example) (Example, error)
}

// TransformFunc adapts a function into a named Transform for callers
// supplying custom stages.
type TransformFunc struct {
	Label string
	Fn    func(Example) (Example, error)
}

func (t TransformFunc) Name() string { return t.Label }

func (t TransformFunc) Apply(ex Example) (Example, error) { return t.Fn(ex) }

// Run applies each transform, in the order supplied, to every example. The
// empty pipeline is legal when examples are already processed. Every example
// must come out Processed.
func Run(pipeline []Transform, examples []Example) ([]Processed, error) {
	work := make([]Example, len(examples))
	copy(work, examples)

	for _, tr := range pipeline {
		for i, ex := range work {
			next, err := tr.Apply(ex)
			if err != nil {
				return nil, &Error{Index: i, Stage: tr.Name(), Err: err}
			}
			work[i] = next
		}
	}

	out := make([]Processed, len(work))
	for i, ex := range work {
		p, ok := ex.(Processed)
		if !ok {
			return nil, &Error{Index: i, Stage: "pipeline", Err: errors.New("example still raw after final stage")}
		}
		out[i] = p
	}
	return out, nil
}

// Tokenize converts Raw examples to Processed through the vocabulary. An
// already processed example is refused: tokenization is an entry stage.
type Tokenize struct {
	Vocab tokenizer.Vocabulary
}

func (Tokenize) Name() string { return "tokenize" }

func (t Tokenize) Apply(ex Example) (Example, error) {
	raw, ok := ex.(Raw)
	if !ok {
		return nil, errors.New("example already processed")
	}
	inputs, err := t.Vocab.Encode(raw.Input)
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", FeatureInputs, err)
	}
	targets, err := t.Vocab.Encode(raw.Target)
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", FeatureTargets, err)
	}
	return Processed{
		Inputs:     inputs,
		Targets:    targets,
		InputText:  raw.Input,
		TargetText: raw.Target,
	}, nil
}

// AppendEOS appends the end-of-sequence id to both token features. A feature
// with a configured length cap is trimmed to cap-1 first so the marker
// survives assembly truncation.
type AppendEOS struct {
	EOS     int32
	Lengths map[string]int
}

func (AppendEOS) Name() string { return "append_eos" }

func (a AppendEOS) Apply(ex Example) (Example, error) {
	p, ok := ex.(Processed)
	if !ok {
		return nil, errors.New("example not tokenized yet")
	}
	p.Inputs = appendCapped(p.Inputs, a.EOS, a.Lengths[FeatureInputs])
	p.Targets = appendCapped(p.Targets, a.EOS, a.Lengths[FeatureTargets])
	return p, nil
}

func appendCapped(ids []int32, eos int32, limit int) []int32 {
	if limit > 0 && len(ids) > limit-1 {
		ids = ids[:limit-1]
	}
	out := make([]int32, 0, len(ids)+1)
	out = append(out, ids...)
	return append(out, eos)
}

// Default is the fixed pipeline behind the convenience operations:
// tokenize, then append EOS.
func Default(v tokenizer.Vocabulary, lengths map[string]int) []Transform {
	return []Transform{
		Tokenize{Vocab: v},
		AppendEOS{EOS: v.EOSID(), Lengths: lengths},
	}
}
