package preprocess

import (
	"errors"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

func testVocab() *tokenizer.WordVocab {
	return tokenizer.New([]string{"what", "is", "one", "plus", "two", "three"})
}

func TestDefaultPipelineTokenizesAndAppendsEOS(t *testing.T) {
	v := testVocab()
	pipeline := Default(v, map[string]int{FeatureInputs: 38, FeatureTargets: 18})

	out, err := Run(pipeline, []Example{Raw{Input: "what is one plus two", Target: "three"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d examples, want 1", len(out))
	}

	p := out[0]
	// what=3 is=4 one=5 plus=6 two=7 three=8, EOS=1.
	wantInputs := []int32{3, 4, 5, 6, 7, 1}
	if !reflect.DeepEqual(p.Inputs, wantInputs) {
		t.Errorf("Inputs = %v, want %v", p.Inputs, wantInputs)
	}
	wantTargets := []int32{8, 1}
	if !reflect.DeepEqual(p.Targets, wantTargets) {
		t.Errorf("Targets = %v, want %v", p.Targets, wantTargets)
	}
	if p.InputText != "what is one plus two" || p.TargetText != "three" {
		t.Errorf("pretokenized text not carried: %q / %q", p.InputText, p.TargetText)
	}
}

func TestAppendEOSTrimsToFitCap(t *testing.T) {
	// Cap 3 means at most 2 content tokens + EOS.
	a := AppendEOS{EOS: 1, Lengths: map[string]int{FeatureInputs: 3}}

	got, err := a.Apply(Processed{Inputs: []int32{10, 11, 12, 13}, Targets: []int32{9}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	p := got.(Processed)
	want := []int32{10, 11, 1}
	if !reflect.DeepEqual(p.Inputs, want) {
		t.Errorf("Inputs = %v, want %v", p.Inputs, want)
	}
	// Targets has no cap configured: plain append.
	if !reflect.DeepEqual(p.Targets, []int32{9, 1}) {
		t.Errorf("Targets = %v, want [9 1]", p.Targets)
	}
}

func TestAppendEOSDoesNotMutateInput(t *testing.T) {
	a := AppendEOS{EOS: 1}
	in := Processed{Inputs: []int32{5, 6}, Targets: []int32{7}}

	if _, err := a.Apply(in); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in.Inputs, []int32{5, 6}) {
		t.Errorf("input slice mutated: %v", in.Inputs)
	}
}

func TestTokenizeRefusesProcessed(t *testing.T) {
	pipeline := []Transform{Tokenize{Vocab: testVocab()}}

	_, err := Run(pipeline, []Example{Processed{Inputs: []int32{3}}})
	if err == nil {
		t.Fatal("tokenizing a processed example should fail")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T, want *preprocess.Error", err)
	}
	if perr.Stage != "tokenize" || perr.Index != 0 {
		t.Errorf("Error context = stage %q index %d, want tokenize/0", perr.Stage, perr.Index)
	}
}

func TestAppendEOSRefusesRaw(t *testing.T) {
	pipeline := []Transform{AppendEOS{EOS: 1}}

	_, err := Run(pipeline, []Example{Raw{Input: "x"}})
	if err == nil {
		t.Fatal("appending EOS to a raw example should fail")
	}
}

func TestVocabularyMissAbortsWholeBatch(t *testing.T) {
	pipeline := Default(testVocab(), nil)
	examples := []Example{
		Raw{Input: "what is", Target: "three"},
		Raw{Input: "what is zebra", Target: "three"}, // zebra is OOV
	}

	out, err := Run(pipeline, examples)
	if out != nil {
		t.Error("a failing batch must not return partial results")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T, want *preprocess.Error", err)
	}
	if perr.Index != 1 {
		t.Errorf("Error.Index = %d, want 1", perr.Index)
	}
	var uerr *tokenizer.UnknownTokenError
	if !errors.As(err, &uerr) || uerr.Token != "zebra" {
		t.Errorf("cause should be UnknownTokenError for zebra, got %v", err)
	}
}

func TestEmptyPipelinePassesProcessedThrough(t *testing.T) {
	in := Processed{Inputs: []int32{3, 1}, Targets: []int32{8, 1}}

	out, err := Run(nil, []Example{in})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(out[0], in) {
		t.Errorf("passthrough changed the example: %+v", out[0])
	}
}

func TestEmptyPipelineRejectsRaw(t *testing.T) {
	_, err := Run(nil, []Example{Raw{Input: "x", Target: "y"}})
	if err == nil {
		t.Fatal("a raw example surviving the pipeline should fail")
	}
}

func TestPipelineOrderPreserved(t *testing.T) {
	appendTok := func(label string, id int32) Transform {
		return TransformFunc{Label: label, Fn: func(ex Example) (Example, error) {
			p := ex.(Processed)
			next := make([]int32, len(p.Inputs), len(p.Inputs)+1)
			copy(next, p.Inputs)
			p.Inputs = append(next, id)
			return p, nil
		}}
	}

	out, err := Run(
		[]Transform{appendTok("a", 100), appendTok("b", 200)},
		[]Example{Processed{Inputs: []int32{1}}},
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{1, 100, 200}
	if !reflect.DeepEqual(out[0].Inputs, want) {
		t.Errorf("Inputs = %v, want %v (stage order must be preserved)", out[0].Inputs, want)
	}
}

func TestPipelineDeterministic(t *testing.T) {
	pipeline := Default(testVocab(), map[string]int{FeatureInputs: 4})
	examples := []Example{Raw{Input: "what is one plus two", Target: "three"}}

	a, err := Run(pipeline, examples)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Run(pipeline, examples)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("identical input and pipeline produced different output:\n%v\n%v", a, b)
	}
}
