package preprocess

// Task feature names shared by the pipeline, the assembler and the config
// surface.
const (
	FeatureInputs  = "inputs"
	FeatureTargets = "targets"
)

// Example is either Raw or Processed. Nothing else implements it, so a
// pipeline stage can tell exactly which form it was handed and refuse the
// wrong one; partially transformed examples cannot exist outside a stage.
type Example interface {
	example()
}

// Raw holds pre-tokenization text features.
type Raw struct {
	Input  string
	Target string
}

func (Raw) example() {}

// Processed holds tokenized features. The pretokenized text is carried along
// because evaluation postprocessors compare against the reference text.
type Processed struct {
	Inputs     []int32
	Targets    []int32
	InputText  string
	TargetText string
}

func (Processed) example() {}
