package datasource

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-bowyer/internal/logger"
	"github.com/23skdu/longbow-bowyer/internal/metrics"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
)

const maxLineBytes = 1 << 20

// fileExample is one JSONL line. Text fields serve pretokenized fetches,
// token fields serve tokenized fetches; a line may carry both forms.
type fileExample struct {
	Input        string  `json:"input"`
	Target       string  `json:"target"`
	InputTokens  []int32 `json:"input_tokens"`
	TargetTokens []int32 `json:"target_tokens"`
}

// FileBridge reads datasets laid out as <root>/<source>/<split>.jsonl.
type FileBridge struct {
	root string
	log  *logger.Logger
}

func NewFileBridge(root string) *FileBridge {
	return &FileBridge{root: root, log: logger.Component("datasource")}
}

func (b *FileBridge) Close() error { return nil }

func (b *FileBridge) GetBatches(ctx context.Context, req Request) ([][]preprocess.Example, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(b.root, req.Source, req.Split+".jsonl")
	examples, err := readJSONL(ctx, path, req)
	if err != nil {
		return nil, err
	}

	batches, err := assembleBatches(examples, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	metrics.RecordDataBatches("file", len(batches))
	b.log.Debug("Read dataset file", "path", path, "examples", len(examples), "batches", len(batches))
	return batches, nil
}

func readJSONL(ctx context.Context, path string, req Request) ([]preprocess.Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datasource: open dataset: %w", err)
	}
	defer f.Close()

	var examples []preprocess.Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var fe fileExample
		if err := json.Unmarshal(raw, &fe); err != nil {
			return nil, fmt.Errorf("datasource: %s line %d: %w", path, line, err)
		}
		ex, err := fe.example(req)
		if err != nil {
			return nil, fmt.Errorf("datasource: %s line %d: %w", path, line, err)
		}
		examples = append(examples, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("datasource: read %s: %w", path, err)
	}
	return examples, nil
}

// example extracts the requested form from the line. Extra fields of the
// other form are carried along when present and ignored otherwise.
func (fe fileExample) example(req Request) (preprocess.Example, error) {
	if req.Pretokenized {
		if fe.Input == "" && fe.Target == "" {
			return nil, errors.New("pretokenized fetch but no text fields")
		}
		return preprocess.Raw{Input: fe.Input, Target: fe.Target}, nil
	}
	if fe.InputTokens == nil && fe.TargetTokens == nil {
		return nil, errors.New("tokenized fetch but no token fields")
	}
	return preprocess.Processed{
		Inputs:     truncateTokens(fe.InputTokens, req.SequenceLengths[preprocess.FeatureInputs]),
		Targets:    truncateTokens(fe.TargetTokens, req.SequenceLengths[preprocess.FeatureTargets]),
		InputText:  fe.Input,
		TargetText: fe.Target,
	}, nil
}
