package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bowyer/internal/logger"
	"github.com/23skdu/longbow-bowyer/internal/metrics"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
)

// Flight column names. Token ids live under the bare feature names, raw
// text under the "_pretokenized" suffix.
const (
	colInputsText  = preprocess.FeatureInputs + "_pretokenized"
	colTargetsText = preprocess.FeatureTargets + "_pretokenized"
)

// FlightBridge pulls datasets from an Arrow Flight server. A dataset slice
// is addressed by descriptor path [source, split]; pretokenized fetches
// read the utf8 text columns, tokenized fetches the list<int32> columns.
type FlightBridge struct {
	addr   string
	client flight.Client
	log    *logger.Logger
}

// NewFlightBridge dials the server. The connection is lazy; an unreachable
// address surfaces on the first fetch.
func NewFlightBridge(addr string) (*FlightBridge, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("datasource: connect flight server %s: %w", addr, err)
	}
	return &FlightBridge{addr: addr, client: client, log: logger.Component("datasource")}, nil
}

func (b *FlightBridge) Close() error { return b.client.Close() }

func (b *FlightBridge) GetBatches(ctx context.Context, req Request) ([][]preprocess.Example, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{req.Source, req.Split},
	}
	info, err := b.client.GetFlightInfo(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("datasource: flight info for %s/%s: %w", req.Source, req.Split, err)
	}

	var examples []preprocess.Example
	for _, ep := range info.Endpoint {
		got, err := b.fetch(ctx, ep.Ticket, req)
		if err != nil {
			return nil, err
		}
		examples = append(examples, got...)
	}

	batches, err := assembleBatches(examples, req)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", req.Source, req.Split, err)
	}
	metrics.RecordDataBatches("flight", len(batches))
	b.log.Debug("Fetched flight batches",
		"server", b.addr, "source", req.Source, "split", req.Split,
		"examples", len(examples), "batches", len(batches))
	return batches, nil
}

func (b *FlightBridge) fetch(ctx context.Context, ticket *flight.Ticket, req Request) ([]preprocess.Example, error) {
	stream, err := b.client.DoGet(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("datasource: flight stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("datasource: flight record reader: %w", err)
	}
	defer rdr.Release()

	var examples []preprocess.Example
	for rdr.Next() {
		got, err := recordExamples(rdr.Record(), req)
		if err != nil {
			return nil, err
		}
		examples = append(examples, got...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("datasource: flight stream: %w", err)
	}
	return examples, nil
}

// recordExamples copies one record batch out into examples. Data is copied
// because the record is only valid until the reader advances.
func recordExamples(rec arrow.Record, req Request) ([]preprocess.Example, error) {
	if req.Pretokenized {
		return textExamples(rec)
	}
	return tokenExamples(rec, req.SequenceLengths)
}

func textExamples(rec arrow.Record) ([]preprocess.Example, error) {
	inputs, err := stringColumn(rec, colInputsText)
	if err != nil {
		return nil, err
	}
	targets, err := stringColumn(rec, colTargetsText)
	if err != nil {
		return nil, err
	}

	rows := int(rec.NumRows())
	out := make([]preprocess.Example, 0, rows)
	for i := 0; i < rows; i++ {
		out = append(out, preprocess.Raw{Input: inputs.Value(i), Target: targets.Value(i)})
	}
	return out, nil
}

func tokenExamples(rec arrow.Record, lengths map[string]int) ([]preprocess.Example, error) {
	inputs, err := listColumn(rec, preprocess.FeatureInputs)
	if err != nil {
		return nil, err
	}
	targets, err := listColumn(rec, preprocess.FeatureTargets)
	if err != nil {
		return nil, err
	}

	rows := int(rec.NumRows())
	out := make([]preprocess.Example, 0, rows)
	for i := 0; i < rows; i++ {
		in, err := listTokens(inputs, i, preprocess.FeatureInputs)
		if err != nil {
			return nil, err
		}
		tgt, err := listTokens(targets, i, preprocess.FeatureTargets)
		if err != nil {
			return nil, err
		}
		out = append(out, preprocess.Processed{
			Inputs:  truncateTokens(in, lengths[preprocess.FeatureInputs]),
			Targets: truncateTokens(tgt, lengths[preprocess.FeatureTargets]),
		})
	}
	return out, nil
}

func column(rec arrow.Record, name string) (arrow.Array, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) != 1 {
		return nil, fmt.Errorf("datasource: record needs exactly one %q column, got %d", name, len(idx))
	}
	return rec.Column(idx[0]), nil
}

func stringColumn(rec arrow.Record, name string) (*array.String, error) {
	col, err := column(rec, name)
	if err != nil {
		return nil, err
	}
	s, ok := col.(*array.String)
	if !ok {
		return nil, fmt.Errorf("datasource: column %s: want utf8, got %s", name, col.DataType())
	}
	return s, nil
}

func listColumn(rec arrow.Record, name string) (*array.List, error) {
	col, err := column(rec, name)
	if err != nil {
		return nil, err
	}
	l, ok := col.(*array.List)
	if !ok {
		return nil, fmt.Errorf("datasource: column %s: want list<int32>, got %s", name, col.DataType())
	}
	return l, nil
}

func listTokens(a *array.List, row int, feature string) ([]int32, error) {
	values, ok := a.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("datasource: column %s: want list<int32>, got list<%s>",
			feature, a.ListValues().DataType())
	}
	start, end := a.ValueOffsets(row)
	out := make([]int32, end-start)
	copy(out, values.Int32Values()[start:end])
	return out, nil
}
