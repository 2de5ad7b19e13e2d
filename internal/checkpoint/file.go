package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// Container layout: magic, version, manifest length, JSON manifest, then the
// raw little-endian tensor payload. One dtype per file.
const (
	Magic   uint32 = 0x4B43424C // "LBCK"
	Version uint32 = 1

	headerSize = 16
	filePrefix = "checkpoint_"
	fileSuffix = ".lbck"
)

type manifest struct {
	Step    uint64        `json:"step"`
	DType   string        `json:"dtype"`
	RunID   string        `json:"run_id,omitempty"`
	SavedAt int64         `json:"saved_at_unix"`
	Params  []tensorEntry `json:"params"`
	Slots   []tensorEntry `json:"slots,omitempty"`
}

type tensorEntry struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Offset uint64 `json:"offset"`
}

// FileStore reads and writes checkpoint containers on the local filesystem.
// Files are named checkpoint_<step>.lbck; latest mode picks the highest
// step in a directory.
type FileStore struct {
	dtype config.DType
}

func NewFileStore(dtype config.DType) *FileStore {
	return &FileStore{dtype: dtype}
}

func (s *FileStore) Restore(spec RestoreSpec, want map[string]tensor.Shape) (*Snapshot, error) {
	path := spec.Path
	if spec.Mode == config.RestoreLatest {
		latest, err := latestIn(spec.Path)
		if err != nil {
			return nil, &RestoreError{Path: spec.Path, Reason: "scan directory", Err: err}
		}
		path = latest
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &RestoreError{Path: path, Reason: "read", Err: err}
	}

	snap, err := decode(raw)
	if err != nil {
		return nil, &RestoreError{Path: path, Reason: "parse", Err: err}
	}

	if want != nil {
		if err := checkShapes(snap.Params, want); err != nil {
			return nil, &RestoreError{Path: path, Reason: "architecture mismatch", Err: err}
		}
	}
	return snap, nil
}

// Write persists the snapshot atomically: temp file, then rename. Returns
// the final path.
func (s *FileStore) Write(dir string, snap *Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create %s: %w", dir, err)
	}

	data, err := encode(snap, s.dtype)
	if err != nil {
		return "", fmt.Errorf("checkpoint: encode step %d: %w", snap.Step, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return "", fmt.Errorf("checkpoint: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("checkpoint: close: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, snap.Step, fileSuffix))
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("checkpoint: rename: %w", err)
	}
	return path, nil
}

// latestIn picks the highest-step checkpoint file. A missing or empty
// directory is ErrNoCheckpoint: the session starts fresh instead.
func latestIn(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoCheckpoint
		}
		return "", err
	}

	best := ""
	var bestStep uint64
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		stepStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		step, err := strconv.ParseUint(stepStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || step > bestStep {
			best, bestStep, found = filepath.Join(dir, name), step, true
		}
	}
	if !found {
		return "", ErrNoCheckpoint
	}
	return best, nil
}

func checkShapes(params map[string]*tensor.FloatMat, want map[string]tensor.Shape) error {
	if len(params) != len(want) {
		return fmt.Errorf("parameter count %d != declared %d", len(params), len(want))
	}
	for name, shape := range want {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("parameter %s missing", name)
		}
		if p.Shape() != shape {
			return fmt.Errorf("parameter %s shape %v != declared %v", name, p.Shape(), shape)
		}
	}
	return nil
}

func elemSize(dtype config.DType) int {
	if dtype == config.DTypeBFloat16 {
		return 2
	}
	return 4
}

func encode(snap *Snapshot, dtype config.DType) ([]byte, error) {
	var payload []byte
	m := manifest{
		Step:    snap.Step,
		DType:   dtype.String(),
		RunID:   snap.RunID,
		SavedAt: time.Now().Unix(),
	}

	appendTensors := func(tensors map[string]*tensor.FloatMat) []tensorEntry {
		names := make([]string, 0, len(tensors))
		for name := range tensors {
			names = append(names, name)
		}
		sort.Strings(names)

		entries := make([]tensorEntry, 0, len(names))
		for _, name := range names {
			t := tensors[name]
			entries = append(entries, tensorEntry{
				Name:   name,
				Rows:   t.Rows,
				Cols:   t.Cols,
				Offset: uint64(len(payload)),
			})
			payload = appendPayload(payload, t.Data, dtype)
		}
		return entries
	}

	m.Params = appendTensors(snap.Params)
	m.Slots = appendTensors(snap.Slots)

	meta, err := json.Marshal(&m)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(meta)+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], Version)
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(meta)))
	out = append(out, meta...)
	out = append(out, payload...)
	return out, nil
}

func appendPayload(payload []byte, data []float32, dtype config.DType) []byte {
	if dtype == config.DTypeBFloat16 {
		for _, v := range data {
			payload = binary.LittleEndian.AppendUint16(payload, tensor.F32ToBF16(v))
		}
		return payload
	}
	for _, v := range data {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
	}
	return payload
}

func decode(raw []byte) (*Snapshot, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("file too short: %d bytes", len(raw))
	}
	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != Magic {
		return nil, ErrInvalidMagic{Magic: magic}
	}
	if version := binary.LittleEndian.Uint32(raw[4:8]); version != Version {
		return nil, ErrUnsupportedVersion{Version: version}
	}

	metaLen := binary.LittleEndian.Uint64(raw[8:16])
	if metaLen > uint64(len(raw)-headerSize) {
		return nil, fmt.Errorf("manifest length %d exceeds file size", metaLen)
	}

	var m manifest
	if err := json.Unmarshal(raw[headerSize:headerSize+int(metaLen)], &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	dtype, err := config.ParseDType(m.DType)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	payload := raw[headerSize+int(metaLen):]
	params, err := decodeTensors(m.Params, payload, dtype)
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	slots, err := decodeTensors(m.Slots, payload, dtype)
	if err != nil {
		return nil, fmt.Errorf("slots: %w", err)
	}

	return &Snapshot{Step: m.Step, Params: params, Slots: slots, RunID: m.RunID}, nil
}

func decodeTensors(entries []tensorEntry, payload []byte, dtype config.DType) (map[string]*tensor.FloatMat, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	size := elemSize(dtype)
	out := make(map[string]*tensor.FloatMat, len(entries))
	for _, e := range entries {
		if e.Rows <= 0 || e.Cols <= 0 {
			return nil, fmt.Errorf("tensor %s: bad dims %dx%d", e.Name, e.Rows, e.Cols)
		}
		elems := int64(e.Rows) * int64(e.Cols)
		end := int64(e.Offset) + elems*int64(size)
		if elems > math.MaxInt32 || end > int64(len(payload)) {
			return nil, fmt.Errorf("tensor %s: %d bytes at offset %d overruns payload of %d", e.Name, elems*int64(size), e.Offset, len(payload))
		}
		if _, dup := out[e.Name]; dup {
			return nil, fmt.Errorf("tensor %s: duplicate entry", e.Name)
		}

		t := tensor.NewFloatMat(e.Rows, e.Cols)
		buf := payload[e.Offset:end]
		if dtype == config.DTypeBFloat16 {
			for i := range t.Data {
				t.Data[i] = tensor.BF16ToF32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		} else {
			for i := range t.Data {
				t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		}
		out[e.Name] = t
	}
	return out, nil
}

// Info is checkpoint metadata for inspection tooling; the payload is left
// undecoded.
type Info struct {
	Path    string       `json:"path"`
	Step    uint64       `json:"step"`
	DType   string       `json:"dtype"`
	RunID   string       `json:"run_id"`
	SavedAt time.Time    `json:"saved_at"`
	Params  []TensorInfo `json:"params"`
	Slots   []TensorInfo `json:"slots,omitempty"`
}

type TensorInfo struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Inspect reads a container's manifest without decoding tensors.
func Inspect(path string) (*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("checkpoint: %s: file too short", path)
	}
	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != Magic {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, ErrInvalidMagic{Magic: magic})
	}
	if version := binary.LittleEndian.Uint32(raw[4:8]); version != Version {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, ErrUnsupportedVersion{Version: version})
	}
	metaLen := binary.LittleEndian.Uint64(raw[8:16])
	if metaLen > uint64(len(raw)-headerSize) {
		return nil, fmt.Errorf("checkpoint: %s: manifest length %d exceeds file size", path, metaLen)
	}
	var m manifest
	if err := json.Unmarshal(raw[headerSize:headerSize+int(metaLen)], &m); err != nil {
		return nil, fmt.Errorf("checkpoint: %s: manifest: %w", path, err)
	}

	info := &Info{
		Path:    path,
		Step:    m.Step,
		DType:   m.DType,
		RunID:   m.RunID,
		SavedAt: time.Unix(m.SavedAt, 0),
	}
	for _, e := range m.Params {
		info.Params = append(info.Params, TensorInfo{Name: e.Name, Rows: e.Rows, Cols: e.Cols})
	}
	for _, e := range m.Slots {
		info.Slots = append(info.Slots, TensorInfo{Name: e.Name, Rows: e.Rows, Cols: e.Cols})
	}
	return info, nil
}
