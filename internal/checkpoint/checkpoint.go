package checkpoint

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// ErrNoCheckpoint reports that a latest-mode restore found nothing to load.
// The session treats it as "start fresh"; every other restore failure is
// fatal.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// RestoreError is a fatal restore failure: missing path, unreadable or
// corrupt file, or shapes that disagree with the model architecture.
type RestoreError struct {
	Path   string
	Reason string
	Err    error
}

func (e *RestoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint: restore %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint: restore %s: %s", e.Path, e.Reason)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// ErrInvalidMagic reports a file that is not a checkpoint container.
type ErrInvalidMagic struct {
	Magic uint32
}

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid magic 0x%08X (want 0x%08X)", e.Magic, Magic)
}

// ErrUnsupportedVersion reports a container version this build cannot read.
type ErrUnsupportedVersion struct {
	Version uint32
}

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported version %d (want %d)", e.Version, Version)
}

// Snapshot is the raw state a store reads or writes: step counter,
// parameters and optimizer slots. Nothing model-specific lives here.
type Snapshot struct {
	Step   uint64
	Params map[string]*tensor.FloatMat
	Slots  map[string]*tensor.FloatMat
	RunID  string
}

// RestoreSpec is consumed once during session construction.
type RestoreSpec struct {
	Path string
	Mode config.RestoreMode
}

// Store is the checkpoint collaborator. Restore validates the loaded
// parameter shapes against want (the model's declared architecture) and
// fails with *RestoreError on any disagreement.
type Store interface {
	Restore(spec RestoreSpec, want map[string]tensor.Shape) (*Snapshot, error)
	Write(dir string, snap *Snapshot) (string, error)
}
