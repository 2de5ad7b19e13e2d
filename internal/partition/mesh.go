package partition

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/config"
)

// Device is one executable slot in the mesh. Shards assigned to a device
// run on their own goroutine; the name mirrors how accelerator platforms
// label their device grid.
type Device struct {
	ID   int
	Name string
}

// Mesh is the fixed device grid a partitioner lays batches across.
type Mesh struct {
	devices []Device
}

func NewMesh(devices []Device) (*Mesh, error) {
	if len(devices) < 1 {
		return nil, &config.Error{Field: "mesh", Reason: "needs at least one device"}
	}
	owned := make([]Device, len(devices))
	copy(owned, devices)
	return &Mesh{devices: owned}, nil
}

// LocalMesh builds a mesh of n host CPU devices named cpu:0..cpu:n-1.
func LocalMesh(n int) (*Mesh, error) {
	if n < 1 {
		return nil, &config.Error{Field: "mesh", Reason: fmt.Sprintf("%d devices (needs at least one)", n)}
	}
	devices := make([]Device, n)
	for i := range devices {
		devices[i] = Device{ID: i, Name: fmt.Sprintf("cpu:%d", i)}
	}
	return &Mesh{devices: devices}, nil
}

func (m *Mesh) Size() int {
	return len(m.devices)
}

func (m *Mesh) Devices() []Device {
	out := make([]Device, len(m.devices))
	copy(out, m.devices)
	return out
}
