package tensor

import "fmt"

// Shape describes a rank-2 tensor as [rows, cols]. Batch features use
// rows = batch size, cols = feature length; parameters use their own dims.
type Shape struct {
	Rows int
	Cols int
}

func (s Shape) String() string { return fmt.Sprintf("%dx%d", s.Rows, s.Cols) }

// Elems returns the element count for allocation.
func (s Shape) Elems() int { return s.Rows * s.Cols }

// IntMat is a dense row-major int32 matrix: token ids and 0/1 masks.
type IntMat struct {
	Rows int
	Cols int
	Data []int32
}

func NewIntMat(rows, cols int) *IntMat {
	return &IntMat{Rows: rows, Cols: cols, Data: make([]int32, rows*cols)}
}

func (m *IntMat) Shape() Shape { return Shape{Rows: m.Rows, Cols: m.Cols} }

func (m *IntMat) At(r, c int) int32 { return m.Data[r*m.Cols+c] }

func (m *IntMat) Set(r, c int, v int32) { m.Data[r*m.Cols+c] = v }

// Row returns row r as a slice sharing the backing array.
func (m *IntMat) Row(r int) []int32 { return m.Data[r*m.Cols : (r+1)*m.Cols] }

func (m *IntMat) Clone() *IntMat {
	out := NewIntMat(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// SliceRows returns rows [lo, hi) as a view sharing the backing array.
func (m *IntMat) SliceRows(lo, hi int) *IntMat {
	return &IntMat{Rows: hi - lo, Cols: m.Cols, Data: m.Data[lo*m.Cols : hi*m.Cols]}
}

func (m *IntMat) Equal(o *IntMat) bool {
	if o == nil || m.Rows != o.Rows || m.Cols != o.Cols {
		return false
	}
	for i, v := range m.Data {
		if v != o.Data[i] {
			return false
		}
	}
	return true
}

// FloatMat is a dense row-major float32 matrix: parameters, gradients and
// optimizer slots. All in-memory math is float32; bfloat16 exists only as a
// checkpoint encoding (see F32ToBF16).
type FloatMat struct {
	Rows int
	Cols int
	Data []float32
}

func NewFloatMat(rows, cols int) *FloatMat {
	return &FloatMat{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

func (m *FloatMat) Shape() Shape { return Shape{Rows: m.Rows, Cols: m.Cols} }

func (m *FloatMat) At(r, c int) float32 { return m.Data[r*m.Cols+c] }

func (m *FloatMat) Set(r, c int, v float32) { m.Data[r*m.Cols+c] = v }

// Row returns row r as a slice sharing the backing array.
func (m *FloatMat) Row(r int) []float32 { return m.Data[r*m.Cols : (r+1)*m.Cols] }

func (m *FloatMat) Clone() *FloatMat {
	out := NewFloatMat(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// Equal reports bit-identical contents. Used by read-only guarantees: a
// state that must not change is compared exactly, not within a tolerance.
func (m *FloatMat) Equal(o *FloatMat) bool {
	if o == nil || m.Rows != o.Rows || m.Cols != o.Cols {
		return false
	}
	for i, v := range m.Data {
		if v != o.Data[i] {
			return false
		}
	}
	return true
}

// AddScaled accumulates s*o into m. Shapes must already agree.
func (m *FloatMat) AddScaled(o *FloatMat, s float32) {
	for i, v := range o.Data {
		m.Data[i] += s * v
	}
}

// CloneParams deep-copies a parameter map. Nil maps stay nil.
func CloneParams(p map[string]*FloatMat) map[string]*FloatMat {
	if p == nil {
		return nil
	}
	out := make(map[string]*FloatMat, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// ParamShapes returns the shape of every tensor in the map.
func ParamShapes(p map[string]*FloatMat) map[string]Shape {
	out := make(map[string]Shape, len(p))
	for k, v := range p {
		out[k] = v.Shape()
	}
	return out
}
