package aperture

// Tensor3 is a dense row-major (module, op, channel) tensor of small integers.
type Tensor3 struct {
	dims [3]int
	data []int32
}

// NewTensor3 allocates a tensor filled with fill.
func NewTensor3(d0, d1, d2 int, fill int) *Tensor3 {
	t := &Tensor3{dims: [3]int{d0, d1, d2}, data: make([]int32, d0*d1*d2)}
	for i := range t.data {
		t.data[i] = int32(fill)
	}
	return t
}

// Dims returns the tensor extents.
func (t *Tensor3) Dims() (int, int, int) { return t.dims[0], t.dims[1], t.dims[2] }

// At returns the element at (i, j, k).
func (t *Tensor3) At(i, j, k int) int { return int(t.data[t.offset(i, j, k)]) }

func (t *Tensor3) set(i, j, k, v int) { t.data[t.offset(i, j, k)] = int32(v) }

func (t *Tensor3) offset(i, j, k int) int {
	if i < 0 || i >= t.dims[0] || j < 0 || j >= t.dims[1] || k < 0 || k >= t.dims[2] {
		panic("aperture: tensor index out of range")
	}
	return (i*t.dims[1]+j)*t.dims[2] + k
}
