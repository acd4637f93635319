package tf

import (
	"fmt"
	"unsafe"
)

// newNativeTensor allocates an engine-owned TF_Tensor and copies the encoded
// contents of t into it. The caller owns the returned handle.
func newNativeTensor(a *api, t *Tensor) (*handle, error) {
	if err := a.checkStringLayout(t.dataType); err != nil {
		return nil, err
	}

	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}

	dims := cloneShape(t.shape)
	ptr := a.allocateTensor(int32(t.dataType), shapePtr(dims), int32(len(dims)), uintptr(len(data)))
	if ptr == 0 {
		return nil, fmt.Errorf("failed to allocate %s tensor with shape %v", t.dataType, dims)
	}

	if len(data) > 0 {
		dst := a.tensorData(ptr)
		if dst == 0 {
			a.deleteTensor(ptr)
			return nil, fmt.Errorf("allocated %s tensor has no data buffer", t.dataType)
		}
		// #nosec G103 -- dst is the engine buffer of len(data) bytes allocated above.
		copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(data)), data)
	}

	return acquire(ptr, func(p uintptr) error {
		a.deleteTensor(p)
		return nil
	}), nil
}

// tensorFromNative reads shape, type and data from a TF_Tensor and decodes
// them into a host Tensor. The native tensor is not released.
func tensorFromNative(a *api, ptr uintptr) (*Tensor, error) {
	if ptr == 0 {
		return nil, fmt.Errorf("native tensor is nil")
	}

	dt := DataType(a.tensorType(ptr))
	if err := a.checkStringLayout(dt); err != nil {
		return nil, err
	}
	numDims := int(a.numDims(ptr))
	shape := make(Shape, numDims)
	for i := range shape {
		shape[i] = a.dim(ptr, int32(i))
	}
	if _, err := shapeElementCount(shape); err != nil {
		return nil, err
	}

	size := int(a.tensorByteSize(ptr))
	buf := make([]byte, size)
	if size > 0 {
		src := a.tensorData(ptr)
		if src == 0 {
			return nil, fmt.Errorf("native %s tensor has no data buffer", dt)
		}
		// #nosec G103 -- src/size describe the data buffer of a live TF_Tensor.
		copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(src)), size))
	}

	codec := CodecFor(dt)
	if isPassthrough(codec) {
		return &Tensor{shape: shape, dataType: dt, flat: buf, raw: true}, nil
	}

	decoded, err := codec.Decode(buf, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s tensor with shape %v: %w", dt, shape, err)
	}

	return &Tensor{
		shape:    shape,
		dataType: dt,
		flat:     wrapScalar(decoded, shape),
	}, nil
}

// checkStringLayout refuses string tensors on engines whose TF_STRING buffers
// hold TF_TString structs instead of an offset table.
func (a *api) checkStringLayout(dt DataType) error {
	if dt == String && a.tstringLayout {
		return &UnsupportedTypeError{DataType: String}
	}
	return nil
}
