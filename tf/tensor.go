package tf

import (
	"fmt"
	"reflect"
)

// Tensor is an immutable, typed, shaped value exchanged with the engine.
//
// The value is held as a flat, row-major typed slice ([]float32, []int64,
// []string, ...). Tensors built from raw bytes keep those bytes and decode
// them on demand.
type Tensor struct {
	shape     Shape
	dataType  DataType
	flat      any
	raw       bool
	destroyed bool
}

// TensorOption customizes tensor construction.
type TensorOption func(*tensorConfig) error

type tensorConfig struct {
	dataType    DataType
	hasDataType bool
	shape       Shape
	hasShape    bool
}

// WithDataType sets the element type instead of inferring it from the value.
func WithDataType(dt DataType) TensorOption {
	return func(cfg *tensorConfig) error {
		if !dt.Known() {
			return &UnsupportedTypeError{DataType: dt}
		}
		cfg.dataType = dt
		cfg.hasDataType = true
		return nil
	}
}

// WithShape sets the tensor shape instead of inferring it from the value's
// nesting. A flat list whose length matches the shape is reshaped.
func WithShape(dims ...int64) TensorOption {
	return func(cfg *tensorConfig) error {
		shape := cloneShape(dims)
		if _, err := shapeElementCount(shape); err != nil {
			return err
		}
		cfg.shape = shape
		cfg.hasShape = true
		return nil
	}
}

// NewTensor creates a tensor from a Go value.
//
// value may be a scalar, a (nested) slice or array of numbers, bools or
// strings, a []byte of already-encoded data (requires WithDataType and
// WithShape), or an existing *Tensor, which is returned unchanged.
// Nested slices must not be jagged.
//
// Without WithDataType the element type follows the Go element type: sized
// kinds map to their own type, so float64 values become a Double tensor and
// int64 values an Int64 tensor. Only int and uint default to Float. Pass
// WithDataType(Float) to store float64 values as float32.
func NewTensor(value any, opts ...TensorOption) (*Tensor, error) {
	if isNilValue(value) {
		return nil, ErrMissingValue
	}
	if t, ok := value.(*Tensor); ok {
		return t, nil
	}

	cfg := tensorConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if raw, ok := value.([]byte); ok {
		return newRawTensor(raw, cfg)
	}

	v := reflect.ValueOf(value)
	inferred := inferShape(v)
	leaves, leafType, err := flatten(v, inferred)
	if err != nil {
		return nil, err
	}

	shape := inferred
	if cfg.hasShape && !cfg.shape.equal(inferred) {
		want, _ := shapeElementCount(cfg.shape)
		if len(inferred) > 1 || len(leaves) != want {
			return nil, fmt.Errorf("%w: value with shape %v does not match requested shape %v",
				ErrUnsupportedTensorData, inferred, cfg.shape)
		}
		shape = cfg.shape
	}

	dt := cfg.dataType
	if !cfg.hasDataType {
		if leafType.Kind() == reflect.Interface && len(leaves) > 0 {
			leafType = leaves[0].Type()
		}
		inferredType, ok := dataTypeForHost(leafType)
		if !ok {
			if leafType.Kind() != reflect.Interface {
				return nil, fmt.Errorf("%w: elements of type %s", ErrUnsupportedTensorData, leafType)
			}
			inferredType = Float
		}
		dt = inferredType
	}

	flat, err := convertLeaves(leaves, dt)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape:    cloneShape(shape),
		dataType: dt,
		flat:     flat,
	}, nil
}

func newRawTensor(raw []byte, cfg tensorConfig) (*Tensor, error) {
	if !cfg.hasDataType || !cfg.hasShape {
		return nil, ErrAmbiguousRawData
	}

	if width, ok := cfg.dataType.ByteWidth(); ok {
		count, err := shapeElementCount(cfg.shape)
		if err != nil {
			return nil, err
		}
		if len(raw) != count*width {
			return nil, fmt.Errorf("%w: raw buffer has %d bytes, shape %v of %s needs %d",
				ErrUnsupportedTensorData, len(raw), cfg.shape, cfg.dataType, count*width)
		}
	}

	data := make([]byte, len(raw))
	copy(data, raw)
	return &Tensor{
		shape:    cloneShape(cfg.shape),
		dataType: cfg.dataType,
		flat:     data,
		raw:      true,
	}, nil
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() Shape {
	if t == nil || t.destroyed {
		return nil
	}
	return cloneShape(t.shape)
}

// DataType returns the tensor's element type.
func (t *Tensor) DataType() DataType {
	if t == nil {
		return 0
	}
	return t.dataType
}

// Value returns the tensor contents as a Go value: the element itself for a
// scalar, a typed slice for rank 1, and nested typed slices ([][]float32, ...)
// for higher ranks. Types without a decoder return their raw bytes.
// After Destroy it returns nil.
func (t *Tensor) Value() any {
	flat, err := t.flatValue()
	if err != nil {
		return nil
	}
	if _, ok := flat.([]byte); ok && t.opaque() {
		return flat
	}

	switch len(t.shape) {
	case 0:
		return reflect.ValueOf(flat).Index(0).Interface()
	case 1:
		return flat
	default:
		return reshape(flat, t.shape)
	}
}

// Flat returns a copy of the row-major element list (raw bytes for opaque types).
func (t *Tensor) Flat() any {
	flat, err := t.flatValue()
	if err != nil {
		return nil
	}
	return flat
}

// Bytes encodes the tensor into the native byte layout of its data type.
func (t *Tensor) Bytes() ([]byte, error) {
	if err := t.ensureValid(); err != nil {
		return nil, err
	}
	if t.raw {
		out := make([]byte, len(t.flat.([]byte)))
		copy(out, t.flat.([]byte))
		return out, nil
	}
	return CodecFor(t.dataType).Encode(t.flat)
}

// IsValid reports whether the tensor has not been destroyed.
func (t *Tensor) IsValid() bool {
	return t != nil && !t.destroyed
}

// Destroy drops the tensor's data. Destroying twice is a no-op.
func (t *Tensor) Destroy() error {
	if t == nil {
		return nil
	}
	t.destroyed = true
	t.flat = nil
	t.shape = nil
	return nil
}

func (t *Tensor) String() string {
	if !t.IsValid() {
		return "Tensor(<destroyed>)"
	}
	return fmt.Sprintf("Tensor(%v, %s, %v)", t.Value(), t.dataType, t.shape)
}

func (t *Tensor) ensureValid() error {
	if !t.IsValid() {
		return ErrInvalidHandle
	}
	return nil
}

func (t *Tensor) opaque() bool {
	return isPassthrough(CodecFor(t.dataType))
}

// flatValue returns a copy of the flat element list, decoding raw bytes
// when the data type has a codec.
func (t *Tensor) flatValue() (any, error) {
	if err := t.ensureValid(); err != nil {
		return nil, err
	}

	if !t.raw {
		return cloneSlice(t.flat), nil
	}

	raw := t.flat.([]byte)
	codec := CodecFor(t.dataType)
	if isPassthrough(codec) {
		return cloneSlice(raw), nil
	}

	decoded, err := codec.Decode(raw, t.shape)
	if err != nil {
		return nil, err
	}
	return wrapScalar(decoded, t.shape), nil
}

// wrapScalar turns a decoded scalar into a one-element slice.
func wrapScalar(decoded any, shape Shape) any {
	if len(shape) != 0 {
		return decoded
	}
	v := reflect.ValueOf(decoded)
	out := reflect.MakeSlice(reflect.SliceOf(v.Type()), 1, 1)
	out.Index(0).Set(v)
	return out.Interface()
}

func cloneSlice(slice any) any {
	v := reflect.ValueOf(slice)
	out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(out, v)
	return out.Interface()
}

func isNilValue(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
