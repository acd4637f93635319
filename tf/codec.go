package tf

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Codec converts between the flat element list of a tensor and the byte
// layout the native engine uses for its data type.
//
// Decode returns a typed slice of ShapeElementCount(shape) elements, or a
// single unwrapped element when shape is a scalar. Encode accepts the typed
// flat slice and returns the encoded buffer.
type Codec interface {
	Decode(buf []byte, shape Shape) (any, error)
	Encode(flat any) ([]byte, error)
}

var codecs = map[DataType]Codec{
	Float: fixedCodec[float32]{width: 4,
		get: func(b []byte) float32 { return math.Float32frombits(binary.NativeEndian.Uint32(b)) },
		put: func(b []byte, v float32) { binary.NativeEndian.PutUint32(b, math.Float32bits(v)) }},
	Double: fixedCodec[float64]{width: 8,
		get: func(b []byte) float64 { return math.Float64frombits(binary.NativeEndian.Uint64(b)) },
		put: func(b []byte, v float64) { binary.NativeEndian.PutUint64(b, math.Float64bits(v)) }},
	Int8: fixedCodec[int8]{width: 1,
		get: func(b []byte) int8 { return int8(b[0]) },
		put: func(b []byte, v int8) { b[0] = byte(v) }},
	Int16: fixedCodec[int16]{width: 2,
		get: func(b []byte) int16 { return int16(binary.NativeEndian.Uint16(b)) },
		put: func(b []byte, v int16) { binary.NativeEndian.PutUint16(b, uint16(v)) }},
	Int32: fixedCodec[int32]{width: 4,
		get: func(b []byte) int32 { return int32(binary.NativeEndian.Uint32(b)) },
		put: func(b []byte, v int32) { binary.NativeEndian.PutUint32(b, uint32(v)) }},
	Int64: fixedCodec[int64]{width: 8,
		get: func(b []byte) int64 { return int64(binary.NativeEndian.Uint64(b)) },
		put: func(b []byte, v int64) { binary.NativeEndian.PutUint64(b, uint64(v)) }},
	Uint8: fixedCodec[uint8]{width: 1,
		get: func(b []byte) uint8 { return b[0] },
		put: func(b []byte, v uint8) { b[0] = v }},
	Uint16: fixedCodec[uint16]{width: 2,
		get: binary.NativeEndian.Uint16,
		put: binary.NativeEndian.PutUint16},
	Uint32: fixedCodec[uint32]{width: 4,
		get: binary.NativeEndian.Uint32,
		put: binary.NativeEndian.PutUint32},
	Uint64: fixedCodec[uint64]{width: 8,
		get: binary.NativeEndian.Uint64,
		put: binary.NativeEndian.PutUint64},
	Bool: fixedCodec[bool]{width: 1,
		get: func(b []byte) bool { return b[0] != 0 },
		put: func(b []byte, v bool) {
			if v {
				b[0] = 1
			} else {
				b[0] = 0
			}
		}},
	Complex64: fixedCodec[complex64]{width: 8,
		get: func(b []byte) complex64 {
			return complex(math.Float32frombits(binary.NativeEndian.Uint32(b)), math.Float32frombits(binary.NativeEndian.Uint32(b[4:])))
		},
		put: func(b []byte, v complex64) {
			binary.NativeEndian.PutUint32(b, math.Float32bits(real(v)))
			binary.NativeEndian.PutUint32(b[4:], math.Float32bits(imag(v)))
		}},
	Complex128: fixedCodec[complex128]{width: 16,
		get: func(b []byte) complex128 {
			return complex(math.Float64frombits(binary.NativeEndian.Uint64(b)), math.Float64frombits(binary.NativeEndian.Uint64(b[8:])))
		},
		put: func(b []byte, v complex128) {
			binary.NativeEndian.PutUint64(b, math.Float64bits(real(v)))
			binary.NativeEndian.PutUint64(b[8:], math.Float64bits(imag(v)))
		}},
	Half: fixedCodec[float32]{width: 2,
		get: func(b []byte) float32 { return float16.Frombits(binary.NativeEndian.Uint16(b)).Float32() },
		put: func(b []byte, v float32) { binary.NativeEndian.PutUint16(b, float16.Fromfloat32(v).Bits()) }},
	BFloat16: bfloat16Codec{},
	String:   stringCodec{},
}

// CodecFor returns the codec registered for dt. Data types without a
// registration get a passthrough codec that carries raw bytes.
func CodecFor(dt DataType) Codec {
	if c, ok := codecs[dt]; ok {
		return c
	}
	return passthroughCodec{}
}

func isPassthrough(c Codec) bool {
	_, ok := c.(passthroughCodec)
	return ok
}

// decodeCount is the number of elements a buffer holds for shape.
func decodeCount(shape Shape) (int, error) {
	if len(shape) == 0 {
		return 1, nil
	}
	return shapeElementCount(shape)
}

// fixedCodec handles fixed-width element types in the platform byte order.
type fixedCodec[T any] struct {
	width int
	get   func([]byte) T
	put   func([]byte, T)
}

func (c fixedCodec[T]) Decode(buf []byte, shape Shape) (any, error) {
	count, err := decodeCount(shape)
	if err != nil {
		return nil, err
	}
	if count > len(buf)/c.width {
		return nil, fmt.Errorf("%w: buffer of %d bytes is too short for %d elements of width %d",
			ErrUnsupportedTensorData, len(buf), count, c.width)
	}

	if len(shape) == 0 {
		return c.get(buf), nil
	}

	out := make([]T, count)
	for i := range out {
		out[i] = c.get(buf[i*c.width:])
	}
	return out, nil
}

func (c fixedCodec[T]) Encode(flat any) ([]byte, error) {
	values, ok := flat.([]T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("%w: expected []%T, got %T", ErrUnsupportedTensorData, zero, flat)
	}

	buf := make([]byte, len(values)*c.width)
	for i, v := range values {
		c.put(buf[i*c.width:], v)
	}
	return buf, nil
}

// bfloat16Codec stores the upper half of an IEEE float32, little-endian.
type bfloat16Codec struct{}

func (bfloat16Codec) Decode(buf []byte, shape Shape) (any, error) {
	count, err := decodeCount(shape)
	if err != nil {
		return nil, err
	}
	if count > len(buf)/2 {
		return nil, fmt.Errorf("%w: buffer of %d bytes is too short for %d bfloat16 elements",
			ErrUnsupportedTensorData, len(buf), count)
	}

	values := bfloat16.DecodeFloat32(buf[:count*2])
	if len(shape) == 0 {
		return values[0], nil
	}
	return values, nil
}

func (bfloat16Codec) Encode(flat any) ([]byte, error) {
	values, ok := flat.([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: expected []float32, got %T", ErrUnsupportedTensorData, flat)
	}
	return bfloat16.EncodeFloat32(values), nil
}

// passthroughCodec carries opaque bytes for types without element decoding.
type passthroughCodec struct{}

func (passthroughCodec) Decode(buf []byte, _ Shape) (any, error) {
	return buf, nil
}

func (passthroughCodec) Encode(flat any) ([]byte, error) {
	raw, ok := flat.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: expected raw bytes, got %T", ErrUnsupportedTensorData, flat)
	}
	return raw, nil
}
