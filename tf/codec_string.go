package tf

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"
)

// stringPrimitives encodes one string record: a varint length prefix
// followed by the raw bytes.
type stringPrimitives interface {
	encodedSize(length int) int
	encode(src []byte, dst []byte) error
	decode(record []byte) ([]byte, error)
}

var (
	stringPrimsMu sync.RWMutex
	stringPrims   stringPrimitives = varintStrings{}
)

func setStringPrimitives(p stringPrimitives) {
	stringPrimsMu.Lock()
	defer stringPrimsMu.Unlock()
	stringPrims = p
}

func activeStringPrimitives() stringPrimitives {
	stringPrimsMu.RLock()
	defer stringPrimsMu.RUnlock()
	return stringPrims
}

// stringCodec reads and writes the offset-table string layout: count
// little-endian uint64 offsets (relative to the end of the table) followed
// by the encoded records back to back.
type stringCodec struct{}

const stringOffsetSize = 8

func (stringCodec) Decode(buf []byte, shape Shape) (any, error) {
	count, err := decodeCount(shape)
	if err != nil {
		return nil, err
	}

	tableSize := count * stringOffsetSize
	if count > len(buf)/stringOffsetSize {
		return nil, fmt.Errorf("%w: string buffer of %d bytes is too short for %d offsets",
			ErrUnsupportedTensorData, len(buf), count)
	}
	dataSize := uint64(len(buf) - tableSize)
	data := buf[tableSize:]

	prims := activeStringPrimitives()
	out := make([]string, count)
	for i := 0; i < count; i++ {
		start := binary.LittleEndian.Uint64(buf[i*stringOffsetSize:])
		end := dataSize
		if i < count-1 {
			end = binary.LittleEndian.Uint64(buf[(i+1)*stringOffsetSize:])
		}
		if start > end || end > dataSize {
			return nil, fmt.Errorf("%w: string %d has invalid offsets [%d, %d) in %d data bytes",
				ErrUnsupportedTensorData, i, start, end, dataSize)
		}

		decoded, err := prims.decode(data[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to decode string %d: %w", i, err)
		}
		out[i] = string(decoded)
	}

	if len(shape) == 0 {
		return out[0], nil
	}
	return out, nil
}

func (stringCodec) Encode(flat any) ([]byte, error) {
	values, ok := flat.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: expected []string, got %T", ErrUnsupportedTensorData, flat)
	}
	if len(values) == 0 {
		return []byte{}, nil
	}

	prims := activeStringPrimitives()

	// Size every record first so the buffer is allocated exactly once.
	tableSize := len(values) * stringOffsetSize
	sizes := make([]int, len(values))
	total := tableSize
	for i, s := range values {
		sizes[i] = prims.encodedSize(len(s))
		total += sizes[i]
	}

	buf := make([]byte, total)
	offset := 0
	for i, s := range values {
		binary.LittleEndian.PutUint64(buf[i*stringOffsetSize:], uint64(offset))
		record := buf[tableSize+offset : tableSize+offset+sizes[i]]
		if err := prims.encode([]byte(s), record); err != nil {
			return nil, fmt.Errorf("failed to encode string %d: %w", i, err)
		}
		offset += sizes[i]
	}
	return buf, nil
}

// varintStrings is the built-in record encoding, byte-identical to
// TF_StringEncode: a 7-bit chunked length prefix, then the bytes.
type varintStrings struct{}

func (varintStrings) encodedSize(length int) int {
	var prefix [binary.MaxVarintLen64]byte
	return binary.PutUvarint(prefix[:], uint64(length)) + length
}

func (v varintStrings) encode(src []byte, dst []byte) error {
	if len(dst) < v.encodedSize(len(src)) {
		return fmt.Errorf("destination of %d bytes is too small for %d string bytes", len(dst), len(src))
	}
	n := binary.PutUvarint(dst, uint64(len(src)))
	copy(dst[n:], src)
	return nil
}

func (varintStrings) decode(record []byte) ([]byte, error) {
	length, n := binary.Uvarint(record)
	if n <= 0 {
		return nil, fmt.Errorf("invalid string length prefix")
	}
	if length > uint64(len(record)-n) {
		return nil, fmt.Errorf("string length %d exceeds record size %d", length, len(record)-n)
	}
	out := make([]byte, length)
	copy(out, record[n:])
	return out, nil
}

// nativeStrings calls TF_StringEncodedSize, TF_StringEncode and TF_StringDecode.
type nativeStrings struct {
	api *api
}

func (p nativeStrings) encodedSize(length int) int {
	return int(p.api.stringEncodedSize(uintptr(length)))
}

func (p nativeStrings) encode(src []byte, dst []byte) error {
	return p.api.withStatus("TF_StringEncode", func(status uintptr) {
		p.api.stringEncode(unsafe.SliceData(src), uintptr(len(src)), unsafe.SliceData(dst), uintptr(len(dst)), status)
	})
}

func (p nativeStrings) decode(record []byte) ([]byte, error) {
	var dst, dstLength uintptr
	err := p.api.withStatus("TF_StringDecode", func(status uintptr) {
		p.api.stringDecode(unsafe.SliceData(record), uintptr(len(record)), &dst, &dstLength, status)
	})
	if err != nil {
		return nil, err
	}
	if dstLength == 0 {
		return []byte{}, nil
	}

	// dst points into record; copy before record can be released.
	out := make([]byte, dstLength)
	// #nosec G103 -- dst/dstLength describe a slice of record returned by TF_StringDecode.
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(dst)), dstLength))
	return out, nil
}
