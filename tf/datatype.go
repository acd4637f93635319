package tf

import (
	"fmt"
	"reflect"
	"strings"
)

// DataType is the element type of a tensor, using the numeric codes of TF_DataType.
type DataType int32

const (
	Float      DataType = 1
	Double     DataType = 2
	Int32      DataType = 3
	Uint8      DataType = 4
	Int16      DataType = 5
	Int8       DataType = 6
	String     DataType = 7
	Complex64  DataType = 8
	Int64      DataType = 9
	Bool       DataType = 10
	Qint8      DataType = 11
	Quint8     DataType = 12
	Qint32     DataType = 13
	BFloat16   DataType = 14
	Qint16     DataType = 15
	Quint16    DataType = 16
	Uint16     DataType = 17
	Complex128 DataType = 18
	Half       DataType = 19
	Resource   DataType = 20
	Variant    DataType = 21
	Uint32     DataType = 22
	Uint64     DataType = 23
)

type dataTypeInfo struct {
	name string
	// width is the encoded size of one element; 0 for variable-width types.
	width int
	// host is the Go element type used for decoded values; nil means the
	// type is only carried as raw bytes.
	host reflect.Type
}

var (
	float32Type    = reflect.TypeOf(float32(0))
	float64Type    = reflect.TypeOf(float64(0))
	int8Type       = reflect.TypeOf(int8(0))
	int16Type      = reflect.TypeOf(int16(0))
	int32Type      = reflect.TypeOf(int32(0))
	int64Type      = reflect.TypeOf(int64(0))
	uint8Type      = reflect.TypeOf(uint8(0))
	uint16Type     = reflect.TypeOf(uint16(0))
	uint32Type     = reflect.TypeOf(uint32(0))
	uint64Type     = reflect.TypeOf(uint64(0))
	boolType       = reflect.TypeOf(false)
	stringType     = reflect.TypeOf("")
	complex64Type  = reflect.TypeOf(complex64(0))
	complex128Type = reflect.TypeOf(complex128(0))
)

var dataTypes = map[DataType]dataTypeInfo{
	Float:      {name: "float32", width: 4, host: float32Type},
	Double:     {name: "float64", width: 8, host: float64Type},
	Int32:      {name: "int32", width: 4, host: int32Type},
	Uint8:      {name: "uint8", width: 1, host: uint8Type},
	Int16:      {name: "int16", width: 2, host: int16Type},
	Int8:       {name: "int8", width: 1, host: int8Type},
	String:     {name: "string", host: stringType},
	Complex64:  {name: "complex64", width: 8, host: complex64Type},
	Int64:      {name: "int64", width: 8, host: int64Type},
	Bool:       {name: "bool", width: 1, host: boolType},
	Qint8:      {name: "qint8", width: 1},
	Quint8:     {name: "quint8", width: 1},
	Qint32:     {name: "qint32", width: 4},
	BFloat16:   {name: "bfloat16", width: 2, host: float32Type},
	Qint16:     {name: "qint16", width: 2},
	Quint16:    {name: "quint16", width: 2},
	Uint16:     {name: "uint16", width: 2, host: uint16Type},
	Complex128: {name: "complex128", width: 16, host: complex128Type},
	Half:       {name: "float16", width: 2, host: float32Type},
	Resource:   {name: "resource"},
	Variant:    {name: "variant"},
	Uint32:     {name: "uint32", width: 4, host: uint32Type},
	Uint64:     {name: "uint64", width: 8, host: uint64Type},
}

func (dt DataType) String() string {
	if info, ok := dataTypes[dt]; ok {
		return info.name
	}
	return fmt.Sprintf("DataType(%d)", int32(dt))
}

// ByteWidth returns the encoded size of one element. The second result is
// false for variable-width types (string, resource, variant) and unknown codes.
func (dt DataType) ByteWidth() (int, bool) {
	info, ok := dataTypes[dt]
	if !ok || info.width == 0 {
		return 0, false
	}
	return info.width, true
}

// Known reports whether dt is a data type code understood by this package.
func (dt DataType) Known() bool {
	_, ok := dataTypes[dt]
	return ok
}

func (dt DataType) info() (dataTypeInfo, error) {
	info, ok := dataTypes[dt]
	if !ok {
		return dataTypeInfo{}, &UnsupportedTypeError{DataType: dt}
	}
	return info, nil
}

// hostType returns the Go element type that values of dt decode into.
func (dt DataType) hostType() (reflect.Type, error) {
	info, err := dt.info()
	if err != nil {
		return nil, err
	}
	if info.host == nil {
		return nil, &UnsupportedTypeError{DataType: dt}
	}
	return info.host, nil
}

// ParseDataType resolves a data type by name, for example "float32" or "int64".
// "float" and "half" are accepted as aliases of float32 and float16.
func ParseDataType(name string) (DataType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "float":
		return Float, nil
	case "double":
		return Double, nil
	case "half":
		return Half, nil
	}
	for dt, info := range dataTypes {
		if info.name == name {
			return dt, nil
		}
	}
	return 0, &UnsupportedTypeError{Name: name}
}

// dataTypeForHost maps a Go element type to the data type used when the
// caller does not choose one.
func dataTypeForHost(t reflect.Type) (DataType, bool) {
	switch t.Kind() {
	case reflect.Float32:
		return Float, true
	case reflect.Float64:
		return Double, true
	case reflect.Int8:
		return Int8, true
	case reflect.Int16:
		return Int16, true
	case reflect.Int32:
		return Int32, true
	case reflect.Int64:
		return Int64, true
	case reflect.Uint8:
		return Uint8, true
	case reflect.Uint16:
		return Uint16, true
	case reflect.Uint32:
		return Uint32, true
	case reflect.Uint64:
		return Uint64, true
	case reflect.Int, reflect.Uint:
		// Width-less host numbers default to float32.
		return Float, true
	case reflect.Bool:
		return Bool, true
	case reflect.String:
		return String, true
	case reflect.Complex64:
		return Complex64, true
	case reflect.Complex128:
		return Complex128, true
	default:
		return 0, false
	}
}
