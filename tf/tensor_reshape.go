package tf

import (
	"fmt"
	"reflect"
)

func isList(v reflect.Value) bool {
	return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
}

func unwrapInterface(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

// inferShape walks the first element of every nesting level. The value is
// assumed to be rectangular; flatten verifies that.
func inferShape(v reflect.Value) Shape {
	shape := Shape{}
	for {
		v = unwrapInterface(v)
		if !isList(v) {
			return shape
		}
		shape = append(shape, int64(v.Len()))
		if v.Len() == 0 {
			return shape
		}
		v = v.Index(0)
	}
}

// flatten collects the leaves of a nested value in row-major order, failing
// on jagged input. It also returns the static leaf type, which is an
// interface type when the nesting uses []any.
func flatten(v reflect.Value, shape Shape) ([]reflect.Value, reflect.Type, error) {
	count, err := shapeElementCount(shape)
	if err != nil {
		return nil, nil, err
	}

	leafType := v.Type()
	for leafType.Kind() == reflect.Slice || leafType.Kind() == reflect.Array {
		leafType = leafType.Elem()
	}

	leaves := make([]reflect.Value, 0, count)
	var walk func(v reflect.Value, depth int) error
	walk = func(v reflect.Value, depth int) error {
		v = unwrapInterface(v)
		if depth == len(shape) {
			if isList(v) {
				return fmt.Errorf("%w: jagged array, unexpected nesting at depth %d", ErrUnsupportedTensorData, depth)
			}
			if !v.IsValid() || v.Kind() == reflect.Interface {
				return fmt.Errorf("%w: nil element", ErrUnsupportedTensorData)
			}
			leaves = append(leaves, v)
			return nil
		}

		if !isList(v) || int64(v.Len()) != shape[depth] {
			return fmt.Errorf("%w: jagged array, expected %d elements at depth %d", ErrUnsupportedTensorData, shape[depth], depth)
		}
		for i := 0; i < v.Len(); i++ {
			if err := walk(v.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(v, 0); err != nil {
		return nil, nil, err
	}
	return leaves, leafType, nil
}

type valueClass int

const (
	classOther valueClass = iota
	classNumber
	classComplex
	classBool
	classString
)

func classOf(k reflect.Kind) valueClass {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return classNumber
	case reflect.Complex64, reflect.Complex128:
		return classComplex
	case reflect.Bool:
		return classBool
	case reflect.String:
		return classString
	default:
		return classOther
	}
}

// convertLeaves builds the typed flat slice for dt from the collected leaves.
func convertLeaves(leaves []reflect.Value, dt DataType) (any, error) {
	host, err := dt.hostType()
	if err != nil {
		return nil, err
	}

	hostClass := classOf(host.Kind())
	out := reflect.MakeSlice(reflect.SliceOf(host), len(leaves), len(leaves))
	for i, leaf := range leaves {
		if classOf(leaf.Kind()) != hostClass || hostClass == classOther {
			return nil, fmt.Errorf("%w: cannot store %s element in a %s tensor",
				ErrUnsupportedTensorData, leaf.Type(), dt)
		}
		out.Index(i).Set(leaf.Convert(host))
	}
	return out.Interface(), nil
}

// reshape groups a flat slice into nested slices, innermost dimension first,
// until only the outermost dimension remains. Zero-length dimensions are
// allowed.
func reshape(flat any, shape Shape) any {
	v := reflect.ValueOf(flat)
	for i := len(shape) - 1; i > 0; i-- {
		groups := 1
		for _, dim := range shape[:i] {
			groups *= int(dim)
		}
		size := int(shape[i])

		out := reflect.MakeSlice(reflect.SliceOf(v.Type()), groups, groups)
		for g := 0; g < groups; g++ {
			out.Index(g).Set(v.Slice(g*size, (g+1)*size))
		}
		v = out
	}
	return v.Interface()
}
