// Package tfutil holds small helpers shared by the TensorFlow binding.
package tfutil

import (
	"errors"
	"reflect"
)

// Destroyer is implemented by graphs, sessions and tensors that must be explicitly destroyed.
type Destroyer interface {
	Destroy() error
}

// DestroyAll destroys each resource in order and joins all non-nil errors.
// Nil and typed nil values are skipped.
func DestroyAll(resources ...Destroyer) error {
	var err error
	for _, resource := range resources {
		if isNilDestroyer(resource) {
			continue
		}
		if destroyErr := resource.Destroy(); destroyErr != nil {
			err = errors.Join(err, destroyErr)
		}
	}
	return err
}

func isNilDestroyer(resource Destroyer) bool {
	if resource == nil {
		return true
	}
	value := reflect.ValueOf(resource)
	switch value.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return value.IsNil()
	default:
		return false
	}
}
