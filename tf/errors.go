package tf

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle is returned by operations on a graph, session or tensor
	// that has already been destroyed.
	ErrInvalidHandle = errors.New("tf: handle has been released")

	// ErrNotInitialized is returned when the TensorFlow library has not been
	// loaded, or has been unloaded by DestroyEnvironment.
	ErrNotInitialized = errors.New("TensorFlow library not initialized")

	// ErrInvalidGraphDef is returned when a graph definition cannot be imported.
	ErrInvalidGraphDef = errors.New("tf: invalid graph definition")

	// ErrSessionCreation is returned when a session cannot be created.
	ErrSessionCreation = errors.New("tf: unable to create session")

	// ErrMissingValue is returned when a tensor is created from a nil value.
	ErrMissingValue = errors.New("tf: tensor value is missing")

	// ErrAmbiguousRawData is returned when a tensor is created from raw bytes
	// without both a data type and a shape.
	ErrAmbiguousRawData = errors.New("tf: raw tensor data requires an explicit data type and shape")

	// ErrUnsupportedTensorData is returned when a value cannot be represented
	// as tensor data.
	ErrUnsupportedTensorData = errors.New("tf: unsupported tensor data")
)

// NativeError carries a non-OK status returned by a TensorFlow C API call.
type NativeError struct {
	Op      string
	Code    Code
	Message string
}

func (e *NativeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Op, e.Code, e.Message)
}

// UnresolvedOperationError is returned by Session.Run when an input, output
// or target names an operation that does not exist in the graph.
type UnresolvedOperationError struct {
	// Role is "input", "output" or "target".
	Role string
	Name string
}

func (e *UnresolvedOperationError) Error() string {
	return fmt.Sprintf("tf: the %s %q wasn't loaded or doesn't exist in the graph", e.Role, e.Name)
}

// UnsupportedTypeError is returned for data types without a host representation.
type UnsupportedTypeError struct {
	DataType DataType
	Name     string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("tf: unsupported tensor element type %q", e.Name)
	}
	return fmt.Sprintf("tf: unsupported tensor element type %s", e.DataType)
}
