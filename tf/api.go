package tf

import (
	"fmt"
	"sync/atomic"

	"github.com/ebitengine/purego"
)

// tfOutput mirrors TF_Output: an operation and the index of one of its outputs.
type tfOutput struct {
	oper  uintptr
	index int32
	_     int32
}

// api holds the bound TensorFlow C API entry points. Graphs, sessions and
// native tensors keep the snapshot they were created with, so a destroyed
// environment is detected instead of calling into an unloaded library.
type api struct {
	closed atomic.Bool

	// tstringLayout is set for engines that store TF_STRING elements as
	// TF_TString structs. String tensors cannot cross the boundary there.
	tstringLayout bool

	version func() uintptr

	newStatus    func() uintptr
	deleteStatus func(status uintptr)
	getCode      func(status uintptr) int32
	message      func(status uintptr) uintptr

	allocateTensor func(dataType int32, dims *int64, numDims int32, length uintptr) uintptr
	deleteTensor   func(tensor uintptr)
	tensorType     func(tensor uintptr) int32
	numDims        func(tensor uintptr) int32
	dim            func(tensor uintptr, index int32) int64
	tensorByteSize func(tensor uintptr) uintptr
	tensorData     func(tensor uintptr) uintptr

	newBufferFromString func(proto *byte, length uintptr) uintptr
	deleteBuffer        func(buffer uintptr)

	newImportGraphDefOptions    func() uintptr
	deleteImportGraphDefOptions func(options uintptr)
	newGraph                    func() uintptr
	deleteGraph                 func(graph uintptr)
	graphImportGraphDef         func(graph, graphDef, options, status uintptr)
	graphOperationByName        func(graph uintptr, name *byte) uintptr

	newSessionOptions    func() uintptr
	deleteSessionOptions func(options uintptr)
	setConfig            func(options uintptr, proto *byte, length uintptr, status uintptr)
	newSession           func(graph, options, status uintptr) uintptr
	closeSession         func(session, status uintptr)
	deleteSession        func(session, status uintptr)
	sessionRun           func(session, runOptions uintptr,
		inputs *tfOutput, inputValues *uintptr, numInputs int32,
		outputs *tfOutput, outputValues *uintptr, numOutputs int32,
		targets *uintptr, numTargets int32,
		runMetadata, status uintptr)

	// Optional: only exported by engines that use the offset-table string layout.
	stringEncodedSize func(length uintptr) uintptr
	stringEncode      func(src *byte, srcLength uintptr, dst *byte, dstLength uintptr, status uintptr) uintptr
	stringDecode      func(src *byte, srcLength uintptr, dst *uintptr, dstLength *uintptr, status uintptr) uintptr
}

// ensureOpen fails once the environment that produced a has been destroyed.
func (a *api) ensureOpen() error {
	if a == nil || a.closed.Load() {
		return ErrNotInitialized
	}
	return nil
}

func (a *api) hasStringPrimitives() bool {
	return a.stringEncodedSize != nil && a.stringEncode != nil && a.stringDecode != nil
}

type symbolBinding struct {
	fptr     any
	name     string
	optional bool
}

func (a *api) bindings() []symbolBinding {
	return []symbolBinding{
		{&a.version, "TF_Version", false},
		{&a.newStatus, "TF_NewStatus", false},
		{&a.deleteStatus, "TF_DeleteStatus", false},
		{&a.getCode, "TF_GetCode", false},
		{&a.message, "TF_Message", false},
		{&a.allocateTensor, "TF_AllocateTensor", false},
		{&a.deleteTensor, "TF_DeleteTensor", false},
		{&a.tensorType, "TF_TensorType", false},
		{&a.numDims, "TF_NumDims", false},
		{&a.dim, "TF_Dim", false},
		{&a.tensorByteSize, "TF_TensorByteSize", false},
		{&a.tensorData, "TF_TensorData", false},
		{&a.newBufferFromString, "TF_NewBufferFromString", false},
		{&a.deleteBuffer, "TF_DeleteBuffer", false},
		{&a.newImportGraphDefOptions, "TF_NewImportGraphDefOptions", false},
		{&a.deleteImportGraphDefOptions, "TF_DeleteImportGraphDefOptions", false},
		{&a.newGraph, "TF_NewGraph", false},
		{&a.deleteGraph, "TF_DeleteGraph", false},
		{&a.graphImportGraphDef, "TF_GraphImportGraphDef", false},
		{&a.graphOperationByName, "TF_GraphOperationByName", false},
		{&a.newSessionOptions, "TF_NewSessionOptions", false},
		{&a.deleteSessionOptions, "TF_DeleteSessionOptions", false},
		{&a.setConfig, "TF_SetConfig", false},
		{&a.newSession, "TF_NewSession", false},
		{&a.closeSession, "TF_CloseSession", false},
		{&a.deleteSession, "TF_DeleteSession", false},
		{&a.sessionRun, "TF_SessionRun", false},
		{&a.stringEncodedSize, "TF_StringEncodedSize", true},
		{&a.stringEncode, "TF_StringEncode", true},
		{&a.stringDecode, "TF_StringDecode", true},
	}
}

// bindAPI resolves every entry point from the loaded library.
func bindAPI(lib uintptr) (*api, error) {
	a := &api{}
	for _, b := range a.bindings() {
		sym, err := getSymbol(lib, b.name)
		if err != nil || sym == 0 {
			if b.optional {
				continue
			}
			if err == nil {
				err = fmt.Errorf("symbol is nil")
			}
			return nil, fmt.Errorf("failed to resolve %s: %w", b.name, err)
		}
		purego.RegisterFunc(b.fptr, sym)
	}
	return a, nil
}
