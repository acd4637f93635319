package tf

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
	"unsafe"

	"github.com/amikos-tech/pure-tf/internal/graphdef"
)

// fakeEngine is an in-memory stand-in for libtensorflow. It implements the
// bound C API over Go memory and evaluates Placeholder, Const, Identity,
// Add/AddV2 and NoOp graphs.
type fakeEngine struct {
	next uintptr

	version     string
	nativeStrs  bool
	failSession bool

	strings  [][]byte
	statuses map[uintptr]*fakeStatus
	tensors  map[uintptr]*fakeTensor
	buffers  map[uintptr][]byte
	imports  map[uintptr]struct{}
	graphs   map[uintptr]*fakeGraph
	ops      map[uintptr]fakeOp
	options  map[uintptr][]byte
	sessions map[uintptr]*fakeSession

	closedSessions  int
	deletedSessions int
	deletedGraphs   int
	lastConfig      []byte
	lastTargets     []string
	stringCalls     int
	// liveAtRead records the number of live tensors each time an output is read.
	liveAtRead      []int
}

type fakeStatus struct {
	code    Code
	message []byte
}

type fakeTensor struct {
	dt   DataType
	dims []int64
	data []byte
}

type fakeGraph struct {
	nodes  map[string]graphdef.Node
	byName map[string]uintptr
}

type fakeOp struct {
	graph uintptr
	name  string
}

type fakeSession struct {
	graph  uintptr
	closed bool
}

type fakeEndpoint struct {
	name  string
	index int32
}

// fakeStatusError carries the status code the engine reports for a failure.
type fakeStatusError struct {
	code Code
	msg  string
}

func (e *fakeStatusError) Error() string { return e.msg }

func statusErrorf(code Code, format string, args ...any) error {
	return &fakeStatusError{code: code, msg: fmt.Sprintf(format, args...)}
}

type fakeOption func(*fakeEngine)

func withEngineVersion(v string) fakeOption {
	return func(e *fakeEngine) { e.version = v }
}

// withNativeStringPrimitives exports TF_StringEncodedSize/Encode/Decode.
func withNativeStringPrimitives() fakeOption {
	return func(e *fakeEngine) { e.nativeStrs = true }
}

func withFailingSessionCreation() fakeOption {
	return func(e *fakeEngine) { e.failSession = true }
}

func newFakeEngine(opts ...fakeOption) *fakeEngine {
	e := &fakeEngine{
		next:     0x1000,
		version:  "1.15.0",
		statuses: make(map[uintptr]*fakeStatus),
		tensors:  make(map[uintptr]*fakeTensor),
		buffers:  make(map[uintptr][]byte),
		imports:  make(map[uintptr]struct{}),
		graphs:   make(map[uintptr]*fakeGraph),
		ops:      make(map[uintptr]fakeOp),
		options:  make(map[uintptr][]byte),
		sessions: make(map[uintptr]*fakeSession),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// installFakeEngine makes e the initialized environment for the duration of
// the test.
func installFakeEngine(t *testing.T, opts ...fakeOption) *fakeEngine {
	t.Helper()
	resetEnvironmentState()

	e := newFakeEngine(opts...)
	a := e.bind()

	mu.Lock()
	tfAPI = a
	refCount = 1
	libPath = "libtensorflow-fake.so"
	version = CstringToGo(a.version())
	mu.Unlock()
	selectStringPrimitives(a, version)

	t.Cleanup(resetEnvironmentState)
	return e
}

// resetEnvironmentState resets global state for testing
func resetEnvironmentState() {
	mu.Lock()
	defer mu.Unlock()
	if tfAPI != nil {
		tfAPI.closed.Store(true)
	}
	refCount = 0
	tfLib = 0
	tfAPI = nil
	libPath = ""
	version = ""
	setStringPrimitives(varintStrings{})
}

func (e *fakeEngine) id() uintptr {
	e.next += 0x10
	return e.next
}

func (e *fakeEngine) cstring(s string) uintptr {
	b := append([]byte(s), 0)
	e.strings = append(e.strings, b)
	return uintptr(unsafe.Pointer(&b[0]))
}

func (e *fakeEngine) setStatus(status uintptr, err error) {
	st := e.statuses[status]
	if st == nil || err == nil {
		return
	}
	st.code = CodeUnknown
	if se, ok := err.(*fakeStatusError); ok {
		st.code = se.code
	}
	st.message = append([]byte(err.Error()), 0)
}

func (e *fakeEngine) liveTensors() int  { return len(e.tensors) }
func (e *fakeEngine) liveGraphs() int   { return len(e.graphs) }
func (e *fakeEngine) liveSessions() int { return len(e.sessions) }
func (e *fakeEngine) liveStatuses() int { return len(e.statuses) }

func (e *fakeEngine) bind() *api {
	a := &api{}
	a.version = func() uintptr { return e.cstring(e.version) }

	a.newStatus = func() uintptr {
		id := e.id()
		e.statuses[id] = &fakeStatus{code: CodeOK}
		return id
	}
	a.deleteStatus = func(status uintptr) { delete(e.statuses, status) }
	a.getCode = func(status uintptr) int32 { return int32(e.statuses[status].code) }
	a.message = func(status uintptr) uintptr {
		st := e.statuses[status]
		if len(st.message) == 0 {
			return 0
		}
		return uintptr(unsafe.Pointer(&st.message[0]))
	}

	a.allocateTensor = func(dataType int32, dims *int64, numDims int32, length uintptr) uintptr {
		shape := make([]int64, numDims)
		if numDims > 0 {
			copy(shape, unsafe.Slice(dims, numDims))
		}
		id := e.id()
		e.tensors[id] = &fakeTensor{dt: DataType(dataType), dims: shape, data: make([]byte, length)}
		return id
	}
	a.deleteTensor = func(tensor uintptr) { delete(e.tensors, tensor) }
	a.tensorType = func(tensor uintptr) int32 { return int32(e.tensors[tensor].dt) }
	a.numDims = func(tensor uintptr) int32 { return int32(len(e.tensors[tensor].dims)) }
	a.dim = func(tensor uintptr, index int32) int64 { return e.tensors[tensor].dims[index] }
	a.tensorByteSize = func(tensor uintptr) uintptr {
		e.liveAtRead = append(e.liveAtRead, len(e.tensors))
		return uintptr(len(e.tensors[tensor].data))
	}
	a.tensorData = func(tensor uintptr) uintptr {
		t := e.tensors[tensor]
		if t == nil || len(t.data) == 0 {
			return 0
		}
		return uintptr(unsafe.Pointer(&t.data[0]))
	}

	a.newBufferFromString = func(proto *byte, length uintptr) uintptr {
		id := e.id()
		buf := make([]byte, length)
		if length > 0 {
			copy(buf, unsafe.Slice(proto, length))
		}
		e.buffers[id] = buf
		return id
	}
	a.deleteBuffer = func(buffer uintptr) { delete(e.buffers, buffer) }

	a.newImportGraphDefOptions = func() uintptr {
		id := e.id()
		e.imports[id] = struct{}{}
		return id
	}
	a.deleteImportGraphDefOptions = func(options uintptr) { delete(e.imports, options) }
	a.newGraph = func() uintptr {
		id := e.id()
		e.graphs[id] = &fakeGraph{nodes: make(map[string]graphdef.Node), byName: make(map[string]uintptr)}
		return id
	}
	a.deleteGraph = func(graph uintptr) {
		if _, ok := e.graphs[graph]; ok {
			e.deletedGraphs++
		}
		delete(e.graphs, graph)
	}
	a.graphImportGraphDef = func(graph, graphDef, _, status uintptr) {
		e.setStatus(status, e.importGraphDef(e.graphs[graph], e.buffers[graphDef]))
	}
	a.graphOperationByName = func(graph uintptr, name *byte) uintptr {
		g := e.graphs[graph]
		opName := CstringToGo(uintptr(unsafe.Pointer(name)))
		if _, ok := g.nodes[opName]; !ok {
			return 0
		}
		if id, ok := g.byName[opName]; ok {
			return id
		}
		id := e.id()
		g.byName[opName] = id
		e.ops[id] = fakeOp{graph: graph, name: opName}
		return id
	}

	a.newSessionOptions = func() uintptr {
		id := e.id()
		e.options[id] = nil
		return id
	}
	a.deleteSessionOptions = func(options uintptr) { delete(e.options, options) }
	a.setConfig = func(options uintptr, proto *byte, length uintptr, _ uintptr) {
		cfg := make([]byte, length)
		copy(cfg, unsafe.Slice(proto, length))
		e.options[options] = cfg
		e.lastConfig = cfg
	}
	a.newSession = func(graph, _, status uintptr) uintptr {
		if e.failSession {
			e.setStatus(status, statusErrorf(CodeInternal, "session creation disabled"))
			return 0
		}
		if _, ok := e.graphs[graph]; !ok {
			e.setStatus(status, statusErrorf(CodeInvalidArgument, "unknown graph"))
			return 0
		}
		id := e.id()
		e.sessions[id] = &fakeSession{graph: graph}
		return id
	}
	a.closeSession = func(session, _ uintptr) {
		if s, ok := e.sessions[session]; ok {
			s.closed = true
			e.closedSessions++
		}
	}
	a.deleteSession = func(session, _ uintptr) {
		if _, ok := e.sessions[session]; ok {
			e.deletedSessions++
		}
		delete(e.sessions, session)
	}
	a.sessionRun = func(session, _ uintptr,
		inputs *tfOutput, inputValues *uintptr, numInputs int32,
		outputs *tfOutput, outputValues *uintptr, numOutputs int32,
		targets *uintptr, numTargets int32,
		_, status uintptr) {
		var ins []tfOutput
		var inVals []uintptr
		if numInputs > 0 {
			ins = unsafe.Slice(inputs, numInputs)
			inVals = unsafe.Slice(inputValues, numInputs)
		}
		var outs []tfOutput
		var outVals []uintptr
		if numOutputs > 0 {
			outs = unsafe.Slice(outputs, numOutputs)
			outVals = unsafe.Slice(outputValues, numOutputs)
		}
		var tgts []uintptr
		if numTargets > 0 {
			tgts = unsafe.Slice(targets, numTargets)
		}
		e.setStatus(status, e.run(session, ins, inVals, outs, outVals, tgts))
	}

	if e.nativeStrs {
		a.stringEncodedSize = func(length uintptr) uintptr {
			e.stringCalls++
			return uintptr(varintStrings{}.encodedSize(int(length)))
		}
		a.stringEncode = func(src *byte, srcLength uintptr, dst *byte, dstLength uintptr, status uintptr) uintptr {
			e.stringCalls++
			in := unsafe.Slice(src, srcLength)
			out := unsafe.Slice(dst, dstLength)
			if err := (varintStrings{}).encode(in, out); err != nil {
				e.setStatus(status, statusErrorf(CodeInvalidArgument, "%v", err))
				return 0
			}
			return uintptr(varintStrings{}.encodedSize(int(srcLength)))
		}
		a.stringDecode = func(src *byte, srcLength uintptr, dst *uintptr, dstLength *uintptr, status uintptr) uintptr {
			e.stringCalls++
			record := unsafe.Slice(src, srcLength)
			length, n := binary.Uvarint(record)
			if n <= 0 || length > uint64(len(record)-n) {
				e.setStatus(status, statusErrorf(CodeInvalidArgument, "invalid string record"))
				return 0
			}
			*dstLength = uintptr(length)
			if length > 0 {
				*dst = uintptr(unsafe.Pointer(&record[n]))
			}
			return uintptr(n) + uintptr(length)
		}
	}
	return a
}

var fakeSupportedOps = map[string]bool{
	"Placeholder": true,
	"Const":       true,
	"Identity":    true,
	"Add":         true,
	"AddV2":       true,
	"NoOp":        true,
}

func (e *fakeEngine) importGraphDef(g *fakeGraph, def []byte) error {
	nodes, err := graphdef.Parse(def)
	if err != nil {
		return statusErrorf(CodeInvalidArgument, "Invalid GraphDef: %v", err)
	}
	if len(nodes) == 0 {
		return statusErrorf(CodeInvalidArgument, "GraphDef has no nodes")
	}

	imported := make(map[string]graphdef.Node, len(nodes))
	for _, n := range nodes {
		if !fakeSupportedOps[n.Op] {
			return statusErrorf(CodeNotFound, "Op type not registered '%s'", n.Op)
		}
		if _, dup := imported[n.Name]; dup {
			return statusErrorf(CodeInvalidArgument, "Duplicate node name in graph: '%s'", n.Name)
		}
		imported[n.Name] = n
	}
	for _, n := range nodes {
		for _, in := range n.Inputs {
			name, _, err := parseOutputName(strings.TrimPrefix(in, "^"))
			if err != nil {
				return statusErrorf(CodeInvalidArgument, "%v", err)
			}
			if _, ok := imported[name]; !ok {
				return statusErrorf(CodeInvalidArgument, "Node '%s': Unknown input node '%s'", n.Name, in)
			}
		}
	}

	for name, n := range imported {
		g.nodes[name] = n
	}
	return nil
}

func (e *fakeEngine) run(session uintptr, inputs []tfOutput, inputValues []uintptr, outputs []tfOutput, outputValues []uintptr, targets []uintptr) error {
	s, ok := e.sessions[session]
	if !ok || s.closed {
		return statusErrorf(CodeFailedPrecondition, "Session has been closed")
	}
	g := e.graphs[s.graph]

	feeds := make(map[fakeEndpoint]*fakeTensor, len(inputs))
	for i, in := range inputs {
		op, ok := e.ops[in.oper]
		if !ok || op.graph != s.graph {
			return statusErrorf(CodeInvalidArgument, "unknown input operation")
		}
		t, ok := e.tensors[inputValues[i]]
		if !ok {
			return statusErrorf(CodeInvalidArgument, "input %d is not a live tensor", i)
		}
		feeds[fakeEndpoint{op.name, in.index}] = t
	}

	e.lastTargets = e.lastTargets[:0]
	for _, target := range targets {
		op, ok := e.ops[target]
		if !ok {
			return statusErrorf(CodeInvalidArgument, "unknown target operation")
		}
		e.lastTargets = append(e.lastTargets, op.name)
	}

	results := make([]*fakeTensor, len(outputs))
	for i, out := range outputs {
		op, ok := e.ops[out.oper]
		if !ok || op.graph != s.graph {
			return statusErrorf(CodeInvalidArgument, "unknown output operation")
		}
		t, err := e.eval(g, op.name, out.index, feeds)
		if err != nil {
			return err
		}
		results[i] = t
	}

	for i, t := range results {
		id := e.id()
		e.tensors[id] = &fakeTensor{dt: t.dt, dims: append([]int64{}, t.dims...), data: append([]byte(nil), t.data...)}
		outputValues[i] = id
	}
	return nil
}

func (e *fakeEngine) eval(g *fakeGraph, name string, index int32, feeds map[fakeEndpoint]*fakeTensor) (*fakeTensor, error) {
	if t, ok := feeds[fakeEndpoint{name, index}]; ok {
		return t, nil
	}

	n, ok := g.nodes[name]
	if !ok {
		return nil, statusErrorf(CodeNotFound, "node '%s' not found", name)
	}
	if index != 0 {
		return nil, statusErrorf(CodeOutOfRange, "Node '%s' (type: '%s', num of outputs: 1) does not have output %d", name, n.Op, index)
	}

	switch n.Op {
	case "Placeholder":
		return nil, statusErrorf(CodeInvalidArgument,
			"You must feed a value for placeholder tensor '%s' with dtype %s", name, DataType(n.DataType))
	case "Const":
		return constTensor(n)
	case "Identity":
		return e.evalInput(g, n.Inputs[0], feeds)
	case "Add", "AddV2":
		x, err := e.evalInput(g, n.Inputs[0], feeds)
		if err != nil {
			return nil, err
		}
		y, err := e.evalInput(g, n.Inputs[1], feeds)
		if err != nil {
			return nil, err
		}
		return addTensors(name, x, y)
	default:
		return nil, statusErrorf(CodeInvalidArgument, "operation '%s' has no outputs", name)
	}
}

func (e *fakeEngine) evalInput(g *fakeGraph, ref string, feeds map[fakeEndpoint]*fakeTensor) (*fakeTensor, error) {
	name, index, err := parseOutputName(ref)
	if err != nil {
		return nil, statusErrorf(CodeInvalidArgument, "%v", err)
	}
	return e.eval(g, name, index, feeds)
}

func constTensor(n graphdef.Node) (*fakeTensor, error) {
	v := n.Value
	if v == nil {
		return nil, statusErrorf(CodeInvalidArgument, "Const node '%s' has no value", n.Name)
	}
	dt := DataType(v.DataType)
	t := &fakeTensor{dt: dt, dims: append([]int64{}, v.Shape...)}
	if len(v.Content) > 0 {
		t.data = append([]byte(nil), v.Content...)
		return t, nil
	}

	count, err := decodeCount(Shape(v.Shape))
	if err != nil {
		return nil, statusErrorf(CodeInvalidArgument, "%v", err)
	}

	var flat any
	switch {
	case dt == Int32 && len(v.IntVal) > 0:
		values := make([]int32, count)
		for i := range values {
			values[i] = v.IntVal[min(i, len(v.IntVal)-1)]
		}
		flat = values
	case dt == Float && len(v.FloatVal) > 0:
		values := make([]float32, count)
		for i := range values {
			values[i] = v.FloatVal[min(i, len(v.FloatVal)-1)]
		}
		flat = values
	case dt == String:
		values := make([]string, count)
		for i := range values {
			if len(v.StringVal) > 0 {
				values[i] = string(v.StringVal[min(i, len(v.StringVal)-1)])
			}
		}
		flat = values
	default:
		width, ok := dt.ByteWidth()
		if !ok {
			return nil, statusErrorf(CodeUnimplemented, "Const of type %s", dt)
		}
		t.data = make([]byte, count*width)
		return t, nil
	}

	data, err := CodecFor(dt).Encode(flat)
	if err != nil {
		return nil, statusErrorf(CodeInternal, "%v", err)
	}
	t.data = data
	return t, nil
}

func addTensors(name string, x, y *fakeTensor) (*fakeTensor, error) {
	if x.dt != y.dt {
		return nil, statusErrorf(CodeInvalidArgument,
			"%s: cannot add %s to %s", name, y.dt, x.dt)
	}

	xs, err := fakeFlat(x)
	if err != nil {
		return nil, err
	}
	ys, err := fakeFlat(y)
	if err != nil {
		return nil, err
	}

	dims := x.dims
	switch {
	case Shape(x.dims).equal(y.dims):
	case len(y.dims) == 0:
	case len(x.dims) == 0:
		dims = y.dims
	default:
		return nil, statusErrorf(CodeInvalidArgument,
			"%s: Incompatible shapes: %v vs. %v", name, Shape(x.dims), Shape(y.dims))
	}

	var sum any
	switch xv := xs.(type) {
	case []int32:
		sum = addElementwise(xv, ys.([]int32))
	case []int64:
		sum = addElementwise(xv, ys.([]int64))
	case []float32:
		sum = addElementwise(xv, ys.([]float32))
	case []float64:
		sum = addElementwise(xv, ys.([]float64))
	default:
		return nil, statusErrorf(CodeInvalidArgument, "%s: Add is not defined for %s", name, x.dt)
	}

	data, err := CodecFor(x.dt).Encode(sum)
	if err != nil {
		return nil, statusErrorf(CodeInternal, "%v", err)
	}
	return &fakeTensor{dt: x.dt, dims: append([]int64{}, dims...), data: data}, nil
}

func fakeFlat(t *fakeTensor) (any, error) {
	decoded, err := CodecFor(t.dt).Decode(t.data, t.dims)
	if err != nil {
		return nil, statusErrorf(CodeInvalidArgument, "%v", err)
	}
	return wrapScalar(decoded, t.dims), nil
}

// addElementwise adds y to x, broadcasting whichever side has one element.
func addElementwise[T int32 | int64 | float32 | float64](x, y []T) []T {
	if len(x) == 0 || len(y) == 0 {
		return []T{}
	}
	n := max(len(x), len(y))
	out := make([]T, n)
	for i := range out {
		out[i] = x[min(i, len(x)-1)] + y[min(i, len(y)-1)]
	}
	return out
}

type graphDefBuilder = graphdef.Builder

// addGraph is the x + y graph used across the session tests: two int32
// placeholders, their sum, and a constant 41.
func addGraph() []byte {
	b := &graphdef.Builder{}
	b.Placeholder("x", int32(Int32)).
		Placeholder("y", int32(Int32)).
		Op("sum", "Add", int32(Int32), "x", "y").
		ConstInt32("forty_one", 41).
		Op("answer", "Add", int32(Int32), "x", "forty_one").
		Op("init", "NoOp", 0)
	return b.Bytes()
}
