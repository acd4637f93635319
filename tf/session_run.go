package tf

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// parseOutputName splits "name" or "name:index" into the operation name and
// output index. The index defaults to 0.
func parseOutputName(s string) (string, int32, error) {
	name, rawIndex, found := strings.Cut(s, ":")
	if !found {
		return s, 0, nil
	}

	index, err := strconv.ParseInt(rawIndex, 10, 32)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid output index in %q", s)
	}
	return name, int32(index), nil
}

func (s *Session) resolveOutput(role, ref string) (tfOutput, error) {
	name, index, err := parseOutputName(ref)
	if err != nil {
		return tfOutput{}, err
	}
	op, ok := s.graph.operation(name)
	if !ok {
		return tfOutput{}, &UnresolvedOperationError{Role: role, Name: name}
	}
	return tfOutput{oper: op, index: index}, nil
}

// Run feeds inputs, executes the graph and fetches outputs.
//
// Input and output names use the "name" or "name:index" convention, where
// name is an alias loaded with Graph.LoadOperations or an operation name.
// Targets are operations that are run without producing output. Results are
// keyed by the requested output names. On error no results are returned.
func (s *Session) Run(inputs map[string]*Tensor, outputs []string, targets []string) (map[string]*Tensor, error) {
	if s == nil {
		return nil, ErrInvalidHandle
	}
	if err := s.h.ensureValid(); err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()

	a := s.api
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	session, err := s.h.get()
	if err != nil {
		return nil, err
	}

	inputNames := make([]string, 0, len(inputs))
	for name := range inputs {
		inputNames = append(inputNames, name)
	}
	sort.Strings(inputNames)

	inputOps := make([]tfOutput, 0, len(inputNames))
	inputValues := make([]uintptr, 0, len(inputNames))
	inputHandles := make([]*handle, 0, len(inputNames))
	defer func() {
		for _, h := range inputHandles {
			_ = h.close()
		}
	}()

	for _, name := range inputNames {
		op, err := s.resolveOutput("input", name)
		if err != nil {
			return nil, err
		}
		t := inputs[name]
		if t == nil {
			return nil, fmt.Errorf("%w: input %q", ErrMissingValue, name)
		}
		h, err := newNativeTensor(a, t)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %q: %w", name, err)
		}
		inputHandles = append(inputHandles, h)
		inputOps = append(inputOps, op)
		inputValues = append(inputValues, h.ptr)
	}

	outputOps := make([]tfOutput, 0, len(outputs))
	for _, name := range outputs {
		op, err := s.resolveOutput("output", name)
		if err != nil {
			return nil, err
		}
		outputOps = append(outputOps, op)
	}

	targetOps := make([]uintptr, 0, len(targets))
	for _, name := range targets {
		op, ok := s.graph.operation(name)
		if !ok {
			return nil, &UnresolvedOperationError{Role: "target", Name: name}
		}
		targetOps = append(targetOps, op)
	}

	outputValues := make([]uintptr, len(outputOps))
	err = a.withStatus("TF_SessionRun", func(status uintptr) {
		a.sessionRun(session, 0,
			firstOf(inputOps), firstOf(inputValues), int32(len(inputOps)),
			firstOf(outputOps), firstOf(outputValues), int32(len(outputOps)),
			firstOf(targetOps), int32(len(targetOps)),
			0, status)
	})
	// The engine has consumed the inputs whether or not the run succeeded.
	for _, h := range inputHandles {
		_ = h.close()
	}

	outputHandles := make([]*handle, len(outputValues))
	for i, ptr := range outputValues {
		outputHandles[i] = newOutputHandle(a, ptr)
	}
	defer func() {
		for _, h := range outputHandles {
			_ = h.close()
		}
	}()

	if err != nil {
		return nil, err
	}

	results := make(map[string]*Tensor, len(outputs))
	for i, name := range outputs {
		ptr, err := outputHandles[i].get()
		if err != nil {
			return nil, fmt.Errorf("output %q was not produced", name)
		}
		t, err := tensorFromNative(a, ptr)
		if err != nil {
			return nil, fmt.Errorf("failed to read output %q: %w", name, err)
		}
		results[name] = t
	}

	klog.V(4).Infof("session run: %d inputs, %d outputs, %d targets", len(inputOps), len(outputOps), len(targetOps))
	return results, nil
}

// RunOne runs the session for a single output and returns that tensor
// directly instead of a map.
func (s *Session) RunOne(inputs map[string]*Tensor, output string) (*Tensor, error) {
	results, err := s.Run(inputs, []string{output}, nil)
	if err != nil {
		return nil, err
	}
	return results[output], nil
}

func newOutputHandle(a *api, ptr uintptr) *handle {
	return acquire(ptr, func(p uintptr) error {
		a.deleteTensor(p)
		return nil
	})
}

// firstOf returns a pointer to the first element, or nil for an empty slice.
func firstOf[T any](s []T) *T {
	if len(s) == 0 {
		return nil
	}
	return &s[0]
}
