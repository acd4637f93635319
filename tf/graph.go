package tf

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"unsafe"
	"weak"

	"github.com/amikos-tech/pure-tf/internal/tfutil"
	"k8s.io/klog/v2"
)

// Graph is an imported TensorFlow graph together with a cache of resolved
// operations keyed by alias.
//
// A Graph is not safe for concurrent use; callers must serialize
// LoadOperations and Session.Run on the same graph.
type Graph struct {
	api *api
	h   *handle
	ops map[string]uintptr
	// sessions is keyed by native session pointer. Sessions are held weakly
	// so a forgotten session stays collectable and its finalizer can run.
	sessions map[uintptr]weak.Pointer[Session]
}

// NewGraphFromGraphDef imports a serialized GraphDef into a new graph.
func NewGraphFromGraphDef(graphDef []byte) (*Graph, error) {
	if len(graphDef) == 0 {
		return nil, fmt.Errorf("%w: graph definition is empty", ErrInvalidGraphDef)
	}

	a, err := currentAPI()
	if err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()

	if err := a.ensureOpen(); err != nil {
		return nil, err
	}

	graph := a.newGraph()
	if graph == 0 {
		return nil, fmt.Errorf("%w: failed to allocate graph", ErrInvalidGraphDef)
	}

	buffer := a.newBufferFromString(unsafe.SliceData(graphDef), uintptr(len(graphDef)))
	runtime.KeepAlive(graphDef)
	if buffer == 0 {
		a.deleteGraph(graph)
		return nil, fmt.Errorf("%w: failed to allocate graph definition buffer", ErrInvalidGraphDef)
	}
	defer a.deleteBuffer(buffer)

	options := a.newImportGraphDefOptions()
	defer a.deleteImportGraphDefOptions(options)

	err = a.withStatus("TF_GraphImportGraphDef", func(status uintptr) {
		a.graphImportGraphDef(graph, buffer, options, status)
	})
	if err != nil {
		a.deleteGraph(graph)
		klog.V(2).Infof("graph definition of %d bytes rejected: %v", len(graphDef), err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraphDef, err)
	}

	g := &Graph{
		api:      a,
		h:        acquire(graph, releaseGraph(a)),
		ops:      make(map[string]uintptr),
		sessions: make(map[uintptr]weak.Pointer[Session]),
	}

	// Finalizer is a safety net to avoid leaking TF_Graph if callers forget Destroy().
	runtime.SetFinalizer(g, func(g *Graph) {
		if g.h.valid() {
			klog.Warningf("graph was not destroyed; releasing it from finalizer")
			_ = g.Destroy()
		}
	})

	klog.V(2).Infof("imported graph definition of %d bytes", len(graphDef))
	return g, nil
}

// LoadGraphDefFile reads a serialized GraphDef from path and imports it.
func LoadGraphDefFile(path string) (*Graph, error) {
	graphDef, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition %q: %w", path, err)
	}
	return NewGraphFromGraphDef(graphDef)
}

func releaseGraph(a *api) func(uintptr) error {
	return func(ptr uintptr) error {
		callMu.RLock()
		defer callMu.RUnlock()

		if err := a.ensureOpen(); err != nil {
			klog.Warningf("graph released after the TensorFlow library was unloaded")
			return nil
		}
		a.deleteGraph(ptr)
		return nil
	}
}

// LoadOperations resolves operations by name and caches them under their
// alias. Names that cannot be resolved are returned as alias -> name; a
// partial result is not an error. The only error is ErrInvalidHandle (or
// ErrNotInitialized).
func (g *Graph) LoadOperations(aliasToName map[string]string) (map[string]string, error) {
	if err := g.ensureValid(); err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()

	if err := g.api.ensureOpen(); err != nil {
		return nil, err
	}

	unresolved := make(map[string]string)
	for alias, name := range aliasToName {
		op := g.lookup(name)
		if op == 0 {
			unresolved[alias] = name
			continue
		}
		g.ops[alias] = op
	}

	if len(unresolved) > 0 {
		klog.V(2).Infof("%d of %d operations unresolved: %v", len(unresolved), len(aliasToName), unresolved)
	}
	return unresolved, nil
}

// Operations returns the cached aliases in sorted order.
func (g *Graph) Operations() []string {
	if !g.IsValid() {
		return nil
	}
	aliases := make([]string, 0, len(g.ops))
	for alias := range g.ops {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// HasOperation reports whether alias is in the operation cache.
func (g *Graph) HasOperation(alias string) bool {
	if !g.IsValid() {
		return false
	}
	_, ok := g.ops[alias]
	return ok
}

// operation returns the cached operation for alias. On a miss the alias is
// looked up as an operation name and cached under itself. Callers hold callMu.
func (g *Graph) operation(alias string) (uintptr, bool) {
	if op, ok := g.ops[alias]; ok {
		return op, true
	}
	op := g.lookup(alias)
	if op == 0 {
		return 0, false
	}
	g.ops[alias] = op
	return op, true
}

func (g *Graph) lookup(name string) uintptr {
	if name == "" {
		return 0
	}
	graph, err := g.h.get()
	if err != nil {
		return 0
	}
	_, cname := GoToCstring(name)
	return g.api.graphOperationByName(graph, cname)
}

// NewSession opens a session on g. The session does not own the graph.
func (g *Graph) NewSession(opts ...SessionOption) (*Session, error) {
	return NewSession(g, false, opts...)
}

// IsValid reports whether the graph has not been destroyed.
func (g *Graph) IsValid() bool {
	return g != nil && g.h.valid()
}

func (g *Graph) ensureValid() error {
	if g == nil {
		return ErrInvalidHandle
	}
	return g.h.ensureValid()
}

// Destroy destroys every session still bound to the graph, then releases the
// graph. Destroying twice is a no-op.
func (g *Graph) Destroy() error {
	if !g.IsValid() {
		return nil
	}

	sessions := make([]tfutil.Destroyer, 0, len(g.sessions))
	for _, ref := range g.sessions {
		if s := ref.Value(); s != nil {
			sessions = append(sessions, s)
		}
	}
	sessionErr := tfutil.DestroyAll(sessions...)

	g.ops = nil
	g.sessions = nil
	runtime.SetFinalizer(g, nil)
	return errors.Join(sessionErr, g.h.close())
}

func (g *Graph) attach(session uintptr, s *Session) {
	g.sessions[session] = weak.Make(s)
}

func (g *Graph) detach(session uintptr) {
	if g.sessions != nil {
		delete(g.sessions, session)
	}
}
