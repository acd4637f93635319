package tf

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"unsafe"

	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Session executes a Graph. It is bound to exactly one graph and optionally
// owns it, in which case destroying the session destroys the graph too.
//
// A Session is not safe for concurrent use.
type Session struct {
	api       *api
	h         *handle
	graph     *Graph
	ownsGraph bool
}

// SessionOption configures session creation.
type SessionOption func(*sessionConfig) error

type sessionConfig struct {
	intraOpNumThreads  int32
	interOpNumThreads  int32
	allowSoftPlacement bool
	logDevicePlacement bool
	deviceCount        map[string]int32
}

// WithIntraOpNumThreads sets the number of threads used within an individual op.
func WithIntraOpNumThreads(n int) SessionOption {
	return func(cfg *sessionConfig) error {
		if n < 0 {
			return fmt.Errorf("intra-op thread count must be >= 0, got %d", n)
		}
		cfg.intraOpNumThreads = int32(n)
		return nil
	}
}

// WithInterOpNumThreads sets the number of threads used to run independent ops.
func WithInterOpNumThreads(n int) SessionOption {
	return func(cfg *sessionConfig) error {
		if n < 0 {
			return fmt.Errorf("inter-op thread count must be >= 0, got %d", n)
		}
		cfg.interOpNumThreads = int32(n)
		return nil
	}
}

// WithAllowSoftPlacement lets the engine place ops on another device when
// the requested one is unavailable.
func WithAllowSoftPlacement(allow bool) SessionOption {
	return func(cfg *sessionConfig) error {
		cfg.allowSoftPlacement = allow
		return nil
	}
}

// WithLogDevicePlacement makes the engine log the device each op runs on.
func WithLogDevicePlacement(enable bool) SessionOption {
	return func(cfg *sessionConfig) error {
		cfg.logDevicePlacement = enable
		return nil
	}
}

// WithDeviceCount caps the number of devices of a type ("CPU", "GPU") the
// session may use. A count of 0 disables the device type.
func WithDeviceCount(deviceType string, count int) SessionOption {
	return func(cfg *sessionConfig) error {
		if deviceType == "" {
			return fmt.Errorf("device type cannot be empty")
		}
		if count < 0 {
			return fmt.Errorf("device count must be >= 0, got %d", count)
		}
		if cfg.deviceCount == nil {
			cfg.deviceCount = make(map[string]int32)
		}
		cfg.deviceCount[deviceType] = int32(count)
		return nil
	}
}

// ConfigProto field numbers (tensorflow/core/protobuf/config.proto).
const (
	configDeviceCount        protowire.Number = 1
	configIntraOpThreads     protowire.Number = 2
	configInterOpThreads     protowire.Number = 5
	configAllowSoftPlacement protowire.Number = 7
	configLogDevicePlacement protowire.Number = 8
)

// configProto serializes the options as a ConfigProto. Nil means defaults.
func (cfg sessionConfig) configProto() []byte {
	var b []byte

	devices := make([]string, 0, len(cfg.deviceCount))
	for device := range cfg.deviceCount {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	for _, device := range devices {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, device)
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(cfg.deviceCount[device]))

		b = protowire.AppendTag(b, configDeviceCount, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	if cfg.intraOpNumThreads > 0 {
		b = protowire.AppendTag(b, configIntraOpThreads, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(cfg.intraOpNumThreads))
	}
	if cfg.interOpNumThreads > 0 {
		b = protowire.AppendTag(b, configInterOpThreads, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(cfg.interOpNumThreads))
	}
	if cfg.allowSoftPlacement {
		b = protowire.AppendTag(b, configAllowSoftPlacement, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if cfg.logDevicePlacement {
		b = protowire.AppendTag(b, configLogDevicePlacement, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// NewSession creates a session bound to graph. If ownsGraph is set the
// session destroys the graph when it is destroyed, and also when session
// creation fails.
func NewSession(graph *Graph, ownsGraph bool, opts ...SessionOption) (*Session, error) {
	if !graph.IsValid() {
		return nil, ErrInvalidHandle
	}

	s, err := newSession(graph, ownsGraph, opts)
	if err != nil {
		if ownsGraph {
			if destroyErr := graph.Destroy(); destroyErr != nil {
				klog.Warningf("failed to destroy graph after session creation failed: %v", destroyErr)
			}
		}
		return nil, err
	}
	return s, nil
}

func newSession(graph *Graph, ownsGraph bool, opts []SessionOption) (*Session, error) {
	cfg := sessionConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionCreation, err)
		}
	}

	a := graph.api

	callMu.RLock()
	defer callMu.RUnlock()

	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	graphPtr, err := graph.h.get()
	if err != nil {
		return nil, err
	}

	options := a.newSessionOptions()
	if options == 0 {
		return nil, fmt.Errorf("%w: failed to allocate session options", ErrSessionCreation)
	}
	defer a.deleteSessionOptions(options)

	if proto := cfg.configProto(); len(proto) > 0 {
		err := a.withStatus("TF_SetConfig", func(status uintptr) {
			a.setConfig(options, unsafe.SliceData(proto), uintptr(len(proto)), status)
		})
		runtime.KeepAlive(proto)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionCreation, err)
		}
	}

	var session uintptr
	err = a.withStatus("TF_NewSession", func(status uintptr) {
		session = a.newSession(graphPtr, options, status)
	})
	if err != nil {
		if session != 0 {
			_ = deleteNativeSession(a, session)
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionCreation, err)
	}
	if session == 0 {
		return nil, fmt.Errorf("%w: TF_NewSession returned nil", ErrSessionCreation)
	}

	s := &Session{
		api:       a,
		h:         acquire(session, releaseSession(a)),
		graph:     graph,
		ownsGraph: ownsGraph,
	}
	graph.attach(session, s)

	// Finalizer is a safety net to avoid leaking TF_Session if callers forget Destroy().
	runtime.SetFinalizer(s, func(s *Session) {
		if s.h.valid() {
			klog.Warningf("session was not destroyed; releasing it from finalizer")
			_ = s.Destroy()
		}
	})

	return s, nil
}

// NewSessionFromGraphDef imports graphDef and opens a session that owns the
// resulting graph.
func NewSessionFromGraphDef(graphDef []byte, opts ...SessionOption) (*Session, error) {
	graph, err := NewGraphFromGraphDef(graphDef)
	if err != nil {
		return nil, err
	}
	return NewSession(graph, true, opts...)
}

// TF_DeleteSession takes a status, unlike the other delete entry points.
func deleteNativeSession(a *api, ptr uintptr) error {
	closeErr := a.withStatus("TF_CloseSession", func(status uintptr) {
		a.closeSession(ptr, status)
	})
	deleteErr := a.withStatus("TF_DeleteSession", func(status uintptr) {
		a.deleteSession(ptr, status)
	})
	return errors.Join(closeErr, deleteErr)
}

func releaseSession(a *api) func(uintptr) error {
	return func(ptr uintptr) error {
		callMu.RLock()
		defer callMu.RUnlock()

		if err := a.ensureOpen(); err != nil {
			klog.Warningf("session released after the TensorFlow library was unloaded")
			return nil
		}
		return deleteNativeSession(a, ptr)
	}
}

// Graph returns the graph the session runs. It is nil after Destroy.
func (s *Session) Graph() *Graph {
	if !s.IsValid() {
		return nil
	}
	return s.graph
}

// IsValid reports whether the session has not been destroyed.
func (s *Session) IsValid() bool {
	return s != nil && s.h.valid()
}

// Destroy closes and deletes the native session, then destroys the graph if
// the session owns it. Destroying twice is a no-op.
func (s *Session) Destroy() error {
	if !s.IsValid() {
		return nil
	}

	runtime.SetFinalizer(s, nil)
	session := s.h.ptr
	err := s.h.close()

	graph := s.graph
	s.graph = nil
	if graph != nil {
		graph.detach(session)
		if s.ownsGraph {
			err = errors.Join(err, graph.Destroy())
		}
	}
	return err
}
