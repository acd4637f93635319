package tf

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"k8s.io/klog/v2"
)

var (
	mu       sync.Mutex
	refCount int
	tfLib    uintptr
	tfAPI    *api
	libPath  string
	version  string

	// callMu is held for reading by native calls and for writing while the
	// library is unloaded. Lock order is callMu -> mu.
	callMu sync.RWMutex
)

// legacyStringLayoutEnd is the first engine release that replaced the
// offset-table string layout (and its encode/decode primitives) with TF_TString.
var legacyStringLayoutEnd = semver.MustParse("2.4.0")

// SetSharedLibraryPath sets the path to the TensorFlow C library (libtensorflow).
// It must be called before InitializeEnvironment and cannot be changed afterwards.
func SetSharedLibraryPath(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		return fmt.Errorf("cannot change library path after environment is initialized")
	}
	libPath = path
	return nil
}

// InitializeEnvironment loads the TensorFlow library and binds its C API.
// Calls are reference counted; each successful call must be paired with
// DestroyEnvironment.
func InitializeEnvironment() error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		refCount++
		return nil
	}

	if libPath == "" {
		return fmt.Errorf("library path not set, call SetSharedLibraryPath first")
	}

	lib, err := loadLibrary(libPath)
	if err != nil {
		return fmt.Errorf("failed to load TensorFlow library %q: %w", libPath, err)
	}
	if lib == 0 {
		return fmt.Errorf("failed to load TensorFlow library %q", libPath)
	}

	a, err := bindAPI(lib)
	if err != nil {
		_ = closeLibrary(lib)
		return err
	}

	v := CstringToGo(a.version())
	selectStringPrimitives(a, v)

	tfLib = lib
	tfAPI = a
	version = v
	refCount = 1

	klog.V(1).Infof("loaded TensorFlow %s from %s", v, libPath)
	return nil
}

// DestroyEnvironment releases one reference to the environment and unloads
// the library when the last reference is gone. Graphs and sessions still
// alive at that point can only be destroyed as no-ops.
func DestroyEnvironment() error {
	callMu.Lock()
	defer callMu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 {
		return nil
	}

	refCount--
	if refCount > 0 {
		return nil
	}

	if tfAPI != nil {
		tfAPI.closed.Store(true)
	}
	setStringPrimitives(varintStrings{})

	lib := tfLib
	tfLib = 0
	tfAPI = nil
	version = ""

	if err := closeLibrary(lib); err != nil {
		return fmt.Errorf("failed to unload TensorFlow library: %w", err)
	}
	return nil
}

// IsInitialized returns true if the environment is initialized
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refCount > 0
}

// GetVersionString returns the version reported by the loaded library.
func GetVersionString() string {
	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 || version == "" {
		return "0.0.0-dev"
	}
	return version
}

func currentAPI() (*api, error) {
	mu.Lock()
	defer mu.Unlock()

	if tfAPI == nil {
		return nil, ErrNotInitialized
	}
	return tfAPI, nil
}

// selectStringPrimitives picks the native string encode/decode entry points
// when the engine still uses the offset-table layout and exports them. Engines
// from 2.4.0 on use TF_TString, and string tensors are refused for them.
func selectStringPrimitives(a *api, rawVersion string) {
	setStringPrimitives(varintStrings{})

	v, err := semver.NewVersion(rawVersion)
	if err == nil && !v.LessThan(legacyStringLayoutEnd) {
		a.tstringLayout = true
		klog.V(1).Infof("TensorFlow %s stores strings as TF_TString; string tensors are not supported", v)
		return
	}

	if !a.hasStringPrimitives() {
		klog.V(1).Infof("TensorFlow %s does not export string primitives; using built-in varint encoding", rawVersion)
		return
	}
	if err != nil {
		klog.Warningf("cannot parse TensorFlow version %q (%v); using built-in varint string encoding", rawVersion, err)
		return
	}

	klog.V(1).Infof("using native string primitives of TensorFlow %s", v)
	setStringPrimitives(nativeStrings{api: a})
}
