package tf

// handle owns exactly one native resource. The release function runs at most
// once; afterwards the handle is invalid and every accessor fails fast.
type handle struct {
	ptr      uintptr
	release  func(uintptr) error
	released bool
}

// acquire takes ownership of ptr. A zero ptr yields an already-released handle.
func acquire(ptr uintptr, release func(uintptr) error) *handle {
	return &handle{
		ptr:      ptr,
		release:  release,
		released: ptr == 0,
	}
}

func (h *handle) valid() bool {
	return h != nil && !h.released
}

func (h *handle) ensureValid() error {
	if !h.valid() {
		return ErrInvalidHandle
	}
	return nil
}

// get returns the native pointer, or ErrInvalidHandle after release.
func (h *handle) get() (uintptr, error) {
	if err := h.ensureValid(); err != nil {
		return 0, err
	}
	return h.ptr, nil
}

// close invokes the release function once. Closing a released handle is a no-op.
func (h *handle) close() error {
	if !h.valid() {
		return nil
	}

	ptr := h.ptr
	release := h.release
	h.released = true
	h.ptr = 0
	h.release = nil

	if release == nil {
		return nil
	}
	return release(ptr)
}
