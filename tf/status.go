package tf

import "fmt"

// withStatus runs fn with a freshly allocated TF_Status and translates a
// non-OK result into a *NativeError. The status never outlives the call.
func (a *api) withStatus(op string, fn func(status uintptr)) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}

	status := a.newStatus()
	if status == 0 {
		return fmt.Errorf("%s: failed to allocate status", op)
	}
	defer a.deleteStatus(status)

	fn(status)
	return a.statusError(op, status)
}

func (a *api) statusError(op string, status uintptr) error {
	code := Code(a.getCode(status))
	if code == CodeOK {
		return nil
	}
	return &NativeError{
		Op:      op,
		Code:    code,
		Message: CstringToGo(a.message(status)),
	}
}
