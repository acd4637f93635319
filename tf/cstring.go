package tf

import "unsafe"

// maxCstringLen bounds the scan for a terminator in native memory. Status
// messages and version strings are far shorter; a longer scan means the
// pointer is corrupt.
const maxCstringLen = 1 << 20

// CstringToGo copies a null-terminated string owned by the native library.
// Returns empty string if ptr is 0 (null).
func CstringToGo(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	// #nosec G103 -- reading a native, null-terminated string.
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxCstringLen)
	for i := 0; i < maxCstringLen; i++ {
		if bytes[i] == 0 {
			return string(bytes[:i])
		}
	}
	return string(bytes)
}

// GoToCstring converts a Go string to a null-terminated byte slice for native calls.
// The returned slice must stay reachable while the native side reads it; when it is
// passed as a *byte argument the call keeps it alive.
func GoToCstring(s string) ([]byte, *byte) {
	b := append([]byte(s), 0)
	return b, &b[0]
}
