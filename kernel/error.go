package kernel

// ErrorKind classifies a kernel error so that callers can decide how to react
// to it without comparing against every sentinel value.
type ErrorKind uint8

const (
	// KindUnknown is the zero value for errors that were not classified.
	KindUnknown ErrorKind = iota

	// KindOutOfMemory is reported when a physical frame or a page table
	// page cannot be allocated. The failing operation is rolled back.
	KindOutOfMemory

	// KindInvalidArgument is reported for misaligned addresses,
	// non-positive lengths, out-of-range offsets and mismatched lengths.
	KindInvalidArgument

	// KindPermissionDenied is reported for accesses that violate page or
	// mapping protection. It is always fatal to the accessing process.
	KindPermissionDenied

	// KindQuotaExceeded is reported when a fixed per-process or
	// system-wide slot limit has been reached.
	KindQuotaExceeded

	// KindBusy is reported when an operation cannot proceed because of the
	// state of other execution contexts.
	KindBusy

	// KindNotFound is reported when a lookup by id, address or path fails.
	KindNotFound

	// KindReadFailed is reported when backing-file I/O fails while
	// materializing or writing back a page.
	KindReadFailed

	// KindInvariant marks a broken kernel invariant. Errors of this kind
	// are passed to kfmt.Panic and halt the kernel.
	KindInvariant
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindOutOfMemory:      "out of memory",
	KindInvalidArgument:  "invalid argument",
	KindPermissionDenied: "permission denied",
	KindQuotaExceeded:    "quota exceeded",
	KindBusy:             "resource busy",
	KindNotFound:         "not found",
	KindReadFailed:       "read failed",
	KindInvariant:        "invariant violation",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is returns true if err is a non-nil kernel error of the given kind.
func Is(err *Error, kind ErrorKind) bool {
	return err != nil && err.Kind == kind
}
