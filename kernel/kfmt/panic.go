package kfmt

import "lazyos/kernel"

var (
	// haltFn stops the kernel after the panic banner has been printed. The
	// hosted kernel has no CPU to halt so the default implementation unwinds
	// the calling goroutine. Tests override it.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.KindInvariant}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// kernel. Calls to Panic never return to the caller.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t, Kind: kernel.KindInvariant}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error(), Kind: kernel.KindInvariant}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}
