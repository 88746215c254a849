// Package sandbox defines the polymorphic boundary between the instance
// manager and whatever engine actually executes a guest module (spec
// §4.1 "Sandbox Adapter"). The instance manager is written entirely
// against these interfaces; engines/wazero and engines/wasmtime are the
// two concrete adapters this repository ships.
package sandbox

import (
	"context"
	"io"
)

// Logger receives a single guest log/console message. Modeled on the
// teacher's wapc.Logger — a plain callback, not a structured logging
// library (see DESIGN.md).
type Logger func(msg string)

// Config customizes how a guest instance is linked and instantiated.
type Config struct {
	// Stdout and Stderr, if set, back the guest's WASI file descriptors 1
	// and 2 under engines/wazero; engines/wasmtime does not use them.
	// Neither is required by the sim ABI itself.
	Stdout io.Writer
	Stderr io.Writer

	// Logger, if set, receives any messages the guest logs through its
	// minimal host capability surface.
	Logger Logger
}

// RequiredExports are the eight exports spec §3 requires every module to
// have; a module missing any of these fails to load.
var RequiredExports = []string{
	"memory",
	"alloc",
	"dealloc",
	"getModelDescription",
	"init",
	"getValues",
	"setValues",
	"doStep",
}

// ReactorInitExport is the optional one-shot initializer (spec §3).
const ReactorInitExport = "_initialize"

// Engine compiles guest bytes into a Module. Implementations own an
// engine-wide handle that MAY be shared across modules and instances for
// resource economy (spec §5).
type Engine interface {
	// Name identifies the underlying sandbox engine (e.g. "wazero").
	Name() string

	// Load compiles guest bytes into a Module, verifying the required
	// export set is present. It fails with an error naming the missing
	// export if any of sandbox.RequiredExports is absent, or a wrapped
	// engine error on a parse failure.
	Load(ctx context.Context, guest []byte, config Config) (Module, error)
}

// Module is a compiled guest, ready to be instantiated one or more times.
// Each Instance it produces owns its own linear memory; the Module itself
// may be instantiated repeatedly.
type Module interface {
	// Instantiate links the guest's imports and creates a new, independent
	// Instance. If the guest exports an _initialize reactor function, the
	// caller (instance manager) is responsible for invoking it exactly
	// once; Instantiate itself does not call it.
	Instantiate(ctx context.Context) (Instance, error)

	// Close releases all resources owned by the module and any engine
	// handle it exclusively owns.
	Close(ctx context.Context) error
}

// Memory is a byte-addressable view into a guest's linear memory, grown in
// 64 KiB pages (spec §4.1). Implementations must re-read any raw address
// captured before a call that may have grown memory (spec §4.3).
type Memory interface {
	// Size returns the current memory size, in page units of 64 KiB.
	Size(ctx context.Context) uint32

	// Grow grows memory by nPages 64 KiB pages, returning the previous
	// size in pages.
	Grow(ctx context.Context, nPages uint32) (previousPages uint32, err error)

	// Read returns a copy of byteCount bytes starting at offset. Ok is
	// false if the range is out of bounds.
	Read(ctx context.Context, offset, byteCount uint32) (data []byte, ok bool)

	// Write copies data into memory starting at offset. Ok is false if the
	// range is out of bounds.
	Write(ctx context.Context, offset uint32, data []byte) (ok bool)
}

// Instance is a single live, stateful guest with its own linear memory and
// bound entry points (spec §3 "Instance state").
type Instance interface {
	// Memory returns the current memory view. Callers must not cache the
	// returned value across a call that may grow memory.
	Memory() Memory

	// Alloc invokes the guest's exported `alloc(size) -> ptr`.
	Alloc(ctx context.Context, size uint32) (ptr uint32, err error)

	// Dealloc invokes the guest's exported `dealloc(ptr, size)`.
	Dealloc(ctx context.Context, ptr, size uint32) error

	// CallGetModelDescription invokes `getModelDescription(outPtr,
	// maxLen) -> len`.
	CallGetModelDescription(ctx context.Context, outPtr, maxLen uint32) (length uint32, err error)

	// CallInit invokes `init(inPtr, inLen, outPtr, outMaxLen) -> len`.
	CallInit(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (length uint32, err error)

	// CallGetValues invokes `getValues(inPtr, inLen, outPtr, outMaxLen) ->
	// len`.
	CallGetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (length uint32, err error)

	// CallSetValues invokes `setValues(inPtr, inLen, outPtr, outMaxLen) ->
	// len`.
	CallSetValues(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (length uint32, err error)

	// CallDoStep invokes `doStep(inPtr, inLen, outPtr, outMaxLen) -> len`.
	CallDoStep(ctx context.Context, inPtr, inLen, outPtr, outMaxLen uint32) (length uint32, err error)

	// CallReactorInit invokes the optional `_initialize` export, if the
	// module exported one. HasReactorInit reports whether it exists.
	HasReactorInit() bool
	CallReactorInit(ctx context.Context) error

	// Close releases the instance's resources.
	Close(ctx context.Context) error
}
