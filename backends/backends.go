// Package backends defines the device-interface capability a backend needs to
// implement for the Loom runtime to manage accelerator memory on its behalf.
//
// A DeviceInterface is referenced, never owned, by any number of buffers
// concurrently. A buffer binds to one interface when its device memory is
// first allocated and may only rebind after that allocation is freed.
//
// Backends register a named constructor during package initialization; the
// runtime (or the embedding application) resolves one by name, or takes the
// default. Resolution failures are programmer errors and panic with a stack
// trace, following github.com/gomlx/exceptions.
package backends

import (
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/loom-lang/loom/types/buffers"
)

// DeviceInterface is the capability a device backend implements so the
// runtime can drive allocation, transfer and synchronization of buffers
// against it.
//
// All methods may be called concurrently for distinct buffers. The runtime
// guarantees it never issues concurrent transfer operations on the same
// buffer descriptor.
type DeviceInterface interface {
	// Name returns the short name of the backend. E.g.: "simpledev".
	Name() string

	// Description is a longer description of the backend that can be used to pretty-print.
	Description() string

	// Malloc allocates device storage for the buffer, sized from its extents,
	// strides and element size, and stores the resulting non-zero handle in
	// buf.Dev. The buffer must not already have a device allocation.
	Malloc(buf *buffers.Buffer) error

	// Free releases the device storage behind buf.Dev and zeroes the handle.
	// Freeing an unbound buffer is a no-op.
	Free(buf *buffers.Buffer) error

	// CopyToDevice transfers the buffer's host footprint to device storage.
	// The buffer must be allocated on this interface.
	CopyToDevice(buf *buffers.Buffer) error

	// CopyToHost transfers the buffer's device storage back to host memory.
	// The buffer must be allocated on this interface.
	CopyToHost(buf *buffers.Buffer) error

	// Sync blocks until all outstanding device operations touching buf have
	// finished.
	Sync(buf *buffers.Buffer) error

	// ReleaseAll frees every allocation this interface still holds. It is a
	// no-op if there were none.
	ReleaseAll() error
}

// Constructor takes a config string (optionally empty) and returns a DeviceInterface.
type Constructor func(config string) DeviceInterface

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend with the given name, with a constructor that takes a
// backend-specific configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use when New is called with
// no prior configuration. Selecting it from the environment (or any other
// process-startup concern) is up to the embedding application.
var DefaultConfig string

// New returns a new DeviceInterface built from DefaultConfig, or from the
// first registered backend when DefaultConfig is empty.
//
// It panics if no backend was registered.
func New() DeviceInterface {
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig takes a configuration string formatted as
// "<backend_name>:<backend_configuration>".
//
// "<backend_name>" is the name of a registered backend, and
// "<backend_configuration>" is backend specific. An empty string selects the
// first registered backend with an empty configuration.
//
// It panics if the named backend was never registered.
func NewWithConfig(config string) DeviceInterface {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf("no Loom device backends registered: import one (e.g. " +
			"github.com/loom-lang/loom/backends/simpledev) or register your own")
	}
	name := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		backendConfig = config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("backend %q not registered (registered: %s)",
			name, strings.Join(List(), ", "))
	}
	return constructor(backendConfig)
}

// List returns the names of the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}
