package plugin

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

// ModuleSequenceBase marks every message the module initiates (ready,
// events), keeping them apart from the loader's request ids.
const ModuleSequenceBase = uint32(1 << 31)

// DefaultShutdownTimeout bounds how long Listen waits for in-flight requests
// once its context is cancelled.
const DefaultShutdownTimeout = 5 * time.Second

// ModuleOptions configures a Module.
type ModuleOptions struct {
	Logger          *zap.Logger
	Codec           Codec
	MaxMessageSize  int
	ShutdownTimeout time.Duration
}

// Module serves registered handlers to a loader over one multiplexed
// stream. Each request runs on its own goroutine.
type Module struct {
	multiplexer     multiplexer.Multiplexer
	logger          *zap.Logger
	codec           Codec
	shutdownTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	shutdown      *latch
	forceShutdown *latch
	jobs          sync.WaitGroup
	jobCount      atomic.Int64
}

// latch is a signal that fires once and stays fired.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch { return &latch{ch: make(chan struct{})} }

func (l *latch) fire() { l.once.Do(func() { close(l.ch) }) }

func (l *latch) done() <-chan struct{} { return l.ch }

func (l *latch) fired() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// New creates a Module with default options.
func New(reader io.Reader, writer io.Writer) *Module {
	return NewWithOptions(reader, writer, nil)
}

// NewWithOptions creates a Module over reader and writer, which default to
// stdin and stdout. A nil opts uses the defaults.
func NewWithOptions(reader io.Reader, writer io.Writer, opts *ModuleOptions) *Module {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	o := opts.withDefaults()

	return &Module{
		multiplexer: multiplexer.NewWithConfig(reader, writer, multiplexer.Config{
			MaxMessageSize: o.MaxMessageSize,
			SequenceBase:   ModuleSequenceBase,
		}),
		logger:          o.Logger.Named("module"),
		codec:           o.Codec,
		shutdownTimeout: o.ShutdownTimeout,
		handlers:        make(map[string]Handler),
		shutdown:        newLatch(),
		forceShutdown:   newLatch(),
	}
}

func (o *ModuleOptions) withDefaults() ModuleOptions {
	var out ModuleOptions
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Codec == nil {
		out.Codec = JSONCodec{}
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = DefaultShutdownTimeout
	}
	return out
}

// Codec returns the codec used for arguments, results and events.
func (m *Module) Codec() Codec {
	return m.codec
}

// RegisterHandler binds handler to name. It panics if the name is taken or
// reserved by the protocol.
func RegisterHandler(m *Module, name string, handler Handler) {
	switch name {
	case NameShutdown, NameForceShutdown, NameRequestReady:
		panic(fmt.Sprintf("handler name %s is reserved", name))
	}

	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, taken := m.handlers[name]; taken {
		panic(fmt.Sprintf("handler for %s already registered", name))
	}
	m.handlers[name] = handler
}

// Methods returns the registered method names in no particular order.
func (m *Module) Methods() []string {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()

	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	return names
}

func (m *Module) lookup(name string) (Handler, bool) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

// Shutdown asks Listen to stop once in-flight requests finish.
func (m *Module) Shutdown() { m.shutdown.fire() }

// ForceShutdown asks Listen to stop without waiting for in-flight requests.
func (m *Module) ForceShutdown() { m.forceShutdown.fire() }

// IsShutdown reports whether a graceful shutdown was requested.
func (m *Module) IsShutdown() bool { return m.shutdown.fired() }

// IsForceShutdown reports whether a forced shutdown was requested.
func (m *Module) IsForceShutdown() bool { return m.forceShutdown.fired() }

// ActiveJobs returns the number of requests currently being handled.
func (m *Module) ActiveJobs() int64 {
	return m.jobCount.Load()
}
