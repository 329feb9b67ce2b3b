package plugin

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

// Loader manages the lifecycle of a plugin process and provides communication capabilities.
//
// Implementation is split by concern:
//   - lifecycle.go: NewLoader, Load, Attach, Close, ForceClose, process monitoring
//   - communication.go: Call and notifications to the module
//   - handlers.go: event handler registration
//   - message_processing.go: the read loop routing responses and events
//   - utils.go: request ids and the ready handshake
type Loader struct {
	Path    string
	Name    string
	Version string

	options  *LoaderOptions
	logger   *zap.Logger
	codec    Codec
	provider CommunicationProvider

	multiplexer multiplexer.Multiplexer

	requestID atomic.Uint32

	pendingRequests map[uint32]chan Header
	requestMutex    sync.RWMutex

	loadCtx    context.Context
	cancelLoad context.CancelFunc
	closed     atomic.Bool
	wg         sync.WaitGroup

	processExited atomic.Bool
	readerDone    chan struct{}

	readySignal      chan struct{}
	shutdownAck      chan struct{}
	forceShutdownAck chan struct{}

	messageHandlers map[string]MessageHandler
	handlerMutex    sync.RWMutex
}

// CallError is returned by Call when the module answers with an error response.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return "plugin error for service " + e.Method + ": " + e.Message
}
