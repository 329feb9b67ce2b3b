package plugin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

// handlerTimeout bounds a single event handler invocation.
const handlerTimeout = 30 * time.Second

// handleMessages routes messages from the module: responses to their
// pending calls, protocol acks to their signals and notifications to the
// registered event handlers.
func (l *Loader) handleMessages(recv <-chan *multiplexer.Message) {
	defer l.wg.Done()
	defer close(l.readerDone)
	defer func() {
		l.requestMutex.Lock()
		defer l.requestMutex.Unlock()
		for _, ch := range l.pendingRequests {
			close(ch)
		}
		// A nil table tells track that no reply can arrive any more.
		l.pendingRequests = nil
	}()

	for {
		select {
		case <-l.loadCtx.Done():
			return
		case mesg, ok := <-recv:
			if !ok {
				return
			}
			l.route(mesg)
		}
	}
}

func (l *Loader) route(mesg *multiplexer.Message) {
	switch mesg.Type {
	case multiplexer.MessageHeaderTypeComplete:
	case multiplexer.MessageHeaderTypeError:
		l.logger.Warn("unreadable frame from plugin", zap.ByteString("reason", mesg.Data))
		return
	default:
		return
	}

	var header Header
	if err := header.UnmarshalBinary(mesg.Data); err != nil {
		l.logger.Warn("dropping message", zap.Uint32("seq", mesg.ID), zap.Error(err))
		return
	}

	switch header.MessageType {
	case MessageTypeAck:
		l.handleAck(header)
		return
	case MessageTypeResponse:
		if !l.deliver(mesg.ID, header) {
			l.logger.Debug("response without pending request", zap.Uint32("seq", mesg.ID), zap.String("name", header.Name))
		}
		return
	case MessageTypeError:
		if l.deliver(mesg.ID, header) {
			return
		}
		// An error nobody waits for is a notification the module pushed.
	}

	handler, ok := l.handlerFor(header.Name)
	if !ok {
		l.logger.Debug("unhandled message", zap.String("name", header.Name), zap.Stringer("type", header.MessageType))
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(l.loadCtx, handlerTimeout)
		defer cancel()

		if err := handler.Handle(ctx, header); err != nil {
			l.logger.Warn("message handler failed", zap.String("name", header.Name), zap.Error(err))
		}
	}()
}

// deliver hands a reply to the call waiting on seq.
func (l *Loader) deliver(seq uint32, header Header) bool {
	l.requestMutex.RLock()
	replies, ok := l.pendingRequests[seq]
	l.requestMutex.RUnlock()
	if !ok {
		return false
	}
	select {
	case replies <- header:
	default:
	}
	return true
}

func (l *Loader) handleAck(header Header) {
	var signal chan struct{}
	switch header.Name {
	case NameReady:
		signal = l.readySignal
	case NameShutdownAck:
		signal = l.shutdownAck
	case NameForceShutdownAck:
		signal = l.forceShutdownAck
	case NameRequestReadyAck:
		return
	default:
		l.logger.Debug("unknown ack", zap.String("name", header.Name))
		return
	}

	select {
	case signal <- struct{}{}:
	default:
	}
}
