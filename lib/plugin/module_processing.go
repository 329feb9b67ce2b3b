package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/multiplexer"
)

// Listen starts listening for incoming messages and processes them.
// It sends the ready signal once the reader is running, then dispatches each
// request on its own goroutine until the stream ends, a shutdown message
// arrives or ctx is cancelled.
//
// A graceful shutdown returns nil once in-flight requests finish. A force
// shutdown returns nil immediately. End of input also returns nil.
func (m *Module) Listen(ctx context.Context) error {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recv, err := m.multiplexer.ReadMessage(listenCtx)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if err := m.SendReady(listenCtx); err != nil {
		return fmt.Errorf("failed to send ready signal: %w", err)
	}
	m.logger.Debug("listening")

	go func() {
		select {
		case <-m.forceShutdown.done():
			cancel()
		case <-listenCtx.Done():
		}
	}()

	for {
		select {
		case mesg, ok := <-recv:
			if !ok {
				m.logger.Debug("input closed")
				m.waitForJobs()
				return nil
			}

			if m.IsForceShutdown() {
				return nil
			}

			switch mesg.Type {
			case multiplexer.MessageHeaderTypeComplete:
			case multiplexer.MessageHeaderTypeAbort:
				m.logger.Debug("peer aborted message", zap.Uint32("seq", mesg.ID))
				continue
			default:
				m.logger.Warn("dropping unreadable frame", zap.ByteString("reason", mesg.Data))
				continue
			}

			var header Header
			if err := header.UnmarshalBinary(mesg.Data); err != nil {
				m.logger.Warn("dropping message", zap.Uint32("seq", mesg.ID), zap.Error(err))
				continue
			}

			if header.MessageType != MessageTypeRequest {
				m.logger.Debug("ignoring non-request message",
					zap.String("name", header.Name), zap.Stringer("type", header.MessageType))
				continue
			}

			switch header.Name {
			case NameShutdown:
				m.Shutdown()
				m.ack(listenCtx, mesg.ID, NameShutdownAck, "graceful shutdown started, waiting for jobs to complete")
				m.logger.Info("graceful shutdown requested", zap.Int64("active_jobs", m.ActiveJobs()))

				go func() {
					done := make(chan struct{})
					go func() {
						m.jobs.Wait()
						close(done)
					}()

					select {
					case <-done:
					case <-m.forceShutdown.done():
					}
					cancel()
				}()
				continue

			case NameForceShutdown:
				m.ForceShutdown()
				m.ack(ctx, mesg.ID, NameForceShutdownAck, "force shutting down")
				m.logger.Info("force shutdown requested")
				return nil

			case NameRequestReady:
				if err := m.SendReady(listenCtx); err != nil {
					m.logger.Warn("failed to resend ready signal", zap.Error(err))
					continue
				}
				m.ack(listenCtx, mesg.ID, NameRequestReadyAck, "ready signal sent in response to request")
				continue
			}

			if m.IsShutdown() {
				m.respond(listenCtx, mesg.ID, header.Name, nil, ErrShuttingDown)
				continue
			}

			m.jobs.Add(1)
			m.jobCount.Add(1)
			go func(seq uint32, hdr Header) {
				defer func() {
					m.jobs.Done()
					m.jobCount.Add(-1)
				}()
				m.processMessage(listenCtx, seq, hdr)
			}(mesg.ID, header)

		case <-listenCtx.Done():
			m.waitForJobs()
			if m.IsShutdown() || m.IsForceShutdown() {
				return nil
			}
			return ctx.Err()
		}
	}
}

func (m *Module) waitForJobs() {
	done := make(chan struct{})
	go func() {
		m.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("shutdown timeout reached with requests still running", zap.Int64("active_jobs", m.ActiveJobs()))
	}
}

// processMessage runs the handler for one request and writes its response.
// Already started requests are allowed to finish during graceful shutdown.
func (m *Module) processMessage(ctx context.Context, seq uint32, request Header) {
	if m.IsForceShutdown() {
		m.respond(ctx, seq, request.Name, nil, ErrShuttingDown)
		return
	}

	handler, ok := m.lookup(request.Name)
	if !ok {
		m.respond(ctx, seq, request.Name, nil, fmt.Errorf("%w for service: %s", ErrUnknownMethod, request.Name))
		return
	}

	payload, err := m.invoke(ctx, handler, request)
	m.respond(ctx, seq, request.Name, payload, err)
}

func (m *Module) invoke(ctx context.Context, handler Handler, request Header) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked",
				zap.String("name", request.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			payload = nil
			err = fmt.Errorf("internal error in %s: %v", request.Name, r)
		}
	}()
	return handler(ctx, request.Payload)
}

func (m *Module) respond(ctx context.Context, seq uint32, name string, payload []byte, err error) {
	response := Header{Name: name, MessageType: MessageTypeResponse, Payload: payload}
	if err != nil {
		response = Header{Name: name, IsError: true, MessageType: MessageTypeError, Payload: []byte(err.Error())}
		m.logger.Debug("request failed", zap.String("name", name), zap.Error(err))
	}

	if err := writeHeader(ctx, m.multiplexer, seq, response); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("failed to write response", zap.String("name", name), zap.Error(err))
	}
}

func (m *Module) ack(ctx context.Context, seq uint32, name, text string) {
	if err := writeHeader(ctx, m.multiplexer, seq, Header{Name: name, MessageType: MessageTypeAck, Payload: []byte(text)}); err != nil {
		m.logger.Warn("failed to write ack", zap.String("name", name), zap.Error(err))
	}
}
