package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// UnixSocketProvider provides Unix domain socket communication
type UnixSocketProvider struct {
	socketPath string
	isServer   bool

	// Spawn, when set on the server side, starts the backend after the
	// socket is listening. Its stdio is not used for the protocol.
	Spawn *StdioProvider

	// AcceptTimeout bounds the server's wait for the client. Defaults to 5s.
	AcceptTimeout time.Duration

	listener net.Listener
	conn     net.Conn
}

// NewUnixSocketProvider creates a new Unix domain socket communication provider
func NewUnixSocketProvider(socketPath string, isServer bool) *UnixSocketProvider {
	return &UnixSocketProvider{
		socketPath:    socketPath,
		isServer:      isServer,
		AcceptTimeout: 5 * time.Second,
	}
}

// SocketPath returns the socket file the provider listens on or dials.
func (u *UnixSocketProvider) SocketPath() string {
	return u.socketPath
}

// CreateChannel listens on the socket and spawns the backend on the server
// side, or dials the socket on the client side.
func (u *UnixSocketProvider) CreateChannel(ctx context.Context, path string) (io.Reader, io.Writer, error) {
	if !u.isServer {
		return u.dial(ctx)
	}

	if err := os.Remove(u.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", u.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", u.socketPath, err)
	}
	u.listener = ln

	if u.Spawn != nil {
		if _, _, err := u.Spawn.CreateChannel(ctx, path); err != nil {
			_ = ln.Close()
			return nil, nil, err
		}
	}

	conn, err := u.accept(ctx)
	if err != nil {
		_ = ln.Close()
		return nil, nil, err
	}
	u.conn = conn
	return conn, conn, nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func (u *UnixSocketProvider) accept(ctx context.Context) (net.Conn, error) {
	done := make(chan acceptResult, 1)
	go func() {
		conn, err := u.listener.Accept()
		done <- acceptResult{conn, err}
	}()

	timer := time.NewTimer(u.AcceptTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to accept connection: %w", r.err)
		}
		return r.conn, nil
	case <-timer.C:
		return nil, fmt.Errorf("no backend connected to %s within %s", u.socketPath, u.AcceptTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *UnixSocketProvider) dial(ctx context.Context) (io.Reader, io.Writer, error) {
	var dialer net.Dialer
	deadline := time.Now().Add(u.AcceptTimeout)

	for {
		conn, err := dialer.DialContext(ctx, "unix", u.socketPath)
		if err == nil {
			u.conn = conn
			return conn, conn, nil
		}
		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("failed to connect to Unix socket: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Exited implements processOwner when a spawned backend is attached.
func (u *UnixSocketProvider) Exited() <-chan struct{} {
	if u.Spawn == nil {
		return nil
	}
	return u.Spawn.Exited()
}

// Close releases the connection, the listener and a spawned backend. The
// server side also removes the socket file.
func (u *UnixSocketProvider) Close() error {
	var errs []error
	for _, c := range []io.Closer{u.conn, u.listener} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if u.Spawn != nil {
		errs = append(errs, u.Spawn.Close())
	}
	if u.isServer {
		_ = os.Remove(u.socketPath)
	}
	return errors.Join(errs...)
}

// WithUnixSocket creates loader options for Unix socket communication
func WithUnixSocket(socketPath string, spawn *StdioProvider) *LoaderOptions {
	provider := NewUnixSocketProvider(socketPath, true)
	provider.Spawn = spawn
	return WithCustomProvider(provider)
}
