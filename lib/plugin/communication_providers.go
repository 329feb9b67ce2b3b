package plugin

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/process"
)

// CommunicationProvider is an interface for creating communication channels
type CommunicationProvider interface {
	// CreateChannel creates a communication channel and returns reader/writer
	CreateChannel(ctx context.Context, path string) (io.Reader, io.Writer, error)
	// Close cleans up any resources
	Close() error
}

// processOwner is implemented by providers that start the backend process.
// Exited returns a channel closed when the process ends, or nil when the
// provider has no process.
type processOwner interface {
	Exited() <-chan struct{}
}

// StdioProvider provides stdin/stdout communication through process forking
type StdioProvider struct {
	Args   []string
	Env    []string
	Stderr io.Writer

	process *process.Process
}

// CreateChannel implements CommunicationProvider for stdio
func (s *StdioProvider) CreateChannel(_ context.Context, path string) (io.Reader, io.Writer, error) {
	p, err := process.Fork(path, process.Options{Args: s.Args, Env: s.Env, Stderr: s.Stderr})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fork process: %w", err)
	}
	s.process = p

	go func() { _ = p.Wait() }()
	return p.Stdout(), p.Stdin(), nil
}

// Exited implements processOwner.
func (s *StdioProvider) Exited() <-chan struct{} {
	if s.process == nil {
		return nil
	}
	return s.process.Done()
}

// Close implements CommunicationProvider for stdio
func (s *StdioProvider) Close() error {
	if s.process == nil {
		return nil
	}
	return s.process.Close()
}

// CustomProvider allows using custom io.Reader/Writer
type CustomProvider struct {
	Reader io.Reader
	Writer io.Writer
	Closer io.Closer
}

// CreateChannel implements CommunicationProvider for custom IO
func (c *CustomProvider) CreateChannel(_ context.Context, _ string) (io.Reader, io.Writer, error) {
	if c.Reader == nil || c.Writer == nil {
		return nil, nil, fmt.Errorf("custom provider needs both a reader and a writer")
	}
	return c.Reader, c.Writer, nil
}

// Close implements CommunicationProvider for custom IO
func (c *CustomProvider) Close() error {
	if c.Closer == nil {
		return nil
	}
	return c.Closer.Close()
}

// LoaderOptions defines options for creating a Loader
type LoaderOptions struct {
	// Provider opens the channel to the backend. Defaults to a StdioProvider.
	Provider CommunicationProvider

	Logger *zap.Logger
	Codec  Codec

	MaxMessageSize int

	// ReadyTimeout bounds the wait for the first ready signal before the
	// loader asks for it again.
	ReadyTimeout time.Duration
}

// DefaultLoaderOptions returns default options using stdio communication
func DefaultLoaderOptions() *LoaderOptions {
	return &LoaderOptions{
		Provider:     &StdioProvider{},
		Codec:        JSONCodec{},
		ReadyTimeout: 5 * time.Second,
	}
}

// WithCustomProvider creates loader options with custom communication provider
func WithCustomProvider(provider CommunicationProvider) *LoaderOptions {
	opts := DefaultLoaderOptions()
	opts.Provider = provider
	return opts
}

// NewFromProvider opens a module-side channel through provider and wraps it in a Module.
func NewFromProvider(ctx context.Context, provider CommunicationProvider, opts *ModuleOptions) (*Module, error) {
	reader, writer, err := provider.CreateChannel(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to open module channel: %w", err)
	}
	return NewWithOptions(reader, writer, opts), nil
}
