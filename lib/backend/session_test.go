package backend_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeckSettings/decky-game-settings/lib/backend"
	"github.com/DeckSettings/decky-game-settings/lib/plugin"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// serve runs p behind a Module and returns a Loader connected to it over
// in-memory pipes.
func serve(t *testing.T, codec plugin.Codec, p *backend.Plugin) *plugin.Loader {
	t.Helper()

	hostToModuleR, hostToModuleW := io.Pipe()
	moduleToHostR, moduleToHostW := io.Pipe()

	var once sync.Once
	closeAll := closerFunc(func() error {
		once.Do(func() {
			hostToModuleW.Close()
			hostToModuleR.Close()
			moduleToHostW.Close()
			moduleToHostR.Close()
		})
		return nil
	})

	module := plugin.NewWithOptions(hostToModuleR, moduleToHostW, &plugin.ModuleOptions{
		Codec:           codec,
		ShutdownTimeout: 2 * time.Second,
	})
	p.Register(module)

	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		_ = module.Listen(context.Background())
	}()

	opts := plugin.WithCustomProvider(&plugin.CustomProvider{
		Reader: moduleToHostR,
		Writer: hostToModuleW,
		Closer: closeAll,
	})
	opts.Codec = codec
	loader := plugin.NewLoaderWithOptions("", "deckverified-backend", "test", opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, loader.Load(ctx))

	t.Cleanup(func() {
		_ = loader.Close()
		closeAll()
		<-listenDone
		_ = p.Scheduler().Stop(context.Background())
	})
	return loader
}

func call[R any](t *testing.T, loader *plugin.Loader, method string, args ...any) (R, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return plugin.NewLoaderAdapter[R](loader, method).Call(ctx, args...)
}

func codecs() []plugin.Codec {
	return []plugin.Codec{plugin.JSONCodec{}, plugin.ProtobufCodec{}}
}
