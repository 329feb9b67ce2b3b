package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DeckSettings/decky-game-settings/lib/assets"
	"github.com/DeckSettings/decky-game-settings/lib/backend"
	"github.com/DeckSettings/decky-game-settings/lib/hardware"
	"github.com/DeckSettings/decky-game-settings/lib/images"
	"github.com/DeckSettings/decky-game-settings/lib/metrics"
	"github.com/DeckSettings/decky-game-settings/lib/migrate"
	"github.com/DeckSettings/decky-game-settings/lib/plugin"
	"github.com/DeckSettings/decky-game-settings/lib/tasks"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newPlugin(t *testing.T, opts backend.Options) *backend.Plugin {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return backend.New(opts)
}

func TestPlugin_Add(t *testing.T) {
	for _, codec := range codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			loader := serve(t, codec, newPlugin(t, backend.Options{}))

			sum, err := call[int](t, loader, "add", 2, 3)
			require.NoError(t, err)
			assert.Equal(t, 5, sum)

			sum, err = call[int](t, loader, "add", -7, 7)
			require.NoError(t, err)
			assert.Zero(t, sum)
		})
	}
}

func TestPlugin_BadArguments(t *testing.T) {
	loader := serve(t, plugin.JSONCodec{}, newPlugin(t, backend.Options{}))

	_, err := call[int](t, loader, "add", 1)
	var callErr *plugin.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Contains(t, callErr.Message, "invalid arguments")

	_, err = call[int](t, loader, "add", "one", 2)
	require.ErrorAs(t, err, &callErr)

	_, err = call[string](t, loader, "get_image_as_base64")
	require.ErrorAs(t, err, &callErr)
}

func TestPlugin_Methods(t *testing.T) {
	m := plugin.NewWithOptions(nil, io.Discard, nil)
	newPlugin(t, backend.Options{}).Register(m)

	assert.ElementsMatch(t, []string{
		"add", "upload_images", "get_image_as_base64", "get_images_as_base64",
		"get_sys_vendor", "is_emmc_storage", "start_timer",
		"_main", "_migration", "_unload", "_uninstall",
	}, m.Methods())
}

func TestPlugin_GetImageAsBase64(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, filepath.Join(dir, "cover.png"), "png-bytes")

	for _, codec := range codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			loader := serve(t, codec, newPlugin(t, backend.Options{}))

			url, err := call[string](t, loader, "get_image_as_base64", "file://"+img)
			require.NoError(t, err)
			mime, data, err := images.Decode(url)
			require.NoError(t, err)
			assert.Equal(t, "image/png", mime)
			assert.Equal(t, []byte("png-bytes"), data)

			url, err = call[string](t, loader, "get_image_as_base64", filepath.Join(dir, "missing.png"))
			require.NoError(t, err)
			assert.Empty(t, url)

			url, err = call[string](t, loader, "get_image_as_base64", "")
			require.NoError(t, err)
			assert.Empty(t, url)
		})
	}
}

func TestPlugin_GetImagesAsBase64(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, filepath.Join(dir, "a.jpg"), "a")
	b := writeFile(t, filepath.Join(dir, "b.png"), "b")

	loader := serve(t, plugin.JSONCodec{}, newPlugin(t, backend.Options{}))

	urls, err := call[[]string](t, loader, "get_images_as_base64", []string{a, filepath.Join(dir, "nope"), b, dir})
	require.NoError(t, err)
	require.Len(t, urls, 4)
	assert.Equal(t, images.Encode("image/jpeg", []byte("a")), urls[0])
	assert.Empty(t, urls[1])
	assert.Equal(t, images.Encode("image/png", []byte("b")), urls[2])
	assert.Empty(t, urls[3])

	urls, err = call[[]string](t, loader, "get_images_as_base64", []string{})
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestPlugin_Hardware(t *testing.T) {
	dir := t.TempDir()
	inspector := hardware.Inspector{
		VendorPath: writeFile(t, filepath.Join(dir, "sys_vendor"), "Valve\n"),
		MountsPath: writeFile(t, filepath.Join(dir, "mounts"), "/dev/mmcblk0p2 / ext4 rw 0 0\n"),
	}
	loader := serve(t, plugin.ProtobufCodec{}, newPlugin(t, backend.Options{Inspector: inspector}))

	vendor, err := call[string](t, loader, "get_sys_vendor")
	require.NoError(t, err)
	assert.Equal(t, "Valve", vendor)

	emmc, err := call[bool](t, loader, "is_emmc_storage")
	require.NoError(t, err)
	assert.True(t, emmc)
}

func TestPlugin_HardwareFailuresAreQuiet(t *testing.T) {
	dir := t.TempDir()
	inspector := hardware.Inspector{
		VendorPath: filepath.Join(dir, "missing-vendor"),
		MountsPath: filepath.Join(dir, "missing-mounts"),
	}
	loader := serve(t, plugin.JSONCodec{}, newPlugin(t, backend.Options{Inspector: inspector}))

	vendor, err := call[string](t, loader, "get_sys_vendor")
	require.NoError(t, err)
	assert.Empty(t, vendor)

	emmc, err := call[bool](t, loader, "is_emmc_storage")
	require.NoError(t, err)
	assert.False(t, emmc)
}

func TestPlugin_StartTimerEmitsEvent(t *testing.T) {
	for _, codec := range codecs() {
		t.Run(codec.Name(), func(t *testing.T) {
			m := metrics.New()
			p := newPlugin(t, backend.Options{TimerDelay: 30 * time.Millisecond, Metrics: m})
			loader := serve(t, codec, p)

			events := make(chan []json.RawMessage, 1)
			loader.OnEvent(backend.TimerEvent, func(_ context.Context, _ string, values []json.RawMessage) error {
				events <- values
				return nil
			})

			start := time.Now()
			result, err := call[any](t, loader, "start_timer")
			require.NoError(t, err)
			assert.Nil(t, result)
			assert.Less(t, time.Since(start), time.Second)

			select {
			case values := <-events:
				require.Len(t, values, 3)
				var (
					msg  string
					ok   bool
					code int
				)
				require.NoError(t, json.Unmarshal(values[0], &msg))
				require.NoError(t, json.Unmarshal(values[1], &ok))
				require.NoError(t, json.Unmarshal(values[2], &code))
				assert.Equal(t, "Hello from the backend!", msg)
				assert.True(t, ok)
				assert.Equal(t, 2, code)
			case <-time.After(3 * time.Second):
				t.Fatal("timer_event not received")
			}

			assert.InDelta(t, 1, testutil.ToFloat64(m.ScheduledTasks), 0)
			assert.Eventually(t, func() bool {
				return testutil.ToFloat64(m.Events.WithLabelValues(backend.TimerEvent)) == 1
			}, time.Second, 10*time.Millisecond)
		})
	}
}

func TestPlugin_UnloadCancelsTimer(t *testing.T) {
	scheduler := tasks.NewScheduler(zap.NewNop())
	p := newPlugin(t, backend.Options{Scheduler: scheduler, TimerDelay: time.Hour})
	loader := serve(t, plugin.JSONCodec{}, p)

	_, err := call[any](t, loader, "_main")
	require.NoError(t, err)
	assert.True(t, p.Started())

	_, err = call[any](t, loader, "start_timer")
	require.NoError(t, err)
	assert.Equal(t, 1, scheduler.Pending())

	_, err = call[any](t, loader, "_unload")
	require.NoError(t, err)
	assert.Zero(t, scheduler.Pending())
	assert.False(t, p.Started())

	_, err = call[any](t, loader, "start_timer")
	var callErr *plugin.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Contains(t, callErr.Message, tasks.ErrStopped.Error())

	_, err = call[any](t, loader, "_uninstall")
	require.NoError(t, err)
}

func TestPlugin_Migration(t *testing.T) {
	root := t.TempDir()
	paths := migrate.Paths{
		HostHome:    filepath.Join(root, "homebrew"),
		UserHome:    filepath.Join(root, "home"),
		SettingsDir: filepath.Join(root, "settings"),
		RuntimeDir:  filepath.Join(root, "data"),
		LogDir:      filepath.Join(root, "logs"),
	}
	writeFile(t, filepath.Join(paths.UserHome, ".config", "decky-template", "template.log"), "line")
	writeFile(t, filepath.Join(paths.HostHome, "settings", "template.json"), "{}")

	p := newPlugin(t, backend.Options{Migrator: migrate.New(paths, "decky-template", zap.NewNop())})
	loader := serve(t, plugin.JSONCodec{}, p)

	_, err := call[any](t, loader, "_migration")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(paths.LogDir, "template.log"))
	assert.FileExists(t, filepath.Join(paths.SettingsDir, "template.json"))
}

func TestPlugin_MigrationFailure(t *testing.T) {
	root := t.TempDir()
	paths := migrate.Paths{
		HostHome:    filepath.Join(root, "homebrew"),
		UserHome:    filepath.Join(root, "home"),
		SettingsDir: writeFile(t, filepath.Join(root, "settings"), "not a directory"),
	}
	writeFile(t, filepath.Join(paths.HostHome, "settings", "template.json"), "{}")

	p := newPlugin(t, backend.Options{Migrator: migrate.New(paths, "decky-template", zap.NewNop())})
	loader := serve(t, plugin.JSONCodec{}, p)

	_, err := call[any](t, loader, "_migration")
	var callErr *plugin.CallError
	require.ErrorAs(t, err, &callErr)
}

func TestPlugin_UploadImages(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"results":[{"url":"https://cdn.example/1"},{"url":"https://cdn.example/2"}]}`)
	}))
	defer srv.Close()

	uploader, err := assets.NewUploader(assets.Config{Endpoint: srv.URL, Insecure: true}, zap.NewNop())
	require.NoError(t, err)

	dir := t.TempDir()
	paths := []string{
		writeFile(t, filepath.Join(dir, "1.png"), "one"),
		writeFile(t, filepath.Join(dir, "2.png"), "two"),
	}

	m := metrics.New()
	loader := serve(t, plugin.JSONCodec{}, newPlugin(t, backend.Options{Uploader: uploader, Metrics: m}))

	urls, err := call[[]string](t, loader, "upload_images", paths, "good")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/1", "https://cdn.example/2"}, urls)
	assert.InDelta(t, 2, testutil.ToFloat64(m.UploadedImages), 0)

	urls, err = call[[]string](t, loader, "upload_images", []string{}, "good")
	require.NoError(t, err)
	assert.Empty(t, urls)

	_, err = call[[]string](t, loader, "upload_images", paths, "bad")
	var callErr *plugin.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Contains(t, callErr.Message, "Asset upload failed for batch 0: 401")
	assert.InDelta(t, 1, testutil.ToFloat64(m.UploadFailures.WithLabelValues(assets.CodeUploadRejected)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Requests.WithLabelValues("upload_images", metrics.StatusError)), 0)
}

type stubUploader struct{ err error }

func (s stubUploader) Upload(context.Context, []string, string) ([]string, error) {
	return nil, s.err
}

func TestPlugin_UploadImagesDirect(t *testing.T) {
	p := newPlugin(t, backend.Options{Uploader: stubUploader{err: errors.New("offline")}, Metrics: metrics.New()})
	_, err := p.UploadImages(context.Background(), []string{"/a.png"}, "t")
	assert.EqualError(t, err, "offline")

	_, err = newPlugin(t, backend.Options{}).UploadImages(context.Background(), nil, "t")
	assert.Error(t, err)
}
