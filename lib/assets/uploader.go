package assets

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/samber/oops"
	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the asset host upload URL.
	DefaultEndpoint = "https://asset-upload.deckverified.games/"

	// DefaultTimeout bounds each batch request.
	DefaultTimeout = 60 * time.Second

	// UserAgent identifies the uploader to the asset host.
	UserAgent = "decky-plugin/asset-uploader"

	maxResponseBytes = 4 << 20
)

// Config controls an Uploader. Zero values fall back to the defaults above.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	Insecure   bool
	MaxBytes   int64
	BatchSize  int
	HTTPClient *http.Client
}

// Uploader sends images to the asset host.
type Uploader struct {
	cfg         Config
	client      *http.Client
	logger      *zap.Logger
	newBoundary func() string
}

// NewUploader creates an Uploader. When cfg.HTTPClient is nil a client is
// built with cfg.Timeout and, if cfg.Insecure is set, certificate
// verification disabled.
func NewUploader(cfg Config, logger *zap.Logger) (*Uploader, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxImageBytes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if u, err := url.Parse(cfg.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, oops.
			Code(CodeInvalidEndpoint).
			With("endpoint", cfg.Endpoint).
			Errorf("invalid upload endpoint %q", cfg.Endpoint)
	}

	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.Insecure} // #nosec G402 -- the asset host is reached without verification unless hardened by config
		client = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}

	return &Uploader{
		cfg:         cfg,
		client:      client,
		logger:      logger.Named("assets"),
		newBoundary: func() string { return NewBoundary(time.Now()) },
	}, nil
}

// Upload validates paths, sends the images in batches and returns the URLs
// reported by the asset host. Any invalid image or failed batch fails the
// whole call.
func (u *Uploader) Upload(ctx context.Context, paths []string, token string) ([]string, error) {
	urls := []string{}
	if len(paths) == 0 {
		return urls, nil
	}

	files, err := CollectFiles(paths, u.cfg.MaxBytes, u.logger)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return urls, nil
	}

	batches := Batches(files, u.cfg.BatchSize)
	for i, batch := range batches {
		batchURLs, err := u.uploadBatch(ctx, i, batch, token)
		if err != nil {
			return nil, err
		}
		urls = append(urls, batchURLs...)
	}

	u.logger.Info("uploaded images",
		zap.Int("files", len(files)),
		zap.Int("batches", len(batches)),
		zap.Int("urls", len(urls)))
	return urls, nil
}

func (u *Uploader) uploadBatch(ctx context.Context, index int, batch []File, token string) ([]string, error) {
	errb := oops.With("batch", index)

	contentType, body, err := BuildMultipart(batch, u.newBoundary())
	if err != nil {
		return nil, errb.Code(CodeTransportFailed).Wrapf(err, "failed to build batch %d", index)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errb.Code(CodeTransportFailed).Wrapf(err, "HTTP request failed")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", UserAgent)

	u.logger.Debug("sending batch", zap.Int("batch", index), zap.Int("files", len(batch)), zap.Int("bytes", len(body)))

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, errb.Code(CodeTransportFailed).Wrapf(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, errb.Code(CodeTransportFailed).With("status", resp.StatusCode).Wrapf(err, "HTTP request failed")
	}
	if len(data) > maxResponseBytes {
		return nil, errb.
			Code(CodeResponseTooLarge).
			With("status", resp.StatusCode).
			Errorf("Response from server exceeds %s (batch %d)", humanSize(maxResponseBytes), index)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errb.
			Code(CodeUploadRejected).
			With("status", resp.StatusCode).
			Errorf("Asset upload failed for batch %d: %d\n%s", index, resp.StatusCode, bytes.ToValidUTF8(data, []byte("\uFFFD")))
	}

	urls, err := ParseResults(data)
	if err != nil {
		return nil, errb.Code(CodeBadResponse).Wrapf(err, "Invalid JSON from server (batch %d)", index)
	}
	return urls, nil
}

// ParseResults extracts the non-empty url fields of the results array in
// an asset host response. Entries that are not objects, or whose url is
// missing or not a string, are ignored. An empty body, or a results value
// that is absent, empty, a string or an object, yields no URLs. The body
// itself must be a JSON object.
func ParseResults(data []byte) ([]string, error) {
	urls := []string{}
	if len(data) == 0 {
		return urls, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("response is not a JSON object")
	}

	var results []any
	switch v := doc["results"].(type) {
	case nil, string, map[string]any:
	case []any:
		results = v
	case bool:
		if v {
			return nil, errors.New("results is not a list")
		}
	case float64:
		if v != 0 {
			return nil, errors.New("results is not a list")
		}
	}

	for _, r := range results {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := entry["url"].(string); ok && s != "" {
			urls = append(urls, s)
		}
	}
	return urls, nil
}
