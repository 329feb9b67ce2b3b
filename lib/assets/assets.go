// Package assets uploads local images to the Deck Verified asset host.
//
// Paths are validated up front: missing and non-regular paths are skipped,
// an oversized image fails the whole call before any request is made. Valid
// files are then sent in fixed-size batches as multipart/form-data POSTs and
// the URLs reported by the server are returned in batch order.
package assets

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"go.uber.org/zap"
)

const (
	// DefaultMaxImageBytes is the largest image the asset host accepts.
	DefaultMaxImageBytes = 1 << 20

	// DefaultBatchSize is the number of images sent per request.
	DefaultBatchSize = 7

	// DefaultMIME is used when the file extension has no known type.
	DefaultMIME = "image/jpeg"
)

// Error codes carried by upload errors.
const (
	CodeImageTooLarge    = "IMAGE_TOO_LARGE"
	CodeImageReadFailed  = "IMAGE_READ_FAILED"
	CodeTransportFailed  = "UPLOAD_TRANSPORT_FAILED"
	CodeUploadRejected   = "UPLOAD_REJECTED"
	CodeBadResponse      = "UPLOAD_BAD_RESPONSE"
	CodeResponseTooLarge = "UPLOAD_RESPONSE_TOO_LARGE"
	CodeInvalidEndpoint  = "UPLOAD_INVALID_ENDPOINT"
)

// File is one image ready to be sent.
type File struct {
	Name string
	MIME string
	Data []byte
}

// NormalizePath strips a single leading file:// scheme.
func NormalizePath(p string) string {
	return strings.TrimPrefix(p, "file://")
}

// GuessMIME returns the media type implied by the file extension, without
// parameters, or DefaultMIME when the extension is unknown.
func GuessMIME(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return DefaultMIME
	}
	if mediaType, _, err := mime.ParseMediaType(t); err == nil {
		return mediaType
	}
	return DefaultMIME
}

// CollectFiles reads every regular file in paths. Empty, missing and
// non-regular paths are logged and skipped. A file larger than maxBytes
// fails the whole collection.
func CollectFiles(paths []string, maxBytes int64, logger *zap.Logger) ([]File, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}

	files := make([]File, 0, len(paths))
	for _, raw := range paths {
		p := NormalizePath(raw)
		if p == "" {
			logger.Warn("skipping empty path")
			continue
		}

		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			logger.Warn("skipping non-file", zap.String("path", p))
			continue
		}

		name := filepath.Base(p)
		if info.Size() > maxBytes {
			return nil, tooLarge(name, info.Size(), maxBytes)
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return nil, oops.
				Code(CodeImageReadFailed).
				With("file", p).
				Wrapf(err, "failed to read %s", name)
		}
		if int64(len(data)) > maxBytes {
			return nil, tooLarge(name, int64(len(data)), maxBytes)
		}

		if name == "" || name == "." || name == string(filepath.Separator) {
			name = "image-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		files = append(files, File{Name: name, MIME: GuessMIME(p), Data: data})
	}
	return files, nil
}

func tooLarge(name string, size, maxBytes int64) error {
	return oops.
		Code(CodeImageTooLarge).
		With("file", name).
		With("size", size).
		With("max", maxBytes).
		Errorf("Image too large: %s is %d bytes (max %d). Images cannot be more than %s each.", name, size, maxBytes, humanSize(maxBytes))
}

func humanSize(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	if n%(1<<10) == 0 {
		return fmt.Sprintf("%dKB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}

// Batches partitions files into consecutive groups of at most size items.
func Batches(files []File, size int) [][]File {
	if size <= 0 {
		size = DefaultBatchSize
	}

	batches := make([][]File, 0, (len(files)+size-1)/size)
	for start := 0; start < len(files); start += size {
		end := min(start+size, len(files))
		batches = append(batches, files[start:end])
	}
	return batches
}
