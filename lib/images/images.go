// Package images turns local image files into base64 data URLs.
package images

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/DeckSettings/decky-game-settings/lib/assets"
)

var (
	ErrEmptyPath  = errors.New("empty path")
	ErrNotFile    = errors.New("not a regular file")
	ErrNotDataURL = errors.New("not a base64 data URL")
)

// Encode formats data as a data URL of the given media type.
func Encode(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Decode parses a base64 data URL produced by Encode.
func Decode(url string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	mime, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, ErrNotDataURL
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrNotDataURL, err)
	}
	return mime, data, nil
}

// Load reads the image at path (file:// prefixes accepted) and returns it
// as a data URL.
func Load(path string) (string, error) {
	p := assets.NormalizePath(path)
	if p == "" {
		return "", ErrEmptyPath
	}

	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", p, ErrNotFile)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return Encode(assets.GuessMIME(p), data), nil
}
