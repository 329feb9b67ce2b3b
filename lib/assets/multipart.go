package assets

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormField is the multipart field name the asset host reads images from.
const FormField = "images"

// NewBoundary returns a multipart boundary derived from t and a random id.
func NewBoundary(t time.Time) string {
	return "----DeckyBoundary" + strconv.FormatInt(t.UnixMilli(), 10) + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildMultipart encodes files as a multipart/form-data body delimited by
// boundary. It returns the Content-Type header value and the body.
func BuildMultipart(files []File, boundary string) (string, []byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.SetBoundary(boundary); err != nil {
		return "", nil, fmt.Errorf("invalid boundary: %w", err)
	}

	for _, f := range files {
		header := make(textproto.MIMEHeader, 2)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, escapeQuotes(f.Name)))
		header.Set("Content-Type", f.MIME)

		part, err := w.CreatePart(header)
		if err != nil {
			return "", nil, fmt.Errorf("failed to create part for %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return "", nil, fmt.Errorf("failed to write part for %s: %w", f.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to close multipart body: %w", err)
	}
	return w.FormDataContentType(), body.Bytes(), nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "%0D", "\n", "%0A")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
