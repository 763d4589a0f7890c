package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"callsync/internal/logging"
	"callsync/internal/services"
)

// Object is what a backend reports after storing a file.
type Object struct {
	URL  string
	Size int64
}

// HTTPStore uploads files as a multipart form to a storage API.
type HTTPStore struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTP builds a multipart uploader for endpoint.
func NewHTTP(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPStore {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPStore{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "object-store"),
	}
}

type uploadResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
	Data    *struct {
		URL  string `json:"url"`
		Size int64  `json:"size"`
	} `json:"data"`
	Message string `json:"message"`
}

// Put streams body under the "file" form field named name.
func (s *HTTPStore) Put(ctx context.Context, name string, body io.Reader, size int64) (Object, error) {
	if s.endpoint == "" {
		return Object{}, services.Wrap(services.ErrConfiguration, "object-store", "put", "upload url not configured", nil)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	form := multipart.NewWriter(pw)
	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(name)))
		header.Set("Content-Type", ContentType(name))
		part, err := form.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, pr)
	if err != nil {
		return Object{}, services.Wrap(services.ErrConfiguration, "object-store", "build request", "", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return Object{}, services.Wrap(services.ErrTransient, "object-store", "put", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Object{}, services.Wrap(services.ErrTransient, "object-store", "put", "unexpected status", services.NewHTTPError(resp))
	}

	var decoded uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&decoded); err != nil {
		return Object{}, services.Wrap(services.ErrTransient, "object-store", "put", "decode response", err)
	}
	obj := Object{URL: decoded.URL, Size: decoded.Size}
	if decoded.Data != nil {
		if obj.URL == "" {
			obj.URL = decoded.Data.URL
		}
		if obj.Size == 0 {
			obj.Size = decoded.Data.Size
		}
	}
	if !decoded.Success || obj.URL == "" {
		msg := strings.TrimSpace(decoded.Message)
		if msg == "" {
			msg = "response missing success flag or url"
		}
		return Object{}, services.Wrap(services.ErrTransient, "object-store", "put", msg, nil)
	}
	if obj.Size == 0 {
		obj.Size = size
	}

	s.logger.Debug("object stored",
		logging.String("name", name),
		logging.String("url", obj.URL),
		logging.Int64("size", obj.Size),
	)
	return obj, nil
}

// ContentType guesses the MIME type of a recording from its extension.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".mp4", ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
