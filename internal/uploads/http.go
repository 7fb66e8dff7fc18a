package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// FileField is the multipart field carrying the recording.
const FileField = "file"

// HTTPStore posts each artifact as multipart/form-data with the metadata
// as plain fields next to the file part.
type HTTPStore struct {
	URL       string
	AuthToken string
	client    *http.Client
}

func NewHTTPStore(url, authToken string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPStore{
		URL:       url,
		AuthToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) Name() string { return "http" }

func (s *HTTPStore) Put(ctx context.Context, a Artifact) error {
	if s.URL == "" {
		return errors.New("store.url is not configured")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, f := range a.Meta.Fields() {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile(FileField, a.Filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(a.Data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", a.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RejectedError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
