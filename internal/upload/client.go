// SPDX-License-Identifier: MIT

package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// requestError carries the HTTP status of a rejected request so the
// orchestrator can classify it.
type requestError struct {
	Status int
	Body   string
}

func (e *requestError) Error() string {
	msg := fmt.Sprintf("upload: unexpected status %d", e.Status)
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	return msg
}

// FinalizeResponse is the server's answer to a finalize request.
type FinalizeResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Message string `json:"message,omitempty"`
}

// Client speaks the upload wire protocol. All requests carry
// X-Client-Version and X-Retry-Count headers.
type Client struct {
	endpoint string
	http     *http.Client
	version  string
}

// NewClient creates a protocol client for the given endpoint.
func NewClient(endpoint, version string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		version:  version,
	}
}

// Probe checks endpoint reachability with a short HEAD request.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, 0)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// Any response at all proves reachability; method-not-allowed is fine.
	return nil
}

// UploadSingle sends the whole blob as one multipart request.
func (c *Client) UploadSingle(ctx context.Context, blob []byte, filename string, metadata map[string]string, retryCount int, onProgress func(loaded, total int64)) (*FinalizeResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fw, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(blob); err != nil {
		return nil, fmt.Errorf("write audio part: %w", err)
	}
	for k, v := range metadata {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	return c.post(ctx, c.endpoint, &buf, writer.FormDataContentType(), retryCount, onProgress)
}

// UploadChunk sends one chunk of a chunked session.
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index, totalChunks int, chunk []byte, metadata map[string]string, retryCount int, onProgress func(loaded, total int64)) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fw, err := writer.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := fw.Write(chunk); err != nil {
		return fmt.Errorf("write chunk part: %w", err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	fields := map[string]string{
		"chunkIndex":  strconv.Itoa(index),
		"totalChunks": strconv.Itoa(totalChunks),
		"sessionId":   sessionID,
		"metadata":    string(metaJSON),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	_, err = c.post(ctx, c.endpoint+"/chunk", &buf, writer.FormDataContentType(), retryCount, onProgress)
	return err
}

// Finalize requests server-side reassembly of all uploaded chunks.
func (c *Client) Finalize(ctx context.Context, sessionID string, totalChunks int, metadata map[string]string) (*FinalizeResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"sessionId":   sessionID,
		"totalChunks": totalChunks,
		"metadata":    metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal finalize payload: %w", err)
	}
	return c.postReader(ctx, c.endpoint+"/finalize", bytes.NewReader(payload), int64(len(payload)), "application/json", 0, nil)
}

// Cleanup notifies the server that a session was abandoned. Callers ignore
// the returned error by contract; it exists for logging only.
func (c *Client) Cleanup(ctx context.Context, sessionID string, uploadedChunks []int) error {
	payload, err := json.Marshal(map[string]any{
		"sessionId":      sessionID,
		"uploadedChunks": uploadedChunks,
	})
	if err != nil {
		return fmt.Errorf("marshal cleanup payload: %w", err)
	}
	_, err = c.postReader(ctx, c.endpoint+"/cleanup", bytes.NewReader(payload), int64(len(payload)), "application/json", 0, nil)
	return err
}

func (c *Client) post(ctx context.Context, url string, body *bytes.Buffer, contentType string, retryCount int, onProgress func(loaded, total int64)) (*FinalizeResponse, error) {
	return c.postReader(ctx, url, body, int64(body.Len()), contentType, retryCount, onProgress)
}

func (c *Client) postReader(ctx context.Context, url string, body io.Reader, size int64, contentType string, retryCount int, onProgress func(loaded, total int64)) (*FinalizeResponse, error) {
	var reader io.Reader = body
	if onProgress != nil {
		reader = &progressReader{r: body, total: size, fn: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	c.setHeaders(req, retryCount)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &requestError{Status: res.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	out := &FinalizeResponse{Success: true}
	if len(respBody) > 0 {
		// Tolerate non-JSON success bodies; status already confirmed 2xx.
		_ = json.Unmarshal(respBody, out)
	}
	return out, nil
}

func (c *Client) setHeaders(req *http.Request, retryCount int) {
	req.Header.Set("X-Client-Version", c.version)
	req.Header.Set("X-Retry-Count", strconv.Itoa(retryCount))
}

// progressReader reports cumulative bytes read on every Read call.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    func(loaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}
