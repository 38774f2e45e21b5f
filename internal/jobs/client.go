// SPDX-License-Identifier: MIT
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxpipe/voxpipe/internal/classify"
)

// Client fetches job snapshots from GET {endpoint}/job/{jobId}.
type Client struct {
	endpoint string
	http     *http.Client
	version  string
}

// NewClient builds a job-status client against the given base endpoint.
func NewClient(endpoint, version string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		version:  version,
	}
}

type jobResponse struct {
	Success bool   `json:"success"`
	Job     Job    `json:"job"`
	Error   string `json:"error,omitempty"`
}

// Fetch retrieves one snapshot. Failures come back classified.
func (c *Client) Fetch(ctx context.Context, jobID string) (Job, error) {
	url := fmt.Sprintf("%s/job/%s", c.endpoint, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Job{}, fmt.Errorf("build job request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Version", c.version)

	resp, err := c.http.Do(req)
	if err != nil {
		return Job{}, classify.Classify(err, classify.Context{Op: "job poll"})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Job{}, classify.Classify(
			fmt.Errorf("job poll: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			classify.Context{Op: "job poll", StatusCode: resp.StatusCode},
		)
	}

	var jr jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return Job{}, classify.Malformed("job poll", fmt.Sprintf("undecodable job payload: %v", err))
	}
	if !jr.Success {
		msg := jr.Error
		if msg == "" {
			msg = "job service reported failure without detail"
		}
		return Job{}, classify.Malformed("job poll", msg)
	}
	return jr.Job, nil
}
