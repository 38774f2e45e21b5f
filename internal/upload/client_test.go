// SPDX-License-Identifier: MIT
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFinalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/finalize", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "2.0.0", r.Header.Get("X-Client-Version"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, int64(len(body)), r.ContentLength)

		var payload struct {
			SessionID   string            `json:"sessionId"`
			TotalChunks int               `json:"totalChunks"`
			Metadata    map[string]string `json:"metadata"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "sess-9", payload.SessionID)
		assert.Equal(t, 3, payload.TotalChunks)
		assert.Equal(t, "en", payload.Metadata["language"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"jobId":"job-9"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "2.0.0", time.Second)
	resp, err := c.Finalize(context.Background(), "sess-9", 3, map[string]string{"language": "en"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "job-9", resp.JobID)
}

func TestClientCleanup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cleanup", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, int64(len(body)), r.ContentLength)

		var payload struct {
			SessionID      string `json:"sessionId"`
			UploadedChunks []int  `json:"uploadedChunks"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "sess-9", payload.SessionID)
		assert.Equal(t, []int{0, 2}, payload.UploadedChunks)

		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "2.0.0", time.Second)
	require.NoError(t, c.Cleanup(context.Background(), "sess-9", []int{0, 2}))
}

func TestClientFinalizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "chunk 1 missing", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "2.0.0", time.Second)
	_, err := c.Finalize(context.Background(), "sess-9", 3, nil)
	require.Error(t, err)
	var re *requestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.Status)
}
