// SPDX-License-Identifier: MIT
package stubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpipe/voxpipe/internal/jobs"
	"github.com/voxpipe/voxpipe/internal/types"
	"github.com/voxpipe/voxpipe/internal/upload"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postChunk(t *testing.T, url, sessionID string, index, total int, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("sessionId", sessionID))
	require.NoError(t, w.WriteField("chunkIndex", fmt.Sprint(index)))
	require.NoError(t, w.WriteField("totalChunks", fmt.Sprint(total)))
	require.NoError(t, w.Close())

	resp, err := http.Post(url+"/chunk", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func finalize(t *testing.T, url, sessionID string, total int) (int, upload.FinalizeResponse) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"sessionId": sessionID, "totalChunks": total})
	resp, err := http.Post(url+"/finalize", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out upload.FinalizeResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestProbe(t *testing.T) {
	srv := newTestServer(t, Options{})
	req, _ := http.NewRequest(http.MethodHead, srv.URL+"/", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChunkedUploadLifecycle(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := "sess-1"

	for i := 0; i < 3; i++ {
		resp := postChunk(t, srv.URL, session, i, 3, []byte{byte(i), byte(i)})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	status, out := finalize(t, srv.URL, session, 3)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.JobID)

	// Finalize is idempotent: same job id on repeat.
	status, again := finalize(t, srv.URL, session, 3)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, out.JobID, again.JobID)
}

func TestChunkReuploadIsIdempotent(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := "sess-dup"

	for i := 0; i < 2; i++ {
		resp := postChunk(t, srv.URL, session, 0, 1, []byte("audio"))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	status, out := finalize(t, srv.URL, session, 1)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
}

func TestFinalizeRejectsMissingChunk(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := "sess-gap"

	resp := postChunk(t, srv.URL, session, 0, 3, []byte("a"))
	resp.Body.Close()
	resp = postChunk(t, srv.URL, session, 2, 3, []byte("c"))
	resp.Body.Close()

	status, out := finalize(t, srv.URL, session, 3)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, out.Success)
}

func TestFinalizeUnknownSession(t *testing.T) {
	srv := newTestServer(t, Options{})
	status, _ := finalize(t, srv.URL, "never-seen", 1)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCleanupRemovesSession(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := "sess-gone"
	resp := postChunk(t, srv.URL, session, 0, 1, []byte("a"))
	resp.Body.Close()

	payload, _ := json.Marshal(map[string]any{"sessionId": session, "uploadedChunks": []int{0}})
	cleanResp, err := http.Post(srv.URL+"/cleanup", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	cleanResp.Body.Close()
	assert.Equal(t, http.StatusOK, cleanResp.StatusCode)

	status, _ := finalize(t, srv.URL, session, 1)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestJobProgression(t *testing.T) {
	srv := newTestServer(t, Options{CompleteAfterPolls: 2})
	session := "sess-job"
	resp := postChunk(t, srv.URL, session, 0, 1, []byte("audio bytes"))
	resp.Body.Close()
	_, out := finalize(t, srv.URL, session, 1)
	require.NotEmpty(t, out.JobID)

	client := jobs.NewClient(srv.URL, "1.0.0", time.Second)
	var seen []types.JobStatus
	for i := 0; i < 4; i++ {
		job, err := client.Fetch(context.Background(), out.JobID)
		require.NoError(t, err)
		seen = append(seen, job.Status)
	}
	assert.Equal(t, []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusProcessing,
		types.JobStatusCompleted,
		types.JobStatusCompleted,
	}, seen)

	job, err := client.Fetch(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.NotEmpty(t, job.TranscriptText)
	assert.Positive(t, job.Cost)
}

func TestJobNotFound(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, err := http.Get(srv.URL + "/job/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSingleShotUpload(t *testing.T) {
	srv := newTestServer(t, Options{})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("audio", "recording.webm")
	require.NoError(t, err)
	_, err = fw.Write([]byte("whole blob"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("language", "en"))
	require.NoError(t, w.Close())

	resp, err := http.Post(srv.URL+"/", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out upload.FinalizeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.NotEmpty(t, out.JobID)
}
