package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneShotLifecycle(t *testing.T) {
	// 1. Create sandbox
	t.Log("Creating sandbox...")
	createPayload := map[string]any{
		"runtime": "node",
		"code":    "console.log('hi');",
		"mode":    "oneshot",
	}
	body, _ := json.Marshal(createPayload)
	resp, err := http.Post(BaseURL+"/sandbox", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var createResp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	err = json.NewDecoder(resp.Body).Decode(&createResp)
	require.NoError(t, err)
	id := createResp.ID
	require.NotEmpty(t, id)

	defer func() {
		req, _ := http.NewRequest(http.MethodDelete, BaseURL+"/sandbox/"+id, nil)
		http.DefaultClient.Do(req)
	}()

	// 2. Execute
	t.Log("Executing code...")
	resp, err = http.Post(fmt.Sprintf("%s/sandbox/%s/execute", BaseURL, id), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execResp struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
		Success  bool   `json:"success"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&execResp))

	assert.Equal(t, "hi\n", execResp.Stdout)
	assert.Equal(t, 0, execResp.ExitCode)
	assert.True(t, execResp.Success)

	// 3. The sandbox is listed
	resp, err = http.Get(BaseURL + "/sandboxes")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&list)

	found := false
	for _, s := range list {
		if s.ID == id {
			found = true
			break
		}
	}
	assert.True(t, found, "Sandbox should be listed")
}

func TestExecuteTimeout(t *testing.T) {
	createPayload := map[string]any{
		"runtime":    "node",
		"code":       "while(true){}",
		"mode":       "oneshot",
		"timeout_ms": 500,
	}
	body, _ := json.Marshal(createPayload)
	resp, err := http.Post(BaseURL+"/sandbox", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var createResp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&createResp))

	start := time.Now()
	resp, err = http.Post(fmt.Sprintf("%s/sandbox/%s/execute", BaseURL, createResp.ID), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execResp struct {
		TimedOut bool `json:"timed_out"`
		Success  bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&execResp))

	assert.True(t, execResp.TimedOut)
	assert.False(t, execResp.Success)
	assert.Less(t, time.Since(start), 3*time.Second)

	// A timed-out one-shot is torn down.
	resp, err = http.Get(BaseURL + "/sandbox/" + createResp.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPathTraversalRejected(t *testing.T) {
	createPayload := map[string]any{
		"runtime": "node",
		"code":    "1",
		"files":   []map[string]any{{"path": "../etc/passwd", "content": "x"}},
	}
	body, _ := json.Marshal(createPayload)
	resp, err := http.Post(BaseURL+"/sandbox", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
