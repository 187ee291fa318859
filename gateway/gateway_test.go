package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/task"

	"github.com/scripworks/scrip/issue"
	"github.com/scripworks/scrip/pool"
)

// startStack runs engine, pool client, and gateway handler end to end.
func startStack(t *testing.T, classes map[string]uint64) *httptest.Server {
	var svc, err = issue.NewService(issue.Config{
		Classes: classes,
		Journal: filepath.Join(t.TempDir(), "grants.journal"),
	})
	require.NoError(t, err)

	srv, err := issue.NewServer(svc, "127.0.0.1:0")
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	svc.QueueTasks(tasks)
	srv.QueueTasks(tasks)
	tasks.GoRun()

	var client = pool.NewClient(pool.Config{Addr: srv.Endpoint()})
	var web = httptest.NewServer(NewHandler(client, "Impossible Cuts Inc."))

	t.Cleanup(func() {
		web.Close()
		client.Close()
		tasks.Cancel()
		require.NoError(t, tasks.Wait())
	})
	return web
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	var resp, err = http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestIssuanceFlow(t *testing.T) {
	var web = startStack(t, map[string]uint64{"CS": 100, "PS": 50})

	var resp, body = postJSON(t, web.URL, `{"name": "Alice", "amount": 10, "class": "CS"}`)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "CS-1", body["id"])
	require.Equal(t, "Alice", body["name"])
	require.Equal(t, float64(10), body["amount"])
	require.Equal(t, "CS", body["class"])
	require.Equal(t, "Impossible Cuts Inc.", body["company"])

	resp, body = postJSON(t, web.URL, `{"name": "Bob", "amount": 5, "class": "PS"}`)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "PS-1", body["id"])

	resp, body = postJSON(t, web.URL, `{"name": "Carol", "amount": 10, "class": "CS"}`)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "CS-2", body["id"])
}

func TestInsufficientSharesBoundaries(t *testing.T) {
	var web = startStack(t, map[string]uint64{"CS": 5})

	// One over the pool: 403, and nothing is consumed.
	var resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 6, "class": "CS"}`)
	require.Equal(t, 403, resp.StatusCode)
	require.Equal(t, "INSUFFICIENT_SHARES", body["error"])

	// The exact pool still succeeds, with certificate number 1.
	resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 5, "class": "CS"}`)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "CS-1", body["id"])

	// And the class is now exhausted.
	resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 1, "class": "CS"}`)
	require.Equal(t, 403, resp.StatusCode)
	require.Equal(t, "INSUFFICIENT_SHARES", body["error"])
}

func TestAdapterValidation(t *testing.T) {
	var web = startStack(t, map[string]uint64{"CS": 100})

	var resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 0, "class": "CS"}`)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "INVALID_AMOUNT", body["error"])

	resp, body = postJSON(t, web.URL, `{"name": "X", "amount": -3, "class": "CS"}`)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "INVALID_AMOUNT", body["error"])

	resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 1, "class": ""}`)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "UNKNOWN_CLASS", body["error"])

	resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 1`)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "MALFORMED", body["error"])

	// Unknown class is decided by the engine, not the adapter.
	resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 1, "class": "XX"}`)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, "UNKNOWN_CLASS", body["error"])
}

func TestOnlyPostIsServed(t *testing.T) {
	var web = startStack(t, map[string]uint64{"CS": 100})

	var resp, err = http.Get(web.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBackendOutageIs503(t *testing.T) {
	// A client of nothing at all.
	var client = pool.NewClient(pool.Config{
		Addr:            "127.0.0.1:1",
		CheckoutTimeout: 100 * time.Millisecond,
	})
	defer client.Close()

	var web = httptest.NewServer(NewHandler(client, ""))
	defer web.Close()

	var resp, body = postJSON(t, web.URL, `{"name": "X", "amount": 1, "class": "CS"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "BACKEND_UNAVAILABLE", body["error"])
}
