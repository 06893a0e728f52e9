package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/engine"
	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/store"
)

// recorderDestination captures delivered payloads so tests can observe
// end-to-end flow through the control plane.
type recorderDestination struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorderDestination) Start(context.Context) error { return nil }
func (r *recorderDestination) Stop(context.Context) error  { return nil }

func (r *recorderDestination) Send(_ context.Context, _ *message.ConnectorMessage, encoded string) (*message.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, encoded)
	return &message.Response{Status: message.Sent, Message: "recorded"}, nil
}

func (r *recorderDestination) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

var (
	recordersMu sync.Mutex
	recorders   = map[string]*recorderDestination{}
)

func recorderFor(channelID string) *recorderDestination {
	recordersMu.Lock()
	defer recordersMu.Unlock()
	if r, ok := recorders[channelID]; ok {
		return r
	}
	var r = new(recorderDestination)
	recorders[channelID] = r
	return r
}

func init() {
	connector.RegisterDestination("Recorder", func(settings connector.Settings) (connector.Destination, error) {
		return recorderFor(settings.ChannelID), nil
	})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	var st, err = store.Open(context.Background(), store.Config{
		Driver: "sqlite3", DSN: ":memory:", Mode: store.ModeStandalone,
	})
	require.NoError(t, err)
	var controller = engine.NewController(st, nil, nil, engine.Options{ServerID: "server-1"})
	var server = httptest.NewServer(NewServer(controller, 4).Handler())
	t.Cleanup(func() {
		server.Close()
		controller.Shutdown(context.Background())
		st.Close()
	})
	return server
}

func channelDoc(id, name string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"enabled": true,
		"source": {"transport": "Channel Reader", "dataType": "HL7V2"},
		"destinations": [{"name": "Record", "transport": "Recorder", "queue": {}}]
	}`, id, name)
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var req, err = http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func TestChannelCRUD(t *testing.T) {
	var server = newTestServer(t)

	resp, body := do(t, "POST", server.URL+"/api/channels", channelDoc("chan-crud", "CRUD Channel"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created engine.Channel
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, "chan-crud", created.ID)
	require.Equal(t, 1, created.Revision)

	// A second channel may not reuse the name.
	resp, body = do(t, "POST", server.URL+"/api/channels", channelDoc("chan-other", "CRUD Channel"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Contains(t, envelope.Error, "CRUD Channel")

	resp, body = do(t, "GET", server.URL+"/api/channels", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var channels []*engine.Channel
	require.NoError(t, json.Unmarshal(body, &channels))
	require.Len(t, channels, 1)

	resp, _ = do(t, "GET", server.URL+"/api/channels/chan-crud", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// An update carrying a stale revision is a conflict.
	var stale = strings.Replace(channelDoc("chan-crud", "CRUD Channel"),
		`"enabled": true`, `"enabled": true, "revision": 99`, 1)
	resp, body = do(t, "PUT", server.URL+"/api/channels/chan-crud", stale)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Equal(t, "Channel has been modified", envelope.Error)

	var fresh = strings.Replace(channelDoc("chan-crud", "CRUD Channel"),
		`"enabled": true`, `"enabled": true, "revision": 1`, 1)
	resp, body = do(t, "PUT", server.URL+"/api/channels/chan-crud", fresh)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated engine.Channel
	require.NoError(t, json.Unmarshal(body, &updated))
	require.Equal(t, 2, updated.Revision)

	resp, _ = do(t, "DELETE", server.URL+"/api/channels/chan-crud", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, "GET", server.URL+"/api/channels/chan-crud", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChannelValidation(t *testing.T) {
	var server = newTestServer(t)
	resp, body := do(t, "POST", server.URL+"/api/channels", `{"name": ""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NotEmpty(t, envelope.Error)
}

func TestDeployInjectAndMessages(t *testing.T) {
	var server = newTestServer(t)
	resp, _ := do(t, "POST", server.URL+"/api/channels", channelDoc("chan-api", "API Flow"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, "POST", server.URL+"/api/channels/chan-api/_deploy", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := do(t, "GET", server.URL+"/api/channels/chan-api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status engine.DashboardStatus
	require.NoError(t, json.Unmarshal(body, &status))
	require.Equal(t, "DEPLOYED:STARTED", status.State)
	require.Equal(t, 1, status.DeployedRevision)

	resp, body = do(t, "POST", server.URL+"/api/channels/chan-api/messages", "MSH|inject")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		MessageID int64  `json:"messageId"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, int64(1), result.MessageID)
	require.Equal(t, "SENT", result.Status)
	require.Equal(t, []string{"MSH|inject"}, recorderFor("chan-api").recorded())

	resp, body = do(t, "GET", server.URL+"/api/channels/chan-api/messages?status=SENT", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Messages   []*message.Message `json:"messages"`
		TotalCount int64              `json:"totalCount"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Equal(t, int64(1), page.TotalCount)
	require.Len(t, page.Messages, 1)

	resp, body = do(t, "GET", server.URL+"/api/channels/chan-api/messages/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, "GET", server.URL+"/api/channels/chan-api/messages/1/content/0/RAW", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "MSH|inject", string(body))

	resp, _ = do(t, "GET", server.URL+"/api/channels/chan-api/messages/99", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, "DELETE", server.URL+"/api/channels/chan-api/messages", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, "GET", server.URL+"/api/channels/chan-api/messages/1", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, "POST", server.URL+"/api/channels/chan-api/_undeploy", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestInjectUndeployedChannel(t *testing.T) {
	var server = newTestServer(t)
	resp, _ := do(t, "POST", server.URL+"/api/channels", channelDoc("chan-idle", "Idle"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, "POST", server.URL+"/api/channels/chan-idle/messages", "MSH|x")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycleReturnErrors(t *testing.T) {
	var server = newTestServer(t)

	// Without the flag, a failed deploy surfaces as an error status.
	resp, _ := do(t, "POST", server.URL+"/api/channels/chan-none/_deploy", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// With ?returnErrors=true the error comes back as a 200 with the
	// structured body.
	resp, body := do(t, "POST", server.URL+"/api/channels/chan-none/_deploy?returnErrors=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NotEmpty(t, envelope.Error)

	// A successful operation is unchanged by the flag.
	resp, _ = do(t, "POST", server.URL+"/api/channels", channelDoc("chan-rete", "Return Errors"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, "POST", server.URL+"/api/channels/chan-rete/_deploy?returnErrors=true", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestBulkLifecycle(t *testing.T) {
	var server = newTestServer(t)
	for i, name := range []string{"Bulk A", "Bulk B"} {
		var resp, _ = do(t, "POST", server.URL+"/api/channels", channelDoc(fmt.Sprintf("chan-bulk-%d", i), name))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, _ := do(t, "POST", server.URL+"/api/channels/_deploy",
		`{"channelId": ["chan-bulk-0", "chan-bulk-1"]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := do(t, "GET", server.URL+"/api/channels/statuses", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var statuses []*engine.DashboardStatus
	require.NoError(t, json.Unmarshal(body, &statuses))
	require.Len(t, statuses, 2)

	resp, _ = do(t, "POST", server.URL+"/api/channels/_undeploy", `{"channelId": "chan-bulk-0"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, "POST", server.URL+"/api/channels/_stop", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageFilterParsing(t *testing.T) {
	var server = newTestServer(t)
	resp, _ := do(t, "POST", server.URL+"/api/channels", channelDoc("chan-filter", "Filter"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, "POST", server.URL+"/api/channels/chan-filter/_deploy", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, "GET", server.URL+"/api/channels/chan-filter/messages?status=BOGUS", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, "GET", server.URL+"/api/channels/chan-filter/messages?startDate=yesterday", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, "GET", server.URL+"/api/channels/chan-filter/messages?minMessageId=NaN", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShutdownDrain(t *testing.T) {
	var server = newTestServer(t)
	var st, err = store.Open(context.Background(), store.Config{
		Driver: "sqlite3", DSN: ":memory:", Mode: store.ModeStandalone,
	})
	require.NoError(t, err)
	defer st.Close()
	var controller = engine.NewController(st, nil, nil, engine.Options{ServerID: "server-1"})
	defer controller.Shutdown(context.Background())

	var api = NewServer(controller, 4)
	var draining = httptest.NewServer(api.Handler())
	defer draining.Close()
	api.BeginShutdown()

	resp, body := do(t, "GET", draining.URL+"/api/channels", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Contains(t, envelope.Error, "shutting down")

	// The other server in this test stays up.
	resp, _ = do(t, "GET", server.URL+"/api/channels", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	var server = newTestServer(t)
	resp, _ := do(t, "POST", server.URL+"/api/channels", channelDoc("chan-events", "Events"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var wsURL = "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a beat to subscribe before events start flowing.
	time.Sleep(50 * time.Millisecond)

	resp, _ = do(t, "POST", server.URL+"/api/channels/chan-events/_deploy", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var event engine.Event
		require.NoError(t, conn.ReadJSON(&event))
		if event.ChannelID == "chan-events" && event.State == "DEPLOYED:STARTED" {
			break
		}
	}
}

func TestRequestIDPropagation(t *testing.T) {
	var server = newTestServer(t)

	var req, err = http.NewRequest("GET", server.URL+"/api/channels", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, "req-42", resp.Header.Get("X-Request-Id"))

	resp, err = http.Get(server.URL + "/api/channels")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}
