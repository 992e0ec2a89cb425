package botapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FormFlow/internal/models"
)

type recordedRequest struct {
	method  string // API method from the URL path
	payload map[string]any
}

func newAPIStub(t *testing.T, results map[string]string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := recordedRequest{method: r.URL.Path}
		if len(body) > 0 && json.Valid(body) {
			_ = json.Unmarshal(body, &req.payload)
		}
		requests = append(requests, req)

		result, ok := results[r.URL.Path]
		if !ok {
			result = "true"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(WithToken("123:test"), WithBaseURL(baseURL), WithPollTimeout(0))
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	_, err := NewClient()
	assert.Error(t, err)

	t.Setenv("BOT_TOKEN", "env-token")
	c, err := NewClient()
	require.NoError(t, err)
	assert.Equal(t, "env-token", c.token)
}

func TestPollMapsUpdates(t *testing.T) {
	srv, requests := newAPIStub(t, map[string]string{
		"/bot123:test/getUpdates": `[
			{"update_id": 10, "message": {"chat": {"id": 42}, "text": "agree", "date": 1700000000}},
			{"update_id": 11, "callback_query": {"data": "all_ok", "message": {"chat": {"id": 42}}}},
			{"update_id": 12}
		]`,
	})
	c := newTestClient(t, srv.URL)

	updates, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2)

	assert.Equal(t, "10", updates[0].ID)
	assert.Equal(t, "42", updates[0].ConversationID)
	assert.Equal(t, models.UpdateKindText, updates[0].Kind)
	assert.Equal(t, "agree", updates[0].Payload)

	assert.Equal(t, "11", updates[1].ID)
	assert.Equal(t, models.UpdateKindCallback, updates[1].Kind)
	assert.Equal(t, "all_ok", updates[1].Payload)

	// The next poll confirms the batch via the offset.
	_, err = c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, *requests, 2)
	assert.Equal(t, float64(13), (*requests)[1].payload["offset"])
}

func TestPollEmptyBatchKeepsOffset(t *testing.T) {
	srv, requests := newAPIStub(t, map[string]string{
		"/bot123:test/getUpdates": `[]`,
	})
	c := newTestClient(t, srv.URL)
	c.offset = 7

	updates, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, updates)

	_, err = c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(7), (*requests)[1].payload["offset"])
}

func TestSendMessage(t *testing.T) {
	srv, requests := newAPIStub(t, nil)
	c := newTestClient(t, srv.URL)

	err := c.SendMessage(context.Background(), "42", "hello")
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "/bot123:test/sendMessage", req.method)
	assert.Equal(t, float64(42), req.payload["chat_id"])
	assert.Equal(t, "hello", req.payload["text"])

	assert.Error(t, c.SendMessage(context.Background(), "not-a-chat-id", "hello"))
}

func TestSendDocument(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	artifact := models.DocumentArtifact{
		ConversationID: "42",
		FileName:       "42-agreement.html",
		ContentType:    "text/html; charset=utf-8",
		Content:        []byte("<html></html>"),
	}
	err := c.SendDocument(context.Background(), "42", artifact, "Your signed agreement")
	require.NoError(t, err)

	assert.Contains(t, gotContentType, "multipart/form-data")
	assert.Contains(t, string(gotBody), "42-agreement.html")
	assert.Contains(t, string(gotBody), "<html></html>")
	assert.Contains(t, string(gotBody), "Your signed agreement")
}

func TestAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	err := c.SendMessage(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}
