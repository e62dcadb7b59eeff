package collab

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/AaraikAI/Abode-AI-sub013/internal/auth"
)

var wsTestSecret = []byte("ws-test-secret")

func newWSTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	service := NewService(&fakeSessionStore{}, NewRegistry(0), logger)
	server := httptest.NewServer(NewWSHandler(service, wsTestSecret, logger))
	t.Cleanup(server.Close)
	return server
}

func wsTestToken(t *testing.T, org string) string {
	t.Helper()
	token, err := auth.IssueToken(wsTestSecret, auth.Claims{
		Sub:  "u-1",
		Name: "Dana",
		Org:  org,
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestWSHandlerRequiresScopeParams(t *testing.T) {
	server := newWSTestServer(t)

	resp, err := http.Get(server.URL + "?org=org-1&workspace=ws-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWSHandlerRequiresToken(t *testing.T) {
	server := newWSTestServer(t)

	resp, err := http.Get(server.URL + "?org=org-1&workspace=ws-1&target=doc-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWSHandlerRejectsCrossOrgToken(t *testing.T) {
	server := newWSTestServer(t)

	token := wsTestToken(t, "org-2")
	resp, err := http.Get(server.URL + "?org=org-1&workspace=ws-1&target=doc-1&token=" + token)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestWSHandlerRejectsNonGet(t *testing.T) {
	server := newWSTestServer(t)

	resp, err := http.Post(server.URL+"?org=org-1&workspace=ws-1&target=doc-1", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestAccessTokenPrefersBearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=query-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	if got := accessTokenFromRequest(req); got != "header-token" {
		t.Fatalf("token = %q, want header-token", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/?token=query-token", nil)
	if got := accessTokenFromRequest(req); got != "query-token" {
		t.Fatalf("token = %q, want query-token", got)
	}
}

func TestWSConnectionSurvivesMalformedFrame(t *testing.T) {
	server := newWSTestServer(t)
	token := wsTestToken(t, "org-1")

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
		"?org=org-1&workspace=ws-1&target=doc-1&token=" + token
	conn, err := websocket.Dial(wsURL, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var init Frame
	if err := websocket.JSON.Receive(conn, &init); err != nil {
		t.Fatalf("receive init: %v", err)
	}
	if init.Type != EventInit {
		t.Fatalf("first frame = %s, want %s", init.Type, EventInit)
	}

	if err := websocket.Message.Send(conn, "{{not json"); err != nil {
		t.Fatalf("send malformed: %v", err)
	}
	var errFrame Frame
	if err := websocket.JSON.Receive(conn, &errFrame); err != nil {
		t.Fatalf("receive error frame: %v", err)
	}
	if errFrame.Type != EventError {
		t.Fatalf("frame = %s, want %s", errFrame.Type, EventError)
	}

	// The connection must still process frames after the bad one.
	if err := websocket.JSON.Send(conn, map[string]any{
		"type":    ClientAnnotationAdd,
		"payload": map[string]any{"body": "still alive"},
	}); err != nil {
		t.Fatalf("send annotation: %v", err)
	}
	var added Frame
	if err := websocket.JSON.Receive(conn, &added); err != nil {
		t.Fatalf("receive annotation frame: %v", err)
	}
	if added.Type != EventAnnotationAdded {
		t.Fatalf("frame = %s, want %s", added.Type, EventAnnotationAdded)
	}
	var view AnnotationView
	if err := json.Unmarshal(added.Payload, &view); err != nil {
		t.Fatalf("unmarshal annotation: %v", err)
	}
	if view.Body != "still alive" {
		t.Fatalf("body = %q", view.Body)
	}
}
