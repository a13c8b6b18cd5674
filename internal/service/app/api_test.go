package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"key_enclave/internal/model"
)

// fakeEnclave serves one dialog window and records the frames the dialog posts.
type fakeEnclave struct {
	req     model.DialogRequest
	replies chan json.RawMessage
	pressed chan string
}

func newFakeEnclave(t *testing.T, req model.DialogRequest) (*fakeEnclave, *httptest.Server) {
	e := &fakeEnclave{
		req:     req,
		replies: make(chan json.RawMessage, 4),
		pressed: make(chan string, 1),
	}

	upgrader := websocket.Upgrader{}
	r := mux.NewRouter()
	r.HandleFunc("/dialog/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("window") != "w1" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		e.serve(conn)
	})
	r.HandleFunc("/affordance/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if name != "confirm" {
			http.Error(w, "not active", http.StatusConflict)
			return
		}
		e.pressed <- name
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return e, srv
}

func (e *fakeEnclave) serve(conn *websocket.Conn) {
	var f model.Frame
	if err := conn.ReadJSON(&f); err != nil || f.Type != model.FrameReady {
		return
	}
	body, _ := json.Marshal(e.req)
	if err := conn.WriteJSON(model.Frame{Type: model.FrameMessage, Body: body}); err != nil {
		return
	}

	for {
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		e.replies <- f.Body

		var reply model.DialogReply
		_ = json.Unmarshal(f.Body, &reply)
		var ev model.StoreEvent
		if json.Unmarshal(reply.Result, &ev) == nil && ev.Type == model.StoreEventType {
			done, _ := json.Marshal(model.StoreEvent{Type: model.StoreEventType, Status: model.StoreStatusDone})
			_ = conn.WriteJSON(model.Frame{Type: model.FramePort, Body: done})
			continue
		}
		_ = conn.WriteJSON(model.Frame{Type: model.FrameClose})
		return
	}
}

func TestWsURL(t *testing.T) {
	u, err := wsURL("https://enclave.example/dialog.html?humanId=h&window=w1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "wss://enclave.example/dialog/ws?"))

	u, err = wsURL("http://localhost:9090/dialog.html?window=w1")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:9090/dialog/ws?window=w1", u)

	_, err = wsURL("http://localhost:9090/dialog.html")
	require.Error(t, err)
}

func TestClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := model.DialogRequest{
		Intent:  model.IntentBackup,
		Message: model.BackupMessage{AuthMethod: model.AuthMethodPassword, Secret: "pw"},
	}
	e, srv := newFakeEnclave(t, req)

	c, err := Dial(ctx, srv.URL+"/dialog.html?humanId="+testHumanID+"&window=w1")
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Hello(ctx)
	require.NoError(t, err)
	require.Equal(t, model.IntentBackup, got.Intent)

	require.NoError(t, c.Store(ctx, map[string]string{"secret": "pw"}))
	pending := <-e.replies
	require.Contains(t, string(pending), model.StoreStatusPending)

	require.NoError(t, c.Resolve(map[string]string{"status": model.StoreStatusDone}))
	require.JSONEq(t, `{"result":{"status":"done"}}`, string(<-e.replies))

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("enclave did not close the window")
	}
	_, err = c.Hello(ctx)
	require.Error(t, err)
}

func TestClientReject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, srv := newFakeEnclave(t, model.DialogRequest{Intent: model.IntentConfirm})
	c, err := Dial(ctx, srv.URL+"/dialog.html?window=w1")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Hello(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Reject("no thanks"))
	require.JSONEq(t, `{"error":"no thanks"}`, string(<-e.replies))
}

func TestDialGoneWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, srv := newFakeEnclave(t, model.DialogRequest{})
	_, err := Dial(ctx, srv.URL+"/dialog.html?window=other")
	require.Error(t, err)
	require.NoError(t, ctx.Err())
}

func TestPressAffordance(t *testing.T) {
	ctx := context.Background()
	e, srv := newFakeEnclave(t, model.DialogRequest{})

	require.NoError(t, PressAffordance(ctx, srv.URL, "confirm"))
	require.Equal(t, "confirm", <-e.pressed)

	err := PressAffordance(ctx, srv.URL, "unlock")
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")
}
