package bus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsServer upgrades every request, subscribes the connection for the topics
// in ?topics=, and unsubscribes it when the connection ends.
func wsServer(t *testing.T, b *Bus, ping time.Duration) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocketTransport(conn)
		sub := r.URL.Query().Get("subscriber_id")
		_ = b.Subscribe(sub, tr, strings.Split(r.URL.Query().Get("topics"), ","))
		tr.Run(r.Context(), ping)
		b.Unsubscribe(sub, tr)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWebSocketTransport_DeliversEvents(t *testing.T) {
	b := newTestBus(t, Options{})
	srv := wsServer(t, b, time.Minute)
	conn := dialWS(t, srv, "subscriber_id=viewer&topics=global,alerts")
	defer conn.Close()

	waitFor(t, "registration", 2*time.Second, func() bool { return b.TransportCount() == 1 })

	for _, data := range []string{"one", "two"} {
		if n, err := b.Publish(context.Background(), Event{Type: EventNewPost, Data: data}, []string{"alerts"}); err != nil || n != 1 {
			t.Fatalf("publish n=%d err=%v", n, err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"one", "two"} {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt != websocket.TextMessage {
			t.Fatalf("message type %d", mt)
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != EventNewPost || ev.Data != want {
			t.Fatalf("event = %+v; want data %q", ev, want)
		}
	}
}

func TestWebSocketTransport_ClientCloseUnsubscribes(t *testing.T) {
	b := newTestBus(t, Options{})
	srv := wsServer(t, b, time.Minute)
	conn := dialWS(t, srv, "subscriber_id=viewer&topics=global")
	waitFor(t, "registration", 2*time.Second, func() bool { return b.TransportCount() == 1 })

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = conn.Close()

	waitFor(t, "unsubscribe", 2*time.Second, func() bool { return b.SubscriberCount() == 0 })
}

func TestWebSocketTransport_AnswersPings(t *testing.T) {
	b := newTestBus(t, Options{})
	srv := wsServer(t, b, 50*time.Millisecond)
	conn := dialWS(t, srv, "subscriber_id=viewer&topics=global")
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(appData string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	// control frames are only processed while reading
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("no keepalive ping received")
	}
	// the pong handler keeps the server side alive past the pong wait
	time.Sleep(250 * time.Millisecond)
	if b.TransportCount() != 1 {
		t.Fatalf("healthy connection dropped")
	}
}

func TestWebSocketTransport_SendAfterClose(t *testing.T) {
	b := newTestBus(t, Options{})
	up := websocket.Upgrader{}
	got := make(chan *WebSocketTransport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		got <- NewWebSocketTransport(conn)
	}))
	defer srv.Close()
	conn := dialWS(t, srv, "")
	defer conn.Close()

	tr := <-got
	_ = b.Subscribe("x", tr, []string{"global"})
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-tr.Done()
	if err := tr.Send(context.Background(), []byte("{}")); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("send after close err = %v", err)
	}

	// the bus treats the closed transport as dead
	if n, _ := b.Publish(context.Background(), Event{Type: EventNewPost}, []string{"global"}); n != 0 {
		t.Fatalf("closed transport counted as delivered")
	}
	if b.TransportCount() != 0 {
		t.Fatalf("closed transport not pruned")
	}
}
