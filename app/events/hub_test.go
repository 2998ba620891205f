package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wanistream/app/logger"
	"wanistream/app/supervisor"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(logger.NewNop())
	defer hub.Close()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.AddClient(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(supervisor.Event{Type: supervisor.EventStarted, JobID: 7, RunID: "run-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got supervisor.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != supervisor.EventStarted || got.JobID != 7 || got.RunID != "run-1" {
		t.Fatalf("event = %+v", got)
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub(logger.NewNop())
	hub.Close()

	// 关闭后发布不应阻塞或 panic
	hub.Publish(supervisor.Event{Type: supervisor.EventStopped, JobID: 1})
	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}
}
