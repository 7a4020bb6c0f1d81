package diag

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// A peer that stops reading is dropped once its write wait expires and
// does not hold up Broadcast.
func TestHubDropsStalledClient(t *testing.T) {
	hub := NewHub(50 * time.Millisecond)
	added := make(chan struct{})
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Add(conn)
		close(added)
	}))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	<-added

	payload := strings.Repeat("x", 1<<20)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 256 && hub.Len() > 0; i++ {
			hub.Broadcast(Message{Type: "status", Data: payload})
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broadcast blocked on a stalled client")
	}
	if hub.Len() != 0 {
		t.Errorf("hub clients = %d, want stalled client dropped", hub.Len())
	}
}

func TestNewHubDefaultWriteWait(t *testing.T) {
	if h := NewHub(0); h.writeWait != DefaultWriteWait {
		t.Errorf("writeWait = %v", h.writeWait)
	}
}
