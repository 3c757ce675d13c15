package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/keniprimo/roomrelay/internal/config"
)

// These tests exercise spec §8's concrete end-to-end scenarios against a
// real HTTP server and real gorilla/websocket client connections, the
// way internal/security/stress_test.go exercised the teacher's product
// claims, adapted to this repository's symmetric join/broadcast/history
// semantics.

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	cfg := config.Default()
	h := New(cfg)
	h.Start()
	server := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Stop()
		server.Close()
	})
	return server, h
}

func wsURL(server *httptest.Server, clientID string) string {
	u, _ := url.Parse(server.URL)
	u.Scheme = "ws"
	if clientID != "" {
		q := u.Query()
		q.Set("clientId", clientID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func connectClient(t *testing.T, server *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, clientID), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// nextFrame reads one text frame and decodes it into a generic map,
// failing the test if none arrives within timeout.
func nextFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a frame within %v, got error: %v", timeout, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame was not valid JSON: %v (%s)", err, string(data))
	}
	return m
}

// expectFrameType reads frames (skipping ones that don't match wantType,
// up to maxSkip) until it finds wantType or exhausts the budget.
func expectFrameType(t *testing.T, conn *websocket.Conn, wantType string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m := nextFrame(t, conn, time.Until(deadline))
		if m["type"] == wantType {
			return m
		}
	}
	t.Fatalf("did not observe a %q frame within %v", wantType, timeout)
	return nil
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame within %v, but one arrived", timeout)
	}
}

// Scenario 1: broadcast within a room.
func TestBroadcastWithinRoom(t *testing.T) {
	server, _ := newTestServer(t)
	a := connectClient(t, server, "")
	b := connectClient(t, server, "")

	nextFrame(t, a, time.Second) // welcome
	nextFrame(t, b, time.Second) // welcome

	send(t, a, map[string]string{"type": "join", "roomId": "R"})
	send(t, b, map[string]string{"type": "join", "roomId": "R"})

	expectFrameType(t, a, "roomHistory", time.Second)
	expectFrameType(t, b, "roomHistory", time.Second)
	// Both should see at least one roomUserCount reaching count=2.
	sawTwo := false
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !sawTwo {
		m := expectFrameType(t, b, "roomUserCount", time.Until(deadline))
		if c, ok := m["count"].(float64); ok && c == 2 {
			sawTwo = true
		}
	}
	if !sawTwo {
		t.Fatal("expected b to observe a roomUserCount with count=2")
	}

	send(t, a, map[string]interface{}{"type": "draw", "x": 100, "y": 200, "color": "#ff0000"})

	m := expectFrameType(t, b, "draw", time.Second)
	if m["x"] != float64(100) || m["y"] != float64(200) || m["color"] != "#ff0000" {
		t.Errorf("unexpected draw frame: %+v", m)
	}
}

// Scenario 2: isolation across rooms.
func TestIsolationAcrossRooms(t *testing.T) {
	server, _ := newTestServer(t)
	a := connectClient(t, server, "")
	c := connectClient(t, server, "")

	nextFrame(t, a, time.Second)
	nextFrame(t, c, time.Second)

	send(t, a, map[string]string{"type": "join", "roomId": "R1"})
	send(t, c, map[string]string{"type": "join", "roomId": "R2"})
	expectFrameType(t, a, "roomHistory", time.Second)
	expectFrameType(t, c, "roomHistory", time.Second)
	// c's own join also sends it roomUserCount(count=1); read it so the
	// check below only sees what a's draw might cause.
	expectFrameType(t, c, "roomUserCount", time.Second)

	send(t, a, map[string]interface{}{"type": "draw", "x": 1, "y": 1})

	expectNoFrame(t, c, 300*time.Millisecond)
}

// Scenario 3: history replay on late join.
func TestHistoryReplayOnLateJoin(t *testing.T) {
	server, _ := newTestServer(t)
	a := connectClient(t, server, "")
	nextFrame(t, a, time.Second)
	send(t, a, map[string]string{"type": "join", "roomId": "R1"})
	expectFrameType(t, a, "roomHistory", time.Second)

	for i := 1; i <= 3; i++ {
		send(t, a, map[string]interface{}{"type": "draw", "x": i, "y": i * 10})
		time.Sleep(20 * time.Millisecond)
	}

	b := connectClient(t, server, "")
	nextFrame(t, b, time.Second)
	send(t, b, map[string]string{"type": "join", "roomId": "R1"})

	history := expectFrameType(t, b, "roomHistory", time.Second)
	entries, ok := history["history"].([]interface{})
	if !ok || len(entries) != 3 {
		t.Fatalf("expected 3 history entries, got %+v", history["history"])
	}
	for i, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			t.Fatalf("history entry %d not an object: %v", i, raw)
		}
		if int(entry["x"].(float64)) != i+1 {
			t.Errorf("history entry %d out of order: %+v", i, entry)
		}
	}
}

// Scenario 5: no broadcast without join.
func TestNoBroadcastWithoutJoin(t *testing.T) {
	server, _ := newTestServer(t)
	a := connectClient(t, server, "")
	b := connectClient(t, server, "")
	nextFrame(t, a, time.Second)
	nextFrame(t, b, time.Second)

	send(t, b, map[string]string{"type": "join", "roomId": "R1"})
	expectFrameType(t, b, "roomHistory", time.Second)
	// b's own join also sends it roomUserCount(count=1); read it so the
	// check below only sees what a's draw might cause.
	expectFrameType(t, b, "roomUserCount", time.Second)

	send(t, a, map[string]interface{}{"type": "draw", "x": 1, "y": 1})

	expectNoFrame(t, b, 300*time.Millisecond)
}

// Scenario 6: session resumption. A second connection for the same
// clientId arrives while the first is still registered in the Session
// Directory (the "momentary disconnect hasn't been noticed by the
// server yet" case spec §4.2's rationale describes) — admit()'s
// displacement rule must force-close the prior transport, inherit its
// room, and re-trigger a roomUserCount broadcast, without the new
// connection ever sending its own "join".
func TestSessionResumption(t *testing.T) {
	server, _ := newTestServer(t)
	a := connectClient(t, server, "client-X")
	nextFrame(t, a, time.Second)
	send(t, a, map[string]string{"type": "join", "roomId": "R1"})
	expectFrameType(t, a, "roomHistory", time.Second)

	other := connectClient(t, server, "")
	nextFrame(t, other, time.Second)
	send(t, other, map[string]string{"type": "join", "roomId": "R1"})
	expectFrameType(t, other, "roomHistory", time.Second)
	// Drain the roomUserCount(count=2) triggered by other's own join so
	// it doesn't get confused with the resumption-triggered one below.
	expectFrameType(t, other, "roomUserCount", time.Second)
	// a has two roomUserCount frames of its own pending (count=1 on its
	// join, count=2 on other's); read both so the displacement check
	// below only sees what arrives after the reconnect.
	expectFrameType(t, a, "roomUserCount", time.Second)
	expectFrameType(t, a, "roomUserCount", time.Second)

	// A second connection for client-X arrives before the first's
	// ReadLoop has observed any close/error — admit() displaces it.
	reconnected := connectClient(t, server, "client-X")
	nextFrame(t, reconnected, time.Second)

	// The old connection for client-X must be force-closed with no
	// farewell frame (open question 1).
	a.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Error("expected the displaced connection to be closed, not to deliver another frame")
	}

	// The reconnected session is already a member of R1 without sending
	// join: other observes a fresh roomUserCount for the resumption,
	// still reflecting exactly 2 members (client-X's slot, not a third).
	m := expectFrameType(t, other, "roomUserCount", time.Second)
	if c, ok := m["count"].(float64); !ok || c != 2 {
		t.Fatalf("expected roomUserCount count=2 after resumption, got %+v", m)
	}

	// Prove the resumption actually re-associated room membership: a
	// draw from the reconnected session reaches other without it ever
	// sending "join" itself.
	send(t, reconnected, map[string]interface{}{"type": "draw", "x": 7, "y": 8})
	draw := expectFrameType(t, other, "draw", time.Second)
	if draw["x"] != float64(7) || draw["y"] != float64(8) {
		t.Errorf("unexpected draw after resumption: %+v", draw)
	}
}

// Scenario 7: malformed JSON.
func TestMalformedJSONKeepsConnectionOpen(t *testing.T) {
	server, _ := newTestServer(t)
	a := connectClient(t, server, "")
	nextFrame(t, a, time.Second)

	if err := a.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	m := expectFrameType(t, a, "error", time.Second)
	if m["message"] != "Invalid JSON" {
		t.Errorf("unexpected error message: %+v", m)
	}

	// The connection must remain open: a subsequent join should still work.
	send(t, a, map[string]string{"type": "join", "roomId": "R1"})
	expectFrameType(t, a, "roomHistory", time.Second)
}

// Scenario 8: history capacity.
func TestHistoryCapacity(t *testing.T) {
	server, h := newTestServer(t)
	a := connectClient(t, server, "")
	nextFrame(t, a, time.Second)
	send(t, a, map[string]string{"type": "join", "roomId": "R1"})
	expectFrameType(t, a, "roomHistory", time.Second)

	for i := 1; i <= 150; i++ {
		send(t, a, map[string]interface{}{"type": "draw", "x": i, "y": i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Rooms.UserCount("R1") >= 0 {
			history := h.Rooms.HistoryOf("R1")
			if len(history) == 100 {
				var first struct{ X int }
				if err := json.Unmarshal(history[0], &first); err == nil && first.X == 51 {
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected history capped at 100 entries starting at x=51, got %d", len(h.Rooms.HistoryOf("R1")))
}

func TestHTTPUpgradeRequiresWebSocket(t *testing.T) {
	server, _ := newTestServer(t)
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("expected a plain HTTP GET to fail the WebSocket upgrade")
	}
}
