// Package main runs a demo client: submit a problem file (or a built-in
// sample) and watch the job's events over WebSocket until it finishes.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	body := sampleProblem()
	if len(os.Args) > 1 {
		b, err := os.ReadFile(os.Args[1])
		if err != nil {
			log.Fatal(err)
		}
		body = b
	}

	resp, err := http.Post(base+"/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var sub struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		log.Fatal(err)
	}
	if sub.JobID == "" {
		log.Fatalf("submit rejected with %s", resp.Status)
	}
	log.Printf("job %s %s", sub.JobID, sub.Status)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"jobId": sub.JobID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("ws <- %s: %s", m.Type, string(m.Payload))
			if m.Type == "complete" {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(60 * time.Second):
		log.Print("gave up waiting for a terminal event")
		return
	}

	sol, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s/solution", base, sub.JobID))
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = sol.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(sol.Body)
	log.Printf("solution (%s): %s", sol.Status, buf.String())
}

func sampleProblem() []byte {
	return []byte(`{
  "kind": "routing",
  "tasks": [
    {"id": "t1", "location": {"ref": "alexanderplatz"}, "durationSec": 900,
     "windows": [{"start": "2026-03-02T08:00:00Z", "end": "2026-03-02T12:00:00Z"}],
     "load": {"parcels": 2}},
    {"id": "t2", "location": {"ref": "zoo"}, "durationSec": 600,
     "windows": [{"start": "2026-03-02T09:00:00Z", "end": "2026-03-02T13:00:00Z"}],
     "load": {"parcels": 1}},
    {"id": "t3", "location": {"point": {"lat": 52.49, "lng": 13.45}}, "durationSec": 600,
     "load": {"parcels": 3}}
  ],
  "providers": [
    {"id": "van-1", "start": {"ref": "depot"},
     "shifts": [{"start": "2026-03-02T07:00:00Z", "end": "2026-03-02T17:00:00Z"}],
     "capacity": {"parcels": 10}}
  ],
  "locations": {
    "depot": {"lat": 52.50, "lng": 13.37},
    "alexanderplatz": {"lat": 52.5219, "lng": 13.4132},
    "zoo": {"lat": 52.5072, "lng": 13.3326}
  },
  "options": {"seed": 42, "budget": {"maxIterations": 500}}
}`)
}
