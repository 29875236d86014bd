// Package main follows the progress of a run over the status API websocket.
//
//	go run ./scripts/ws_client.go <run-id>
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/gorilla/websocket"
)

type event struct {
	Type  string          `json:"type"`
	RunID string          `json:"runId"`
	At    string          `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	if len(os.Args) != 2 {
		log.Fatal("usage: ws_client <run-id>")
	}
	host := os.Getenv("STATUS_HOST")
	if host == "" {
		host = "localhost:8080"
	}
	u := url.URL{Scheme: "ws", Host: host, Path: fmt.Sprintf("/v1/runs/%s/progress", os.Args[1])}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	for {
		var e event
		if err := c.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			log.Fatalf("read: %v", err)
		}
		log.Printf("%s %s %s", e.At, e.Type, string(e.Data))
	}
}
