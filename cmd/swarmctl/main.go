// Command swarmctl is the control client for swarmd: it dials the
// daemon's WebSocket RPC, issues a query or resource update, prints
// the response, and exits.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coreswarm/swarmd/internal/query"
	"github.com/coreswarm/swarmd/internal/rpc/rpctypes"
)

// clientRequest and queryRequest mirror internal/rpc's unexported wire
// types: internal/rpc does not export its request structs, so swarmctl
// keeps copies with the same JSON shape.
type clientRequest struct {
	Query  *queryRequest             `json:"query,omitempty"`
	Update *rpctypes.CResourceUpdate `json:"update,omitempty"`
}

type queryRequest struct {
	Type     rpctypes.ResourceType `json:"type"`
	Criteria []query.Criterion     `json:"criteria"`
}

type serverResponse struct {
	Result []interface{} `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7246", "swarmd rpc host:port")
	cmd := flag.String("cmd", "list", "list | throttle")
	resourceType := flag.String("type", "torrent", "resource type to query: server | torrent | peer | file | piece | tracker")
	id := flag.String("id", "", "resource id (required for -cmd=throttle)")
	throttleUp := flag.Int64("throttle-up", -1, "set upload throttle in bytes/sec (-1 leaves unset)")
	throttleDown := flag.Int64("throttle-down", -1, "set download throttle in bytes/sec (-1 leaves unset)")
	flag.Parse()

	req, err := buildRequest(*cmd, rpctypes.ResourceType(*resourceType), *id, *throttleUp, *throttleDown)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl:", err)
		os.Exit(1)
	}

	resp, err := call(*addr, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl:", err)
		os.Exit(1)
	}
	if resp.Error != "" {
		fmt.Fprintln(os.Stderr, "swarmctl: server error:", resp.Error)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmctl:", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func buildRequest(cmd string, resourceType rpctypes.ResourceType, id string, throttleUp, throttleDown int64) (*clientRequest, error) {
	switch cmd {
	case "list":
		return &clientRequest{Query: &queryRequest{Type: resourceType}}, nil
	case "throttle":
		if id == "" {
			return nil, errors.New("-id is required for -cmd=throttle")
		}
		u := &rpctypes.CResourceUpdate{ID: id}
		if throttleUp >= 0 {
			u.ThrottleUp = &throttleUp
		}
		if throttleDown >= 0 {
			u.ThrottleDown = &throttleDown
		}
		return &clientRequest{Update: u}, nil
	default:
		return nil, fmt.Errorf("unknown -cmd %q", cmd)
	}
}

func call(addr string, req *clientRequest) (*serverResponse, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.WriteJSON(req); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var env rpctypes.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return nil, err
		}
		if env.Kind != "response" {
			// A broadcast update raced our request; keep waiting for
			// the reply frame.
			continue
		}
		var resp serverResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
}
