package substrate

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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsNode serves a scripted JSON-RPC node. handle returns the frames to send
// for each request.
func wsNode(t *testing.T, handle func(req rpcRequest) []interface{}) (string, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req rpcRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				t.Errorf("unmarshal request: %v", err)
				return
			}
			for _, frame := range handle(req) {
				if frame == nil {
					// nil frame means drop the connection
					return
				}
				if err := c.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}))

	return "ws" + strings.TrimPrefix(server.URL, "http"), server.Close
}

func result(id uint64, v interface{}) map[string]interface{} {
	return map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": v}
}

func notification(sub string, v interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  NotificationExtrinsicUpdate,
		"params":  map[string]interface{}{"subscription": sub, "result": v},
	}
}

func TestWSConn_Call(t *testing.T) {
	url, stop := wsNode(t, func(req rpcRequest) []interface{} {
		if req.Method != MethodBlockHash {
			t.Errorf("expected %s, got %s", MethodBlockHash, req.Method)
		}
		return []interface{}{result(req.ID, "0xgenesis")}
	})
	defer stop()

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	hash, err := NewClient(conn).GenesisHash(context.Background())
	if err != nil {
		t.Fatalf("GenesisHash: %v", err)
	}
	if hash != "0xgenesis" {
		t.Errorf("expected 0xgenesis, got %s", hash)
	}
}

func TestWSConn_SubmitAndWatch(t *testing.T) {
	url, stop := wsNode(t, func(req rpcRequest) []interface{} {
		switch req.Method {
		case MethodSubmitAndWatch:
			// Notifications immediately follow the subscription response.
			return []interface{}{
				result(req.ID, "sub-1"),
				notification("sub-1", "ready"),
				notification("sub-1", map[string]interface{}{"broadcast": []string{"peer"}}),
				notification("sub-1", map[string]interface{}{"inBlock": "0xblock"}),
				notification("sub-1", map[string]interface{}{"finalized": "0xblock"}),
			}
		case MethodUnwatchExtrinsic:
			return []interface{}{result(req.ID, true)}
		}
		return nil
	})
	defer stop()

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watch, err := NewClient(conn).SubmitAndWatchExtrinsic(ctx, []byte{0x01})
	if err != nil {
		t.Fatalf("SubmitAndWatchExtrinsic: %v", err)
	}
	defer watch.Close()

	want := []StatusKind{StatusReady, StatusBroadcast, StatusInBlock, StatusFinalized}
	for _, kind := range want {
		status, err := watch.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if status.Kind != kind {
			t.Fatalf("expected %s, got %s", kind, status.Kind)
		}
	}
}

func TestWSConn_DropClosesDoneAndStreams(t *testing.T) {
	url, stop := wsNode(t, func(req rpcRequest) []interface{} {
		if req.Method == MethodSubmitAndWatch {
			return []interface{}{result(req.ID, "sub-1"), notification("sub-1", "ready"), nil}
		}
		return nil
	})
	defer stop()

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watch, err := NewClient(conn).SubmitAndWatchExtrinsic(ctx, []byte{0x01})
	if err != nil {
		t.Fatalf("SubmitAndWatchExtrinsic: %v", err)
	}

	if status, err := watch.Next(ctx); err != nil || status.Kind != StatusReady {
		t.Fatalf("expected ready, got %v %v", status.Kind, err)
	}

	if _, err := watch.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after drop, got %v", err)
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("Done not closed after remote drop")
	}

	if err := conn.Call(ctx, MethodFinalizedHead, nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on dropped connection, got %v", err)
	}
}

func TestWSConn_RPCError(t *testing.T) {
	url, stop := wsNode(t, func(req rpcRequest) []interface{} {
		return []interface{}{map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32601, "message": "Method not found"},
		}}
	})
	defer stop()

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	err = conn.Call(context.Background(), "dev_dryRun", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("expected RPC error -32601, got %v", err)
	}
}

func TestDial_Scheme(t *testing.T) {
	conn, err := Dial(context.Background(), "https://rpc.example", DialOptions{})
	if err != nil {
		t.Fatalf("Dial https: %v", err)
	}
	if _, ok := conn.(*HTTPConn); !ok {
		t.Errorf("expected *HTTPConn, got %T", conn)
	}

	_, err = Dial(context.Background(), "ftp://rpc.example", DialOptions{})
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}
