package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// mockDaemon creates a test server answering getlastblockheader
func mockDaemon(t *testing.T, handler func(req RPCRequest) (interface{}, *RPCError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var req RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}

		result, rpcErr := handler(req)
		resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result, _ = json.Marshal(result)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func headerReply(height uint64) map[string]interface{} {
	return map[string]interface{}{
		"status": "OK",
		"block_header": map[string]interface{}{
			"difficulty": 1000,
			"height":     height,
			"timestamp":  1700000000,
			"reward":     50,
			"hash":       "abc",
		},
	}
}

func TestNewDaemonClient(t *testing.T) {
	client := NewDaemonClient("http://localhost:18081/json_rpc", 30*time.Second)

	if client.URL() != "http://localhost:18081/json_rpc" {
		t.Errorf("URL() = %s", client.URL())
	}
	if client.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", client.timeout)
	}
	if !client.IsHealthy() {
		t.Error("Client should be healthy initially")
	}
}

func TestRPCErrorError(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "Method not found"}

	if err.Error() != "RPC error -32601: Method not found" {
		t.Errorf("Error() = %s", err.Error())
	}
}

func TestGetLastBlockHeader(t *testing.T) {
	server := mockDaemon(t, func(req RPCRequest) (interface{}, *RPCError) {
		if req.Method != "getlastblockheader" {
			t.Errorf("Method = %s, want getlastblockheader", req.Method)
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("JSONRPC = %s, want 2.0", req.JSONRPC)
		}
		return headerReply(42), nil
	})
	defer server.Close()

	client := NewDaemonClient(server.URL, 5*time.Second)
	header, err := client.GetLastBlockHeader(context.Background())
	if err != nil {
		t.Fatalf("GetLastBlockHeader() error = %v", err)
	}

	want := BlockHeader{Difficulty: 1000, Height: 42, Timestamp: 1700000000, Reward: 50, Hash: "abc"}
	if *header != want {
		t.Errorf("GetLastBlockHeader() = %+v, want %+v", *header, want)
	}
}

func TestGetLastBlockHeaderRPCError(t *testing.T) {
	server := mockDaemon(t, func(req RPCRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -9, Message: "core is busy"}
	})
	defer server.Close()

	client := NewDaemonClient(server.URL, 5*time.Second)
	if _, err := client.GetLastBlockHeader(context.Background()); err == nil {
		t.Error("GetLastBlockHeader() expected error")
	}
}

func TestGetLastBlockHeaderMissingHeader(t *testing.T) {
	server := mockDaemon(t, func(req RPCRequest) (interface{}, *RPCError) {
		return map[string]string{"status": "OK"}, nil
	})
	defer server.Close()

	client := NewDaemonClient(server.URL, 5*time.Second)
	if _, err := client.GetLastBlockHeader(context.Background()); err == nil {
		t.Error("GetLastBlockHeader() expected error for reply without block_header")
	}
}

func TestGetLastBlockHeaderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewDaemonClient(server.URL, 5*time.Second)
	if _, err := client.GetLastBlockHeader(context.Background()); err == nil {
		t.Error("GetLastBlockHeader() expected error for HTTP 502")
	}
}

func TestHealthTracking(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	server := mockDaemon(t, func(req RPCRequest) (interface{}, *RPCError) {
		if fail.Load() {
			return nil, &RPCError{Code: -1, Message: "down"}
		}
		return headerReply(1), nil
	})
	defer server.Close()

	client := NewDaemonClient(server.URL, 5*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		client.GetLastBlockHeader(ctx)
	}
	if client.IsHealthy() {
		t.Error("Client should be unhealthy after 3 failures")
	}

	fail.Store(false)
	if _, err := client.GetLastBlockHeader(ctx); err != nil {
		t.Fatalf("GetLastBlockHeader() error = %v", err)
	}
	if !client.IsHealthy() {
		t.Error("Client should be healthy after a success")
	}
}

func TestGetLastBlockHeaderContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewDaemonClient(server.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.GetLastBlockHeader(ctx); err == nil {
		t.Error("GetLastBlockHeader() expected error on cancelled context")
	}
}
