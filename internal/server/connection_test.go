package server

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/AlexPanacea/PBpool/internal/config"
	"github.com/AlexPanacea/PBpool/internal/mining"

	"go.uber.org/zap"
)

func testSubscribeJobManager() *mining.JobManager {
	cfg := config.MiningConfig{
		Extranonce1Size: 4,
		Extranonce2Size: 4,
	}
	return mining.NewJobManager(cfg, zap.NewNop(), nil)
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
		MaxLineBytes: 64 * 1024,
	}
}

func testMiningConfig() config.MiningConfig {
	return config.MiningConfig{
		InitialDifficulty: 10000,
		JoinPassword:      "letmein",
	}
}

// A connection that has never subscribed or authorized must reject
// mining.submit with the narrow code-23 share-rejection error, never a
// silent success — the unauthorized-can't-submit invariant.
func TestSubmitRejectedBeforeAuthorization(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, testServerConfig(), testMiningConfig(), zap.NewNop(), nil, nil, nil)

	if conn.GetState() != StateConnected {
		t.Fatalf("expected initial state Connected, got %v", conn.GetState())
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.handleMessage(nil, []byte(`{"id":1,"method":"mining.submit","params":["w","1","00000000","00000000","00000000"]}`+"\n"))
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("handleMessage returned error: %v", err)
	}

	var resp struct {
		Error []interface{} `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error response for unauthorized submit")
	}
	code, ok := resp.Error[0].(float64)
	if !ok || int(code) != 23 {
		t.Errorf("error code = %v, want 23", resp.Error[0])
	}
}

// An unknown method must be rejected with code 20, not silently ignored.
func TestUnknownMethodRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, testServerConfig(), testMiningConfig(), zap.NewNop(), nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- conn.handleMessage(nil, []byte(`{"id":1,"method":"mining.bogus","params":[]}`+"\n"))
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleMessage returned error: %v", err)
	}

	var resp struct {
		Error []interface{} `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	code, ok := resp.Error[0].(float64)
	if !ok || int(code) != 20 {
		t.Errorf("error code = %v, want 20", resp.Error[0])
	}
}

// mining.subscribe must succeed from the initial Connected state and move
// the session to Subscribed.
func TestSubscribeFromConnectedState(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	jm := testSubscribeJobManager()
	conn := NewConnection(server, testServerConfig(), testMiningConfig(), zap.NewNop(), nil, jm, nil)

	done := make(chan error, 1)
	go func() {
		done <- conn.handleMessage(nil, []byte(`{"id":1,"method":"mining.subscribe","params":[]}`+"\n"))
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleMessage returned error: %v", err)
	}

	if conn.GetState() != StateSubscribed {
		t.Errorf("state = %v, want Subscribed", conn.GetState())
	}
}
