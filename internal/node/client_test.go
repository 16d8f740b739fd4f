package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetBlockTemplateParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"result": map[string]interface{}{
				"version":           536870912,
				"previousblockhash": "00000000000000000000000000000000000000000000000000000000000001",
				"coinbasevalue":     625000000,
				"target":            "00000000ffff0000000000000000000000000000000000000000000000000000",
				"mintime":           1,
				"curtime":           2,
				"bits":              "1d00ffff",
				"height":            100,
				"transactions":      []interface{}{},
			},
			"error": nil,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 2*time.Second)
	tmpl, err := c.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if tmpl.Height != 100 {
		t.Errorf("Height = %d, want 100", tmpl.Height)
	}
	if tmpl.Bits != [4]byte{0x1d, 0x00, 0xff, 0xff} {
		t.Errorf("Bits = %x", tmpl.Bits)
	}
}

func TestSubmitBlockRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": "bad-prevblk",
			"error":  nil,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 2*time.Second)
	rejected, reason, err := c.SubmitBlock(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if !rejected || reason != "bad-prevblk" {
		t.Errorf("rejected=%v reason=%q, want true/bad-prevblk", rejected, reason)
	}
}
