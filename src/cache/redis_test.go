package cache

import (
	"testing"

	"market-relay/src/logger"
	"market-relay/src/models"
)

func TestDecodeSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		data    string
		wantErr bool
	}{
		{"full", "XYZ", `{"symbol":"XYZ","price":1.2345,"lastUpdate":5}`, false},
		{"symbol from key", "XYZ", `{"price":2}`, false},
		{"mismatch", "XYZ", `{"symbol":"ABC","price":2}`, true},
		{"garbage", "XYZ", `not json`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := decodeSnapshot(tt.symbol, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && snap.Symbol != tt.symbol {
				t.Errorf("symbol = %q", snap.Symbol)
			}
		})
	}
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	// port 1 is reserved and refuses connections
	_, err := New(models.MCacheConfig{Enabled: true, Addr: "127.0.0.1:1", Prefix: "t:"}, logger.NewLogger(nil, "CacheTest"))
	if err == nil {
		t.Fatal("New succeeded against a closed port")
	}
}

func TestKeyUsesPrefix(t *testing.T) {
	c := NewWithClient(nil, "relay:snapshot:", 0, logger.NewLogger(nil, "CacheTest"))
	if got := c.key("AAPL"); got != "relay:snapshot:AAPL" {
		t.Errorf("key = %q", got)
	}
}
