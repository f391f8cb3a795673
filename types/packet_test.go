package types

import (
	"encoding/json"
	"testing"
)

func TestPacket_Params(t *testing.T) {
	var p Packet
	if err := json.Unmarshal([]byte(`{"m":"symbol_error","p":["cs_1","ser_1","invalid symbol",null,""]}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if p.Method != "symbol_error" {
		t.Errorf("Method = %q", p.Method)
	}
	if p.SessionID() != "cs_1" {
		t.Errorf("SessionID() = %q, expected cs_1", p.SessionID())
	}
	if p.StringParam(9) != "" {
		t.Errorf("out of range param should be empty")
	}
	if got := p.Detail(2); got != "invalid symbol" {
		t.Errorf("Detail(2) = %q, expected %q", got, "invalid symbol")
	}
}

func TestNewPacket(t *testing.T) {
	p, err := NewPacket("create_series", "cs_1", "$prices", "s1", "ser_1", "D", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"m":"create_series","p":["cs_1","$prices","s1","ser_1","D",100]}`
	if string(data) != want {
		t.Errorf("encoded = %s, expected %s", data, want)
	}
}
