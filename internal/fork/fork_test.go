package fork

import (
	"encoding/json"
	"testing"
)

func TestDecodeBanMessage(t *testing.T) {
	raw := `{"type":"banIP","banIP":"10.0.0.1","origin":"proc-2"}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if msg.Type != TypeBanIP {
		t.Errorf("type = %s, want banIP", msg.Type)
	}
	if msg.BanIP != "10.0.0.1" {
		t.Errorf("banIP = %s, want 10.0.0.1", msg.BanIP)
	}
	if msg.Origin != "proc-2" {
		t.Errorf("origin = %s, want proc-2", msg.Origin)
	}
}

func TestDecodeTemplateMessage(t *testing.T) {
	raw := `{"type":"blockTemplate","template":{"blob":"00ff","difficulty":250000,"height":100,"reserved_offset":64,"seed_hash":"aa"},"origin":"proc-1"}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if msg.Type != TypeBlockTemplate {
		t.Errorf("type = %s, want blockTemplate", msg.Type)
	}
	if msg.Template == nil {
		t.Fatal("template payload missing")
	}
	if msg.Template.Height != 100 || msg.Template.Difficulty != 250000 {
		t.Errorf("unexpected template: %+v", msg.Template)
	}
	if msg.Template.ReservedOffset != 64 {
		t.Errorf("reserved offset = %d, want 64", msg.Template.ReservedOffset)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"shutdown","origin":"x"}`)); err == nil {
		t.Error("Decode() accepted unknown message type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Decode() accepted malformed JSON")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	orig := &Message{
		Type:   TypeBlockTemplate,
		Origin: "proc-1",
		Template: &TemplateEvent{
			BlobHex:        "0011",
			Difficulty:     5000,
			Height:         42,
			ReservedOffset: 64,
			PrevHash:       "ab",
		},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got.Template.BlobHex != "0011" || got.Template.Height != 42 {
		t.Errorf("round trip mismatch: %+v", got.Template)
	}

	// Ban messages omit the template field entirely.
	data, _ = json.Marshal(&Message{Type: TypeBanIP, BanIP: "1.2.3.4", Origin: "p"})
	if string(data) == "" || jsonHasKey(t, data, "template") {
		t.Errorf("ban message carries template field: %s", data)
	}
}

func jsonHasKey(t *testing.T, data []byte, key string) bool {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	_, ok := m[key]
	return ok
}
