package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/pkg/log"
)

func TestDisabledPublisherIsNil(t *testing.T) {
	p := NewPublisher(config.KafkaConfig{Enabled: false}, "monero", log.New("test", "dev", "error", "text"))
	if p != nil {
		t.Fatal("disabled config should yield a nil publisher")
	}

	// Every method on a nil publisher is a silent no-op.
	ctx := context.Background()
	if err := p.ShareAccepted(ctx, &ShareEvent{Login: "4abc"}); err != nil {
		t.Errorf("nil ShareAccepted() = %v", err)
	}
	if err := p.BlockFound(ctx, &BlockEvent{BlockHash: "aa"}); err != nil {
		t.Errorf("nil BlockFound() = %v", err)
	}
	if err := p.WorkerBanned(ctx, &WorkerEvent{IP: "10.0.0.1"}); err != nil {
		t.Errorf("nil WorkerBanned() = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
}

func TestEnvelopeEncoding(t *testing.T) {
	env := &Envelope{
		Type:      TypeShareAccepted,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Coin:      "monero",
		Payload: &ShareEvent{
			Login:      "4abc",
			Worker:     "rig1",
			IP:         "10.0.0.1",
			Difficulty: 5000,
			ShareDiff:  "12345",
			Height:     100,
			Trusted:    true,
		},
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded struct {
		Type    string `json:"type"`
		Coin    string `json:"coin"`
		Payload struct {
			Login      string `json:"login"`
			Difficulty int64  `json:"difficulty"`
			Trusted    bool   `json:"trusted"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Type != "share_accepted" || decoded.Coin != "monero" {
		t.Errorf("unexpected envelope: %+v", decoded)
	}
	if decoded.Payload.Login != "4abc" || decoded.Payload.Difficulty != 5000 || !decoded.Payload.Trusted {
		t.Errorf("unexpected payload: %+v", decoded.Payload)
	}
}

func TestRejectionOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(&ShareEvent{Login: "4abc", IP: "10.0.0.1", Difficulty: 1000, Reason: "low_difficulty"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	for _, absent := range []string{"worker", "share_diff", "height", "trusted"} {
		if _, ok := m[absent]; ok {
			t.Errorf("field %q should be omitted when empty", absent)
		}
	}
	if m["reason"] != "low_difficulty" {
		t.Errorf("reason = %v, want low_difficulty", m["reason"])
	}
}
