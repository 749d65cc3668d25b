package metrics

import (
	"testing"

	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/pkg/log"
)

func TestDisabledWriterIsNil(t *testing.T) {
	w := NewWriter(config.InfluxConfig{Enabled: false}, "monero", log.New("test", "dev", "error", "text"))
	if w != nil {
		t.Fatal("disabled config should return a nil writer")
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer

	w.RecordShare("login", "worker", "accepted", 5000, false)
	w.RecordBlock("login", 100)
	w.RecordConnections(10, 8)
	w.Close()
}
