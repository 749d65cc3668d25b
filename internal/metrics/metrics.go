// Package metrics writes pool telemetry to InfluxDB. All writes are
// best-effort and asynchronous: a metrics outage must never slow down
// share processing.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/pkg/log"
)

// Writer sends pool measurements to InfluxDB. A nil Writer drops all
// points, so callers need no enabled checks.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	coin     string
	logger   *log.Logger
}

// NewWriter creates a metrics writer, or nil when disabled
func NewWriter(cfg config.InfluxConfig, coin string, logger *log.Logger) *Writer {
	if !cfg.Enabled {
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	w := &Writer{
		client:   client,
		writeAPI: writeAPI,
		coin:     coin,
		logger:   logger.WithComponent("metrics"),
	}
	go func() {
		for err := range writeAPI.Errors() {
			w.logger.WithError(err).Warn("influx write failed")
		}
	}()
	return w
}

// RecordShare writes one share measurement
func (w *Writer) RecordShare(login, worker, outcome string, difficulty int64, trusted bool) {
	if w == nil {
		return
	}
	point := influxdb2.NewPointWithMeasurement("shares").
		AddTag("coin", w.coin).
		AddTag("login", login).
		AddTag("outcome", outcome).
		AddField("difficulty", difficulty).
		AddField("trusted", trusted).
		SetTime(time.Now())
	if worker != "" {
		point.AddTag("worker", worker)
	}
	w.writeAPI.WritePoint(point)
}

// RecordBlock writes one block candidate measurement
func (w *Writer) RecordBlock(login string, height int64) {
	if w == nil {
		return
	}
	w.writeAPI.WritePoint(influxdb2.NewPointWithMeasurement("blocks").
		AddTag("coin", w.coin).
		AddTag("login", login).
		AddField("height", height).
		SetTime(time.Now()))
}

// RecordConnections writes the current connection gauge
func (w *Writer) RecordConnections(sessions, miners int) {
	if w == nil {
		return
	}
	w.writeAPI.WritePoint(influxdb2.NewPointWithMeasurement("connections").
		AddTag("coin", w.coin).
		AddField("sessions", sessions).
		AddField("miners", miners).
		SetTime(time.Now()))
}

// Close flushes buffered points and shuts the client down
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.writeAPI.Flush()
	w.client.Close()
}
