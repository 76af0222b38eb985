// Package history writes dispatched automation actions to InfluxDB.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/kradalby/z2m-automations/events"
	"tailscale.com/util/eventbus"
)

const (
	measurement    = "automation_action"
	connectTimeout = 10 * time.Second
	batchSize      = 50
	flushInterval  = 5000 // milliseconds
)

// Config selects the InfluxDB server and destination.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder writes one point per ActionDispatchedEvent.
type Recorder struct {
	logger *slog.Logger
	client influxdb2.Client
	writer pointWriter
	sub    *eventbus.Subscriber[events.ActionDispatchedEvent]

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// Connect pings the server and starts recording.
func Connect(ctx context.Context, logger *slog.Logger, bus *events.Bus, cfg Config) (*Recorder, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushInterval),
	)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Error("influxdb write failed", "error", err)
		}
	}()

	r, err := newRecorder(ctx, logger, bus, writeAPI)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.client = client

	logger.Info("dispatch history enabled", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return r, nil
}

func newRecorder(ctx context.Context, logger *slog.Logger, bus *events.Bus, writer pointWriter) (*Recorder, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	client, err := bus.Client(events.ClientHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to get history client: %w", err)
	}

	recorderCtx, cancel := context.WithCancel(ctx)
	r := &Recorder{
		logger: logger,
		writer: writer,
		sub:    eventbus.Subscribe[events.ActionDispatchedEvent](client),
		ctx:    recorderCtx,
		cancel: cancel,
	}

	r.workers.Add(1)
	go r.consume()

	return r, nil
}

// Close flushes pending points and disconnects.
func (r *Recorder) Close() {
	r.shutdownOnce.Do(func() {
		r.cancel()
		r.sub.Close()
		r.workers.Wait()
		r.writer.Flush()
		if r.client != nil {
			r.client.Close()
		}
	})
}

func (r *Recorder) consume() {
	defer r.workers.Done()
	for {
		select {
		case evt := <-r.sub.Events():
			r.writer.WritePoint(point(evt))
		case <-r.ctx.Done():
			return
		}
	}
}

func point(evt events.ActionDispatchedEvent) *write.Point {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"automation": evt.Automation,
			"entity":     evt.Entity,
			"source":     evt.Source,
		},
		map[string]any{
			"id":      evt.ID,
			"topic":   evt.Topic,
			"payload": evt.Payload,
		},
		ts,
	)
}
