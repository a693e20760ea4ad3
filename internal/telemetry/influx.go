// Package telemetry records daemon-operational time series (queue depth,
// adapter reconnect counts, bus overflow rate) that are distinct from the
// entity_state_history model: these never leave the daemon for the remote
// store, they exist purely for local operational visibility.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultBatchSize      = 100
	defaultFlushIntervalS = 10
)

// Config is the operational InfluxDB connection config.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int // seconds
}

// Client wraps the InfluxDB v2 client for operational telemetry: token
// auth, a non-blocking batched WriteAPI, and an async error callback
// drained by a background goroutine.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool
	onError   func(err error)
	done      chan struct{}
}

// Connect opens the operational telemetry client and verifies
// connectivity with a ping.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushIntervalS
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("telemetry: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	c := &Client{
		client:    client,
		writeAPI:  writeAPI,
		connected: true,
		done:      make(chan struct{}),
	}

	go c.handleWriteErrors(writeAPI.Errors())
	return c, nil
}

func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for {
		select {
		case <-c.done:
			return
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			c.mu.RLock()
			cb := c.onError
			c.mu.RUnlock()
			if cb != nil {
				cb(err)
			}
		}
	}
}

// SetOnError registers a callback for async write failures.
func (c *Client) SetOnError(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}

// IsConnected reflects the last-known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// WritePoint records one operational sample. It is a no-op, not an error,
// when the client isn't connected, since operational telemetry must never
// be on the critical path of a command or state update.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	p := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(p)
}

// QueueDepth records the command queue consumer's current in-flight
// count, sampled periodically.
func (c *Client) QueueDepth(protocol string, depth int) {
	c.WritePoint("queue_depth", map[string]string{"protocol": protocol}, map[string]any{"value": depth})
}

// AdapterReconnect records one adapter reconnect event.
func (c *Client) AdapterReconnect(protocol string) {
	c.WritePoint("adapter_reconnect", map[string]string{"protocol": protocol}, map[string]any{"count": 1})
}

// BusOverflow records one event-bus mailbox overflow.
func (c *Client) BusOverflow(topic string) {
	c.WritePoint("bus_overflow", map[string]string{"topic": topic}, map[string]any{"count": 1})
}

// Close flushes pending writes and shuts the client down.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
	return nil
}
