package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-plejd/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client records mesh events in InfluxDB.
//
// Points go through the library's batching write API, so WriteMeshEvent
// never blocks the bridge. Delivery failures surface asynchronously through
// SetOnError and are counted in Stats. HealthCheck pings the server and
// lets the health reporter flag an unreachable sink.
//
// All methods are safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu      sync.RWMutex
	closed  bool
	onError func(err error)

	pointsQueued atomic.Uint64
	writeErrors  atomic.Uint64
	pings        atomic.Uint64
	pingFailures atomic.Uint64

	// Closed when the error drain goroutine exits.
	drained chan struct{}
}

// Stats holds delivery counters accumulated since Connect.
type Stats struct {
	// PointsQueued counts points handed to the batching writer.
	PointsQueued uint64

	// WriteErrors counts batches that failed to reach the server.
	WriteErrors uint64

	// Pings counts health checks; PingFailures those that failed.
	Pings        uint64
	PingFailures uint64
}

// Connect opens the event sink described by cfg. The server must answer a
// ping before ctx expires (bounded to connectTimeout) or
// ErrConnectionFailed is returned.
//
// Parameters:
//   - ctx: Bounds the initial ping
//   - cfg: InfluxDB section of the bridge configuration
//
// Returns:
//   - *Client: Open client; call Close to flush and release it
//   - error: ErrDisabled when cfg.Enabled is false, ErrConnectionFailed otherwise
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ping(pingCtx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		drained:  make(chan struct{}),
	}
	go c.drainErrors(c.writeAPI.Errors())

	return c, nil
}

// clientOptions applies the configured batching, falling back to the
// defaults for unset or negative values.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batchSize := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batchSize = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	return influxdb2.DefaultOptions().
		SetBatchSize(batchSize).
		SetFlushInterval(uint(flush.Milliseconds()))
}

func ping(ctx context.Context, client influxdb2.Client) error {
	ok, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("server reports not ready")
	}
	return nil
}

// drainErrors counts and forwards batch failures until the write API is
// closed.
func (c *Client) drainErrors(errs <-chan error) {
	defer close(c.drained)
	for err := range errs {
		c.writeErrors.Add(1)

		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// HealthCheck pings the server.
//
// Returns:
//   - error: nil when reachable, ErrNotConnected after Close, or an error
//     wrapping ErrUnreachable
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.open() {
		return ErrNotConnected
	}

	c.pings.Add(1)
	if err := ping(ctx, c.client); err != nil {
		c.pingFailures.Add(1)
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return nil
}

// Stats returns a snapshot of the delivery counters.
func (c *Client) Stats() Stats {
	return Stats{
		PointsQueued: c.pointsQueued.Load(),
		WriteErrors:  c.writeErrors.Load(),
		Pings:        c.pings.Load(),
		PingFailures: c.pingFailures.Load(),
	}
}

// SetOnError registers a callback for asynchronous write failures.
// The callback runs on the client's error goroutine.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	c.onError = callback
	c.mu.Unlock()
}

// Close flushes pending points and releases the client. Points written
// afterwards are discarded. Safe to call more than once.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()
	<-c.drained
	return nil
}

func (c *Client) open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && !c.closed
}
