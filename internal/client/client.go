// Package client implements the worker side of the broker protocol: connect,
// request a job with a handshake, block until one arrives. Job execution is
// the caller's business.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZenMilan/inst-jobs/internal/store"
	"github.com/ZenMilan/inst-jobs/internal/wire"
)

// Client is one worker connection to a broker. Not safe for concurrent use;
// a worker pool runs one Client per slot.
type Client struct {
	conn net.Conn
	dec  *msgpack.Decoder
	name string
	cfg  wire.WorkerConfig
}

// Dial connects to a broker and returns a client identified as name with the
// given selection config.
func Dial(network, addr, name string, cfg wire.WorkerConfig) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("client: worker name required")
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial broker: %w", err)
	}
	return &Client{
		conn: conn,
		dec:  msgpack.NewDecoder(conn),
		name: name,
		cfg:  cfg,
	}, nil
}

// Name returns the worker identity jobs get locked under.
func (c *Client) Name() string { return c.name }

// RequestJob sends the handshake asking the broker for the next job.
func (c *Client) RequestJob() error {
	if err := wire.WriteHello(c.conn, wire.Hello{Name: c.name, Config: c.cfg}); err != nil {
		return fmt.Errorf("client: send handshake: %w", err)
	}
	return nil
}

// AwaitJob blocks until the broker sends a job or ctx expires. The returned
// job is locked under this client's name.
func (c *Client) AwaitJob(ctx context.Context) (*store.Job, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	job, err := wire.ReadJob(c.dec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("client: read job: %w", err)
	}
	return job, nil
}

// NextJob requests and waits for one job.
func (c *Client) NextJob(ctx context.Context) (*store.Job, error) {
	if err := c.RequestJob(); err != nil {
		return nil, err
	}
	return c.AwaitJob(ctx)
}

// Close closes the connection. The broker treats it as the worker leaving.
func (c *Client) Close() error {
	return c.conn.Close()
}
