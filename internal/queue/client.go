// Package queue farms sweep jobs out to workers over NATS. The pipeline
// sends each job as a request on one subject; workers share a queue group
// so every job is handled once, and reply with the sweep result.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// WorkerGroup is the queue group every worker joins.
const WorkerGroup = "xia2-workers"

// Client wraps a NATS connection.
type Client struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials url, reconnecting forever once connected.
func Connect(url, name string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: connect %s: %w", url, err)
	}
	return &Client{nc: nc, logger: logger}, nil
}

// Close drains the connection.
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *nats.Conn { return c.nc }

// RequestJSON sends v on subject and decodes the reply into out.
func (c *Client) RequestJSON(ctx context.Context, subject string, v, out any) error {
	return requestJSON(ctx, c.nc, subject, v, out)
}

// requester is the part of *nats.Conn the executor needs.
type requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

func requestJSON(ctx context.Context, r requester, subject string, v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	msg, err := r.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("queue: request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("queue: decode reply: %w", err)
	}
	return nil
}
