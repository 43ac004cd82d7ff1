package hhrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client dials the management RPC socket, retrying the initial connect
// with an exponential backoff — grounded on the teacher's
// internal/storage/dolt embedded-open retry pattern, applied here to the
// hhmctl-to-hhmd reconnect instead of an embedded database open.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient builds a Client for the Unix socket at socketPath.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

func (c *Client) dial() (net.Conn, error) {
	var conn net.Conn
	dialOnce := func() error {
		var err error
		conn, err = net.DialTimeout("unix", c.socketPath, c.timeout)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.timeout

	if err := backoff.Retry(dialOnce, bo); err != nil {
		return nil, fmt.Errorf("hhrpc: dial %s: %w", c.socketPath, err)
	}
	return conn, nil
}

func (c *Client) call(op string, args any) (Response, error) {
	conn, err := c.dial()
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	var raw json.RawMessage
	if args != nil {
		raw, err = json.Marshal(args)
		if err != nil {
			return Response{}, err
		}
	}

	if err := writeJSON(conn, Request{Op: op, Args: raw}); err != nil {
		return Response{}, fmt.Errorf("hhrpc: write request: %w", err)
	}

	resp, err := readResponse(bufio.NewReader(conn))
	if err != nil {
		return Response{}, fmt.Errorf("hhrpc: read response: %w", err)
	}
	if !resp.Success {
		return resp, fmt.Errorf("hhrpc: %s failed: %s", op, resp.Error)
	}
	return resp, nil
}

func (c *Client) Pause() error {
	_, err := c.call(OpPause, nil)
	return err
}

func (c *Client) Resume() error {
	_, err := c.call(OpResume, nil)
	return err
}

func (c *Client) Purge(endpoint string) error {
	_, err := c.call(OpPurge, PurgeArgs{Endpoint: endpoint})
	return err
}

func (c *Client) Truncate() error {
	_, err := c.call(OpTruncate, nil)
	return err
}

func (c *Client) DeliverNow(endpoint string) error {
	_, err := c.call(OpDeliverNow, DeliverNowArgs{Endpoint: endpoint})
	return err
}

func (c *Client) ListPending() ([]PendingTargetDTO, error) {
	resp, err := c.call(OpListPending, nil)
	if err != nil {
		return nil, err
	}
	var out []PendingTargetDTO
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("hhrpc: decode list_pending: %w", err)
	}
	return out, nil
}

// TotalHintCount returns the sum of hint counts across every target
// currently holding hints, the operator-facing equivalent of the
// original Cassandra manager's getTotalHintCount JMX operation.
func (c *Client) TotalHintCount() (int64, error) {
	resp, err := c.call(OpTotalHintCount, nil)
	if err != nil {
		return 0, err
	}
	var out TotalHintCountDTO
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return 0, fmt.Errorf("hhrpc: decode total_hint_count: %w", err)
	}
	return out.Total, nil
}
