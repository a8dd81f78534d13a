package ipc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/mrizaln/madbfs-sub001/pkg/errors"
)

// Client talks to a control channel.
type Client struct {
	conn net.Conn
	path string
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNoDevice, "cannot connect to control socket").
			WithComponent("ipc").WithPath(path).WithCause(err)
	}
	return &Client{conn: conn, path: path}, nil
}

// Send issues op and waits for its reply.
func (c *Client) Send(ctx context.Context, op Op) (Reply, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return Reply{}, err
	}
	return c.SendRaw(ctx, body)
}

// SendRaw sends an already encoded request body.
func (c *Client) SendRaw(ctx context.Context, body []byte) (Reply, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Reply{}, err
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := WriteFrame(c.conn, body); err != nil {
		return Reply{}, wrapIO(err, "send", c.path)
	}
	raw, err := ReadFrame(c.conn)
	if err != nil {
		return Reply{}, wrapIO(err, "receive", c.path)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, errors.NewError(errors.ErrCodeMalformedOutput, "malformed reply").
			WithComponent("ipc").WithPath(c.path).WithCause(err)
	}
	return reply, nil
}

func wrapIO(err error, op, path string) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.NewError(errors.ErrCodeBrokenPipe, "control channel "+op+" failed").
		WithComponent("ipc").WithOperation(op).WithPath(path).WithCause(err)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
