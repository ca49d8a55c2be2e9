package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tracekit/tracectl/internal/config"
)

// IPCClient talks to the daemon's consumer endpoint over a unix
// domain socket. One connection per process lifetime; there is no
// reconnect.
type IPCClient struct {
	socket string
	log    *zap.Logger

	conn   *net.UnixConn
	events chan Event

	writeMu sync.Mutex
	closed  bool
}

var _ Client = (*IPCClient)(nil)

// NewIPCClient returns an unconnected client for the given socket
// path.
func NewIPCClient(socket string, log *zap.Logger) *IPCClient {
	return &IPCClient{
		socket: socket,
		log:    log,
		events: make(chan Event, 16),
	}
}

// Connect dials the consumer socket and starts the read loop.
func (c *IPCClient) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return fmt.Errorf("connect to tracing service at %s: %w", c.socket, err)
	}
	c.conn = conn.(*net.UnixConn)
	go c.readLoop()
	return nil
}

func (c *IPCClient) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.events <- Disconnected{}
			} else {
				c.events <- Disconnected{Err: err}
			}
			close(c.events)
			return
		}
		ev, err := decodeEvent(f)
		if err != nil {
			c.log.Warn("dropping malformed frame",
				zap.String("type", f.Type), zap.Error(err))
			continue
		}
		if ev == nil {
			c.log.Debug("ignoring unknown frame type", zap.String("type", f.Type))
			continue
		}
		c.events <- ev
	}
}

func (c *IPCClient) send(ftype string, body any) error {
	buf, err := encodeFrame(ftype, body)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("send %s: not connected", ftype)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("send %s: %w", ftype, err)
	}
	return nil
}

// EnableTracing sends the capture config. When out is non-nil its
// descriptor is passed as SCM_RIGHTS ancillary data so the service can
// stream the trace into the file directly.
func (c *IPCClient) EnableTracing(cfg *config.Capture, out *os.File) error {
	buf, err := encodeFrame(msgEnableTracing, enableTracingBody{
		Config: cfg,
		HasFD:  out != nil,
	})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("send %s: not connected", msgEnableTracing)
	}
	var oob []byte
	if out != nil {
		oob = unix.UnixRights(int(out.Fd()))
	}
	if _, _, err := c.conn.WriteMsgUnix(buf, oob, nil); err != nil {
		return fmt.Errorf("send %s: %w", msgEnableTracing, err)
	}
	return nil
}

func (c *IPCClient) DisableTracing() error {
	return c.send(msgDisableTracing, nil)
}

func (c *IPCClient) Flush(timeout time.Duration) error {
	return c.send(msgFlush, flushBody{TimeoutMs: int(timeout.Milliseconds())})
}

func (c *IPCClient) ReadBuffers() error {
	return c.send(msgReadBuffers, nil)
}

func (c *IPCClient) Attach(key string) error {
	return c.send(msgAttach, keyBody{Key: key})
}

func (c *IPCClient) Detach(key string) error {
	return c.send(msgDetach, keyBody{Key: key})
}

func (c *IPCClient) ObserveEvents() error {
	return c.send(msgObserveEvents, observeBody{AllDataSourcesStarted: true})
}

func (c *IPCClient) QueryServiceState() error {
	return c.send(msgQueryState, nil)
}

func (c *IPCClient) SaveTraceForBugreport() error {
	return c.send(msgSaveForBugreport, nil)
}

func (c *IPCClient) ActivateTriggers(names []string) error {
	return c.send(msgActivateTriggers, triggersBody{Names: names})
}

func (c *IPCClient) Events() <-chan Event { return c.events }

// Close tears down the connection. The read loop delivers the final
// Disconnected event and closes the stream.
func (c *IPCClient) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
