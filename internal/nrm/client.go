// Package nrm implements the client side of the resource manager daemon
// protocol. A Client owns one session: a persistent publisher connection
// carrying the event stream, plus short-lived RPC connections (one
// request per connection) for sensor and scope registration.
package nrm

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Guliveer/nrmextra/internal/codec"
	"github.com/Guliveer/nrmextra/internal/models"
)

const (
	// defaultTimeout bounds dialing and each RPC round trip when the
	// caller supplies none.
	defaultTimeout = 5 * time.Second

	// maxResponseSize caps a single RPC reply.
	maxResponseSize = 1024 * 1024
)

// Options configures Dial.
type Options struct {
	// URI is the upstream address, e.g. "tcp://127.0.0.1".
	URI     string
	RPCPort int
	PubPort int
	Timeout time.Duration
	Tool    string
	Logger  *zap.Logger
}

// Client is a session with the daemon. It is safe for concurrent use.
type Client struct {
	rpcAddr string
	timeout time.Duration
	session string
	logger  *zap.Logger

	mu     sync.Mutex
	pub    net.Conn
	enc    *codec.Encoder
	closed bool
}

// Dial opens a session: it connects the publisher stream and announces
// the session over RPC.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	host, err := parseURI(opts.URI)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		rpcAddr: net.JoinHostPort(host, strconv.Itoa(opts.RPCPort)),
		timeout: timeout,
		session: uuid.New().String(),
		logger:  logger,
	}

	pubAddr := net.JoinHostPort(host, strconv.Itoa(opts.PubPort))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", pubAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting publisher to %s: %w", pubAddr, err)
	}
	c.pub = conn
	c.enc = codec.NewEncoder(conn)

	if err := c.call(ctx, ActionOpenSession, map[string]any{"tool": opts.Tool}, nil); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug("NRM session opened",
		zap.String("session", c.session),
		zap.String("rpc", c.rpcAddr),
		zap.String("pub", pubAddr))
	return c, nil
}

// Session returns the session identifier sent with every message.
func (c *Client) Session() string { return c.session }

// AddSensor registers a named sensor.
func (c *Client) AddSensor(ctx context.Context, name string) (models.Sensor, error) {
	var sensor models.Sensor
	err := c.call(ctx, ActionAddSensor, map[string]any{"sensor": models.Sensor{Name: name}}, &sensor)
	return sensor, err
}

// RemoveSensor unregisters a sensor previously returned by AddSensor.
func (c *Client) RemoveSensor(ctx context.Context, sensor models.Sensor) error {
	return c.call(ctx, ActionRemoveSensor, map[string]any{"sensor": sensor}, nil)
}

// ListScopes returns every scope currently known to the daemon.
func (c *Client) ListScopes(ctx context.Context) ([]models.Scope, error) {
	var scopes []models.Scope
	err := c.call(ctx, ActionListScopes, nil, &scopes)
	return scopes, err
}

// AddScope registers a scope and returns it with its daemon-assigned ID.
func (c *Client) AddScope(ctx context.Context, scope models.Scope) (models.Scope, error) {
	var added models.Scope
	err := c.call(ctx, ActionAddScope, map[string]any{"scope": scope}, &added)
	return added, err
}

// RemoveScope retracts a scope from the daemon's registry.
func (c *Client) RemoveScope(ctx context.Context, scope models.Scope) error {
	return c.call(ctx, ActionRemoveScope, map[string]any{"scope": scope}, nil)
}

// FindOrAddScope asks the daemon to atomically return an existing scope
// with the same membership or register the candidate. Returns an error
// matching ErrUnsupported when the daemon lacks the action.
func (c *Client) FindOrAddScope(ctx context.Context, scope models.Scope) (models.Scope, bool, error) {
	var result FindOrAddResult
	if err := c.call(ctx, ActionFindOrAddScope, map[string]any{"scope": scope}, &result); err != nil {
		return models.Scope{}, false, err
	}
	return result.Scope, result.Created, nil
}

// Send publishes one event on the session's stream.
func (c *Client) Send(ctx context.Context, event models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	event.Session = c.session

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.pub.SetWriteDeadline(deadline)
	if err := c.enc.Encode(event); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Close ends the session and releases the publisher connection. It is
// safe to call more than once; later calls return nil.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	callErr := c.call(ctx, ActionCloseSession, nil, nil)

	c.mu.Lock()
	c.closed = true
	closeErr := c.pub.Close()
	c.mu.Unlock()

	if callErr != nil {
		return callErr
	}
	return closeErr
}

// call performs one RPC round trip on a fresh connection.
func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	request := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		request[k] = v
	}
	request["action"] = action
	request["session"] = c.session

	response, err := c.roundTrip(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.rpcAddr, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %q response: %w", action, err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, request map[string]any) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.rpcAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

// parseURI extracts the host from an upstream URI. Only tcp is
// supported.
func parseURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing upstream URI %q: %w", raw, err)
	}
	if u.Scheme != "tcp" {
		return "", fmt.Errorf("upstream URI %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("upstream URI %q: missing host", raw)
	}
	return u.Hostname(), nil
}
