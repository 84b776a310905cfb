// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package hoprd implements the entry node channel on top of the hoprd REST
// API: a websocket delivers inbound messages and outbound segments are
// posted to the messages endpoint.
package hoprd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/rpch/rpch/internal/proxy"
	"github.com/rpch/rpch/nodes"
)

const (
	messagesPath  = "/api/v3/messages"
	websocketPath = "/api/v3/messages/websocket"
	versionPath   = "/api/v3/node/version"

	authHeader = "x-auth-token"

	frameTypeMessage = "message"

	// Application tags below this value are reserved by hoprd.
	minTag = 1024
	maxTag = 1 << 16

	maxErrorBody = 4096

	// maxFrameSize bounds an inbound websocket frame.  A message frame
	// carries a single segment.
	maxFrameSize = 4096

	// DefaultTimeout bounds the websocket handshake and every REST call.
	DefaultTimeout = 10 * time.Second

	closeGrace = time.Second
)

// ErrChannelClosed is returned when sending on a closed Channel.
var ErrChannelClosed = errors.New("hoprd: channel closed")

// APIError is returned when the hoprd node answers with an unexpected
// status.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hoprd: %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

type frame struct {
	Type string `json:"type"`
	Tag  int    `json:"tag"`
	Body string `json:"body"`
}

type sendRequest struct {
	Body   string   `json:"body"`
	PeerID string   `json:"peerId"`
	Path   []string `json:"path"`
	Tag    int      `json:"tag"`
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithProxy routes websocket and REST traffic through the given upstream
// proxy.
func WithProxy(cfg *proxy.Config) Option {
	return func(d *Dialer) {
		d.proxy = cfg
	}
}

// WithTag fixes the application tag instead of picking a random one.
func WithTag(tag int) Option {
	return func(d *Dialer) {
		d.tag = tag
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		d.timeout = timeout
	}
}

// Dialer opens Channels to entry nodes.  Every Channel opened by the same
// Dialer shares one application tag so replies are routed back to it.
type Dialer struct {
	log *logging.Logger

	proxy   *proxy.Config
	tag     int
	timeout time.Duration

	http *http.Client
	ws   *websocket.Dialer
}

// NewDialer returns a Dialer.
func NewDialer(log *logging.Logger, opts ...Option) *Dialer {
	d := &Dialer{
		log:     log,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tag == 0 {
		d.tag = minTag + rand.NewMath().Intn(maxTag-minTag)
	}

	d.http = d.proxy.HTTPClient("hoprd", d.timeout)
	d.ws = &websocket.Dialer{
		HandshakeTimeout: d.timeout,
	}
	if dialFn := d.proxy.ToDialContext("hoprd"); dialFn != nil {
		d.ws.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialFn(ctx, network, addr)
		}
	}
	return d
}

// Tag returns the application tag used by the Dialer.
func (d *Dialer) Tag() int {
	return d.tag
}

// Open connects to the websocket of entry.  The returned Channel reports
// inbound messages, errors and finally its closure through onEvent, from a
// single goroutine.
func (d *Dialer) Open(ctx context.Context, entry *nodes.EntryNode, onEvent func(nodes.ChannelEvent)) (nodes.Channel, error) {
	u, err := websocketURL(entry)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.ws.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &APIError{Op: "open", Status: resp.StatusCode, Body: err.Error()}
		}
		return nil, fmt.Errorf("hoprd: failed to open websocket: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &Channel{
		log:     d.log,
		d:       d,
		entry:   entry,
		conn:    conn,
		onEvent: onEvent,
		closeCh: make(chan struct{}),
	}
	go c.reader()

	d.log.Debugf("Opened websocket to %s (tag: %d)", nodes.ShortID(entry.PeerID), d.tag)
	return c, nil
}

// Ping measures the round trip to the version endpoint of entry.
func (d *Dialer) Ping(ctx context.Context, entry *nodes.EntryNode) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.APIEndpoint.JoinPath(versionPath).String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(authHeader, entry.APIToken)

	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hoprd: ping failed: %w", err)
	}
	defer resp.Body.Close()
	if err = checkStatus("ping", resp); err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	return time.Since(start), nil
}

func websocketURL(entry *nodes.EntryNode) (string, error) {
	if entry.APIEndpoint == nil {
		return "", fmt.Errorf("hoprd: entry node %s has no endpoint", nodes.ShortID(entry.PeerID))
	}
	u := entry.APIEndpoint.JoinPath(websocketPath)
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("hoprd: invalid endpoint scheme: %q", u.Scheme)
	}
	q := url.Values{}
	q.Set("apiToken", entry.APIToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// Channel is an open websocket to an entry node.
type Channel struct {
	log   *logging.Logger
	d     *Dialer
	entry *nodes.EntryNode

	conn    *websocket.Conn
	onEvent func(nodes.ChannelEvent)

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Send posts wire to the entry node for delivery to recipient.
func (c *Channel) Send(ctx context.Context, recipient, wire string) error {
	select {
	case <-c.closeCh:
		return ErrChannelClosed
	default:
	}

	body, err := json.Marshal(&sendRequest{
		Body:   wire,
		PeerID: recipient,
		Path:   []string{},
		Tag:    c.d.tag,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.entry.APIEndpoint.JoinPath(messagesPath).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(authHeader, c.entry.APIToken)

	resp, err := c.d.http.Do(req)
	if err != nil {
		return fmt.Errorf("hoprd: send failed: %w", err)
	}
	defer resp.Body.Close()
	if err = checkStatus("send", resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Close tears down the websocket.  It does not wait for the reader, so it is
// safe to call from within onEvent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *Channel) emit(ev nodes.ChannelEvent) {
	ev.EntryID = c.entry.PeerID
	c.onEvent(ev)
}

func (c *Channel) reader() {
	defer func() {
		c.Close()
		c.emit(nodes.ChannelEvent{Kind: nodes.ChannelClosed})
	}()

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(nodes.ChannelEvent{Kind: nodes.ChannelError, Err: err})
			}
			return
		}

		var f frame
		if err = json.Unmarshal(b, &f); err != nil {
			c.log.Debugf("Dropping undecodable frame from %s: %v", nodes.ShortID(c.entry.PeerID), err)
			continue
		}
		if f.Type != frameTypeMessage || f.Tag != c.d.tag {
			continue
		}
		c.emit(nodes.ChannelEvent{Kind: nodes.ChannelMessage, Message: f.Body})
	}
}
