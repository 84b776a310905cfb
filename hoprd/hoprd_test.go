// SPDX-FileCopyrightText: © 2024 RPCh authors
// SPDX-License-Identifier: AGPL-3.0-only

package hoprd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rpch/rpch/core/log"
	"github.com/rpch/rpch/nodes"
)

const testToken = "s3cret"

type fakeNode struct {
	t   *testing.T
	srv *httptest.Server

	sync.Mutex
	conns []*websocket.Conn
	sent  []sendRequest
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{t: t}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc(websocketPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apiToken") != testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n.Lock()
		n.conns = append(n.conns, conn)
		n.Unlock()
	})
	mux.HandleFunc(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(authHeader) != testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.Lock()
		n.sent = append(n.sent, req)
		conns := append([]*websocket.Conn{}, n.conns...)
		n.Unlock()

		// Loop the message back to every listener, as if the exit node
		// replied instantly.
		for _, c := range conns {
			c.WriteJSON(&frame{Type: frameTypeMessage, Tag: req.Tag, Body: "re:" + req.Body})
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc(versionPath, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"2.1.0"`))
	})
	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) entry(token string) *nodes.EntryNode {
	u, err := url.Parse(n.srv.URL)
	require.NoError(n.t, err)
	return &nodes.EntryNode{PeerID: "entry-1234", APIEndpoint: u, APIToken: token}
}

func (n *fakeNode) push(f *frame) {
	n.Lock()
	defer n.Unlock()
	for _, c := range n.conns {
		require.NoError(n.t, c.WriteJSON(f))
	}
}

func (n *fakeNode) waitConns(count int) {
	require.Eventually(n.t, func() bool {
		n.Lock()
		defer n.Unlock()
		return len(n.conns) >= count
	}, 2*time.Second, 10*time.Millisecond)
}

type eventRecorder struct {
	sync.Mutex
	events []nodes.ChannelEvent
	ch     chan nodes.ChannelEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan nodes.ChannelEvent, 16)}
}

func (r *eventRecorder) onEvent(ev nodes.ChannelEvent) {
	r.Lock()
	r.events = append(r.events, ev)
	r.Unlock()
	r.ch <- ev
}

func (r *eventRecorder) next(t *testing.T) nodes.ChannelEvent {
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel event")
	}
	return nodes.ChannelEvent{}
}

func testDialer(t *testing.T) *Dialer {
	backend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return NewDialer(backend.GetLogger("hoprd"), WithTag(4242), WithTimeout(2*time.Second))
}

func TestDialerTag(t *testing.T) {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	d := NewDialer(backend.GetLogger("hoprd"))
	require.GreaterOrEqual(t, d.Tag(), minTag)
	require.Less(t, d.Tag(), maxTag)
	require.Equal(t, 4242, testDialer(t).Tag())
}

func TestWebsocketURL(t *testing.T) {
	u, _ := url.Parse("https://node.example:3001/base")
	s, err := websocketURL(&nodes.EntryNode{PeerID: "p", APIEndpoint: u, APIToken: "a b"})
	require.NoError(t, err)
	require.Equal(t, "wss://node.example:3001/base/api/v3/messages/websocket?apiToken=a+b", s)

	u, _ = url.Parse("ftp://node.example")
	_, err = websocketURL(&nodes.EntryNode{PeerID: "p", APIEndpoint: u})
	require.Error(t, err)
}

func TestChannelSendReceive(t *testing.T) {
	node := newFakeNode(t)
	d := testDialer(t)
	rec := newEventRecorder()

	ch, err := d.Open(context.Background(), node.entry(testToken), rec.onEvent)
	require.NoError(t, err)
	node.waitConns(1)

	require.NoError(t, ch.Send(context.Background(), "exit-5678", "1|0|1|abcd"))

	ev := rec.next(t)
	require.Equal(t, nodes.ChannelMessage, ev.Kind)
	require.Equal(t, "entry-1234", ev.EntryID)
	require.Equal(t, "re:1|0|1|abcd", ev.Message)

	node.Lock()
	require.Len(t, node.sent, 1)
	require.Equal(t, "exit-5678", node.sent[0].PeerID)
	require.Equal(t, 4242, node.sent[0].Tag)
	require.Empty(t, node.sent[0].Path)
	node.Unlock()

	require.NoError(t, ch.Close())
	ev = rec.next(t)
	require.Equal(t, nodes.ChannelClosed, ev.Kind)

	require.ErrorIs(t, ch.Send(context.Background(), "exit-5678", "x"), ErrChannelClosed)
}

func TestChannelFiltersFrames(t *testing.T) {
	node := newFakeNode(t)
	d := testDialer(t)
	rec := newEventRecorder()

	ch, err := d.Open(context.Background(), node.entry(testToken), rec.onEvent)
	require.NoError(t, err)
	defer ch.Close()
	node.waitConns(1)

	node.push(&frame{Type: frameTypeMessage, Tag: 1, Body: "other app"})
	node.push(&frame{Type: "acknowledged", Tag: 4242, Body: "ack"})
	node.push(&frame{Type: frameTypeMessage, Tag: 4242, Body: "mine"})

	ev := rec.next(t)
	require.Equal(t, nodes.ChannelMessage, ev.Kind)
	require.Equal(t, "mine", ev.Message)
}

func TestChannelRemoteClose(t *testing.T) {
	node := newFakeNode(t)
	d := testDialer(t)
	rec := newEventRecorder()

	_, err := d.Open(context.Background(), node.entry(testToken), rec.onEvent)
	require.NoError(t, err)
	node.waitConns(1)

	node.Lock()
	node.conns[0].Close()
	node.Unlock()

	// An abrupt close surfaces an error, and the closed event is always last.
	ev := rec.next(t)
	require.Equal(t, nodes.ChannelError, ev.Kind)
	require.Error(t, ev.Err)
	ev = rec.next(t)
	require.Equal(t, nodes.ChannelClosed, ev.Kind)
}

func TestChannelOversizedFrame(t *testing.T) {
	node := newFakeNode(t)
	d := testDialer(t)
	rec := newEventRecorder()

	_, err := d.Open(context.Background(), node.entry(testToken), rec.onEvent)
	require.NoError(t, err)
	node.waitConns(1)

	node.push(&frame{Type: frameTypeMessage, Tag: 4242, Body: strings.Repeat("a", maxFrameSize)})

	ev := rec.next(t)
	require.Equal(t, nodes.ChannelError, ev.Kind)
	require.ErrorIs(t, ev.Err, websocket.ErrReadLimit)
	ev = rec.next(t)
	require.Equal(t, nodes.ChannelClosed, ev.Kind)
}

func TestOpenUnauthorized(t *testing.T) {
	node := newFakeNode(t)
	d := testDialer(t)

	_, err := d.Open(context.Background(), node.entry("wrong"), func(nodes.ChannelEvent) {})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSendUnauthorized(t *testing.T) {
	node := newFakeNode(t)
	d := testDialer(t)

	// Open with the right token, then swap in a stale one for the send.
	entry := node.entry(testToken)
	ch, err := d.Open(context.Background(), entry, func(nodes.ChannelEvent) {})
	require.NoError(t, err)
	defer ch.Close()
	entry.APIToken = "stale"

	err = ch.Send(context.Background(), "exit", "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "send", apiErr.Op)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestPing(t *testing.T) {
	node := newFakeNode(t)
	d := testDialer(t)

	rtt, err := d.Ping(context.Background(), node.entry(testToken))
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))
}
