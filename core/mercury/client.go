// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package mercury

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/psstgo/psst/core/mux"
	"github.com/psstgo/psst/core/wire/commands"
	"github.com/psstgo/psst/core/worker"
)

const (
	eventBuffer        = 64
	subscriptionBuffer = 16
)

// ErrClientClosed is returned once the client or its session went away.
var ErrClientClosed = errors.New("mercury: client closed")

// Transport is the part of a session the client needs.
type Transport interface {
	SendRequest(kind commands.Kind, body []byte) (*mux.Pending, error)
	Subscribe(kind commands.Kind, buffer int) (*mux.Subscription, error)
	RequestTimeout() time.Duration
	Table() *commands.Table
}

// Subscription receives the events published under a URI prefix.
type Subscription struct {
	c   *Client
	uri string
	ch  chan *Response
}

// URI returns the subscribed prefix.
func (s *Subscription) URI() string {
	return s.uri
}

// C returns the event channel.  It is closed by Close and when the client
// shuts down.
func (s *Subscription) C() <-chan *Response {
	return s.ch
}

// Close stops local delivery without telling the access point, see
// Client.Unsubscribe.
func (s *Subscription) Close() {
	s.c.removeSub(s)
}

// Client issues mercury requests over a session.
type Client struct {
	worker.Worker

	t   Transport
	log *logging.Logger

	sync.Mutex
	events *mux.Subscription
	subs   map[*Subscription]struct{}
	closed bool
}

// NewClient returns a client using t.
func NewClient(t Transport, log *logging.Logger) *Client {
	return &Client{
		t:    t,
		log:  log,
		subs: make(map[*Subscription]struct{}),
	}
}

// Request sends req and waits for the complete response.  A response with
// a status code of 400 or more is returned along with a *StatusError.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	parts, err := req.Parts()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.t.RequestTimeout())
		defer cancel()
	}

	p, err := c.t.SendRequest(req.Kind(c.t.Table().Roles()), EncodeBody(commands.FlagFinal, parts))
	if err != nil {
		return nil, err
	}
	c.log.Debugf("%v %v (seq %d)", req.Method, req.URI, p.ID())
	mr, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}

	msgs := make([]*Message, 0, len(mr.Frames))
	for _, f := range mr.Frames {
		m, err := Decode(f.Payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	resp, err := ParseResponse(Collect(msgs))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return resp, &StatusError{URI: req.URI, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// Get fetches uri.
func (c *Client) Get(ctx context.Context, uri string) (*Response, error) {
	return c.Request(ctx, &Request{URI: uri, Method: MethodGet})
}

// Send posts data to uri.
func (c *Client) Send(ctx context.Context, uri string, data []byte) (*Response, error) {
	return c.Request(ctx, &Request{URI: uri, Method: MethodSend, Payload: [][]byte{data}})
}

// Subscribe asks the access point for the events under uri and delivers
// them on the returned subscription.
func (c *Client) Subscribe(ctx context.Context, uri string) (*Subscription, error) {
	if err := c.startEvents(); err != nil {
		return nil, err
	}
	sub := &Subscription{
		c:   c,
		uri: uri,
		ch:  make(chan *Response, subscriptionBuffer),
	}
	c.Lock()
	if c.closed {
		c.Unlock()
		return nil, ErrClientClosed
	}
	c.subs[sub] = struct{}{}
	c.Unlock()

	if _, err := c.Request(ctx, &Request{URI: uri, Method: MethodSub}); err != nil {
		c.removeSub(sub)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe tells the access point to stop publishing uri and closes the
// local subscriptions for it.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	c.Lock()
	for s := range c.subs {
		if s.uri == uri {
			delete(c.subs, s)
			close(s.ch)
		}
	}
	c.Unlock()

	_, err := c.Request(ctx, &Request{URI: uri, Method: MethodUnsub})
	return err
}

// Close stops event delivery and closes every subscription.
func (c *Client) Close() {
	c.Lock()
	events := c.events
	c.Unlock()
	if events != nil {
		events.Close()
	}
	c.Halt()
	c.shutdown()
}

func (c *Client) removeSub(s *Subscription) {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.subs[s]; ok {
		delete(c.subs, s)
		close(s.ch)
	}
}

func (c *Client) shutdown() {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for s := range c.subs {
		close(s.ch)
	}
	c.subs = nil
}

func (c *Client) startEvents() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.events != nil {
		return nil
	}
	events, err := c.t.Subscribe(c.t.Table().Roles().MercuryEvent, eventBuffer)
	if err != nil {
		return err
	}
	c.events = events
	c.Go(func() {
		c.eventWorker(events)
	})
	return nil
}

func (c *Client) eventWorker(events *mux.Subscription) {
	defer c.shutdown()

	partial := make(map[uint64][]*Message)
	for {
		select {
		case <-c.HaltCh():
			return
		case fr, open := <-events.C():
			if !open {
				return
			}
			m, err := Decode(fr.Payload)
			if err != nil {
				c.log.Warningf("Dropping malformed event: %v", err)
				continue
			}
			msgs := append(partial[m.Seq], m)
			if !m.Final() {
				partial[m.Seq] = msgs
				continue
			}
			delete(partial, m.Seq)

			ev, err := ParseResponse(Collect(msgs))
			if err != nil {
				c.log.Warningf("Dropping malformed event: %v", err)
				continue
			}
			if !c.publish(ev) {
				c.log.Debugf("No subscription for event %v.", ev.URI)
			}
		}
	}
}

func (c *Client) publish(ev *Response) bool {
	c.Lock()
	defer c.Unlock()

	delivered := false
	for s := range c.subs {
		if !strings.HasPrefix(ev.URI, s.uri) {
			continue
		}
		delivered = true
		select {
		case s.ch <- ev:
		default:
			c.log.Warningf("Subscription %v is full, dropping event.", s.uri)
		}
	}
	return delivered
}
