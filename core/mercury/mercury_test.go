// SPDX-FileCopyrightText: Copyright (C) 2025  The psst authors
// SPDX-License-Identifier: AGPL-3.0-only

package mercury

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psstgo/psst/core/log"
	"github.com/psstgo/psst/core/mux"
	"github.com/psstgo/psst/core/wire"
	"github.com/psstgo/psst/core/wire/commands"
)

type sentRequest struct {
	kind    commands.Kind
	payload []byte
}

type fakeTransport struct {
	table *commands.Table
	m     *mux.Mux
	sent  chan sentRequest
}

func newFakeTransport() *fakeTransport {
	return newFakeTransportWithTable(commands.DefaultTable())
}

func newFakeTransportWithTable(table *commands.Table) *fakeTransport {
	return &fakeTransport{
		table: table,
		m:     mux.New(table, 0, log.NewDisabled().GetLogger("mux")),
		sent:  make(chan sentRequest, 8),
	}
}

func (t *fakeTransport) SendRequest(kind commands.Kind, body []byte) (*mux.Pending, error) {
	desc, _ := t.table.Lookup(kind)
	p, err := t.m.Register(kind)
	if err != nil {
		return nil, err
	}
	payload, err := desc.Encode(p.ID(), body)
	if err != nil {
		return nil, err
	}
	t.sent <- sentRequest{kind: kind, payload: payload}
	return p, nil
}

func (t *fakeTransport) Subscribe(kind commands.Kind, buffer int) (*mux.Subscription, error) {
	return t.m.Subscribe(kind, buffer)
}

func (t *fakeTransport) RequestTimeout() time.Duration {
	return 2 * time.Second
}

func (t *fakeTransport) Table() *commands.Table {
	return t.table
}

// answer serves one request with fn, fragmenting the response at limit.
func (t *fakeTransport) answer(tb testing.TB, limit int, fn func(*Request) *Response) {
	r := <-t.sent
	seq, req, err := DecodeRequest(r.payload)
	require.NoError(tb, err)
	payloads, err := EncodeResponse(seq, fn(req), limit)
	require.NoError(tb, err)
	for _, p := range payloads {
		require.NoError(tb, t.m.Dispatch(&wire.Frame{Kind: r.kind, Payload: p}))
	}
}

func (t *fakeTransport) push(tb testing.TB, seq uint64, ev *Response) {
	payloads, err := EncodeResponse(seq, ev, 64)
	require.NoError(tb, err)
	for _, p := range payloads {
		require.NoError(tb, t.m.Dispatch(&wire.Frame{Kind: t.table.Roles().MercuryEvent, Payload: p}))
	}
}

func TestMessageEncodeDecode(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m := &Message{
		Seq:   0x0102030405060708,
		Flags: commands.FlagFinal,
		Parts: [][]byte{[]byte("header"), {}, []byte("body")},
	}
	b := m.Encode()
	require.Equal([]byte{0, 8, 1, 2, 3, 4, 5, 6, 7, 8, 1, 0, 3}, b[:13])

	m2, err := Decode(b)
	require.NoError(err)
	require.Equal(m.Seq, m2.Seq)
	require.True(m2.Final())
	require.Equal(m.Parts, m2.Parts)

	// Short sequences are accepted.
	m3, err := Decode([]byte{0, 2, 0x01, 0x02, 2, 0, 1, 0, 1, 'x'})
	require.NoError(err)
	require.Equal(uint64(0x0102), m3.Seq)
	require.False(m3.Final())
	require.Equal([][]byte{[]byte("x")}, m3.Parts)
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	for name, b := range map[string][]byte{
		"empty":          nil,
		"zero seq":       {0, 0, 1, 0, 0},
		"long seq":       {0, 9, 1, 2, 3, 4, 5, 6, 7, 8, 9, 1, 0, 0},
		"no flags":       {0, 1, 7},
		"truncated part": {0, 1, 7, 1, 0, 1, 0, 5, 'a'},
		"missing part":   {0, 1, 7, 1, 0, 2, 0, 1, 'a'},
		"trailing":       {0, 1, 7, 1, 0, 0, 'z'},
	} {
		_, err := Decode(b)
		assert.ErrorIs(t, err, errMalformed, name)
	}
}

func TestCollectPartial(t *testing.T) {
	t.Parallel()

	msgs := []*Message{
		{Flags: commands.FlagPartial, Parts: [][]byte{[]byte("a"), []byte("bc")}},
		{Flags: commands.FlagPartial, Parts: [][]byte{[]byte("de")}},
		{Flags: 0, Parts: [][]byte{[]byte("f"), []byte("g")}},
		{Flags: commands.FlagFinal, Parts: [][]byte{[]byte("h")}},
	}
	require.Equal(t, [][]byte{
		[]byte("a"),
		[]byte("bcdef"),
		[]byte("g"),
		[]byte("h"),
	}, Collect(msgs))

	// The input is left untouched.
	require.Equal(t, []byte("bc"), msgs[0].Parts[1])
}

func TestFragmentCollect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	parts := [][]byte{
		[]byte("header"),
		bytes.Repeat([]byte{0xaa}, 1000),
		{},
		bytes.Repeat([]byte{0xbb}, 77),
	}
	for _, limit := range []int{0, 32, 100, 1024, 1 << 20} {
		msgs := Fragment(42, parts, limit)
		require.NotEmpty(msgs)
		for i, m := range msgs {
			require.Equal(uint64(42), m.Seq)
			require.Equal(i == len(msgs)-1, m.Final(), "limit %d message %d", limit, i)
			if limit >= messageOverhead+partOverhead+1 {
				require.LessOrEqual(len(m.Encode()), limit)
			}
		}
		require.Equal(parts, Collect(msgs), "limit %d", limit)
	}

	msgs := Fragment(1, nil, 100)
	require.Len(msgs, 1)
	require.True(msgs[0].Final())
	require.Empty(msgs[0].Parts)
}

func TestRequestKinds(t *testing.T) {
	t.Parallel()

	roles := commands.DefaultRoles
	require.Equal(t, commands.MercuryReq, (&Request{Method: MethodGet}).Kind(roles))
	require.Equal(t, commands.MercuryReq, (&Request{Method: MethodSend}).Kind(roles))
	require.Equal(t, commands.MercurySub, (&Request{Method: MethodSub}).Kind(roles))
	require.Equal(t, commands.MercuryUnsub, (&Request{Method: MethodUnsub}).Kind(roles))
}

func TestClientFollowsTable(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const moved = commands.Kind(0xc2)
	table, err := commands.DefaultTable().With(commands.Descriptor{
		Kind:        moved,
		Name:        "mercury_req",
		Class:       commands.ClassResponse,
		Correlation: commands.CorrelationSequence,
		Channel:     commands.ChannelMercury,
	})
	require.NoError(err)

	tr := newFakeTransportWithTable(table)
	c := NewClient(tr, log.NewDisabled().GetLogger("mercury"))
	defer c.Close()

	kinds := make(chan commands.Kind, 1)
	go func() {
		r := <-tr.sent
		kinds <- r.kind
		seq, req, err := DecodeRequest(r.payload)
		if err != nil {
			return
		}
		payloads, err := EncodeResponse(seq, &Response{URI: req.URI, StatusCode: 200}, 0)
		if err != nil {
			return
		}
		for _, p := range payloads {
			tr.m.Dispatch(&wire.Frame{Kind: r.kind, Payload: p})
		}
	}()

	resp, err := c.Get(context.Background(), "hm://test/moved")
	require.NoError(err)
	require.Equal(int32(200), resp.StatusCode)
	require.Equal(moved, <-kinds)
}

func TestClientGet(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newFakeTransport()
	c := NewClient(tr, log.NewDisabled().GetLogger("mercury"))
	defer c.Close()

	big := bytes.Repeat([]byte("metadata"), 500)
	go tr.answer(t, 256, func(req *Request) *Response {
		return &Response{
			URI:         req.URI,
			StatusCode:  200,
			ContentType: "vnd.test",
			Payload:     [][]byte{[]byte(req.Method), big},
		}
	})

	resp, err := c.Get(context.Background(), "hm://metadata/3/track/abc")
	require.NoError(err)
	require.Equal("hm://metadata/3/track/abc", resp.URI)
	require.Equal(int32(200), resp.StatusCode)
	require.Equal("vnd.test", resp.ContentType)
	require.Equal([][]byte{[]byte(MethodGet), big}, resp.Payload)
	require.Zero(tr.m.Len())
}

func TestClientSendStatusError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newFakeTransport()
	c := NewClient(tr, log.NewDisabled().GetLogger("mercury"))
	defer c.Close()

	got := make(chan *Request, 1)
	go tr.answer(t, 1024, func(req *Request) *Response {
		got <- req
		return &Response{URI: req.URI, StatusCode: 404}
	})

	resp, err := c.Send(context.Background(), "hm://nowhere", []byte("data"))
	var se *StatusError
	require.ErrorAs(err, &se)
	require.Equal(int32(404), se.StatusCode)
	require.Equal("hm://nowhere", se.URI)
	require.NotNil(resp)

	req := <-got
	require.Equal(MethodSend, req.Method)
	require.Equal([][]byte{[]byte("data")}, req.Payload)
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	c := NewClient(tr, log.NewDisabled().GetLogger("mercury"))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "hm://slow")
	require.ErrorIs(t, err, mux.ErrTimeout)
	require.Zero(t, tr.m.Len())
}

func TestClientSubscribe(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newFakeTransport()
	c := NewClient(tr, log.NewDisabled().GetLogger("mercury"))

	go tr.answer(t, 1024, func(req *Request) *Response {
		return &Response{URI: req.URI, StatusCode: 200}
	})
	sub, err := c.Subscribe(context.Background(), "hm://pusher/v1/")
	require.NoError(err)
	require.Equal("hm://pusher/v1/", sub.URI())

	// Events are correlated by a sequence no request uses, and may be
	// fragmented.
	payload := bytes.Repeat([]byte{7}, 200)
	tr.push(t, 1<<40, &Response{URI: "hm://pusher/v1/connections/x", Payload: [][]byte{payload}})
	tr.push(t, 1<<40+1, &Response{URI: "hm://other/"})

	select {
	case ev := <-sub.C():
		require.Equal("hm://pusher/v1/connections/x", ev.URI)
		require.Equal([][]byte{payload}, ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	go tr.answer(t, 1024, func(req *Request) *Response {
		require.Equal(MethodUnsub, req.Method)
		return &Response{URI: req.URI, StatusCode: 200}
	})
	require.NoError(c.Unsubscribe(context.Background(), "hm://pusher/v1/"))
	_, ok := <-sub.C()
	require.False(ok)

	// Losing the session closes the client.
	sub2, err := func() (*Subscription, error) {
		go tr.answer(t, 1024, func(req *Request) *Response {
			return &Response{URI: req.URI, StatusCode: 200}
		})
		return c.Subscribe(context.Background(), "hm://a/")
	}()
	require.NoError(err)
	tr.m.FailAll(mux.ErrSessionClosed)
	select {
	case _, ok := <-sub2.C():
		require.False(ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	c.Close()
	_, err = c.Subscribe(context.Background(), "hm://b/")
	require.ErrorIs(err, ErrClientClosed)
}
