// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package xenstore is the guest side of the xenstore protocol.
//
// A Conn moves bytes over the shared store ring. A Client layers request and
// reply messages on it: callers block their thread until the reply with
// their request id arrives, while a reader thread routes replies and watch
// events.
package xenstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/siderolabs/talos-xenguest/pkg/sched"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore/wire"
)

// Tx is a transaction id. NoTx runs a request outside any transaction.
type Tx uint32

// NoTx is the null transaction.
const NoTx Tx = 0

type call struct {
	reply *wire.Message
}

// Watch receives change notifications for a path and its children.
type Watch struct {
	Path  string
	Token string

	events []string
	queue  *sched.WaitQueue
	active bool
}

// Pending returns how many events wait to be taken.
func (w *Watch) Pending() int {
	return len(w.events)
}

// Client issues store requests. It is used from guest context only.
type Client struct {
	conn   *Conn
	s      *sched.Scheduler
	logger *slog.Logger

	nextReq uint32
	calls   map[uint32]*call
	replies *sched.WaitQueue
	watches map[string]*Watch

	sending bool
	sendQ   *sched.WaitQueue

	reader *sched.Thread
	err    error
}

// NewClient starts the reader thread on s.
func NewClient(s *sched.Scheduler, conn *Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn:    conn,
		s:       s,
		logger:  logger.With("module", "xenstore"),
		nextReq: 1,
		calls:   map[uint32]*call{},
		replies: sched.NewWaitQueue(),
		watches: map[string]*Watch{},
		sendQ:   sched.NewWaitQueue(),
	}

	c.reader = s.Spawn("xenstore-reader", c.readLoop)

	return c
}

// Err returns the error that stopped the client, if any.
func (c *Client) Err() error {
	return c.err
}

func (c *Client) readLoop(t *sched.Thread) {
	hdr := make([]byte, wire.HeaderSize)

	for {
		if err := c.conn.ReadFull(t, hdr); err != nil {
			c.stop(err)

			return
		}

		h, err := wire.ParseHeader(hdr)
		if err != nil {
			c.stop(c.conn.fail(err))

			return
		}

		payload := make([]byte, h.Len)

		if err := c.conn.ReadFull(t, payload); err != nil {
			c.stop(err)

			return
		}

		c.route(wire.Message{Header: h, Payload: payload})
	}
}

func (c *Client) route(msg wire.Message) {
	if msg.Type == wire.TypeWatchEvent {
		parts := wire.Split(msg.Payload)
		if len(parts) < 2 {
			c.logger.Warn("malformed watch event", "payload", string(msg.Payload))

			return
		}

		w, ok := c.watches[parts[1]]
		if !ok {
			c.logger.Debug("event for unknown watch", "path", parts[0], "token", parts[1])

			return
		}

		w.events = append(w.events, parts[0])
		w.queue.WakeUp()

		return
	}

	cl, ok := c.calls[msg.ReqID]
	if !ok {
		c.logger.Warn("reply to unknown request", "req_id", msg.ReqID, "type", msg.Type)

		return
	}

	cl.reply = &msg
	c.replies.WakeUp()
}

func (c *Client) stop(err error) {
	if c.err == nil {
		if errors.Is(err, ErrClosed) {
			c.logger.Debug("reader stopped")
		} else {
			c.logger.Error("reader stopped", "err", err)
		}

		c.err = err
	}

	c.replies.WakeUp()
	c.sendQ.WakeUp()

	for _, w := range c.watches {
		w.queue.WakeUp()
	}
}

// request sends one message and waits for its reply.
func (c *Client) request(t *sched.Thread, typ wire.Type, tx Tx, payload []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}

	id := c.nextReq
	c.nextReq++

	b, err := wire.Message{Header: wire.Header{Type: typ, ReqID: id, TxID: uint32(tx)}, Payload: payload}.MarshalBinary()
	if err != nil {
		return nil, err
	}

	cl := &call{}
	c.calls[id] = cl

	defer delete(c.calls, id)

	// messages must not interleave on the ring
	t.WaitEvent(c.sendQ, func() bool { return !c.sending || c.err != nil })

	if c.err != nil {
		return nil, c.err
	}

	c.sending = true
	err = c.conn.WriteAll(t, b)
	c.sending = false
	c.sendQ.WakeUp()

	if err != nil {
		c.stop(err)

		return nil, err
	}

	t.WaitEvent(c.replies, func() bool { return cl.reply != nil || c.err != nil })

	if cl.reply == nil {
		return nil, c.err
	}

	if cl.reply.Type == wire.TypeError {
		return nil, &Error{Op: typ.String(), Errno: wire.Trim(cl.reply.Payload)}
	}

	if cl.reply.Type != typ {
		return nil, fmt.Errorf("unexpected reply %s to %s", cl.reply.Type, typ)
	}

	return cl.reply.Payload, nil
}

func withPath(err error, path string) error {
	var xe *Error
	if errors.As(err, &xe) && xe.Path == "" {
		xe.Path = path
	}

	return err
}

// Read returns the value of path.
func (c *Client) Read(t *sched.Thread, tx Tx, path string) (string, error) {
	b, err := c.request(t, wire.TypeRead, tx, wire.Join(path))
	if err != nil {
		return "", withPath(err, path)
	}

	return string(b), nil
}

// ReadInt reads path as a decimal integer.
func (c *Client) ReadInt(t *sched.Thread, tx Tx, path string) (int, error) {
	s, err := c.Read(t, tx, path)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("error parsing %s: %w", path, err)
	}

	return n, nil
}

// Write sets path to value.
func (c *Client) Write(t *sched.Thread, tx Tx, path, value string) error {
	payload := append(wire.Join(path), value...)

	_, err := c.request(t, wire.TypeWrite, tx, payload)

	return withPath(err, path)
}

// Mkdir creates path.
func (c *Client) Mkdir(t *sched.Thread, tx Tx, path string) error {
	_, err := c.request(t, wire.TypeMkdir, tx, wire.Join(path))

	return withPath(err, path)
}

// Rm removes path and everything below it.
func (c *Client) Rm(t *sched.Thread, tx Tx, path string) error {
	_, err := c.request(t, wire.TypeRm, tx, wire.Join(path))

	return withPath(err, path)
}

// Directory lists the children of path.
func (c *Client) Directory(t *sched.Thread, tx Tx, path string) ([]string, error) {
	b, err := c.request(t, wire.TypeDirectory, tx, wire.Join(path))
	if err != nil {
		return nil, withPath(err, path)
	}

	return wire.Split(b), nil
}

// GetPerms returns the permission strings of path.
func (c *Client) GetPerms(t *sched.Thread, tx Tx, path string) ([]string, error) {
	b, err := c.request(t, wire.TypeGetPerms, tx, wire.Join(path))
	if err != nil {
		return nil, withPath(err, path)
	}

	return wire.Split(b), nil
}

// GetDomainPath returns the home directory of domid.
func (c *Client) GetDomainPath(t *sched.Thread, domid int) (string, error) {
	b, err := c.request(t, wire.TypeGetDomainPath, NoTx, wire.Join(strconv.Itoa(domid)))
	if err != nil {
		return "", err
	}

	return wire.Trim(b), nil
}

// TransactionStart opens a transaction.
func (c *Client) TransactionStart(t *sched.Thread) (Tx, error) {
	b, err := c.request(t, wire.TypeTransactionStart, NoTx, wire.Join(""))
	if err != nil {
		return NoTx, err
	}

	id, err := strconv.ParseUint(wire.Trim(b), 10, 32)
	if err != nil {
		return NoTx, fmt.Errorf("bad transaction id %q: %w", b, err)
	}

	return Tx(id), nil
}

// TransactionEnd commits or aborts tx. A conflicting commit fails with an
// error matching ErrTransactionConflict.
func (c *Client) TransactionEnd(t *sched.Thread, tx Tx, commit bool) error {
	arg := "F"
	if commit {
		arg = "T"
	}

	_, err := c.request(t, wire.TypeTransactionEnd, tx, wire.Join(arg))

	return err
}

// Transact runs fn in a transaction and commits it, starting over while the
// commit conflicts. An error from fn aborts the transaction.
func (c *Client) Transact(t *sched.Thread, fn func(tx Tx) error) error {
	for {
		tx, err := c.TransactionStart(t)
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			if abortErr := c.TransactionEnd(t, tx, false); abortErr != nil {
				c.logger.Warn("error aborting transaction", "tx", tx, "err", abortErr)
			}

			return err
		}

		err = c.TransactionEnd(t, tx, true)
		if errors.Is(err, ErrTransactionConflict) {
			c.logger.Debug("transaction conflict, retrying", "tx", tx)

			continue
		}

		return err
	}
}

// Watch registers a watch on path. The store fires it once right away.
func (c *Client) Watch(t *sched.Thread, path, token string) (*Watch, error) {
	if _, ok := c.watches[token]; ok {
		return nil, fmt.Errorf("watch token %q already in use", token)
	}

	w := &Watch{Path: path, Token: token, queue: sched.NewWaitQueue(), active: true}
	c.watches[token] = w

	if _, err := c.request(t, wire.TypeWatch, NoTx, wire.Join(path, token)); err != nil {
		delete(c.watches, token)

		return nil, withPath(err, path)
	}

	return w, nil
}

// Unwatch removes w.
func (c *Client) Unwatch(t *sched.Thread, w *Watch) error {
	if !w.active {
		return nil
	}

	w.active = false
	delete(c.watches, w.Token)
	w.queue.WakeUp()

	_, err := c.request(t, wire.TypeUnwatch, NoTx, wire.Join(w.Path, w.Token))

	return withPath(err, w.Path)
}

// WaitWatch blocks until w fires and returns the changed path.
func (c *Client) WaitWatch(t *sched.Thread, w *Watch) (string, error) {
	return c.WaitWatchDeadline(t, w, 0)
}

// WaitWatchDeadline is WaitWatch bounded by an absolute system time. A zero
// deadline waits forever.
func (c *Client) WaitWatchDeadline(t *sched.Thread, w *Watch, deadline time.Duration) (string, error) {
	cond := func() bool { return len(w.events) > 0 || c.err != nil || !w.active }

	if deadline == 0 {
		t.WaitEvent(w.queue, cond)
	} else if !t.WaitEventDeadline(w.queue, cond, deadline) {
		return "", fmt.Errorf("watch %s: %w", w.Path, sched.ErrTimeout)
	}

	if len(w.events) == 0 {
		if c.err != nil {
			return "", c.err
		}

		return "", fmt.Errorf("watch %s removed", w.Path)
	}

	p := w.events[0]
	w.events = w.events[1:]

	return p, nil
}

// SwitchState writes the state node under dir unless it already holds s.
func (c *Client) SwitchState(t *sched.Thread, dir string, s State) error {
	path := dir + "/state"

	return c.Transact(t, func(tx Tx) error {
		cur, err := c.Read(t, tx, path)
		if err == nil && cur == strconv.Itoa(int(s)) {
			return nil
		}

		return c.Write(t, tx, path, strconv.Itoa(int(s)))
	})
}

// ReadState reads the state node under dir.
func (c *Client) ReadState(t *sched.Thread, tx Tx, dir string) (State, error) {
	n, err := c.ReadInt(t, tx, dir+"/state")

	return State(n), err
}

// WaitForState watches the state node under dir until it holds want. A zero
// deadline waits forever.
func (c *Client) WaitForState(t *sched.Thread, dir string, want State, deadline time.Duration) error {
	path := dir + "/state"

	w, err := c.Watch(t, path, "state:"+path)
	if err != nil {
		return err
	}

	defer func() {
		if err := c.Unwatch(t, w); err != nil {
			c.logger.Debug("error removing state watch", "path", path, "err", err)
		}
	}()

	for {
		s, err := c.ReadState(t, NoTx, dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		if err == nil && s == want {
			return nil
		}

		if _, err := c.WaitWatchDeadline(t, w, deadline); err != nil {
			return fmt.Errorf("waiting for %s to reach %s (last %s): %w", path, want, s, err)
		}
	}
}

// Close stops the reader and unbinds the store port.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.stop(ErrClosed)

	return err
}
