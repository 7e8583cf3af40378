// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/siderolabs/talos-xenguest/pkg/hypercall"
	"github.com/siderolabs/talos-xenguest/pkg/ring"
	"github.com/siderolabs/talos-xenguest/pkg/shmem"
	"github.com/siderolabs/talos-xenguest/pkg/xenstore/wire"
)

// Store is a xenstore daemon. Nodes are kept in a B-tree ordered by absolute
// path, so a subtree is a contiguous range; relative paths from a guest
// resolve under /local/domain/<domid>.
//
// Transactions buffer their writes and apply them on commit. There is no
// conflict detection; FailCommits makes the next commits fail with EAGAIN.
type Store struct {
	m      *Machine
	dom    *Domain
	logger *slog.Logger

	mu          sync.Mutex
	nodes       *btree.BTreeG[node]
	conns       map[hypercall.DomID]*storeConn
	txs         map[uint32]*storeTx
	nextTx      uint32
	failCommits int
	changed     chan struct{}
}

type node struct {
	path  string
	value string
}

func nodeLess(a, b node) bool { return a.path < b.path }

type storeTx struct {
	conn *storeConn
	ops  []storeOp
}

type storeOp struct {
	kind  wire.Type
	path  string
	value string
}

type watch struct {
	path  string // as registered
	abs   string
	token string
}

type storeConn struct {
	guest *Domain
	ring  *ring.ByteRing
	port  uint32

	// guarded by Store.mu
	watches []watch
	out     []byte

	kick chan struct{}
}

func newStore(m *Machine, dom0 *Domain) *Store {
	s := &Store{
		m:       m,
		dom:     dom0,
		logger:  m.logger.With("module", "xenstored"),
		nodes:   btree.NewG(8, nodeLess),
		conns:   map[hypercall.DomID]*storeConn{},
		txs:     map[uint32]*storeTx{},
		nextTx:  1,
		changed: make(chan struct{}),
	}

	s.nodes.ReplaceOrInsert(node{path: "/"})
	s.writeLocked("/local/domain/0/name", "Domain-0")

	return s
}

// DomainPath returns /local/domain/<id>.
func DomainPath(id hypercall.DomID) string {
	return "/local/domain/" + strconv.Itoa(int(id))
}

func (s *Store) introduce(guest *Domain, page shmem.Page, guestPort uint32) error {
	port, err := s.dom.BindInterdomain(guest.id, guestPort)
	if err != nil {
		return fmt.Errorf("error binding store port of domain %d: %w", guest.id, err)
	}

	c := &storeConn{
		guest: guest,
		ring:  ring.NewBackByteRing(page),
		port:  port,
		kick:  make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.conns[guest.id] = c
	base := DomainPath(guest.id)
	s.writeLocked(base+"/name", "guest"+strconv.Itoa(int(guest.id)))
	s.writeLocked(base+"/domid", strconv.Itoa(int(guest.id)))
	s.mkdirLocked(base + "/control")
	s.mkdirLocked(base + "/device")
	s.mu.Unlock()

	s.m.spawn(func(ctx context.Context) {
		s.serve(ctx, c)
	})

	return nil
}

// Read returns the value of an absolute path.
func (s *Store) Read(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get(p)
}

// Write sets an absolute path, creating parents and firing watches.
func (s *Store) Write(p, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeLocked(p, value)
}

// Remove deletes an absolute path and its children.
func (s *Store) Remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rmLocked(p)
}

// FailCommits makes the next n transaction commits fail with EAGAIN.
func (s *Store) FailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failCommits = n
}

// Wait blocks until pred accepts the value of the absolute path p.
func (s *Store) Wait(ctx context.Context, p string, pred func(value string, ok bool) bool) (string, error) {
	for {
		s.mu.Lock()
		v, ok := s.get(p)
		changed := s.changed
		s.mu.Unlock()

		if pred(v, ok) {
			return v, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Store) notifyChanged() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) get(p string) (string, bool) {
	n, ok := s.nodes.Get(node{path: p})

	return n.value, ok
}

// descendants calls fn for every node below p in path order.
func (s *Store) descendants(p string, fn func(n node) bool) {
	prefix := strings.TrimSuffix(p, "/") + "/"

	s.nodes.AscendGreaterOrEqual(node{path: prefix}, func(n node) bool {
		if !strings.HasPrefix(n.path, prefix) {
			return false
		}

		return fn(n)
	})
}

func (s *Store) mkdirLocked(p string) {
	for q := p; ; q = path.Dir(q) {
		if _, ok := s.get(q); ok {
			return
		}

		s.nodes.ReplaceOrInsert(node{path: q})
		s.fireLocked(q, false)
	}
}

func (s *Store) writeLocked(p, value string) {
	s.mkdirLocked(path.Dir(p))
	s.nodes.ReplaceOrInsert(node{path: p, value: value})
	s.fireLocked(p, false)
}

func (s *Store) rmLocked(p string) bool {
	if _, ok := s.get(p); !ok || p == "/" {
		return false
	}

	doomed := []node{{path: p}}

	s.descendants(p, func(n node) bool {
		doomed = append(doomed, n)

		return true
	})

	for _, n := range doomed {
		s.nodes.Delete(n)
	}

	s.fireLocked(p, true)

	return true
}

func (s *Store) fireLocked(p string, removed bool) {
	s.notifyChanged()

	for _, c := range s.conns {
		for _, w := range c.watches {
			hit := p == w.abs || strings.HasPrefix(p, w.abs+"/") || w.abs == "/"
			if removed && strings.HasPrefix(w.abs, p+"/") {
				hit = true
			}

			if hit {
				s.queueEventLocked(c, w, p)
			}
		}
	}
}

func (s *Store) queueEventLocked(c *storeConn, w watch, p string) {
	reported := p

	if !strings.HasPrefix(w.path, "/") {
		reported = strings.TrimPrefix(p, DomainPath(c.guest.id)+"/")
	}

	b, err := wire.New(wire.TypeWatchEvent, 0, 0, reported, w.token).MarshalBinary()
	if err != nil {
		s.logger.Error("dropping watch event", "path", p, "err", err)

		return
	}

	c.out = append(c.out, b...)

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (s *Store) resolve(c *storeConn, p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Clean(DomainPath(c.guest.id) + "/" + p)
}

func (s *Store) serve(ctx context.Context, c *storeConn) {
	logger := s.logger.With("domid", c.guest.id)

	var in []byte

	buf := make([]byte, ring.ByteRingSize)

	for {
		consumed := false

		for {
			n, err := c.ring.Read(buf)
			if err != nil {
				logger.Error("store ring broken", "err", err)

				return
			}

			if n == 0 {
				break
			}

			consumed = true

			in = append(in, buf[:n]...)
		}

		for len(in) >= wire.HeaderSize {
			h, err := wire.ParseHeader(in)
			if err != nil {
				logger.Error("bad request header", "err", err)

				return
			}

			if len(in) < wire.HeaderSize+int(h.Len) {
				break
			}

			payload := in[wire.HeaderSize : wire.HeaderSize+int(h.Len)]
			s.handle(c, h, payload)

			in = in[wire.HeaderSize+int(h.Len):]
		}

		wrote, err := s.flush(c)
		if err != nil {
			logger.Error("store ring broken", "err", err)

			return
		}

		if consumed || wrote {
			if err := s.dom.Notify(c.port); err != nil {
				logger.Warn("notify failed", "err", err)
			}
		}

		if err := s.waitConn(ctx, c); err != nil {
			return
		}
	}
}

func (s *Store) waitConn(ctx context.Context, c *storeConn) error {
	for {
		wake := s.dom.wakeChan()

		if s.dom.shared.TestPending(c.port) {
			s.dom.shared.ClearPending(c.port)

			return nil
		}

		select {
		case <-wake:
		case <-c.kick:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) flush(c *storeConn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(c.out) == 0 {
		return false, nil
	}

	n, err := c.ring.Write(c.out)
	if err != nil {
		return false, err
	}

	c.out = c.out[n:]

	return n > 0, nil
}

func (s *Store) handle(c *storeConn, h wire.Header, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, errno := s.exec(c, h, payload)

	typ := h.Type
	if errno != "" {
		typ = wire.TypeError
		reply = wire.Join(errno)
	}

	b, err := wire.Message{Header: wire.Header{Type: typ, ReqID: h.ReqID, TxID: h.TxID}, Payload: reply}.MarshalBinary()
	if err != nil {
		b, _ = wire.Message{Header: wire.Header{Type: wire.TypeError, ReqID: h.ReqID, TxID: h.TxID}, Payload: wire.Join("E2BIG")}.MarshalBinary() //nolint:errcheck
	}

	c.out = append(c.out, b...)
}

func (s *Store) lookup(tx *storeTx, p string) (string, bool) {
	if tx != nil {
		for _, op := range slices.Backward(tx.ops) {
			switch {
			case op.path == p && op.kind == wire.TypeRm:
				return "", false
			case op.path == p:
				return op.value, true
			case op.kind == wire.TypeRm && strings.HasPrefix(p, op.path+"/"):
				return "", false
			}
		}
	}

	return s.get(p)
}

//nolint:gocyclo,cyclop
func (s *Store) exec(c *storeConn, h wire.Header, payload []byte) ([]byte, string) {
	args := wire.Split(payload)

	var tx *storeTx

	if h.TxID != 0 {
		var ok bool

		if tx, ok = s.txs[h.TxID]; !ok || tx.conn != c {
			return nil, "ENOENT"
		}
	}

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}

		return ""
	}

	switch h.Type {
	case wire.TypeRead:
		v, ok := s.lookup(tx, s.resolve(c, arg(0)))
		if !ok {
			return nil, "ENOENT"
		}

		return []byte(v), ""
	case wire.TypeWrite:
		p, value, found := strings.Cut(string(payload), "\x00")
		if !found {
			return nil, "EINVAL"
		}

		p = s.resolve(c, p)

		if tx != nil {
			tx.ops = append(tx.ops, storeOp{kind: wire.TypeWrite, path: p, value: value})
		} else {
			s.writeLocked(p, value)
		}

		return wire.Join("OK"), ""
	case wire.TypeMkdir:
		p := s.resolve(c, arg(0))

		if tx != nil {
			if _, ok := s.lookup(tx, p); !ok {
				tx.ops = append(tx.ops, storeOp{kind: wire.TypeWrite, path: p})
			}
		} else {
			s.mkdirLocked(p)
		}

		return wire.Join("OK"), ""
	case wire.TypeRm:
		p := s.resolve(c, arg(0))

		if _, ok := s.lookup(tx, p); !ok {
			return nil, "ENOENT"
		}

		if tx != nil {
			tx.ops = append(tx.ops, storeOp{kind: wire.TypeRm, path: p})
		} else {
			s.rmLocked(p)
		}

		return wire.Join("OK"), ""
	case wire.TypeDirectory:
		p := s.resolve(c, arg(0))

		if _, ok := s.lookup(tx, p); !ok {
			return nil, "ENOENT"
		}

		return wire.Join(s.children(tx, p)...), ""
	case wire.TypeGetPerms:
		if _, ok := s.lookup(tx, s.resolve(c, arg(0))); !ok {
			return nil, "ENOENT"
		}

		return wire.Join("b" + strconv.Itoa(int(c.guest.id))), ""
	case wire.TypeWatch:
		w := watch{path: arg(0), abs: s.resolve(c, arg(0)), token: arg(1)}
		c.watches = append(c.watches, w)

		// a new watch fires once straight away
		s.queueEventLocked(c, w, w.abs)

		return wire.Join("OK"), ""
	case wire.TypeUnwatch:
		i := slices.IndexFunc(c.watches, func(w watch) bool { return w.path == arg(0) && w.token == arg(1) })
		if i < 0 {
			return nil, "ENOENT"
		}

		c.watches = slices.Delete(c.watches, i, i+1)

		return wire.Join("OK"), ""
	case wire.TypeTransactionStart:
		id := s.nextTx
		s.nextTx++
		s.txs[id] = &storeTx{conn: c}

		return wire.Join(strconv.FormatUint(uint64(id), 10)), ""
	case wire.TypeTransactionEnd:
		if tx == nil {
			return nil, "ENOENT"
		}

		delete(s.txs, h.TxID)

		if arg(0) != "T" {
			return wire.Join("OK"), ""
		}

		if s.failCommits > 0 {
			s.failCommits--

			return nil, "EAGAIN"
		}

		for _, op := range tx.ops {
			if op.kind == wire.TypeRm {
				s.rmLocked(op.path)
			} else {
				s.writeLocked(op.path, op.value)
			}
		}

		return wire.Join("OK"), ""
	case wire.TypeGetDomainPath:
		id, err := strconv.Atoi(arg(0))
		if err != nil {
			return nil, "EINVAL"
		}

		return wire.Join(DomainPath(hypercall.DomID(id))), ""
	default:
		return nil, "EINVAL"
	}
}

func (s *Store) children(tx *storeTx, p string) []string {
	prefix := strings.TrimSuffix(p, "/") + "/"
	seen := map[string]struct{}{}

	add := func(k string) {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			name, _, _ := strings.Cut(rest, "/")
			if _, ok := s.lookup(tx, prefix+name); ok {
				seen[name] = struct{}{}
			}
		}
	}

	s.descendants(p, func(n node) bool {
		add(n.path)

		return true
	})

	if tx != nil {
		for _, op := range tx.ops {
			add(op.path)
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}
