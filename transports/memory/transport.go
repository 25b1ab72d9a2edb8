// Package memory provides an in-process transport. Queues, topics,
// message TTL and acknowledgment behave like a broker, which makes it
// suitable for embedding and for tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/gofer-go/contracts"
	"github.com/glimte/gofer-go/messaging"
	"github.com/google/uuid"
)

// ErrClosed is returned when using a closed connection or session
var ErrClosed = errors.New("memory: closed")

// Transport is an in-process broker shared by every connection made
// through it, whatever the URL.
type Transport struct {
	mu     sync.Mutex
	queues map[string]*queue
	topics map[string]*topic
	conns  []*connection

	connects    atomic.Int64
	connectFail atomic.Int64
	connectErr  error
}

var _ messaging.Transport = (*Transport)(nil)

// New creates an empty in-process broker
func New() *Transport {
	return &Transport{
		queues: make(map[string]*queue),
		topics: make(map[string]*topic),
	}
}

// FailConnects makes the next n Connect calls fail with err
func (t *Transport) FailConnects(n int, err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
	t.connectFail.Store(int64(n))
}

// Connects returns the number of successful connections made
func (t *Transport) Connects() int {
	return int(t.connects.Load())
}

// Drop closes every open connection as a broker restart would
func (t *Transport) Drop() {
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// HasQueue reports whether a queue exists
func (t *Transport) HasQueue(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.queues[name]
	return ok
}

// Depth returns the number of ready, unexpired messages on a queue
func (t *Transport) Depth(name string) int {
	t.mu.Lock()
	q, ok := t.queues[name]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context, url *messaging.URL) (messaging.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.connectFail.Load() > 0 && t.connectFail.Add(-1) >= 0 {
		t.mu.Lock()
		err := t.connectErr
		t.mu.Unlock()
		return nil, err
	}
	t.connects.Add(1)
	c := &connection{transport: t, url: url}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) queue(name string) *queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = newQueue(name)
		t.queues[name] = q
	}
	return q
}

func (t *Transport) topic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[name]
	if !ok {
		tp = &topic{name: name, bindings: make(map[*queue]string)}
		t.topics[name] = tp
	}
	return tp
}

func (t *Transport) deleteQueue(q *queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queues[q.name] == q {
		delete(t.queues, q.name)
	}
	for _, tp := range t.topics {
		tp.unbind(q)
	}
}

func (t *Transport) deleteTopic(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, name)
}

type connection struct {
	transport *Transport
	url       *messaging.URL

	mu       sync.Mutex
	sessions []*session
	closed   bool
}

func (c *connection) Session(ctx context.Context, name string) (messaging.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &session{name: name, transport: c.transport}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.closed = true
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

type session struct {
	name      string
	transport *Transport

	mu        sync.Mutex
	receivers []*receiver
	closed    bool
}

func (s *session) Declare(ctx context.Context, dest contracts.Destination) error {
	info, err := contracts.ParseAddress(dest.Address())
	if err != nil {
		return err
	}
	if info.NodeType == "topic" {
		s.transport.topic(info.Name)
		return nil
	}
	s.transport.queue(info.Name)
	return nil
}

func (s *session) Delete(ctx context.Context, dest contracts.Destination) error {
	if s.isClosed() {
		return ErrClosed
	}
	info, err := contracts.ParseAddress(dest.Address())
	if err != nil {
		return err
	}
	if info.NodeType == "topic" {
		s.transport.deleteTopic(info.Name)
		return nil
	}
	s.transport.mu.Lock()
	q, ok := s.transport.queues[info.Name]
	s.transport.mu.Unlock()
	if ok {
		s.transport.deleteQueue(q)
	}
	return nil
}

func (s *session) Sender(ctx context.Context, address string) (messaging.Sender, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	info, err := contracts.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &sender{transport: s.transport, info: info}, nil
}

func (s *session) Receiver(ctx context.Context, address string) (messaging.Receiver, error) {
	info, err := contracts.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	r := &receiver{
		transport: s.transport,
		pending:   make(map[*delivery]struct{}),
		closed:    make(chan struct{}),
	}
	if info.NodeType == "topic" {
		r.queue = newQueue(fmt.Sprintf("%s.%s", info.Name, uuid.NewString()))
		r.private = true
		s.transport.topic(info.Name).bind(r.queue, info.Subject)
	} else {
		r.queue = s.transport.queue(info.Name)
	}
	s.receivers = append(s.receivers, r)
	return r, nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) Close() error {
	s.mu.Lock()
	receivers := s.receivers
	s.receivers = nil
	s.closed = true
	s.mu.Unlock()

	for _, r := range receivers {
		r.Close()
	}
	return nil
}

type sender struct {
	transport *Transport
	info      contracts.AddressInfo
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	it := &item{body: append([]byte(nil), msg.Body...)}
	if msg.TTL > 0 {
		it.expires = time.Now().Add(msg.TTL)
	}

	if s.info.NodeType == "topic" {
		s.transport.topic(s.info.Name).publish(s.info.Subject, it)
		return nil
	}
	s.transport.queue(s.info.Name).push(it)
	return nil
}

func (s *sender) Close() error {
	return nil
}

type receiver struct {
	transport *Transport
	queue     *queue
	private   bool

	mu      sync.Mutex
	pending map[*delivery]struct{}
	closed  chan struct{}
	once    sync.Once
}

func (r *receiver) Fetch(ctx context.Context, timeout time.Duration) (messaging.Delivery, error) {
	it, err := r.queue.pop(ctx, timeout, r.closed)
	if err != nil || it == nil {
		return nil, err
	}

	d := &delivery{item: it, receiver: r}
	r.mu.Lock()
	select {
	case <-r.closed:
		// Close already returned the pending deliveries
		r.mu.Unlock()
		r.queue.requeue(it)
		return nil, messaging.ErrReceiverClosed
	default:
	}
	r.pending[d] = struct{}{}
	r.mu.Unlock()
	return d, nil
}

// Close returns unacknowledged deliveries to the queue
func (r *receiver) Close() error {
	r.once.Do(func() {
		close(r.closed)

		r.mu.Lock()
		pending := r.pending
		r.pending = make(map[*delivery]struct{})
		r.mu.Unlock()

		for d := range pending {
			if d.settle() {
				r.queue.requeue(d.item)
			}
		}
		if r.private {
			r.transport.deleteQueue(r.queue)
		}
	})
	return nil
}

type delivery struct {
	item     *item
	receiver *receiver
	acked    atomic.Bool
}

func (d *delivery) Body() []byte {
	return d.item.body
}

func (d *delivery) Ack() error {
	if !d.settle() {
		return nil
	}
	d.receiver.mu.Lock()
	delete(d.receiver.pending, d)
	d.receiver.mu.Unlock()
	return nil
}

// settle reports whether this call moved the delivery out of pending
func (d *delivery) settle() bool {
	return d.acked.CompareAndSwap(false, true)
}

type topic struct {
	name string

	mu       sync.Mutex
	bindings map[*queue]string
}

func (t *topic) bind(q *queue, subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[q] = subject
}

func (t *topic) unbind(q *queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, q)
}

func (t *topic) publish(subject string, it *item) {
	t.mu.Lock()
	var targets []*queue
	for q, binding := range t.bindings {
		if matches(binding, subject) {
			targets = append(targets, q)
		}
	}
	t.mu.Unlock()

	for _, q := range targets {
		copied := *it
		q.push(&copied)
	}
}

// matches applies AMQP topic rules: "*" is one word, "#" is zero or more
func matches(binding, subject string) bool {
	if binding == "" || binding == "#" {
		return true
	}
	return matchWords(strings.Split(binding, "."), strings.Split(subject, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	}
	return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
}
