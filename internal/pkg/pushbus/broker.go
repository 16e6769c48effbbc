// Package pushbus is the named-group fan-out used for live websocket events.
// Publishing never blocks: each subscriber owns a bounded queue and the
// oldest frame is dropped when it is full.
package pushbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

const (
	DefaultQueueSize = 64

	AdminDashboardGroup = "admin_dashboard"
	AdminTrackingGroup  = "admin_tracking"
)

func CustomerGroup(userID uint) string { return fmt.Sprintf("customer_%d", userID) }

func MechanicGroup(userID uint) string { return fmt.Sprintf("mechanic_%d", userID) }

// DispatchTopic carries mechanic offer responses for one request to its dispatch run.
func DispatchTopic(requestID uint) string { return fmt.Sprintf("dispatch_%d", requestID) }

// Publisher is the write side of the broker.
type Publisher interface {
	Publish(group string, frame interface{}) error
}

// Subscription is one subscriber's view of a group.
type Subscription struct {
	ID    string
	Group string

	broker *Broker
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// C returns the frame channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

func (s *Subscription) offer(frame []byte) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- frame:
		return false
	default:
	}
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- frame:
	default:
		dropped = true
	}
	return dropped
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broker keeps the group registry of this process and optionally mirrors
// publishes through a Bridge so other instances deliver them too.
type Broker struct {
	mu        sync.RWMutex
	groups    map[string]map[string]*Subscription
	queueSize int
	origin    string
	bridge    Bridge

	published atomic.Int64
	dropped   atomic.Int64
}

func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		groups:    make(map[string]map[string]*Subscription),
		queueSize: queueSize,
		origin:    uuid.NewString(),
	}
}

// Subscribe registers a new subscriber on group.
func (b *Broker) Subscribe(group string) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Group:  group,
		broker: b,
		ch:     make(chan []byte, b.queueSize),
	}
	b.mu.Lock()
	members, ok := b.groups[group]
	if !ok {
		members = make(map[string]*Subscription)
		b.groups[group] = members
	}
	members[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	if members, ok := b.groups[sub.Group]; ok {
		delete(members, sub.ID)
		if len(members) == 0 {
			delete(b.groups, sub.Group)
		}
	}
	b.mu.Unlock()
	sub.shut()
}

// Publish marshals frame to JSON and fans it out to every subscriber of group.
func (b *Broker) Publish(group string, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame for %s: %w", group, err)
	}
	b.PublishRaw(group, data)
	return nil
}

// PublishLocal delivers frame to this instance's subscribers only. Used for
// frames every instance derives on its own.
func (b *Broker) PublishLocal(group string, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame for %s: %w", group, err)
	}
	b.deliver(group, data)
	return nil
}

// PublishRaw fans out an already encoded frame.
func (b *Broker) PublishRaw(group string, data []byte) {
	b.deliver(group, data)
	b.mu.RLock()
	bridge := b.bridge
	b.mu.RUnlock()
	if bridge != nil {
		if err := bridge.Forward(b.origin, group, data); err != nil {
			log.Warnf("[PushBus] Bridge forward to %s failed: %v", group, err)
		}
	}
}

func (b *Broker) deliver(group string, data []byte) {
	b.mu.RLock()
	members := make([]*Subscription, 0, len(b.groups[group]))
	for _, sub := range b.groups[group] {
		members = append(members, sub)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range members {
		if sub.offer(data) {
			b.dropped.Add(1)
			log.Debugf("[PushBus] Dropped oldest frame for subscriber %s on %s", sub.ID, group)
		}
	}
}

// Subscribers returns the number of local subscribers on group.
func (b *Broker) Subscribers(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}

// Stats reports publish and drop counters since start.
func (b *Broker) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
