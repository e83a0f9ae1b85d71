package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	RealtimeEventCustomerChanged = "customer-change"
	RealtimeEventDepositChanged  = "deposit-change"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "sibisa-backend"
	realtimeBufferSize           = 16
)

// realtimeEvents maps a store collection onto the event type streamed to clients.
var realtimeEvents = map[string]string{
	"customer": RealtimeEventCustomerChanged,
	"deposit":  RealtimeEventDepositChanged,
}

type RealtimeMessage struct {
	Collection string
	EventType  string
	RecordIDs  []string
	Timestamp  time.Time
}

// RealtimeDispatcher fans change notifications out to stream subscribers by collection.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers one stream for every given collection. The stream stays open until
// ctx ends or cleanup runs, and slow readers drop messages instead of blocking writers.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, collections ...string) (<-chan RealtimeMessage, func()) {
	if len(collections) == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	for _, collection := range collections {
		d.registerSubscriber(collection, subscriber)
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			for _, collection := range collections {
				d.unregisterSubscriber(collection, subscriber.id)
			}
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Collection == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Collection]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyChange publishes a change of ids in collection. Unknown collections are ignored.
func (d *RealtimeDispatcher) NotifyChange(collection string, ids []string) {
	eventType, ok := realtimeEvents[collection]
	if !ok || len(ids) == 0 {
		return
	}
	d.Publish(RealtimeMessage{
		Collection: collection,
		EventType:  eventType,
		RecordIDs:  uniqueSortedIDs(ids),
		Timestamp:  d.clock().UTC(),
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(collection string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}

func uniqueSortedIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Strings(unique)
	return unique
}
