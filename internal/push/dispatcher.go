package push

import (
	"context"
	"sync"

	"github.com/stagecrew/tablesync/internal/tablelog"
	"go.uber.org/zap"
)

// Dispatcher fans document events out to in-process subscribers, keyed by
// resource id. Events are delivered as immutable copies on buffered channels;
// a slow subscriber drops events rather than blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*dispatcherSubscriber
	nextID      int64
	bufferSize  int
}

type dispatcherSubscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*dispatcherSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for all events of one resource. The subscription ends
// when the context is done or the returned cleanup runs.
func (dispatcher *Dispatcher) Subscribe(ctx context.Context, resourceID string) (<-chan Event, func()) {
	if resourceID == "" {
		stream := make(chan Event)
		close(stream)
		return stream, func() {}
	}
	subscriber := &dispatcherSubscriber{
		id:     dispatcher.nextSequence(),
		stream: make(chan Event, dispatcher.bufferSize),
	}
	dispatcher.registerSubscriber(resourceID, subscriber)
	cleanup := func() {
		dispatcher.unregisterSubscriber(resourceID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its resource.
func (dispatcher *Dispatcher) Publish(event Event) {
	if event.Identity.ResourceID == "" || event.Name == "" {
		return
	}
	dispatcher.mu.RLock()
	subscribers := dispatcher.subscribers[event.Identity.ResourceID]
	if len(subscribers) == 0 {
		dispatcher.mu.RUnlock()
		return
	}
	copies := make([]*dispatcherSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	dispatcher.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (dispatcher *Dispatcher) nextSequence() int64 {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.nextID++
	return dispatcher.nextID
}

func (dispatcher *Dispatcher) registerSubscriber(resourceID string, subscriber *dispatcherSubscriber) {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if _, ok := dispatcher.subscribers[resourceID]; !ok {
		dispatcher.subscribers[resourceID] = make(map[int64]*dispatcherSubscriber)
	}
	dispatcher.subscribers[resourceID][subscriber.id] = subscriber
}

func (dispatcher *Dispatcher) unregisterSubscriber(resourceID string, subscriberID int64) {
	dispatcher.mu.Lock()
	subscribers := dispatcher.subscribers[resourceID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(dispatcher.subscribers, resourceID)
		}
	}
	dispatcher.mu.Unlock()
}

// DispatcherSource adapts a Dispatcher into the engine's update source,
// filtering events by document identity and converting them to snapshots.
// Useful when engine and backend share a process, and for tests.
type DispatcherSource struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewDispatcherSource wraps the dispatcher.
func NewDispatcherSource(dispatcher *Dispatcher, logger *zap.Logger) *DispatcherSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatcherSource{dispatcher: dispatcher, logger: logger}
}

// Subscribe implements engine.UpdateSource.
func (source *DispatcherSource) Subscribe(identity tablelog.DocumentIdentity, deliver func(tablelog.Snapshot)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, cleanup := source.dispatcher.Subscribe(ctx, identity.ResourceID())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-stream:
				if !ok {
					return
				}
				if !event.AppliesTo(identity) {
					continue
				}
				snapshot, usable := event.Snapshot()
				if !usable {
					continue
				}
				deliver(snapshot)
			}
		}
	}()
	return func() {
		cancel()
		cleanup()
	}, nil
}
