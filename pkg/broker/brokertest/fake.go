// Package brokertest provides an in-memory broker for tests and local runs.
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/broker"
	"github.com/Ramsey-B/fern/pkg/namespaces"
)

// ReplayCall records one ReplayDeadLetters invocation.
type ReplayCall struct {
	Destination broker.Destination
	Items       []broker.ReplayItem
}

// Broker is one namespace's in-memory dead-letter queues.
type Broker struct {
	mu sync.Mutex

	deadLetters map[string][]broker.Message
	delivered   map[string][]broker.Message

	// PeekErrors fails PeekDeadLetters for the named entity.
	PeekErrors map[string]error
	// ListErr fails ListEntities.
	ListErr error
	// FailSequences makes a replay of the given sequence number fail with the message.
	FailSequences map[int64]string

	peekCalls   int
	replayCalls []ReplayCall
	closed      bool
}

func New() *Broker {
	return &Broker{
		deadLetters:   make(map[string][]broker.Message),
		delivered:     make(map[string][]broker.Message),
		PeekErrors:    make(map[string]error),
		FailSequences: make(map[int64]string),
	}
}

// DeadLetter adds messages to an entity's dead-letter queue, kept sorted by sequence.
func (b *Broker) DeadLetter(entity string, messages ...broker.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deadLetters[entity] = append(b.deadLetters[entity], messages...)
	sort.Slice(b.deadLetters[entity], func(i, j int) bool {
		return b.deadLetters[entity][i].SequenceNumber < b.deadLetters[entity][j].SequenceNumber
	})
}

func (b *Broker) ListEntities(_ context.Context) ([]broker.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ListErr != nil {
		return nil, b.ListErr
	}

	entities := make([]broker.Entity, 0, len(b.deadLetters))
	for name, msgs := range b.deadLetters {
		if len(msgs) == 0 {
			continue
		}
		entityType, topic := broker.EntityInfo(name)
		entities = append(entities, broker.Entity{Name: name, Type: entityType, TopicName: topic, DeadLetterCount: int64(len(msgs))})
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities, nil
}

func (b *Broker) PeekDeadLetters(_ context.Context, entity string, max int, fromSequence int64) ([]broker.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.peekCalls++
	if err := b.PeekErrors[entity]; err != nil {
		return nil, err
	}

	var out []broker.Message
	for _, m := range b.deadLetters[entity] {
		if m.SequenceNumber < fromSequence {
			continue
		}
		if len(out) == max {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *Broker) ReplayDeadLetters(_ context.Context, destination broker.Destination, items []broker.ReplayItem) ([]broker.ReplayResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.replayCalls = append(b.replayCalls, ReplayCall{Destination: destination, Items: append([]broker.ReplayItem(nil), items...)})

	results := make([]broker.ReplayResult, 0, len(items))
	for _, item := range items {
		result := broker.ReplayResult{SourceEntity: item.SourceEntity, SequenceNumber: item.SequenceNumber}
		if msg, ok := b.FailSequences[item.SequenceNumber]; ok {
			result.Error = msg
			results = append(results, result)
			continue
		}

		queue := b.deadLetters[item.SourceEntity]
		idx := -1
		for i, m := range queue {
			if m.SequenceNumber == item.SequenceNumber {
				idx = i
				break
			}
		}
		if idx < 0 {
			result.Error = "message not found in dead-letter queue"
			results = append(results, result)
			continue
		}

		b.delivered[destination.String()] = append(b.delivered[destination.String()], queue[idx])
		b.deadLetters[item.SourceEntity] = append(queue[:idx:idx], queue[idx+1:]...)
		result.Success = true
		results = append(results, result)
	}
	return results, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ReplayCalls returns every replay invocation so far.
func (b *Broker) ReplayCalls() []ReplayCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReplayCall(nil), b.replayCalls...)
}

// PeekCalls returns how many peeks were issued.
func (b *Broker) PeekCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peekCalls
}

// Delivered returns messages replayed to destination.
func (b *Broker) Delivered(destination string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.delivered[destination]...)
}

// Remaining returns the dead-letter depth of entity.
func (b *Broker) Remaining(entity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deadLetters[entity])
}

// Factory hands out the Broker registered for each namespace.
type Factory struct {
	mu      sync.Mutex
	brokers map[uuid.UUID]*Broker
	opened  map[uuid.UUID]int
}

func NewFactory() *Factory {
	return &Factory{
		brokers: make(map[uuid.UUID]*Broker),
		opened:  make(map[uuid.UUID]int),
	}
}

// Register returns the namespace's broker, creating it if needed.
func (f *Factory) Register(namespaceID uuid.UUID) *Broker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.brokers[namespaceID]; ok {
		return b
	}
	b := New()
	f.brokers[namespaceID] = b
	return b
}

func (f *Factory) NewClient(_ context.Context, conn *namespaces.Connection) (broker.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.brokers[conn.NamespaceID]
	if !ok {
		return nil, fmt.Errorf("no broker for namespace %s", conn.NamespaceID)
	}
	f.opened[conn.NamespaceID]++
	return b, nil
}

// Opened returns how many clients were opened for namespaceID.
func (f *Factory) Opened(namespaceID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[namespaceID]
}
