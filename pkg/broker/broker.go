// Package broker defines the message-broker collaborator used by the scanner
// and the replay executor.
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/namespaces"
)

const subscriptionsSegment = "/subscriptions/"

// Entity is a queue or topic-subscription with its dead-letter depth.
type Entity struct {
	Name            string
	Type            models.EntityType
	TopicName       *string
	DeadLetterCount int64
}

// Message is a dead-lettered message as returned by a peek.
type Message struct {
	MessageID                  string
	SequenceNumber             int64
	Body                       []byte
	EnqueuedAt                 time.Time
	DeadLetteredAt             *time.Time
	DeadLetterReason           string
	DeadLetterErrorDescription string
	DeliveryCount              int
	ContentType                *string
	CorrelationID              *string
	ApplicationProperties      map[string]any
}

// Destination is where replayed messages are sent.
type Destination struct {
	Entity       string
	Subscription *string
}

// ParseDestination splits "topic/subscriptions/sub" into topic and
// subscription. Queue names are returned unchanged.
func ParseDestination(name string) Destination {
	if i := strings.Index(name, subscriptionsSegment); i > 0 {
		sub := name[i+len(subscriptionsSegment):]
		if sub != "" {
			return Destination{Entity: name[:i], Subscription: &sub}
		}
	}
	return Destination{Entity: name}
}

// String renders the destination in entity-name form.
func (d Destination) String() string {
	if d.Subscription == nil {
		return d.Entity
	}
	return d.Entity + subscriptionsSegment + *d.Subscription
}

// EntityInfo derives type and parent topic from a fully qualified entity name.
func EntityInfo(name string) (models.EntityType, *string) {
	d := ParseDestination(name)
	if d.Subscription == nil {
		return models.EntityTypeQueue, nil
	}
	topic := d.Entity
	return models.EntityTypeSubscription, &topic
}

// ReplayItem identifies one dead-lettered message to replay.
type ReplayItem struct {
	SourceEntity   string
	SequenceNumber int64
}

// ReplayResult is the per-message outcome of a batched replay.
type ReplayResult struct {
	SourceEntity        string
	SequenceNumber      int64
	Success             bool
	Error               string
	NewDeadLetterReason *string
}

// Client talks to one namespace. Implementations carry their own retry policy.
type Client interface {
	// ListEntities returns entities whose dead-letter count is nonzero.
	ListEntities(ctx context.Context) ([]Entity, error)
	// PeekDeadLetters reads up to max messages without removing them, starting
	// at fromSequence (inclusive). fromSequence <= 0 reads from the start.
	PeekDeadLetters(ctx context.Context, entity string, max int, fromSequence int64) ([]Message, error)
	// ReplayDeadLetters moves items to destination in one call and reports
	// every item individually.
	ReplayDeadLetters(ctx context.Context, destination Destination, items []ReplayItem) ([]ReplayResult, error)
	Close() error
}

// Factory opens a client for a resolved namespace connection.
type Factory interface {
	NewClient(ctx context.Context, conn *namespaces.Connection) (Client, error)
}

type FactoryFunc func(ctx context.Context, conn *namespaces.Connection) (Client, error)

func (f FactoryFunc) NewClient(ctx context.Context, conn *namespaces.Connection) (Client, error) {
	return f(ctx, conn)
}
