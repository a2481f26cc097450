package broker

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/namespaces"
)

// Registry dispatches to a factory by the namespace's broker type.
type Registry map[models.BrokerType]Factory

func (r Registry) NewClient(ctx context.Context, conn *namespaces.Connection) (Client, error) {
	factory, ok := r[conn.BrokerType]
	if !ok {
		return nil, fmt.Errorf("no broker adapter registered for %q", conn.BrokerType)
	}
	return factory.NewClient(ctx, conn)
}
