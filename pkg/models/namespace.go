package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// BrokerType selects the broker adapter used to reach a namespace
type BrokerType string

const (
	BrokerTypeRedisStreams BrokerType = "redis-streams"
)

// Namespace is one broker instance known to the directory. The connection
// string is stored encrypted and only decrypted on resolution.
type Namespace struct {
	ID                  uuid.UUID                         `db:"id" json:"id"`
	Name                string                            `db:"name" json:"name"`
	BrokerType          BrokerType                        `db:"broker_type" json:"broker_type"`
	EncryptedConnection string                            `db:"encrypted_connection" json:"-"`
	IsActive            bool                              `db:"is_active" json:"is_active"`
	Labels              database.JSONB[map[string]string] `db:"labels" json:"labels,omitempty"`
	CreatedAt           time.Time                         `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time                         `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Namespace) TableName() string {
	return "namespaces"
}
