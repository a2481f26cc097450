// Package namespaces resolves a namespace id to decrypted broker connection data.
package namespaces

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Connection is the decrypted data needed to open a broker client.
type Connection struct {
	NamespaceID      uuid.UUID
	Name             string
	BrokerType       models.BrokerType
	ConnectionString string
}

// Decrypter is the boundary to the credential encryption service.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// PlaintextDecrypter treats stored connections as unencrypted.
type PlaintextDecrypter struct{}

func (PlaintextDecrypter) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return ciphertext, nil
}

// Base64Decrypter decodes connections stored base64-encoded. Local setups only.
type Base64Decrypter struct{}

func (Base64Decrypter) Decrypt(_ context.Context, ciphertext string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode connection: %w", err)
	}
	return string(b), nil
}

// Directory lists namespaces and resolves their connections.
type Directory interface {
	ListActive(ctx context.Context) ([]models.Namespace, error)
	Resolve(ctx context.Context, namespaceID uuid.UUID) (*Connection, error)
}

type StoreDirectory struct {
	repo      repositories.NamespaceRepo
	decrypter Decrypter
	logger    ectologger.Logger
}

func NewStoreDirectory(repo repositories.NamespaceRepo, decrypter Decrypter, logger ectologger.Logger) *StoreDirectory {
	if decrypter == nil {
		decrypter = PlaintextDecrypter{}
	}
	return &StoreDirectory{
		repo:      repo,
		decrypter: decrypter,
		logger:    logger,
	}
}

func (d *StoreDirectory) ListActive(ctx context.Context) ([]models.Namespace, error) {
	return d.repo.ListActive(ctx)
}

// Resolve fails for unknown or inactive namespaces and on decryption errors.
func (d *StoreDirectory) Resolve(ctx context.Context, namespaceID uuid.UUID) (*Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "StoreDirectory.Resolve")
	defer span.End()

	namespace, err := d.repo.GetByID(ctx, namespaceID)
	if err != nil {
		return nil, err
	}
	if !namespace.IsActive {
		return nil, fmt.Errorf("namespace %s is not active", namespaceID)
	}

	plaintext, err := d.decrypter.Decrypt(ctx, namespace.EncryptedConnection)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("namespace_id", namespaceID).Warn("failed to decrypt namespace connection")
		return nil, fmt.Errorf("resolve namespace %s: %w", namespaceID, err)
	}

	return &Connection{
		NamespaceID:      namespace.ID,
		Name:             namespace.Name,
		BrokerType:       namespace.BrokerType,
		ConnectionString: plaintext,
	}, nil
}
