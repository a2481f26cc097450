package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const namespacesTable = "namespaces"

var namespaceStruct = database.NewStruct(new(models.Namespace))

// NamespaceRepository handles database operations for broker namespaces
type NamespaceRepository struct {
	*Repository
}

// NewNamespaceRepository creates a new namespace repository
func NewNamespaceRepository(db database.DB, logger ectologger.Logger) *NamespaceRepository {
	return &NamespaceRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create registers a namespace. The connection must already be encrypted.
func (r *NamespaceRepository) Create(ctx context.Context, namespace *models.Namespace) error {
	ctx, span := tracing.StartSpan(ctx, "NamespaceRepository.Create")
	defer span.End()

	if namespace.ID == uuid.Nil {
		namespace.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(namespacesTable).
		Cols("id", "name", "broker_type", "encrypted_connection", "is_active", "labels", "created_at", "updated_at").
		Values(namespace.ID, namespace.Name, namespace.BrokerType, namespace.EncryptedConnection,
			namespace.IsActive, namespace.Labels, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().Executor(ctx).QueryRowxContext(ctx, query, args...).Scan(&namespace.CreatedAt, &namespace.UpdatedAt)
	if IsUniqueViolation(err) {
		return Conflict("namespace named %q already exists", namespace.Name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"namespace_name": namespace.Name,
		}).Error("failed to create namespace")
		return Internal("failed to create namespace")
	}
	return nil
}

// GetByID retrieves a namespace by ID
func (r *NamespaceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Namespace, error) {
	ctx, span := tracing.StartSpan(ctx, "NamespaceRepository.GetByID")
	defer span.End()

	sb := namespaceStruct.SelectFrom(namespacesTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var namespace models.Namespace
	err := r.DB().Executor(ctx).GetContext(ctx, &namespace, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("namespace %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"namespace_id": id,
		}).Error("failed to get namespace")
		return nil, Internal("failed to get namespace")
	}
	return &namespace, nil
}

// ListActive returns namespaces eligible for scanning
func (r *NamespaceRepository) ListActive(ctx context.Context) ([]models.Namespace, error) {
	ctx, span := tracing.StartSpan(ctx, "NamespaceRepository.ListActive")
	defer span.End()

	sb := namespaceStruct.SelectFrom(namespacesTable)
	sb.Where(sb.Equal("is_active", true))
	sb.OrderBy("name")

	query, args := sb.Build()
	namespaces := []models.Namespace{}
	if err := r.DB().Executor(ctx).SelectContext(ctx, &namespaces, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list active namespaces")
		return nil, Internal("failed to list namespaces")
	}
	return namespaces, nil
}

// SetActive enables or disables scanning for a namespace
func (r *NamespaceRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	ctx, span := tracing.StartSpan(ctx, "NamespaceRepository.SetActive")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(namespacesTable).
		Set(ub.Assign("is_active", active), "updated_at = NOW()").
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"namespace_id": id,
		}).Error("failed to set namespace active flag")
		return Internal("failed to update namespace")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("namespace %s does not exist", id)
	}
	return nil
}
