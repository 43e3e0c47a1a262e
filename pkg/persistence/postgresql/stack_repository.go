package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// StackRepository handles stack profile database operations.
type StackRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStackRepository creates a new stack repository.
func NewStackRepository(db *sql.DB, logger *slog.Logger) *StackRepository {
	return &StackRepository{db: db, logger: logger}
}

// Save stores a stack profile, replacing any previous one with the same ID.
func (r *StackRepository) Save(ctx context.Context, stack *models.StackProfile) error {
	now := time.Now().UTC()

	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}

	stack.UpdatedAt = now

	configJSON, err := json.Marshal(stack.Config)
	if err != nil {
		return persistence.NewStackError("SaveStack", stack.ID, fmt.Errorf("failed to marshal config: %w", err))
	}

	query := `
		INSERT INTO stacks (id, backend, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			backend = EXCLUDED.backend,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		stack.ID,
		stack.Backend,
		configJSON,
		stack.CreatedAt,
		stack.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStackError("SaveStack", stack.ID, fmt.Errorf("failed to save stack: %w", err))
	}

	return nil
}

// GetByID returns a stack profile by its ID.
func (r *StackRepository) GetByID(ctx context.Context, id string) (*models.StackProfile, error) {
	query := `
		SELECT
			id
		  , backend
		  , config
		  , created_at
		  , updated_at
		FROM stacks
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	stack, err := r.scanStack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStackError("StackByID", id, persistence.ErrStackNotFound)
		}

		return nil, persistence.NewStackError("StackByID", id, fmt.Errorf("failed to scan stack: %w", err))
	}

	return stack, nil
}

// GetAll returns all stack profiles ordered by ID.
func (r *StackRepository) GetAll(ctx context.Context) ([]*models.StackProfile, error) {
	query := `
		SELECT
			id
		  , backend
		  , config
		  , created_at
		  , updated_at
		FROM stacks
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stacks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	stacks := make([]*models.StackProfile, 0)

	for rows.Next() {
		stack, err := r.scanStack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}

		stacks = append(stacks, stack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}

	return stacks, nil
}

func (r *StackRepository) scanStack(scanner interface {
	Scan(dest ...any) error
}) (*models.StackProfile, error) {
	var (
		stack      models.StackProfile
		configJSON []byte
	)

	err := scanner.Scan(
		&stack.ID,
		&stack.Backend,
		&configJSON,
		&stack.CreatedAt,
		&stack.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if configJSON != nil {
		err := json.Unmarshal(configJSON, &stack.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	return &stack, nil
}
