package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "uq_source_links"}
	wrapped := fmt.Errorf("insert: %w", dup)

	assert.True(t, UniqueViolation(dup, ""))
	assert.True(t, UniqueViolation(wrapped, "uq_source_links"))
	assert.False(t, UniqueViolation(wrapped, "uq_other"))
	assert.False(t, UniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, UniqueViolation(errors.New("boom"), ""))
	assert.False(t, UniqueViolation(nil, ""))
}
