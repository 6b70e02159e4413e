package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func TestRecordStoreCreateAndQuery(t *testing.T) {
	s := newTestStore(t)
	r := s.Records()
	ctx := context.Background()

	created, err := r.Create(ctx, "orders", map[string]any{"id": "o-1", "status": "open", "total": 42.5})
	require.NoError(t, err)
	assert.Equal(t, "o-1", created["id"])

	// id is generated when absent
	anon, err := r.Create(ctx, "orders", map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.NotEmpty(t, anon["id"])

	_, err = r.Create(ctx, "orders", map[string]any{"id": "o-1"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	open, err := r.Query(ctx, "orders", map[string]any{"status": "open"}, 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	one, err := r.Query(ctx, "orders", nil, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	none, err := r.Query(ctx, "orders", map[string]any{"status": "closed"}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordStoreUpdatePatchesWithoutTouchingID(t *testing.T) {
	s := newTestStore(t)
	r := s.Records()
	ctx := context.Background()

	_, err := r.Create(ctx, "orders", map[string]any{"id": "o-1", "status": "open"})
	require.NoError(t, err)

	updated, err := r.Update(ctx, "orders", "o-1", map[string]any{"status": "shipped", "id": "hijack"})
	require.NoError(t, err)
	assert.Equal(t, "o-1", updated["id"])
	assert.Equal(t, "shipped", updated["status"])

	_, err = r.Update(ctx, "orders", "ghost", map[string]any{"status": "x"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRecordStoreDelete(t *testing.T) {
	s := newTestStore(t)
	r := s.Records()
	ctx := context.Background()

	_, err := r.Create(ctx, "orders", map[string]any{"id": "o-1"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "orders", "o-1"))
	err = r.Delete(ctx, "orders", "o-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRecordStoreCollectionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	r := s.Records()
	ctx := context.Background()

	_, err := r.Create(ctx, "orders", map[string]any{"id": "shared"})
	require.NoError(t, err)
	_, err = r.Create(ctx, "invoices", map[string]any{"id": "shared"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "orders", "shared"))
	left, err := r.Query(ctx, "invoices", nil, 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
