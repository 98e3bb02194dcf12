package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/storage"
	"shopdesk/internal/storage/storagetest"
)

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.DataService {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.CreateCustomer(ctx, &storage.Customer{ID: "tg:1", Name: "Ivan"}))

	reopened, err := New(dir)
	require.NoError(t, err)
	got, err := reopened.GetCustomer(ctx, "tg:1")
	require.NoError(t, err)
	assert.Equal(t, "Ivan", got.Name)

	st, err := os.Stat(filepath.Join(dir, customersFile))
	require.NoError(t, err)
	assert.NotZero(t, st.Size())
}

func TestEmptyDirRejected(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, storage.ErrInvalidConfig)
}

func TestCorruptFileSurfacesError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, templatesFile), []byte("{not json"), 0o644))
	s, err := New(dir)
	require.NoError(t, err)
	_, err = s.GetAllIntentTemplates(context.Background())
	assert.Error(t, err)
}
