package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/config"
	"shopdesk/internal/logging"
	"shopdesk/internal/storage"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "rules", "stats"}, names)
}

func TestNewFactoryPrefersOverrideFile(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "storage_type.txt")
	require.NoError(t, os.WriteFile(override, []byte(" json\n"), 0o644))

	cfg := &config.Config{StorageType: "sqlite", StorageTypeFilePath: override, JSONDataDir: filepath.Join(dir, "json")}
	f, err := newFactory(cfg, logging.New(os.Stderr, "error", "text"), nil)
	require.NoError(t, err)
	defer func() { _ = f.Destroy(context.Background()) }()
	assert.Equal(t, storage.TypeJSON, f.Current())

	cfg.StorageTypeFilePath = filepath.Join(dir, "missing.txt")
	f2, err := newFactory(cfg, logging.New(os.Stderr, "error", "text"), nil)
	require.NoError(t, err)
	defer func() { _ = f2.Destroy(context.Background()) }()
	assert.Equal(t, storage.TypeSQLite, f2.Current())
}

func TestNewFactoryRejectsUnknownType(t *testing.T) {
	cfg := &config.Config{StorageType: "cassandra"}
	_, err := newFactory(cfg, logging.New(os.Stderr, "error", "text"), nil)
	assert.ErrorIs(t, err, storage.ErrUnknownType)
}

func TestTeardownRunsNewestFirstOnce(t *testing.T) {
	var order []string
	var td teardown
	release := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	td.add(release("factory", nil))
	td.add(release("store", errors.New("store closed twice")))
	td.add(release("dispatcher", nil))

	err := td.run(context.Background())
	assert.ErrorContains(t, err, "store closed twice")
	assert.Equal(t, []string{"dispatcher", "store", "factory"}, order)

	assert.NoError(t, td.run(context.Background()))
	assert.Len(t, order, 3)
}
