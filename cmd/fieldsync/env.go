package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/store"
)

// openDatabase opens the local database and returns the mirror store and
// the operation queue sharing its connection. Schemas are initialized so
// every subcommand works on a fresh install.
func openDatabase(cfg *config.Config, logger *log.Logger) (*store.Store, *queue.Queue, error) {
	if dir := filepath.Dir(cfg.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to initialize mirror schema: %w", err)
	}

	q, err := queue.New(st.RawDB(), &queue.Config{
		RetryCeiling: cfg.Sync.RetryCeiling,
		Logger:       logger,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if err := q.InitSchema(); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return st, q, nil
}
