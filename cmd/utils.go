package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haulio/haul/internal/config"
	"github.com/haulio/haul/internal/store"
)

// openStore opens the shared task store directly, for the read-only and
// mutate-on-disk subcommands (ls, status, pause, resume, rm) that don't
// need a running dispatcher. Mutating a record this way only affects a
// task once some future `get` invocation restores it - a live
// dispatcher in another process is not signaled (see DESIGN.md).
func openStore(cfg *config.RuntimeConfig) (*store.SQLiteStore, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return store.Open(filepath.Join(cfg.GetStateDir(), "tasks.db"))
}

// resolveTaskID resolves a partial (prefix) task ID to a full one, the way
// git resolves abbreviated commit hashes.
func resolveTaskID(st *store.SQLiteStore, partial string) (string, error) {
	records, err := st.LoadAll()
	if err != nil {
		return "", fmt.Errorf("listing tasks: %w", err)
	}
	var matches []string
	for _, r := range records {
		if strings.HasPrefix(r.TaskID, partial) {
			matches = append(matches, r.TaskID)
		}
	}
	switch len(matches) {
	case 0:
		return partial, nil // let the caller's Load surface "not found"
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous task ID %q matches %d tasks", partial, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
