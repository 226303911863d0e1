package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// AllowlistEntry permits one tool, optionally narrowed to a command pattern
// for shell calls.
type AllowlistEntry struct {
	Tool    string `json:"tool"`
	Command string `json:"command,omitempty"` // exact match
	Pattern string `json:"pattern,omitempty"` // glob pattern
	Reason  string `json:"reason,omitempty"`
	AddedAt string `json:"added_at"`
}

// Allowlist is a file-backed allow-list for headless approval. Edits to the
// file while a session runs are picked up by a filesystem watcher.
type Allowlist struct {
	filePath string
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries []AllowlistEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewAllowlist loads the allow-list at filePath. A missing file is not an
// error; it is created on first save.
func NewAllowlist(filePath string, logger zerolog.Logger) (*Allowlist, error) {
	if filePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		filePath = filepath.Join(home, ".drover", "approvals.json")
	}

	al := &Allowlist{
		filePath: filePath,
		logger:   logger,
		done:     make(chan struct{}),
	}

	if err := al.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load allowlist: %w", err)
		}
		logger.Info().Str("path", filePath).Msg("Allowlist file does not exist yet")
	}

	return al, nil
}

// Load reads entries from disk.
func (al *Allowlist) Load() error {
	data, err := os.ReadFile(al.filePath)
	if err != nil {
		return err
	}

	var entries []AllowlistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse allowlist: %w", err)
	}

	al.mu.Lock()
	al.entries = entries
	al.mu.Unlock()

	al.logger.Debug().Str("path", al.filePath).Int("count", len(entries)).Msg("Allowlist loaded")
	return nil
}

// Save writes entries to disk, creating parent directories as needed.
func (al *Allowlist) Save() error {
	al.mu.RLock()
	data, err := json.MarshalIndent(al.entries, "", "  ")
	al.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(al.filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(al.filePath, data, 0600)
}

// Add appends an entry and persists the list.
func (al *Allowlist) Add(entry AllowlistEntry) error {
	if entry.AddedAt == "" {
		entry.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}

	al.mu.Lock()
	al.entries = append(al.entries, entry)
	al.mu.Unlock()

	return al.Save()
}

// Matches reports whether the tool (and, for shell calls, the command) is
// allowed.
func (al *Allowlist) Matches(tool, command string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()

	for _, entry := range al.entries {
		if entry.Tool != tool && entry.Tool != "*" {
			continue
		}
		if entry.Command == "" && entry.Pattern == "" {
			return true
		}
		if entry.Command != "" && entry.Command == command {
			return true
		}
		if entry.Pattern != "" {
			if ok, err := filepath.Match(entry.Pattern, command); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// Watch reloads the allow-list whenever the file is written. Call Close to
// stop watching.
func (al *Allowlist) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(al.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	al.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != al.filePath {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if err := al.Load(); err != nil {
						al.logger.Warn().Err(err).Msg("Allowlist reload failed")
					} else {
						al.logger.Info().Msg("Allowlist reloaded")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				al.logger.Warn().Err(err).Msg("Allowlist watcher error")
			case <-al.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the filesystem watcher.
func (al *Allowlist) Close() error {
	close(al.done)
	if al.watcher != nil {
		return al.watcher.Close()
	}
	return nil
}
