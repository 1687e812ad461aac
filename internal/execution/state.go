package execution

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/idhash"
)

const (
	stateSchemaVersion = 1
	stateFileType      = "execution_state"
	stateFileMode      = 0o600
	stateDirMode       = 0o700
	tempFilePattern    = ".state-*.yaml"
)

// ErrNoSavedState is returned by FileStateStore.Load when nothing was saved.
var ErrNoSavedState = errors.New("no saved execution state")

// SavedState is the serializable form of a queue.
type SavedState struct {
	SchemaVersion int         `yaml:"schema_version"`
	FileType      string      `yaml:"file_type"`
	QueueID       string      `yaml:"queue_id"`
	PlanID        string      `yaml:"plan_id"`
	SavedAt       time.Time   `yaml:"saved_at"`
	Items         []SavedItem `yaml:"items"`
}

// SavedItem is the serializable form of an item. Payloads are not saved:
// they are rebuilt because they carry a session's schema identity.
type SavedItem struct {
	ID            string        `yaml:"id"`
	Index         int           `yaml:"index"`
	Kind          string        `yaml:"kind"`
	Fingerprint   string        `yaml:"fingerprint,omitempty"`
	Description   string        `yaml:"description,omitempty"`
	Status        domain.Status `yaml:"status"`
	Endpoint      string        `yaml:"endpoint,omitempty"`
	ErrorCode     domain.Code   `yaml:"error_code,omitempty"`
	ErrorMessage  string        `yaml:"error_message,omitempty"`
	ExtrinsicHash string        `yaml:"extrinsic_hash,omitempty"`
	BlockHash     string        `yaml:"block_hash,omitempty"`
	Output        string        `yaml:"output,omitempty"`
	CompletedAt   *time.Time    `yaml:"completed_at,omitempty"`
}

// ToSavedState snapshots the queue.
func (q *Queue) ToSavedState() SavedState {
	q.mu.RLock()
	defer q.mu.RUnlock()

	state := SavedState{
		SchemaVersion: stateSchemaVersion,
		FileType:      stateFileType,
		QueueID:       q.id,
		PlanID:        q.planID,
		SavedAt:       q.now().UTC(),
		Items:         make([]SavedItem, len(q.items)),
	}
	for i, item := range q.items {
		s := SavedItem{
			ID:          item.ID,
			Index:       item.Index,
			Kind:        item.Kind,
			Fingerprint: idhash.PayloadFingerprint(item.Payload),
			Description: item.Payload.Description,
			Status:      item.Status,
			Endpoint:    item.Endpoint,
		}
		if item.Error != nil {
			s.ErrorCode = item.Error.Code
			s.ErrorMessage = item.Error.Message
		}
		if item.Result != nil {
			s.ExtrinsicHash = item.Result.ExtrinsicHash
			s.BlockHash = item.Result.BlockHash
			s.Output = item.Result.Output
		}
		if item.CompletedAt != nil {
			t := item.CompletedAt.UTC()
			s.CompletedAt = &t
		}
		state.Items[i] = s
	}
	return state
}

// Restore re-applies terminal statuses from a previous run onto a freshly
// rebuilt queue. Items are matched by index and kind, and by payload
// fingerprint when one was saved; non-terminal saved items are skipped so
// they run again. Returns the number of items restored.
func (q *Queue) Restore(state SavedState) (int, error) {
	if state.FileType != "" && state.FileType != stateFileType {
		return 0, fmt.Errorf("unexpected state file type %q", state.FileType)
	}
	if state.SchemaVersion > stateSchemaVersion {
		return 0, fmt.Errorf("unsupported state schema version %d", state.SchemaVersion)
	}

	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	restored := 0
	for _, saved := range state.Items {
		if !saved.Status.IsTerminal() {
			continue
		}

		q.mu.Lock()
		if saved.Index < 0 || saved.Index >= len(q.items) {
			q.mu.Unlock()
			q.logger.Warn("saved item out of range, skipping", "index", saved.Index, "items", len(q.items))
			continue
		}
		item := q.items[saved.Index]
		if item.Kind != saved.Kind {
			q.mu.Unlock()
			q.logger.Warn("saved item kind mismatch, skipping", "index", saved.Index, "saved", saved.Kind, "current", item.Kind)
			continue
		}
		if saved.Fingerprint != "" && saved.Fingerprint != idhash.PayloadFingerprint(item.Payload) {
			q.mu.Unlock()
			q.logger.Warn("saved item payload changed, skipping", "index", saved.Index, "kind", saved.Kind)
			continue
		}
		if item.Status.IsTerminal() {
			q.mu.Unlock()
			continue
		}

		prev := item.Status
		item.Status = saved.Status
		item.Endpoint = saved.Endpoint
		if saved.ErrorCode != "" {
			item.Error = domain.NewError(saved.ErrorCode, saved.ErrorMessage, nil)
		}
		if saved.ExtrinsicHash != "" || saved.BlockHash != "" || saved.Output != "" {
			item.Result = &Result{ExtrinsicHash: saved.ExtrinsicHash, BlockHash: saved.BlockHash, Output: saved.Output}
		}
		completed := q.now()
		if saved.CompletedAt != nil {
			completed = *saved.CompletedAt
		}
		item.CompletedAt = &completed
		ev := Event{Type: EventStatusChanged, Item: ptr(item.clone()), Previous: prev, Progress: q.progressLocked()}
		q.mu.Unlock()

		restored++
		q.notify(ev)
	}

	q.logger.Info("queue restored", "restored", restored, "saved", len(state.Items))
	return restored, nil
}

// FileStateStore persists a SavedState as YAML.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a store writing to path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Path returns the state file path.
func (s *FileStateStore) Path() string {
	return s.path
}

// Save writes state atomically.
func (s *FileStateStore) Save(state SavedState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), stateDirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tempFile.Chmod(stateFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	cleanup = false
	return nil
}

// Load reads the saved state. Returns ErrNoSavedState if the file is missing.
func (s *FileStateStore) Load() (SavedState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return SavedState{}, ErrNoSavedState
	}
	if err != nil {
		return SavedState{}, fmt.Errorf("read state: %w", err)
	}

	var state SavedState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return SavedState{}, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// Checkpoint returns an observer that saves the queue after every terminal
// status change. Save errors are passed to onError.
func (s *FileStateStore) Checkpoint(q *Queue, onError func(error)) Observer {
	return func(ev Event) {
		if ev.Type != EventStatusChanged || ev.Item == nil || !ev.Item.Status.IsTerminal() {
			return
		}
		if err := s.Save(q.ToSavedState()); err != nil && onError != nil {
			onError(err)
		}
	}
}
