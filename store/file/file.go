package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/spf13/afero"
)

const (
	checkpointsDir = "checkpoints"
	writesDir      = "writes"
	tombstonePfx   = ".deleted-"
	tempPattern    = ".tmp-*"
	nameMarker     = "n"
	hashMarker     = "h"

	// maxPlainName is the longest id kept readable in a path element. Hex
	// doubles the length and most filesystems cap a name at 255 bytes.
	maxPlainName = 100
)

// FileBackend stores checkpoints as JSON documents in a directory tree:
//
//	<root>/<thread>/<namespace>/checkpoints/<checkpoint id>.json
//	<root>/<thread>/<namespace>/writes/<checkpoint id>/<task id>.json
//
// Path elements are hex encoded, which keeps any id filesystem-safe and
// preserves byte-wise ordering. Ids longer than maxPlainName bytes are named by
// their SHA-256 digest instead and recovered from the documents, which carry
// every id in full. Every document is written to a temporary file, renamed
// into place and its directory synced.
//
// Opening a backend sweeps leftovers of interrupted writes and deletions, so
// startup time grows with the size of the tree. Only one process should use a
// directory at a time.
type FileBackend struct {
	fs   afero.Fs
	root string
	mu   sync.RWMutex
}

var _ checkpoint.Backend = (*FileBackend)(nil)

type fileCheckpoint struct {
	ThreadID           string          `json:"thread_id"`
	Namespace          string          `json:"checkpoint_ns"`
	CheckpointID       string          `json:"checkpoint_id"`
	ParentCheckpointID string          `json:"parent_checkpoint_id,omitempty"`
	Type               string          `json:"type"`
	Checkpoint         []byte          `json:"checkpoint"`
	MetadataType       string          `json:"metadata_type"`
	Metadata           []byte          `json:"metadata"`
	MetadataJSON       json.RawMessage `json:"metadata_json,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

type fileWrite struct {
	TaskID    string    `json:"task_id,omitempty"`
	Idx       int       `json:"idx"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFileBackend creates a backend rooted at path on the local filesystem.
// The directory is created if missing.
func NewFileBackend(path string) (*FileBackend, error) {
	return NewFileBackendFs(afero.NewOsFs(), path)
}

// NewFileBackendFs creates a backend rooted at path on fsys and sweeps what
// an earlier process left behind.
func NewFileBackendFs(fsys afero.Fs, path string) (*FileBackend, error) {
	if err := fsys.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	f := &FileBackend{fs: fsys, root: filepath.Clean(path)}
	if err := f.Sweep(); err != nil {
		return nil, fmt.Errorf("failed to sweep checkpoint directory: %w", err)
	}
	return f, nil
}

// NewFileSaver creates a checkpoint.Store over a FileBackend at path.
func NewFileSaver(path string, opts ...checkpoint.Option) (*checkpoint.Store, error) {
	b, err := NewFileBackend(path)
	if err != nil {
		return nil, err
	}
	return checkpoint.New(b, opts...), nil
}

func encodeName(s string) string {
	if len(s) > maxPlainName {
		sum := sha256.Sum256([]byte(s))
		return hashMarker + hex.EncodeToString(sum[:])
	}
	return nameMarker + hex.EncodeToString([]byte(s))
}

// isHashedName reports whether name was produced from a long id, which then
// has to be read from the document.
func isHashedName(name string) bool {
	digest, ok := strings.CutPrefix(name, hashMarker)
	if !ok || len(digest) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

func decodeName(name string) (string, bool) {
	if !strings.HasPrefix(name, nameMarker) {
		return "", false
	}
	raw, err := hex.DecodeString(name[len(nameMarker):])
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (f *FileBackend) threadDir(threadID string) string {
	return filepath.Join(f.root, encodeName(threadID))
}

func (f *FileBackend) namespaceDir(threadID, ns string) string {
	return filepath.Join(f.threadDir(threadID), encodeName(ns))
}

func (f *FileBackend) checkpointPath(threadID, ns, id string) string {
	return filepath.Join(f.namespaceDir(threadID, ns), checkpointsDir, encodeName(id)+".json")
}

func (f *FileBackend) writesPath(threadID, ns, checkpointID, taskID string) string {
	return filepath.Join(f.namespaceDir(threadID, ns), writesDir, encodeName(checkpointID), encodeName(taskID)+".json")
}

// writeFile replaces path atomically.
func (f *FileBackend) writeFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	_, statErr := f.fs.Stat(dir)
	created := errors.Is(statErr, fs.ErrNotExist)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := f.fs.Rename(tmpName, path); err != nil {
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	// The rename is durable only once the directory entry is. Directories
	// MkdirAll just made need their own entries synced up to the root.
	for {
		if err := f.syncDir(dir); err != nil {
			return err
		}
		if !created || dir == f.root || !strings.HasPrefix(dir, f.root) {
			return nil
		}
		dir = filepath.Dir(dir)
	}
}

func (f *FileBackend) syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := f.fs.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// readFile decodes path into v. It reports false when the file does not exist.
func (f *FileBackend) readFile(path string, v any) (bool, error) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// checkpointIDs returns the ids stored under (threadID, ns) in descending order.
func (f *FileBackend) checkpointIDs(threadID, ns string) ([]string, error) {
	dir := filepath.Join(f.namespaceDir(threadID, ns), checkpointsDir)
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		if id, ok := decodeName(name); ok {
			ids = append(ids, id)
			continue
		}
		if !isHashedName(name) {
			continue
		}
		var doc fileCheckpoint
		if _, err := f.readFile(filepath.Join(dir, entry.Name()), &doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.CheckpointID)
	}
	slices.Sort(ids)
	slices.Reverse(ids)
	return ids, nil
}

func (f *FileBackend) loadCheckpoint(threadID, ns, id string) (*checkpoint.CheckpointRecord, error) {
	var doc fileCheckpoint
	ok, err := f.readFile(f.checkpointPath(threadID, ns, id), &doc)
	if err != nil || !ok {
		return nil, err
	}
	return &checkpoint.CheckpointRecord{
		ThreadID:           doc.ThreadID,
		Namespace:          doc.Namespace,
		CheckpointID:       doc.CheckpointID,
		ParentCheckpointID: doc.ParentCheckpointID,
		Type:               doc.Type,
		Checkpoint:         doc.Checkpoint,
		MetadataType:       doc.MetadataType,
		Metadata:           doc.Metadata,
		MetadataJSON:       []byte(doc.MetadataJSON),
		CreatedAt:          doc.CreatedAt,
	}, nil
}

// PutCheckpoint implements checkpoint.Backend.
func (f *FileBackend) PutCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := fileCheckpoint{
		ThreadID:           rec.ThreadID,
		Namespace:          rec.Namespace,
		CheckpointID:       rec.CheckpointID,
		ParentCheckpointID: rec.ParentCheckpointID,
		Type:               rec.Type,
		Checkpoint:         rec.Checkpoint,
		MetadataType:       rec.MetadataType,
		Metadata:           rec.Metadata,
		MetadataJSON:       json.RawMessage(rec.MetadataJSON),
		CreatedAt:          rec.CreatedAt,
	}
	return f.writeFile(f.checkpointPath(rec.ThreadID, rec.Namespace, rec.CheckpointID), doc)
}

// PutWrites implements checkpoint.Backend. Writes of one task share a file,
// so a batch from a single task lands in one rename.
func (f *FileBackend) PutWrites(ctx context.Context, recs []checkpoint.WriteRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	type taskFile struct {
		path    string
		entries map[int]fileWrite
	}
	var order []string
	files := make(map[string]*taskFile)

	for _, rec := range recs {
		path := f.writesPath(rec.ThreadID, rec.Namespace, rec.CheckpointID, rec.TaskID)
		tf, ok := files[path]
		if !ok {
			var existing []fileWrite
			if _, err := f.readFile(path, &existing); err != nil {
				return err
			}
			tf = &taskFile{path: path, entries: make(map[int]fileWrite, len(existing))}
			for _, w := range existing {
				tf.entries[w.Idx] = w
			}
			files[path] = tf
			order = append(order, path)
		}
		tf.entries[rec.Idx] = fileWrite{
			TaskID:    rec.TaskID,
			Idx:       rec.Idx,
			Channel:   rec.Channel,
			Type:      rec.Type,
			Value:     rec.Value,
			CreatedAt: rec.CreatedAt,
		}
	}

	for _, path := range order {
		tf := files[path]
		out := make([]fileWrite, 0, len(tf.entries))
		for _, w := range tf.entries {
			out = append(out, w)
		}
		slices.SortFunc(out, func(a, b fileWrite) int { return a.Idx - b.Idx })
		if err := f.writeFile(tf.path, out); err != nil {
			return err
		}
	}
	return nil
}

// GetCheckpoint implements checkpoint.Backend.
func (f *FileBackend) GetCheckpoint(ctx context.Context, cfg checkpoint.Config) (*checkpoint.CheckpointRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	id := cfg.CheckpointID
	if id == "" {
		ids, err := f.checkpointIDs(cfg.ThreadID, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id = ids[0]
	}
	return f.loadCheckpoint(cfg.ThreadID, cfg.Namespace, id)
}

// ListCheckpoints implements checkpoint.Backend.
func (f *FileBackend) ListCheckpoints(ctx context.Context, q checkpoint.ListQuery) ([]checkpoint.CheckpointRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids, err := f.checkpointIDs(q.ThreadID, q.Namespace)
	if err != nil {
		return nil, err
	}

	var out []checkpoint.CheckpointRecord
	for _, id := range ids {
		if q.Before != "" && id >= q.Before {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := f.loadCheckpoint(q.ThreadID, q.Namespace, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		ok, err := checkpoint.MatchMetadata(rec.MetadataJSON, q.Filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, *rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// ListWrites implements checkpoint.Backend.
func (f *FileBackend) ListWrites(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.WriteRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dir := filepath.Join(f.namespaceDir(cfg.ThreadID, cfg.Namespace), writesDir, encodeName(cfg.CheckpointID))
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read writes directory: %w", err)
	}

	var out []checkpoint.WriteRecord
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		taskID, ok := decodeName(name)
		if !ok && !isHashedName(name) {
			continue
		}

		var writes []fileWrite
		if _, err := f.readFile(filepath.Join(dir, entry.Name()), &writes); err != nil {
			return nil, err
		}
		for _, w := range writes {
			if w.TaskID != "" {
				taskID = w.TaskID
			}
			out = append(out, checkpoint.WriteRecord{
				ThreadID:     cfg.ThreadID,
				Namespace:    cfg.Namespace,
				CheckpointID: cfg.CheckpointID,
				TaskID:       taskID,
				Idx:          w.Idx,
				Channel:      w.Channel,
				Type:         w.Type,
				Value:        w.Value,
				CreatedAt:    w.CreatedAt,
			})
		}
	}
	checkpoint.SortWrites(out)
	return out, nil
}

// DeleteThread implements checkpoint.Backend. The thread directory is first
// renamed out of the way, so readers see either the whole thread or nothing.
func (f *FileBackend) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.threadDir(threadID)
	if _, err := f.fs.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat thread directory: %w", err)
	}

	tombstone := filepath.Join(f.root, tombstonePfx+uuid.NewString())
	if err := f.fs.Rename(dir, tombstone); err != nil {
		return fmt.Errorf("failed to detach thread directory: %w", err)
	}
	if err := f.syncDir(f.root); err != nil {
		return err
	}
	if err := f.fs.RemoveAll(tombstone); err != nil {
		return fmt.Errorf("failed to remove thread directory: %w", err)
	}
	return nil
}

// Close implements checkpoint.Backend.
func (f *FileBackend) Close() error {
	return nil
}

// Sweep removes leftovers of interrupted writes and deletions. It runs when
// the backend is opened; call it again to clean up while it is in use.
func (f *FileBackend) Sweep() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := afero.ReadDir(f.fs, f.root)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), tombstonePfx) {
			if err := f.fs.RemoveAll(filepath.Join(f.root, entry.Name())); err != nil {
				return err
			}
		}
	}

	return afero.Walk(f.fs, f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasPrefix(info.Name(), ".tmp-") {
			return f.fs.Remove(path)
		}
		return nil
	})
}
