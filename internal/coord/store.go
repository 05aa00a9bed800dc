package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrCorrupt is returned by Load when a document exists but cannot be decoded
var ErrCorrupt = errors.New("coordination document is corrupt")

// Store is the medium shared by every scheduler and agent process on a host.
// Documents are small JSON values replaced as a whole.
type Store interface {
	// Load decodes the named document into v. A missing document returns
	// false with a nil error.
	Load(ctx context.Context, name string, v any) (bool, error)
	// Save atomically replaces the named document
	Save(ctx context.Context, name string, v any) error
	// Remove deletes the named document; a missing one is not an error
	Remove(ctx context.Context, name string) error
}

// Watcher is implemented by stores that can announce document changes
type Watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}

func decode(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return nil
}

// FileStore keeps one JSON file per document in Dir
type FileStore struct {
	Dir string
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, name+".json")
}

// Load implements Store
func (s *FileStore) Load(_ context.Context, name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := decode(name, data, v); err != nil {
		return false, err
	}
	return true, nil
}

// Save implements Store. Readers in other processes see either the old or
// the new document, never a partial write.
func (s *FileStore) Save(_ context.Context, name string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("create coordination dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".dogood-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Clean up temp file on any failure
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Remove implements Store
func (s *FileStore) Remove(_ context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Watch emits the name of every document created, replaced or removed in
// Dir until ctx is done. Temp files are filtered out.
func (s *FileStore) Watch(ctx context.Context) (<-chan string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create coordination dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.Dir, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(ev.Name)
				if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
					!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				select {
				case out <- strings.TrimSuffix(base, ".json"):
				default:
					// Slow consumer; it only needs to know something changed
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// DocumentStore is the raw persistence DBStore sits on. SQLiteStorage
// implements it with the coord_documents table.
type DocumentStore interface {
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	SaveDocument(ctx context.Context, name string, body []byte) error
	DeleteDocument(ctx context.Context, name string) error
}

// DBStore keeps documents in the shared database
type DBStore struct {
	Docs DocumentStore
}

// NewDBStore creates a database-backed store
func NewDBStore(docs DocumentStore) *DBStore {
	return &DBStore{Docs: docs}
}

// Load implements Store
func (s *DBStore) Load(ctx context.Context, name string, v any) (bool, error) {
	data, err := s.Docs.LoadDocument(ctx, name)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := decode(name, data, v); err != nil {
		return false, err
	}
	return true, nil
}

// Save implements Store
func (s *DBStore) Save(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.Docs.SaveDocument(ctx, name, data)
}

// Remove implements Store
func (s *DBStore) Remove(ctx context.Context, name string) error {
	return s.Docs.DeleteDocument(ctx, name)
}

// MemoryStore is an in-process Store for tests
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	watchers []chan string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Load implements Store
func (s *MemoryStore) Load(_ context.Context, name string, v any) (bool, error) {
	s.mu.Lock()
	data, ok := s.docs[name]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := decode(name, data, v); err != nil {
		return false, err
	}
	return true, nil
}

// Save implements Store
func (s *MemoryStore) Save(_ context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	s.SetRaw(name, data)
	return nil
}

// Remove implements Store
func (s *MemoryStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.docs, name)
	s.mu.Unlock()
	s.broadcast(name)
	return nil
}

// SetRaw stores bytes verbatim, e.g. to simulate a corrupt document
func (s *MemoryStore) SetRaw(name string, data []byte) {
	s.mu.Lock()
	s.docs[name] = data
	s.mu.Unlock()
	s.broadcast(name)
}

// Has reports whether a document exists
func (s *MemoryStore) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[name]
	return ok
}

// Watch implements Watcher
func (s *MemoryStore) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (s *MemoryStore) broadcast(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		select {
		case w <- name:
		default:
		}
	}
}
