package records

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

type fileContents struct {
	Organizations []models.Entity `yaml:"organizations"`
}

// FileSource serves entities from a YAML file:
//
//	organizations:
//	  - id: org-1
//	    name: Acme
//	    ref: acme.com
type FileSource struct {
	path string

	mu       sync.RWMutex
	entities map[string]models.Entity

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileSource loads path once.
func NewFileSource(path string) (*FileSource, error) {
	f := &FileSource{path: path, done: make(chan struct{})}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileSource) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read records file: %w", err)
	}

	var contents fileContents
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &contents); err != nil {
		return fmt.Errorf("failed to parse records file: %w", err)
	}

	entities := make(map[string]models.Entity, len(contents.Organizations))
	for _, e := range contents.Organizations {
		if e.ID == "" {
			return fmt.Errorf("records file %s: organization without id", f.path)
		}
		entities[e.ID] = e
	}

	f.mu.Lock()
	f.entities = entities
	f.mu.Unlock()
	return nil
}

// Watch reloads the file whenever it changes until Close is called.
// A file that fails to parse keeps the previous contents.
func (f *FileSource) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.path, err)
	}
	f.watcher = watcher

	target := filepath.Clean(f.path)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := f.reload(); err != nil {
					log.Printf("[Records] Reload of %s failed: %v", f.path, err)
					continue
				}
				log.Printf("[Records] Reloaded %s (%d organizations)", f.path, f.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Records] Watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Lookup returns the entity with the given id
func (f *FileSource) Lookup(ctx context.Context, entityID string) (*models.Entity, error) {
	f.mu.RLock()
	e, ok := f.entities[entityID]
	f.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Len returns the number of loaded entities
func (f *FileSource) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entities)
}

// Close stops watching
func (f *FileSource) Close() error {
	if f.watcher == nil {
		return nil
	}
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	f.watcher = nil
	return err
}
