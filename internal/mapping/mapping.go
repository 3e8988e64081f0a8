// Package mapping implements the model-mapping store: a public_name ->
// filename table, persisted as a JSON file and rewritten atomically on
// change.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/0xlynett/piercer/pkg/piercer"
)

// ErrNotFound is returned by Delete when public_name is not mapped.
var ErrNotFound = fmt.Errorf("mapping: not found")

// Store is a public_name -> internal_name table persisted at path.
type Store struct {
	path string

	mu       sync.RWMutex
	mappings map[string]string
}

// Load reads path if it exists (an empty store otherwise) and returns a
// Store backed by it. Callers that never intend to persist (e.g. tests) may
// pass an empty path; Put and Delete then skip persisting.
func Load(path string) (*Store, error) {
	s := &Store{path: path, mappings: make(map[string]string)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("mapping: read %s: %w", path, err)
	}

	var list []piercer.ModelMapping
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("mapping: parse %s: %w", path, err)
	}
	for _, m := range list {
		s.mappings[m.PublicName] = m.InternalName
	}
	return s, nil
}

// Get resolves publicName to its internal filename.
func (s *Store) Get(publicName string) (internalName string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	internalName, ok = s.mappings[publicName]
	return internalName, ok
}

// List returns every mapping, sorted by public name for stable output.
func (s *Store) List() []piercer.ModelMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]piercer.ModelMapping, 0, len(s.mappings))
	for pub, internal := range s.mappings {
		out = append(out, piercer.ModelMapping{PublicName: pub, InternalName: internal})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicName < out[j].PublicName })
	return out
}

// Put creates or replaces the mapping for publicName and persists the
// store.
func (s *Store) Put(publicName, internalName string) error {
	s.mu.Lock()
	s.mappings[publicName] = internalName
	s.mu.Unlock()
	return s.save()
}

// Delete removes publicName's mapping and persists the store. Returns
// ErrNotFound if publicName was not mapped.
func (s *Store) Delete(publicName string) error {
	s.mu.Lock()
	if _, ok := s.mappings[publicName]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.mappings, publicName)
	s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	list := make([]piercer.ModelMapping, 0, len(s.mappings))
	for pub, internal := range s.mappings {
		list = append(list, piercer.ModelMapping{PublicName: pub, InternalName: internal})
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].PublicName < list[j].PublicName })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("mapping: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".mappings-*.tmp")
	if err != nil {
		return fmt.Errorf("mapping: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mapping: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mapping: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("mapping: rename temp file: %w", err)
	}
	ok = true
	return nil
}
