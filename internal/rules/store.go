package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrActionNotFound is returned by store operations addressing an unknown action name.
var ErrActionNotFound = errors.New("action not found")

// Store is the in-memory list of actions backed by a YAML document.
//
// Callers never receive references into the store: every read returns
// copies and every mutation goes through a store method.
type Store struct {
	path        string
	examplePath string

	mu      sync.RWMutex
	actions []Action
}

// NewStore returns an empty store for the document at path. When examplePath
// is non-empty and path does not exist, Load seeds path from it.
func NewStore(path, examplePath string) *Store {
	return &Store{path: path, examplePath: examplePath}
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory list with the document's contents.
//
// A missing document (with nothing to seed from) yields zero actions and no
// error. A malformed document also yields zero actions; the decode error is
// returned so the caller can report it.
func (s *Store) Load() error {
	b, err := s.readOrSeed()
	if err != nil {
		s.replace(nil)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	actions, err := Decode(b)
	if err != nil {
		s.replace(nil)
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	s.replace(actions)
	return nil
}

func (s *Store) readOrSeed() ([]byte, error) {
	b, err := os.ReadFile(s.path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) || s.examplePath == "" {
		return b, err
	}

	seed, serr := os.ReadFile(s.examplePath)
	if serr != nil {
		// Nothing to seed from; behave as if the document were simply absent.
		return nil, err
	}
	if werr := writeFileAtomic(s.path, seed); werr != nil {
		return nil, fmt.Errorf("seed %s from %s: %w", s.path, s.examplePath, werr)
	}
	return seed, nil
}

func (s *Store) replace(actions []Action) {
	s.mu.Lock()
	s.actions = actions
	s.mu.Unlock()
}

// Save serializes the full in-memory list back to the document,
// overwriting edits made outside the store since the last Load.
func (s *Store) Save() error {
	s.mu.RLock()
	b, err := Encode(s.actions)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, b)
}

// All returns a copy of every action in document order.
func (s *Store) All() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Action, len(s.actions))
	for i, a := range s.actions {
		out[i] = a.Clone()
	}
	return out
}

func (s *Store) Get(name string) (Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(name)
	if i < 0 {
		return Action{}, false
	}
	return s.actions[i].Clone(), true
}

// Update replaces the action with the same name, or appends it.
func (s *Store) Update(a Action) error {
	if a.Name == "" {
		return errors.New("action name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(a.Name); i >= 0 {
		s.actions[i] = a.Clone()
		return nil
	}
	s.actions = append(s.actions, a.Clone())
	return nil
}

func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%q: %w", name, ErrActionNotFound)
	}
	s.actions = append(s.actions[:i], s.actions[i+1:]...)
	return nil
}

// SetEnabled flips the enabled flag and reports the previous value.
func (s *Store) SetEnabled(name string, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(name)
	if i < 0 {
		return false, fmt.Errorf("%q: %w", name, ErrActionNotFound)
	}
	prev := s.actions[i].Enabled
	s.actions[i].Enabled = enabled
	return prev, nil
}

func (s *Store) indexLocked(name string) int {
	for i := range s.actions {
		if s.actions[i].Name == name {
			return i
		}
	}
	return -1
}

// Decode parses an actions document. An empty document yields zero actions.
func Decode(b []byte) ([]Action, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return nil, errors.New("unexpected trailing document")
	}

	seen := make(map[string]struct{}, len(doc.Actions))
	for i, a := range doc.Actions {
		if a.Name == "" {
			return nil, fmt.Errorf("actions[%d]: name must not be empty", i)
		}
		if _, dup := seen[a.Name]; dup {
			return nil, fmt.Errorf("actions[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return doc.Actions, nil
}

// DecodeAction parses a single action mapping with the same checks as Decode.
// JSON input is accepted since it is valid YAML.
func DecodeAction(b []byte) (Action, error) {
	var a Action
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&a); err != nil {
		return Action{}, err
	}
	if a.Name == "" {
		return Action{}, errors.New("name must not be empty")
	}
	return a, nil
}

// Encode renders actions as an actions document.
func Encode(actions []Action) ([]byte, error) {
	if actions == nil {
		actions = []Action{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Document{Actions: actions}); err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".actions-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
