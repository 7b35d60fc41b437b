// Package workspace tracks the set of workspaces a host knows about: the
// implicit "default" host workspace (the bare host filesystem) and any
// number of chroot-style workspaces backed by systemd-nspawn containers.
// State is persisted as a single JSON document, written atomically so a
// crash mid-write never leaves a corrupt file behind.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Type distinguishes a bare-host workspace from a containerized one.
type Type string

const (
	TypeHost   Type = "host"
	TypeChroot Type = "chroot"

	// DefaultWorkspaceID is the always-present host workspace.
	DefaultWorkspaceID = "default"
)

// Status tracks where a workspace is in its build lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// ErrInvalidStatusTransition is returned by TransitionStatus when the
// requested move doesn't follow pending->building->{ready,error}, with
// error->building as the only re-entrant edge.
var ErrInvalidStatusTransition = errors.New("invalid workspace status transition")

// Workspace is a single tracked workspace.
type Workspace struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         Type                   `json:"type"`
	Path         string                 `json:"path"`        // host: working directory; chroot: container root filesystem
	MachineName  string                 `json:"machineName"` // systemd-nspawn --machine name, chroot only
	Status       Status                 `json:"status"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Skills       []string               `json:"skills,omitempty"`
	Tools        []string               `json:"tools,omitempty"`
	Plugins      []string               `json:"plugins,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	Orphaned     bool                   `json:"orphaned,omitempty"`
}

// Store persists the set of known workspaces to a JSON file.
type Store struct {
	path string

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

type document struct {
	Workspaces []*Workspace `json:"workspaces"`
}

// Open loads a Store from path, creating it with just the default host
// workspace if it doesn't exist yet.
func Open(path, hostWorkDir string) (*Store, error) {
	s := &Store{path: path, workspaces: make(map[string]*Workspace)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read workspace store: %w", err)
		}
		s.workspaces[DefaultWorkspaceID] = &Workspace{
			ID:        DefaultWorkspaceID,
			Name:      "default",
			Type:      TypeHost,
			Path:      hostWorkDir,
			Status:    StatusReady,
			CreatedAt: time.Now(),
		}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workspace store: %w", err)
	}
	for _, w := range doc.Workspaces {
		s.workspaces[w.ID] = w
	}

	// The default host workspace must always exist, even if the file on
	// disk predates it or was hand-edited.
	if _, ok := s.workspaces[DefaultWorkspaceID]; !ok {
		s.workspaces[DefaultWorkspaceID] = &Workspace{
			ID:        DefaultWorkspaceID,
			Name:      "default",
			Type:      TypeHost,
			Path:      hostWorkDir,
			Status:    StatusReady,
			CreatedAt: time.Now(),
		}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}

	// A store hand-edited or written before status tracking existed: the
	// default workspace must still read back as ready.
	if def := s.workspaces[DefaultWorkspaceID]; def.Status == "" {
		def.Status = StatusReady
	}

	return s, nil
}

func (s *Store) persistLocked() error {
	doc := document{Workspaces: make([]*Workspace, 0, len(s.workspaces))}
	for _, w := range s.workspaces {
		doc.Workspaces = append(doc.Workspaces, w)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workspace store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".workspaces-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp workspace store: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp workspace store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp workspace store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename workspace store into place: %w", err)
	}
	return nil
}

// Get returns a workspace by ID, or nil if not tracked.
func (s *Store) Get(id string) *Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspaces[id]
}

// List returns all tracked workspaces.
func (s *Store) List() []*Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		out = append(out, w)
	}
	return out
}

// Create registers a new chroot workspace, in status pending, and
// persists the store. skills, tools, and plugins are ordered identifier
// lists recorded on the workspace so they can be read back later.
func (s *Store) Create(id, name, containerRoot, machineName string, skills, tools, plugins []string, config map[string]interface{}) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workspaces[id]; exists {
		return nil, fmt.Errorf("workspace %q already exists", id)
	}
	w := &Workspace{
		ID:          id,
		Name:        name,
		Type:        TypeChroot,
		Path:        containerRoot,
		MachineName: machineName,
		Status:      StatusPending,
		Config:      config,
		Skills:      skills,
		Tools:       tools,
		Plugins:     plugins,
		CreatedAt:   time.Now(),
	}
	s.workspaces[id] = w
	if err := s.persistLocked(); err != nil {
		delete(s.workspaces, id)
		return nil, err
	}
	return w, nil
}

// TransitionStatus moves a workspace through pending->building->
// {ready,error}; error->building is the only re-entrant edge. errMsg is
// recorded (and cleared on any non-error transition) when newStatus is
// StatusError.
func (s *Store) TransitionStatus(id string, newStatus Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workspaces[id]
	if !ok {
		return fmt.Errorf("workspace %q not found", id)
	}
	if !validStatusTransition(w.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, w.Status, newStatus)
	}
	w.Status = newStatus
	if newStatus == StatusError {
		w.ErrorMessage = errMsg
	} else {
		w.ErrorMessage = ""
	}
	return s.persistLocked()
}

func validStatusTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusBuilding
	case StatusBuilding:
		return to == StatusReady || to == StatusError
	case StatusError:
		return to == StatusBuilding
	default:
		return false
	}
}

// Delete removes a workspace from the store. Deleting the default host
// workspace is refused.
func (s *Store) Delete(id string) error {
	if id == DefaultWorkspaceID {
		return fmt.Errorf("cannot delete the default workspace")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workspaces[id]; !exists {
		return fmt.Errorf("workspace %q not found", id)
	}
	delete(s.workspaces, id)
	return s.persistLocked()
}

// RecoverOrphans scans containersDir for subdirectories that look like
// container root filesystems but aren't yet tracked in the store
// (e.g. left behind by a crash between container creation and the
// store write that should have followed it), and registers them as
// orphaned chroot workspaces so they show up for inspection/cleanup
// instead of silently leaking disk space. Returns the IDs recovered.
func (s *Store) RecoverOrphans(containersDir string) ([]string, error) {
	entries, err := os.ReadDir(containersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan containers dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered []string
	changed := false
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, tracked := s.workspaces[id]; tracked {
			continue
		}
		root := filepath.Join(containersDir, id)
		status := StatusPending
		if looksLikeContainerRoot(root) {
			status = StatusReady
		}
		s.workspaces[id] = &Workspace{
			ID:          id,
			Name:        id,
			Type:        TypeChroot,
			Path:        root,
			MachineName: id,
			Status:      status,
			CreatedAt:   time.Now(),
			Orphaned:    true,
		}
		recovered = append(recovered, id)
		changed = true
	}

	if changed {
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}
	return recovered, nil
}

// looksLikeContainerRoot reports whether dir has the markers of a
// populated root filesystem, per the orphan-recovery readiness check.
func looksLikeContainerRoot(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, "etc")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, "bin")); err == nil {
		return true
	}
	return false
}
