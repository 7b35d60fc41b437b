package materializer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RuntimeState is written to .openagent-runtime/current_workspace.json
// inside a workspace so in-container tooling (and the framebuffer
// streamer, which needs to know the active DISPLAY) can discover the
// currently active workspace without querying workspace-hostd over
// the network.
type RuntimeState struct {
	WorkspaceID string    `json:"workspaceId"`
	Display     string    `json:"display,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RuntimeStatePath returns the path to the runtime state file for a
// workspace directory.
func RuntimeStatePath(workspaceDir string) string {
	return filepath.Join(workspaceDir, ".openagent-runtime", "current_workspace.json")
}

// ReadRuntimeState reads back the runtime state file for a workspace
// directory, used by the shell spawner and framebuffer streamer to
// discover the active DISPLAY without querying the control plane.
func ReadRuntimeState(workspaceDir string) (RuntimeState, error) {
	var state RuntimeState
	data, err := os.ReadFile(RuntimeStatePath(workspaceDir))
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	return state, nil
}

// WriteRuntimeState atomically writes the runtime state file.
func WriteRuntimeState(workspaceDir string, state RuntimeState) error {
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	path := RuntimeStatePath(workspaceDir)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".current_workspace-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// DisplayWatcher keeps a workspace's active DISPLAY in sync with its
// runtime state file, so a long-lived console or workspace-shell PTY
// session can pick up a DISPLAY change without repolling the file.
type DisplayWatcher struct {
	mu      sync.RWMutex
	display string
	watcher *fsnotify.Watcher
}

// WatchDisplay starts watching workspaceDir's runtime state file and
// returns a DisplayWatcher reflecting its current and future Display
// value. Call Close to stop watching and release the inotify handle.
func WatchDisplay(workspaceDir string) (*DisplayWatcher, error) {
	state, _ := ReadRuntimeState(workspaceDir)

	statePath := RuntimeStatePath(workspaceDir)
	dir := filepath.Dir(statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime state dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create display watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch runtime state dir: %w", err)
	}

	dw := &DisplayWatcher{display: state.Display, watcher: w}
	go dw.loop(workspaceDir, statePath)
	return dw, nil
}

func (dw *DisplayWatcher) loop(workspaceDir, statePath string) {
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			// The state file is replaced via rename, not edited in
			// place, so a Create event on the final path is the
			// common case rather than Write.
			if event.Name != statePath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			state, err := ReadRuntimeState(workspaceDir)
			if err != nil {
				continue
			}
			dw.mu.Lock()
			dw.display = state.Display
			dw.mu.Unlock()
		case _, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently observed DISPLAY value.
func (dw *DisplayWatcher) Current() string {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	return dw.display
}

// Close stops watching and releases the underlying inotify handle.
func (dw *DisplayWatcher) Close() error {
	return dw.watcher.Close()
}
