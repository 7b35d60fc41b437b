package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenCreatesDirectoryAndFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "nested", "test.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestInsertAndListTabs(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	err = store.InsertTab(Tab{
		ID:          "term-1",
		WorkspaceID: "ws-1",
		Type:        "console",
		Label:       "Terminal 1",
		SortOrder:   0,
	})
	if err != nil {
		t.Fatalf("InsertTab console: %v", err)
	}

	err = store.InsertTab(Tab{
		ID:            "shell-1",
		WorkspaceID:   "ws-1",
		Type:          "workspace-shell",
		Label:         "Workspace Shell",
		SortOrder:     1,
		PTYSessionKey: "workspace:ws-1:abc123",
	})
	if err != nil {
		t.Fatalf("InsertTab workspace-shell: %v", err)
	}

	err = store.InsertTab(Tab{
		ID:          "term-2",
		WorkspaceID: "ws-2",
		Type:        "console",
		Label:       "Terminal 1",
		SortOrder:   0,
	})
	if err != nil {
		t.Fatalf("InsertTab ws-2: %v", err)
	}

	tabs, err := store.ListTabs("ws-1")
	if err != nil {
		t.Fatalf("ListTabs: %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("expected 2 tabs, got %d", len(tabs))
	}
	if tabs[0].ID != "term-1" {
		t.Errorf("expected first tab ID 'term-1', got %q", tabs[0].ID)
	}
	if tabs[1].ID != "shell-1" {
		t.Errorf("expected second tab ID 'shell-1', got %q", tabs[1].ID)
	}
	if tabs[1].PTYSessionKey != "workspace:ws-1:abc123" {
		t.Errorf("expected pty_session_key 'workspace:ws-1:abc123', got %q", tabs[1].PTYSessionKey)
	}

	tabs2, err := store.ListTabs("ws-2")
	if err != nil {
		t.Fatalf("ListTabs ws-2: %v", err)
	}
	if len(tabs2) != 1 {
		t.Fatalf("expected 1 tab for ws-2, got %d", len(tabs2))
	}

	empty, err := store.ListTabs("ws-999")
	if err != nil {
		t.Fatalf("ListTabs non-existent: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected 0 tabs, got %d", len(empty))
	}
}

func TestDeleteTab(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console", Label: "Term 1"})
	_ = store.InsertTab(Tab{ID: "t2", WorkspaceID: "ws-1", Type: "console", Label: "Term 2"})

	if err := store.DeleteTab("t1"); err != nil {
		t.Fatalf("DeleteTab: %v", err)
	}

	tabs, _ := store.ListTabs("ws-1")
	if len(tabs) != 1 {
		t.Fatalf("expected 1 tab after delete, got %d", len(tabs))
	}
	if tabs[0].ID != "t2" {
		t.Errorf("expected remaining tab 't2', got %q", tabs[0].ID)
	}

	if err := store.DeleteTab("nonexistent"); err != nil {
		t.Fatalf("DeleteTab non-existent: %v", err)
	}
}

func TestDeleteWorkspaceTabs(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console"})
	_ = store.InsertTab(Tab{ID: "t2", WorkspaceID: "ws-1", Type: "workspace-shell"})
	_ = store.InsertTab(Tab{ID: "t3", WorkspaceID: "ws-2", Type: "console"})

	if err := store.DeleteWorkspaceTabs("ws-1"); err != nil {
		t.Fatalf("DeleteWorkspaceTabs: %v", err)
	}

	tabs1, _ := store.ListTabs("ws-1")
	if len(tabs1) != 0 {
		t.Fatalf("expected 0 tabs for ws-1, got %d", len(tabs1))
	}

	tabs2, _ := store.ListTabs("ws-2")
	if len(tabs2) != 1 {
		t.Fatalf("expected 1 tab for ws-2, got %d", len(tabs2))
	}
}

func TestUpdateTabLabel(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console", Label: "Term 1"})

	if err := store.UpdateTabLabel("t1", "Renamed Terminal"); err != nil {
		t.Fatalf("UpdateTabLabel: %v", err)
	}

	tabs, _ := store.ListTabs("ws-1")
	if tabs[0].Label != "Renamed Terminal" {
		t.Errorf("expected label 'Renamed Terminal', got %q", tabs[0].Label)
	}
}

func TestUpdateTabOrder(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console", SortOrder: 0})
	_ = store.InsertTab(Tab{ID: "t2", WorkspaceID: "ws-1", Type: "workspace-shell", SortOrder: 1})

	_ = store.UpdateTabOrder("t1", 1)
	_ = store.UpdateTabOrder("t2", 0)

	tabs, _ := store.ListTabs("ws-1")
	if tabs[0].ID != "t2" {
		t.Errorf("expected first tab 't2' after reorder, got %q", tabs[0].ID)
	}
	if tabs[1].ID != "t1" {
		t.Errorf("expected second tab 't1' after reorder, got %q", tabs[1].ID)
	}
}

func TestTabCount(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	count, _ := store.TabCount("ws-1")
	if count != 0 {
		t.Fatalf("expected 0, got %d", count)
	}

	_ = store.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console"})
	_ = store.InsertTab(Tab{ID: "t2", WorkspaceID: "ws-1", Type: "workspace-shell"})

	count, _ = store.TabCount("ws-1")
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := tempDBPath(t)

	store1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	_ = store1.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console", Label: "Term"})
	store1.Close()

	store2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer store2.Close()

	tabs, _ := store2.ListTabs("ws-1")
	if len(tabs) != 1 {
		t.Fatalf("expected 1 tab after reopen, got %d", len(tabs))
	}
	if tabs[0].Label != "Term" {
		t.Errorf("expected label 'Term', got %q", tabs[0].Label)
	}
}

func TestInsertOrReplace(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console", Label: "Original"})
	_ = store.InsertTab(Tab{ID: "t1", WorkspaceID: "ws-1", Type: "console", Label: "Updated"})

	tabs, _ := store.ListTabs("ws-1")
	if len(tabs) != 1 {
		t.Fatalf("expected 1 tab after upsert, got %d", len(tabs))
	}
	if tabs[0].Label != "Updated" {
		t.Errorf("expected label 'Updated', got %q", tabs[0].Label)
	}
}

func TestUpdateTabPTYSessionKey(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.InsertTab(Tab{ID: "shell-1", WorkspaceID: "ws-1", Type: "workspace-shell"})

	tabs, _ := store.ListTabs("ws-1")
	if tabs[0].PTYSessionKey != "" {
		t.Errorf("expected empty PTYSessionKey initially, got %q", tabs[0].PTYSessionKey)
	}

	if err := store.UpdateTabPTYSessionKey("shell-1", "workspace:ws-1:sess-xyz"); err != nil {
		t.Fatalf("UpdateTabPTYSessionKey: %v", err)
	}

	tabs, _ = store.ListTabs("ws-1")
	if tabs[0].PTYSessionKey != "workspace:ws-1:sess-xyz" {
		t.Errorf("expected PTYSessionKey 'workspace:ws-1:sess-xyz', got %q", tabs[0].PTYSessionKey)
	}

	if err := store.UpdateTabPTYSessionKey("shell-1", "workspace:ws-1:sess-new"); err != nil {
		t.Fatalf("UpdateTabPTYSessionKey overwrite: %v", err)
	}

	tabs, _ = store.ListTabs("ws-1")
	if tabs[0].PTYSessionKey != "workspace:ws-1:sess-new" {
		t.Errorf("expected overwritten PTYSessionKey, got %q", tabs[0].PTYSessionKey)
	}
}

func TestPTYSessionKeyPersistedThroughInsert(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.InsertTab(Tab{
		ID:            "shell-1",
		WorkspaceID:   "ws-1",
		Type:          "workspace-shell",
		PTYSessionKey: "workspace:ws-1:initial",
	})

	tabs, _ := store.ListTabs("ws-1")
	if tabs[0].PTYSessionKey != "workspace:ws-1:initial" {
		t.Errorf("expected PTYSessionKey 'workspace:ws-1:initial', got %q", tabs[0].PTYSessionKey)
	}
}

func TestMigrationV2AddsPTYSessionKeyColumn(t *testing.T) {
	dbPath := tempDBPath(t)

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = store.InsertTab(Tab{
		ID:            "t1",
		WorkspaceID:   "ws-1",
		Type:          "console",
		PTYSessionKey: "console:ws-1:a1",
	})
	if err != nil {
		t.Fatalf("InsertTab with pty_session_key: %v", err)
	}

	tabs, err := store.ListTabs("ws-1")
	if err != nil {
		t.Fatalf("ListTabs: %v", err)
	}
	if len(tabs) != 1 {
		t.Fatalf("expected 1 tab, got %d", len(tabs))
	}
	if tabs[0].PTYSessionKey != "console:ws-1:a1" {
		t.Errorf("expected PTYSessionKey 'console:ws-1:a1', got %q", tabs[0].PTYSessionKey)
	}

	store.Close()

	store2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen after migration v2: %v", err)
	}
	defer store2.Close()

	tabs, _ = store2.ListTabs("ws-1")
	if tabs[0].PTYSessionKey != "console:ws-1:a1" {
		t.Errorf("expected PTYSessionKey persisted after reopen, got %q", tabs[0].PTYSessionKey)
	}
}
