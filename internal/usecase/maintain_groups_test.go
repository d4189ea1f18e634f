package usecase

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/V4T54L/logsmith/internal/domain"
	"github.com/V4T54L/logsmith/internal/domain/mocks"
)

func TestMaintainGroupsBackupRestore(t *testing.T) {
	groups := &mocks.MockGroupStore{
		Groups: map[string]domain.GroupRecord{
			"gid-1": {ID: "gid-1", Signature: "timeout for case [CASE_ID]"},
		},
		Backups: []domain.AnalystState{{
			Signature: "timeout for case [CASE_ID]",
			Diagnosis: json.RawMessage(`{"status":"RESOLVED"}`),
			Comments:  "root cause: connection pool",
		}},
	}
	uc := NewMaintainGroupsUseCase(groups, testLogger())
	path := filepath.Join(t.TempDir(), "analyst-backup.json")

	saved, err := uc.Backup(context.Background(), path)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if saved != 1 {
		t.Errorf("saved = %d, want 1", saved)
	}

	restored, err := uc.Restore(context.Background(), path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 1 {
		t.Errorf("restored = %d, want 1", restored)
	}

	g := groups.Groups["gid-1"]
	if string(g.Diagnosis) != `{"status":"RESOLVED"}` || g.Comments != "root cause: connection pool" {
		t.Errorf("group after restore = %+v", g)
	}
}

func TestMaintainGroupsRestoreUnmatchedSignature(t *testing.T) {
	groups := &mocks.MockGroupStore{
		Backups: []domain.AnalystState{{
			Signature: "a problem that never recurred",
			Diagnosis: json.RawMessage(`{"status":"RESOLVED"}`),
		}},
	}
	uc := NewMaintainGroupsUseCase(groups, testLogger())
	path := filepath.Join(t.TempDir(), "analyst-backup.json")

	if _, err := uc.Backup(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	restored, err := uc.Restore(context.Background(), path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 0 {
		t.Errorf("restored = %d, want 0", restored)
	}
}

func TestMaintainGroupsClear(t *testing.T) {
	groups := &mocks.MockGroupStore{
		Groups: map[string]domain.GroupRecord{"gid-1": {ID: "gid-1"}},
	}
	uc := NewMaintainGroupsUseCase(groups, testLogger())

	if err := uc.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !groups.Cleared || len(groups.Groups) != 0 {
		t.Errorf("store not cleared: %+v", groups)
	}
}
