package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/V4T54L/logsmith/internal/domain"
)

// MaintainGroupsUseCase covers the operational workflow around a destructive
// group recomputation: capture the analyst-owned fields, clear the store,
// regroup, restore. States are keyed by group signature, so a restore survives
// group ids being recomputed.
type MaintainGroupsUseCase struct {
	groups domain.GroupStore
	logger *slog.Logger
}

// NewMaintainGroupsUseCase creates a new MaintainGroupsUseCase.
func NewMaintainGroupsUseCase(groups domain.GroupStore, logger *slog.Logger) *MaintainGroupsUseCase {
	return &MaintainGroupsUseCase{groups: groups, logger: logger}
}

// Backup writes the analyst state of every annotated group to path as a JSON
// array. Groups whose diagnosis is still PENDING and that carry no comments or
// audit history have nothing worth saving and are skipped by the store.
func (uc *MaintainGroupsUseCase) Backup(ctx context.Context, path string) (int, error) {
	states, err := uc.groups.BackupAnalystState(ctx)
	if err != nil {
		return 0, fmt.Errorf("collect analyst state: %w", err)
	}

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write backup %s: %w", path, err)
	}

	uc.logger.Info("analyst state backed up", "groups", len(states), "path", path)
	return len(states), nil
}

// Restore reads a backup file and writes the saved fields onto the current
// groups, matched by signature. Signatures with no matching group are
// reported, not errors; the corresponding problem may simply not recur.
func (uc *MaintainGroupsUseCase) Restore(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read backup %s: %w", path, err)
	}

	var states []domain.AnalystState
	if err := json.Unmarshal(data, &states); err != nil {
		return 0, fmt.Errorf("decode backup %s: %w", path, err)
	}

	restored, err := uc.groups.RestoreAnalystState(ctx, states)
	if err != nil {
		return restored, fmt.Errorf("restore analyst state: %w", err)
	}

	if restored < len(states) {
		uc.logger.Warn("some saved signatures have no current group", "saved", len(states), "restored", restored)
	}
	uc.logger.Info("analyst state restored", "groups", restored, "path", path)
	return restored, nil
}

// Clear deletes every group. Meant to be preceded by Backup.
func (uc *MaintainGroupsUseCase) Clear(ctx context.Context) error {
	if err := uc.groups.Clear(ctx); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	uc.logger.Info("group store cleared")
	return nil
}
