package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Back up analyst-owned group state (diagnosis, comments, audit history) to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			saved, err := a.maintainUseCase().Backup(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("backup analyst state: %w", err)
			}
			a.logger.Info("backup finished", "file", args[0], "groups_saved", saved)
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore analyst-owned group state from a backup file, matched by group signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			restored, err := a.maintainUseCase().Restore(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("restore analyst state: %w", err)
			}
			a.logger.Info("restore finished", "file", args[0], "groups_restored", restored)
			return nil
		},
	}
}
