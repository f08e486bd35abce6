package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/research/artifact"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage research sessions",
	Long:  `List and delete research sessions in the artifact store.`,
}

var sessionsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List research sessions",
	Long:  `Display all sessions in the artifact store with their status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		worker, err := openStore()
		if err != nil {
			return err
		}
		defer worker.Stop()

		metas, err := worker.ListSessions()
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if len(metas) == 0 {
			fmt.Println("No sessions found.")
			fmt.Println("\nRun 'deepresearch run <query>' to create your first session.")
			return nil
		}

		sort.Slice(metas, func(i, j int) bool {
			return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
		})

		fmt.Println(formatSessionsTable(metas))
		fmt.Printf("\nTotal: %d session(s)\n", len(metas))
		return nil
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a session and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		worker, err := openStore()
		if err != nil {
			return err
		}
		defer worker.Stop()

		if err := worker.DeleteSession(sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}

		fmt.Printf("✓ Session '%s' deleted.\n", sessionID)
		return nil
	},
}

// openStore acquires the store lock, so these commands fail fast when a
// daemon is already serving the same root.
func openStore() (*artifact.Worker, error) {
	worker, err := artifact.NewWorker(cfg.Store.RootPath, artifact.RuntimeConfig{})
	if err != nil {
		if strings.Contains(err.Error(), "is locked by another instance") {
			return nil, fmt.Errorf("store is in use by a running daemon: %w", err)
		}
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	worker.Start()
	return worker, nil
}

func formatSessionsTable(metas []artifact.SessionMeta) string {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Align(lipgloss.Center).
		Padding(0, 1)
	oddRowStyle := lipgloss.NewStyle().
		Foreground(gray).
		Padding(0, 1)
	evenRowStyle := lipgloss.NewStyle().
		Foreground(lightGray).
		Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(purple)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		}).
		Headers("ID", "Query", "Status", "Updated")

	for _, m := range metas {
		t.Row(
			m.ID,
			truncateString(m.Query, 40),
			string(m.Status),
			m.UpdatedAt.Format(time.RFC3339),
		)
	}

	return t.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func init() {
	sessionsCmd.AddCommand(sessionsLsCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	rootCmd.AddCommand(sessionsCmd)
}
