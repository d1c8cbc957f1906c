package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/uspagent/agent/pkg/errors"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	openStyle   = cellStyle.Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

type crashesOptions struct {
	kind      string
	unacked   bool
	limit     int
	jsonOut   bool
	showStack bool
}

func newCrashesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashes",
		Short: "Inspect the crash journal",
		Long:  "Commands for listing, showing and acknowledging recorded fatal terminations",
	}

	cmd.AddCommand(newCrashesListCmd(root))
	cmd.AddCommand(newCrashesShowCmd(root))
	cmd.AddCommand(newCrashesAckCmd(root))
	cmd.AddCommand(newCrashesCleanupCmd(root))

	return cmd
}

func openJournal(root *rootOptions) (*errors.CrashJournal, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	if !cfg.Crash.JournalEnabled {
		return nil, fmt.Errorf("crash journal is disabled in configuration")
	}
	return errors.NewCrashJournal(errors.JournalConfig{
		Path:          cfg.Crash.JournalPath,
		RetentionDays: cfg.Crash.RetentionDays,
	})
}

func newCrashesListCmd(root *rootOptions) *cobra.Command {
	opts := &crashesOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded crashes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(root)
			if err != nil {
				return err
			}
			defer journal.Close()

			q := errors.CrashQuery{Kind: opts.kind, Limit: opts.limit}
			if opts.unacked {
				unacked := false
				q.Acknowledged = &unacked
			}

			records, err := journal.Query(cmd.Context(), q)
			if err != nil {
				return err
			}

			if opts.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No crashes recorded"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderCrashTable(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.kind, "kind", "", "Filter by kind (terminate, bad_case, assert, fault)")
	cmd.Flags().BoolVar(&opts.unacked, "unacked", false, "Only show unacknowledged crashes")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum number of crashes to show")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Output JSON")

	return cmd
}

func renderCrashTable(records []errors.CrashRecord) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "KIND", "OCCURRED", "PID", "ACK", "MESSAGE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 && !records[row].Acknowledged {
				return openStyle
			}
			return cellStyle
		})

	for _, rec := range records {
		ack := "no"
		if rec.Acknowledged {
			ack = "yes"
		}
		t.Row(
			shortID(rec.ID),
			rec.Kind,
			rec.OccurredAt.Local().Format(time.DateTime),
			strconv.Itoa(rec.PID),
			ack,
			truncate(rec.Message, 60),
		)
	}

	return t.Render()
}

func newCrashesShowCmd(root *rootOptions) *cobra.Command {
	opts := &crashesOptions{}

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one crash with its stack and message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(root)
			if err != nil {
				return err
			}
			defer journal.Close()

			rec, err := findCrash(cmd.Context(), journal, args[0])
			if err != nil {
				return err
			}

			if opts.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render("ID:"), rec.ID)
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Kind:"), rec.Kind)
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Occurred:"), rec.OccurredAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "%s %d\n", headerStyle.Render("PID:"), rec.PID)
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Message:"), rec.Message)

			if len(rec.History) > 0 {
				fmt.Fprintln(out, headerStyle.Render("History:"))
				for _, e := range rec.History {
					fmt.Fprintf(out, "  %s [%s] %s\n",
						dimStyle.Render(e.Timestamp.Local().Format(time.TimeOnly)), e.Scope, e.Text)
				}
			}
			if opts.showStack && rec.Stack != "" {
				fmt.Fprintln(out, headerStyle.Render("Stack:"))
				fmt.Fprint(out, rec.Stack)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.showStack, "stack", false, "Include the captured stack")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Output JSON")

	return cmd
}

func newCrashesAckCmd(root *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ack [id...]",
		Short: "Acknowledge crashes so they are no longer reported at startup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("specify crash IDs or --all")
			}

			journal, err := openJournal(root)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx := cmd.Context()
			ids := args
			if all {
				unacked := false
				records, err := journal.Query(ctx, errors.CrashQuery{Acknowledged: &unacked, Limit: 1000})
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, rec := range records {
					ids = append(ids, rec.ID)
				}
			}

			for _, id := range ids {
				rec, err := findCrash(ctx, journal, id)
				if err != nil {
					return err
				}
				if err := journal.Acknowledge(ctx, rec.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", rec.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Acknowledge every unacknowledged crash")

	return cmd
}

func newCrashesCleanupCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove acknowledged crashes older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(root)
			if err != nil {
				return err
			}
			defer journal.Close()

			n, err := journal.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d crashes\n", n)
			return nil
		},
	}
}

// findCrash resolves a full ID or a unique prefix of one
func findCrash(ctx context.Context, journal *errors.CrashJournal, id string) (*errors.CrashRecord, error) {
	if rec, err := journal.Get(ctx, id); err == nil {
		return rec, nil
	}

	records, err := journal.Query(ctx, errors.CrashQuery{Limit: 1000})
	if err != nil {
		return nil, err
	}

	var match *errors.CrashRecord
	for i := range records {
		if strings.HasPrefix(records[i].ID, id) {
			if match != nil {
				return nil, fmt.Errorf("crash ID prefix %q is ambiguous", id)
			}
			match = &records[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, id)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to n runes for table cells
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
