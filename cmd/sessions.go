package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored interview sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently updated sessions (sqlite store only)",
	Run: func(cmd *cobra.Command, _ []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		withStore(func(ctx context.Context, c *components, _ *Config, log *zap.Logger) error {
			if c.sqlite == nil {
				return errors.New("listing sessions requires the sqlite store backend")
			}
			sessions, err := c.sqlite.List(ctx, limit)
			if err != nil {
				return err
			}
			return printSessions(os.Stdout, sessions)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its audit trail",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, c *components, config *Config, log *zap.Logger) error {
			session, err := c.store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if session == nil {
				return fmt.Errorf("session %s is not found", args[0])
			}
			printSession(os.Stdout, session)

			if !config.Audit.SQLite {
				return nil
			}
			if _, err := c.openAudit(config, log); err != nil {
				return err
			}
			events, err := c.audit.Events(ctx, session.ID)
			if err != nil {
				return err
			}
			printEvents(os.Stdout, events)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)

	sessionsListCmd.Flags().IntP("limit", "n", 20, "maximum number of sessions")
}

// withStore opens the configured store without the generation stack.
func withStore(fn func(ctx context.Context, c *components, config *Config, log *zap.Logger) error) {
	ctx := context.Background()

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync() //nolint:errcheck

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	// Audit events are only read here.
	config.Audit.Log = false

	c := &components{}
	c.store, err = c.openStore(ctx, config, logger)
	if err != nil {
		logger.Fatal("opening the session store", zap.Error(err))
	}

	err = fn(ctx, c, config, logger)
	c.Close(logger)
	if err != nil {
		logger.Fatal("sessions command failed", zap.Error(err))
	}
}

func printSessions(out io.Writer, sessions []store.SessionInfo) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHASE\tARCHIVED\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.ID, s.Phase, s.Archived, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printSession(out io.Writer, s *domain.Session) {
	fmt.Fprintf(out, "session:  %s\n", s.ID)
	fmt.Fprintf(out, "phase:    %s\n", s.Phase)
	fmt.Fprintf(out, "rounds:   %d/%d\n", len(s.Rounds), s.TotalRounds)
	fmt.Fprintf(out, "archived: %t\n", s.Archived)

	for _, r := range s.Rounds {
		reason := "-"
		if r.StopReason != nil {
			reason = string(*r.StopReason)
		}
		fmt.Fprintf(out, "  #%d %-40.40s %5.1f -> %5.1f  follow-ups: %d  stop: %s\n",
			r.Index+1, r.Question.Text, r.InitialScore, r.FinalScore, len(r.FollowupHistory), reason)
	}

	if s.Summary != nil {
		pretty, _ := json.MarshalIndent(s.Summary, "", "  ")
		fmt.Fprintf(out, "summary:\n%s\n", pretty)
	}
}

func printEvents(out io.Writer, events []store.AuditEvent) {
	fmt.Fprintf(out, "audit trail (%d events):\n", len(events))
	for _, ev := range events {
		detail, _ := json.Marshal(ev.Detail)
		fmt.Fprintf(out, "  %s  %-22s %-24s round %d  %s\n",
			ev.At.Format(time.RFC3339), ev.Type, ev.Phase, ev.RoundIndex+1, detail)
	}
}
