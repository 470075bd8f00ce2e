package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/interview"
	"github.com/spigell/hh-interviewer/internal/pipeline"
)

const (
	PromptApprove  = "Approve"
	PromptEdit     = "Edit follow-up"
	PromptOverride = "Override with my own follow-up"
)

var errExit = errors.New("exit requested")

var interviewCmd = &cobra.Command{
	Use:   "interview",
	Short: "Run an interactive interview session in the terminal",
	Run: func(cmd *cobra.Command, _ []string) {
		runInterview(cmd)
	},
}

func init() {
	rootCmd.AddCommand(interviewCmd)

	interviewCmd.Flags().StringP("session", "s", "", "resume an existing session by id")
	interviewCmd.Flags().StringSlice("skills", nil, "candidate skills, comma separated")
	interviewCmd.Flags().String("level", "", "candidate experience level (junior, middle, senior)")
	interviewCmd.Flags().String("domain", "", "technology the interview is about, e.g. go")
	interviewCmd.Flags().StringSlice("categories", nil, "enabled question categories")
	interviewCmd.Flags().Int("rounds", 0, "number of technical questions (default from config)")
	interviewCmd.Flags().BoolP("expert", "e", false, "pause every turn for a reviewer decision")
	interviewCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
}

func runInterview(cmd *cobra.Command) {
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

	logger.Info("starting the hh-interviewer", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		serveMetrics(addr, logger)
	}

	expert, _ := cmd.Flags().GetBool("expert")
	id, _ := cmd.Flags().GetString("session")
	opts := interview.Options{}
	opts.Skills, _ = cmd.Flags().GetStringSlice("skills")
	opts.ExperienceLevel, _ = cmd.Flags().GetString("level")
	opts.Domain, _ = cmd.Flags().GetString("domain")
	opts.Categories, _ = cmd.Flags().GetStringSlice("categories")
	opts.TotalRounds, _ = cmd.Flags().GetInt("rounds")

	terminal := func(c *console) {
		c.out = os.Stdout
		c.ask = ask
		c.choose = choose
	}
	id, err = conductInterview(ctx, config, logger, expert, id, opts, terminal)
	if err != nil {
		if errors.Is(err, errExit) {
			logger.Info("exiting", zap.String("reason", "interrupted"), zap.String("hint", "resume with --session "+id))
			return
		}
		logger.Fatal("interview failed", zap.Error(err))
	}
}

// conductInterview resumes session id, or creates one from opts when id is
// empty, and runs it in the console. Components are closed before it returns.
func conductInterview(ctx context.Context, config *Config, logger *zap.Logger, expert bool, id string, opts interview.Options, attach func(*console)) (string, error) {
	comps, err := buildComponents(ctx, config, logger, expert)
	if err != nil {
		return id, fmt.Errorf("building components: %w", err)
	}
	defer comps.Close(logger)

	if id == "" {
		m, err := comps.registry.Create(ctx, opts)
		if err != nil {
			return id, fmt.Errorf("creating a session: %w", err)
		}
		id = m.ID()
	}

	logger.Info("interview session", zap.String("session_id", id))

	c := &console{
		registry: comps.registry,
		id:       id,
		log:      logger,
	}
	attach(c)
	return id, c.run(ctx)
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
}

func ask(label string) (string, error) {
	p := promptui.Prompt{Label: label}
	answer, err := p.Run()
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return "", errExit
	}
	return answer, err
}

func choose(label string, items []string) (string, error) {
	s := promptui.Select{Label: label, Items: items}
	_, choice, err := s.Run()
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return "", errExit
	}
	return choice, err
}

// console drives one session from the terminal. Every step runs through the
// registry so turns stay serialized and persisted.
type console struct {
	registry *interview.Registry
	id       string
	log      *zap.Logger
	out      io.Writer

	ask    func(label string) (string, error)
	choose func(label string, items []string) (string, error)
}

func (c *console) do(ctx context.Context, fn func(*interview.Machine) error) error {
	return c.registry.Do(ctx, c.id, fn)
}

func (c *console) say(text string) {
	if strings.TrimSpace(text) != "" {
		fmt.Fprintf(c.out, "\nInterviewer: %s\n", text)
	}
}

func (c *console) run(ctx context.Context) error {
	// A resumed session may stop in the middle of a round.
	var (
		current *domain.Round
		pending *domain.PendingAction
	)
	if err := c.do(ctx, func(m *interview.Machine) error {
		s := m.Session()
		if s.Current != nil {
			round := *s.Current
			current = &round
		}
		if s.Pending != nil {
			p := *s.Pending
			pending = &p
		}
		return nil
	}); err != nil {
		return err
	}
	if current != nil {
		if err := c.resume(ctx, current, pending); err != nil {
			return err
		}
	}

	for {
		var (
			action *interview.Action
			phase  domain.Phase
		)
		err := c.do(ctx, func(m *interview.Machine) error {
			var err error
			action, err = m.NextQuestion(ctx)
			phase = m.Session().Phase
			return err
		})
		if err != nil {
			return err
		}

		if action == nil {
			if phase == domain.PhaseComplete {
				break
			}
			continue
		}

		c.say(action.Text)

		switch action.Kind {
		case interview.ActionFarewell:
			return c.finalize(ctx)
		case interview.ActionRequestIntro:
			if err := c.introduction(ctx); err != nil {
				return err
			}
		case interview.ActionQuestion:
			if err := c.round(ctx); err != nil {
				return err
			}
		}
	}

	return c.finalize(ctx)
}

func (c *console) resume(ctx context.Context, current *domain.Round, pending *domain.PendingAction) error {
	c.say(current.Question.Text)

	if pending != nil {
		action, err := c.review(ctx, pending)
		if err != nil {
			return err
		}
		if action.Kind == interview.ActionRoundComplete {
			return c.completeRound(ctx)
		}
		c.say(action.Text)
		return c.round(ctx)
	}

	if current.State == domain.RoundStopped {
		return c.completeRound(ctx)
	}
	return c.round(ctx)
}

func (c *console) introduction(ctx context.Context) error {
	text, err := c.ask("Your introduction")
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	return c.do(ctx, func(m *interview.Machine) error {
		turn, err := m.ProcessResponse(ctx, text, domain.ResponseInitial)
		if err != nil {
			return err
		}
		c.say(turn.Action.Text)
		return nil
	})
}

// round answers questions until the round stops, then closes it.
func (c *console) round(ctx context.Context) error {
	for {
		answer, err := c.ask("Your answer")
		if err != nil {
			return err
		}

		var turn *interview.Turn
		err = c.do(ctx, func(m *interview.Machine) error {
			var err error
			turn, err = m.ProcessResponse(ctx, answer, m.ExpectedResponseType())
			return err
		})

		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			fmt.Fprintf(c.out, "  %s\n", validationErr.Reason)
			continue
		}
		if err != nil {
			return err
		}

		if turn.Evaluation != nil {
			fmt.Fprintf(c.out, "  score: %.1f (rules %.1f)\n", turn.Evaluation.Overall, turn.Evaluation.RuleScore)
		}

		action := turn.Action
		if turn.Status == pipeline.StatusPendingExpert {
			if action, err = c.review(ctx, turn.Pending); err != nil {
				return err
			}
		}

		switch action.Kind {
		case interview.ActionRetry:
			fmt.Fprintf(c.out, "  rejected: %s\n", turn.RejectReason)
			c.say(action.Text)
		case interview.ActionFollowUp:
			c.say(action.Text)
		case interview.ActionRoundComplete:
			return c.completeRound(ctx)
		}
	}
}

func (c *console) review(ctx context.Context, pending *domain.PendingAction) (*interview.Action, error) {
	if pending.Decision.Continue {
		fmt.Fprintf(c.out, "\n[review] proposed %s follow-up: %s\n", pending.Strategy, pending.FollowUp)
	} else {
		fmt.Fprintf(c.out, "\n[review] proposed to stop the round: %s (%.2f)\n", pending.Decision.Reason, pending.Decision.Confidence)
	}

	items := []string{PromptApprove}
	if pending.Decision.Continue && pending.FollowUp != "" {
		items = append(items, PromptEdit)
	}
	items = append(items, PromptOverride)

	for {
		choice, err := c.choose("Reviewer decision", items)
		if err != nil {
			return nil, err
		}

		var text string
		if choice != PromptApprove {
			if text, err = c.ask("Follow-up question"); err != nil {
				return nil, err
			}
		}

		var action *interview.Action
		err = c.do(ctx, func(m *interview.Machine) error {
			var err error
			switch choice {
			case PromptApprove:
				action, err = m.Approve(ctx)
			case PromptEdit:
				action, err = m.Edit(ctx, text)
			case PromptOverride:
				action, err = m.Override(ctx, text)
			default:
				err = fmt.Errorf("invalid action: %s", choice)
			}
			return err
		})

		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			fmt.Fprintf(c.out, "  %s\n", validationErr.Reason)
			continue
		}
		return action, err
	}
}

func (c *console) completeRound(ctx context.Context) error {
	return c.do(ctx, func(m *interview.Machine) error {
		round, err := m.CompleteRound(ctx)
		if err != nil {
			return err
		}

		reason := "answered without follow-ups"
		if round.StopReason != nil {
			reason = string(*round.StopReason)
		}
		p := m.Progress()
		fmt.Fprintf(c.out, "  round %d closed: %.1f -> %.1f (%s), progress %d/%d\n",
			round.Index+1, round.InitialScore, round.FinalScore, reason, p.RoundsCompleted, p.TotalRounds)
		return nil
	})
}

func (c *console) finalize(ctx context.Context) error {
	return c.do(ctx, func(m *interview.Machine) error {
		summary, err := m.Finalize(ctx)
		if err != nil {
			return err
		}
		pretty, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Fprintf(c.out, "\nSummary:\n%s\n", pretty)
		c.log.Info("interview finished",
			zap.String("session_id", m.ID()),
			zap.Float64("average_score", summary.AverageScore),
			zap.String("trend", summary.Trend),
		)
		return nil
	})
}
