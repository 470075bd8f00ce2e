package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/questionbank"
)

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "Inspect the question bank",
}

var questionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List questions of the bank",
	Run: func(cmd *cobra.Command, _ []string) {
		bank := loadBank(cmd)
		category, _ := cmd.Flags().GetString("category")
		if err := printQuestions(os.Stdout, bank, category); err != nil {
			log.Fatal(err)
		}
	},
}

var questionsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the question bank and exit",
	Run: func(cmd *cobra.Command, _ []string) {
		bank := loadBank(cmd)
		fmt.Printf("question bank is valid: %d questions in %d categories (%s)\n",
			bank.Len(), len(bank.Categories()), strings.Join(bank.Categories(), ", "))
	},
}

func init() {
	rootCmd.AddCommand(questionsCmd)
	questionsCmd.AddCommand(questionsListCmd, questionsValidateCmd)

	questionsCmd.PersistentFlags().StringP("file", "f", "", "question bank file (default from config)")
	questionsListCmd.Flags().String("category", "", "show only this category")
}

func loadBank(cmd *cobra.Command) *questionbank.Bank {
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync() //nolint:errcheck

	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		config, err := getConfig()
		if err != nil {
			logger.Fatal("getting a config", zap.Error(err))
		}
		path = config.Questions.File
	}

	bank, err := questionbank.Load(path)
	if err != nil {
		logger.Fatal("loading the question bank", zap.Error(err))
	}
	logger.Debug("question bank loaded", zap.String("file", path), zap.Int("questions", bank.Len()))
	return bank
}

func printQuestions(out io.Writer, bank *questionbank.Bank, category string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCATEGORY\tTOPIC\tLEVEL\tTEXT")
	for _, q := range bank.All() {
		if category != "" && !strings.EqualFold(q.Category, category) {
			continue
		}
		text := q.Text
		if len([]rune(text)) > 60 {
			text = string([]rune(text)[:57]) + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", q.ID, q.Type, q.Category, q.Topic, q.ExperienceLevel, text)
	}
	return w.Flush()
}
