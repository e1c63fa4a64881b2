package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/observer"
)

var (
	answerFlag    string
	solutionFlag  string
	toleranceFlag float64
	typeFlag      string
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Compare an answer with a solution",
	Long: `Grade a student answer against a solution. Both are JSON values: a number
or an object of named numeric fields.

Examples:
  taskforge grade --answer 5.4 --solution 5.0 --tolerance 0.4
  taskforge grade --answer '{"x":1.02,"y":2}' --solution '{"x":1,"y":2}' --tolerance 5 --type percentage`,
	RunE: runGrade,
}

func init() {
	gradeCmd.Flags().StringVar(&answerFlag, "answer", "", "Student answer (JSON)")
	gradeCmd.Flags().StringVar(&solutionFlag, "solution", "", "Solution (JSON)")
	gradeCmd.Flags().Float64Var(&toleranceFlag, "tolerance", grading.DefaultTolerance, "Tolerance")
	gradeCmd.Flags().StringVar(&typeFlag, "type", string(grading.DefaultToleranceType), "Tolerance type: absolute, relative or percentage")
	gradeCmd.MarkFlagRequired("answer")
	gradeCmd.MarkFlagRequired("solution")
	rootCmd.AddCommand(gradeCmd)
}

func runGrade(cmd *cobra.Command, args []string) error {
	tt, err := grading.ParseToleranceType(typeFlag)
	if err != nil {
		return err
	}
	cfg := grading.Config{Tolerance: toleranceFlag, ToleranceType: tt}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var answer, solution any
	if err := json.Unmarshal([]byte(answerFlag), &answer); err != nil {
		return fmt.Errorf("parsing --answer: %w", err)
	}
	if err := json.Unmarshal([]byte(solutionFlag), &solution); err != nil {
		return fmt.Errorf("parsing --solution: %w", err)
	}

	inst, err := observer.Global()
	if err != nil {
		return err
	}
	res := inst.Compare(context.Background(), answer, solution, cfg)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
