package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/script"
)

var runTestsFlag bool

var validateCmd = &cobra.Command{
	Use:   "validate <template-file>",
	Short: "Check a template's metadata and scripts",
	Long: `Validate a template definition (.yaml, .toml or .json) without storing it.
With --run-tests the solution script is also run against the template's
test cases.

Examples:
  taskforge validate distance.yaml
  taskforge validate distance.toml --run-tests`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&runTestsFlag, "run-tests", false, "Run the template's test cases")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	tmpl, err := coursework.LoadTemplateFile(args[0])
	if err != nil {
		return err
	}

	opts := []script.Option{script.WithMaxLength(cfg.Validator.MaxLength)}
	gen, sol := tmpl.ScriptReports(opts...)
	printReport("generator", gen)
	printReport("solution", sol)

	if err := tmpl.Validate(opts...); err != nil {
		return fmt.Errorf("template %q is invalid:\n%w", tmpl.Name, err)
	}

	if runTestsFlag {
		runner, _, shutdown, err := newRunner(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		results, err := tmpl.RunTestCases(context.Background(), runner)
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			status := "\033[32mPASS\033[0m"
			if !r.Passed {
				status = "\033[31mFAIL\033[0m"
				failed++
			}
			fmt.Printf("  %s case %d %s", status, r.Index, r.Description)
			if r.Error != "" {
				fmt.Printf(" (%s)", r.Error)
			} else if r.Comparison != nil {
				fmt.Printf(" (%.1f%%)", r.Comparison.Score)
			}
			fmt.Println()
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d test cases failed", failed, len(results))
		}
	}

	fmt.Printf("template %q is valid\n", tmpl.Name)
	return nil
}

func printReport(kind string, r script.Report) {
	if r.Valid && len(r.Warnings) == 0 {
		fmt.Printf("%s: ok\n", kind)
		return
	}
	fmt.Printf("%s:\n", kind)
	for _, is := range r.Errors {
		fmt.Printf("  \033[31m%s\033[0m\n", is)
	}
	for _, is := range r.Warnings {
		fmt.Printf("  \033[33m%s\033[0m\n", is)
	}
}
