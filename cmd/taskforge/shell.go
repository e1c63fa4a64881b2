package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/sandbox"
)

var shellTemplateFlag string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Evaluate generator snippets interactively",
	Long: `Start a REPL that runs each line as a generator script body in the
sandbox. A line without a return statement is treated as an expression and
returned. With --template, /solve runs the template's solution script on the
last generated input.

Examples:
  taskforge shell
  taskforge shell --template distance.yaml`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellTemplateFlag, "template", "", "Template file whose solution /solve runs")
	rootCmd.AddCommand(shellCmd)
}

// shellState is what the slash commands change between evaluations.
type shellState struct {
	index int
	seed  *int64
	tmpl  *coursework.Template
	last  map[string]any
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	exec := sandbox.NewExecutor(cfg.SandboxPolicy())

	st := &shellState{}
	if shellTemplateFlag != "" {
		st.tmpl, err = coursework.LoadTemplateFile(shellTemplateFlag)
		if err != nil {
			return err
		}
	}

	fmt.Printf("taskforge - generator shell\n")
	if st.tmpl != nil {
		fmt.Printf("Template: %s\n", st.tmpl.Name)
	}
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	home, _ := os.UserHomeDir()
	os.MkdirAll(filepath.Join(home, ".taskforge"), 0o755)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mgen>\033[0m ",
		HistoryFile:     filepath.Join(home, ".taskforge", "shell_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the running script, not the shell.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, src := st.command(input)
			if quit {
				fmt.Println("Goodbye!")
				return nil
			}
			if src == "" {
				continue
			}
			input = src
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		out, err := st.eval(reqCtx, exec, input)
		cancel()
		reqCancel = nil

		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		fmt.Printf("%s\n\n", out)
	}
}

// snippetBody turns a REPL line into a generator body.
func snippetBody(line string) string {
	if strings.Contains(line, "return") {
		return line
	}
	return "return (" + strings.TrimSuffix(line, ";") + ");"
}

func (st *shellState) eval(ctx context.Context, exec *sandbox.Executor, line string) (string, error) {
	if line == "/solve" {
		return st.solve(ctx, exec)
	}
	res, err := exec.ExecuteGenerator(ctx, snippetBody(line), st.index, st.seed)
	if err != nil {
		return "", err
	}
	st.last = res.Data
	return formatResult(res)
}

func (st *shellState) solve(ctx context.Context, exec *sandbox.Executor) (string, error) {
	if st.tmpl == nil {
		return "", fmt.Errorf("no template loaded (start with --template)")
	}
	if st.last == nil {
		return "", fmt.Errorf("nothing generated yet")
	}
	res, err := exec.ExecuteSolution(ctx, string(st.tmpl.SolutionScript), st.last)
	if err != nil {
		return "", err
	}
	return formatResult(res)
}

func formatResult(res *sandbox.Result) (string, error) {
	data, err := json.MarshalIndent(res.Data, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\033[90m(%s)\033[0m", data, res.Duration), nil
}

// command handles a slash command. It reports whether the shell should exit
// and may return a script line to evaluate instead.
func (st *shellState) command(input string) (quit bool, src string) {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		return true, ""
	case "/index":
		if len(fields) != 2 {
			fmt.Printf("variantIndex = %d\n\n", st.index)
			return false, ""
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			fmt.Printf("invalid index %q\n\n", fields[1])
			return false, ""
		}
		st.index = n
		fmt.Printf("variantIndex = %d\n\n", n)
	case "/seed":
		if len(fields) != 2 {
			if st.seed == nil {
				fmt.Println("seed = none (unseeded)")
			} else {
				fmt.Printf("seed = %d\n", *st.seed)
			}
			fmt.Println()
			return false, ""
		}
		if fields[1] == "none" {
			st.seed = nil
			fmt.Println("seed cleared")
			fmt.Println()
			return false, ""
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Printf("invalid seed %q\n\n", fields[1])
			return false, ""
		}
		st.seed = &n
		fmt.Printf("seed = %d\n\n", n)
	case "/gen":
		if st.tmpl == nil {
			fmt.Println("no template loaded (start with --template)")
			fmt.Println()
			return false, ""
		}
		return false, string(st.tmpl.GeneratorScript)
	case "/solve":
		return false, "/solve"
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /index [n]        - Show or set variantIndex")
		fmt.Println("  /seed [n|none]    - Show, set or clear the seed")
		fmt.Println("  /gen              - Run the template's generator")
		fmt.Println("  /solve            - Run the template's solution on the last output")
		fmt.Println("  /quit             - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false, ""
}
