package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/script"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// maxRunCount bounds template_run so a tool call stays interactive.
const maxRunCount = 50

var executor = sandbox.NewExecutor(sandbox.DefaultPolicy())

func main() {
	s := server.NewMCPServer("taskforge-tools", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "script_validate",
		Description: "Statically check a generator or solution script body for syntax errors, forbidden capabilities and warnings.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"script": map[string]any{
					"type":        "string",
					"description": "Script function body",
				},
				"kind": map[string]any{
					"type":        "string",
					"description": "generator (default) or solution",
				},
			},
			Required: []string{"script"},
		},
	}, handleScriptValidate)

	s.AddTool(mcp.Tool{
		Name:        "template_run",
		Description: "Run a generator/solution script pair in the sandbox and return the variants with their solutions.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"generatorScript": map[string]any{
					"type":        "string",
					"description": "Generator body; receives variantIndex and seed, returns the input object",
				},
				"solutionScript": map[string]any{
					"type":        "string",
					"description": "Solution body; receives inputData, returns the solution object",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Number of variants (1-%d, default 1)", maxRunCount),
				},
				"seed": map[string]any{
					"type":        []string{"integer", "string"},
					"description": "Batch seed (optional); pass seeds beyond 2^53 as a decimal string",
				},
			},
			Required: []string{"generatorScript", "solutionScript"},
		},
	}, handleTemplateRun)

	s.AddTool(mcp.Tool{
		Name:        "answer_grade",
		Description: "Compare a student answer with a solution using absolute, relative or percentage tolerance.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"answer": map[string]any{
					"description": "A number or an object of numeric fields",
				},
				"solution": map[string]any{
					"description": "A number or an object of numeric fields",
				},
				"tolerance": map[string]any{
					"type":        "number",
					"description": "Tolerance (default 0.001)",
				},
				"toleranceType": map[string]any{
					"type":        "string",
					"description": "absolute (default), relative or percentage",
				},
			},
			Required: []string{"answer", "solution"},
		},
	}, handleAnswerGrade)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func handleScriptValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	src, _ := args["script"].(string)
	kind := script.KindGenerator
	if k, _ := args["kind"].(string); k != "" {
		kind = script.Kind(k)
	}
	if kind != script.KindGenerator && kind != script.KindSolution {
		return errResult(fmt.Sprintf("error: unknown kind %q", kind)), nil
	}

	report := script.Validate(src, script.WithKind(kind))
	return jsonResult(report, !report.Valid)
}

func handleTemplateRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	gen, _ := args["generatorScript"].(string)
	sol, _ := args["solutionScript"].(string)
	if gen == "" || sol == "" {
		return errResult("error: 'generatorScript' and 'solutionScript' are required"), nil
	}

	count := 1
	if c, ok := args["count"].(float64); ok {
		count = int(c)
	}
	if count < 1 || count > maxRunCount {
		return errResult(fmt.Sprintf("error: count must be between 1 and %d", maxRunCount)), nil
	}

	var opts []variant.Option
	if raw, ok := args["seed"]; ok && raw != nil {
		seed, err := seedArg(raw)
		if err != nil {
			return errResult("error: " + err.Error()), nil
		}
		opts = append(opts, variant.WithSeed(seed))
	}

	set, err := variant.NewGenerator(executor).Materialize(ctx, variant.Scripts{Generator: gen, Solution: sol}, count, opts...)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return jsonResult(set, false)
}

func handleAnswerGrade(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	answer, okA := args["answer"]
	solution, okS := args["solution"]
	if !okA || !okS {
		return errResult("error: 'answer' and 'solution' are required"), nil
	}

	cfg := grading.DefaultConfig()
	if tol, ok := args["tolerance"].(float64); ok {
		cfg.Tolerance = tol
	}
	if tt, _ := args["toleranceType"].(string); tt != "" {
		parsed, err := grading.ParseToleranceType(tt)
		if err != nil {
			return errResult("error: " + err.Error()), nil
		}
		cfg.ToleranceType = parsed
	}
	if err := cfg.Validate(); err != nil {
		return errResult("error: " + err.Error()), nil
	}

	return jsonResult(grading.CompareWith(answer, solution, cfg), false)
}

// maxExactSeed is the largest integer a JSON number decoded as float64
// holds exactly.
const maxExactSeed = 1 << 53

// seedArg reads a seed given as a JSON number or a decimal string. Numbers
// that are fractional or too large to have survived float64 decoding are
// rejected instead of being rounded.
func seedArg(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > maxExactSeed {
			return 0, fmt.Errorf("seed %v is not an exact integer; pass large seeds as a string", x)
		}
		return int64(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("seed %q is not an integer", x.String())
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("seed %q is not an integer", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("seed must be an integer, got %T", v)
	}
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
		IsError: isError,
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
