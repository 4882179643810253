package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// RegisterBuiltins installs the default tool set.
func RegisterBuiltins(r *Registry) {
	r.Register(Tool{
		ID:          "current_time",
		DisplayName: "Current time",
		Description: "Returns the current date and time in UTC.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	})

	r.Register(Tool{
		ID:          "calculator",
		DisplayName: "Calculator",
		Description: "Evaluates a basic arithmetic operation on two numbers.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a":  map[string]any{"type": "number"},
				"b":  map[string]any{"type": "number"},
				"op": map[string]any{"type": "string", "enum": []string{"add", "sub", "mul", "div"}},
			},
			"required": []string{"a", "b", "op"},
		},
		Run: runCalculator,
	})
}

func numArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("argument %q is not a number", key)
	}
}

func runCalculator(ctx context.Context, args map[string]any) (string, error) {
	a, err := numArg(args, "a")
	if err != nil {
		return "", err
	}
	b, err := numArg(args, "b")
	if err != nil {
		return "", err
	}
	op, _ := args["op"].(string)

	var out float64
	switch op {
	case "add":
		out = a + b
	case "sub":
		out = a - b
	case "mul":
		out = a * b
	case "div":
		if b == 0 {
			return "", fmt.Errorf("division by zero")
		}
		out = a / b
	default:
		return "", fmt.Errorf("unknown op %q", op)
	}
	return strconv.FormatFloat(out, 'f', -1, 64), nil
}
