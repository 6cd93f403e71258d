package workflow

import (
	"maps"
	"strings"

	"github.com/c360studio/semflow/agent"
)

// OutputPath is the output_map path of a step's raw text.
const OutputPath = "$output"

// ResolveInput builds a step's agent input from run variables. "$name" and
// "$name.path" values are looked up; anything else is a literal. Missing
// references are reported and left out. An empty map passes every variable.
func ResolveInput(inputMap map[string]string, vars map[string]any) (map[string]any, []string) {
	if len(inputMap) == 0 {
		return maps.Clone(vars), nil
	}
	input := make(map[string]any, len(inputMap))
	var missing []string
	for param, value := range inputMap {
		if !strings.HasPrefix(value, "$") {
			input[param] = value
			continue
		}
		v, ok := lookupPath(vars, value[1:])
		if !ok {
			missing = append(missing, value)
			continue
		}
		input[param] = v
	}
	return input, missing
}

// ResolveOutput maps a step result onto run variables per outputMap.
// Missing paths are reported and left out. An empty map stores the
// structured output, or the text when there is none, under stepName.
func ResolveOutput(stepName string, outputMap map[string]string, res *agent.Result) (map[string]any, []string) {
	if len(outputMap) == 0 {
		if res.Structured != nil {
			return map[string]any{stepName: res.Structured}, nil
		}
		return map[string]any{stepName: res.Output}, nil
	}

	vars := make(map[string]any, len(outputMap))
	var missing []string
	for variable, path := range outputMap {
		if path == OutputPath {
			vars[variable] = res.Output
			continue
		}
		v, ok := lookupPath(res.Structured, strings.TrimPrefix(path, "$"))
		if !ok {
			missing = append(missing, path)
			continue
		}
		vars[variable] = v
	}
	return vars, missing
}

// lookupPath walks dotted keys through nested maps.
func lookupPath(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stepOutputData is the record stored on a completed step execution.
func stepOutputData(res *agent.Result) map[string]any {
	out := map[string]any{
		"output":        res.Output,
		"finish_reason": res.FinishReason,
		"tokens_used":   res.TokensUsed,
		"iterations":    res.Iterations,
	}
	if res.Structured != nil {
		out["structured"] = res.Structured
	}
	if len(res.ToolCalls) > 0 {
		out["tool_calls"] = res.ToolCalls
	}
	if res.Model != "" {
		out["model"] = res.Model
	}
	return out
}
