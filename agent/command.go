package agent

import "fmt"

// buildArgs constructs the argv for one invocation, binary first.
// Prompt text always rides as a positional argument so flag-like task
// text cannot be misparsed.
func buildArgs(kind Kind, cfg *Config, req *Request) []string {
	model := cfg.Model
	if req.Model != "" {
		model = req.Model
	}

	switch kind {
	case KindCodex:
		args := []string{cfg.Binary, "exec"}
		if req.Handle != "" {
			args = append(args, "resume", req.Handle)
		}
		args = append(args,
			"-m", model,
			"-c", fmt.Sprintf("model_reasoning_effort=%q", cfg.ReasoningEffort),
			"--full-auto", "--json",
			req.Prompt,
		)
		return args

	case KindGemini:
		args := []string{cfg.Binary, "--prompt", req.Prompt, "--output-format", "stream-json", "--yolo"}
		if req.Handle != "" {
			args = append(args, "--resume", req.Handle)
		}
		if model != "" {
			args = append(args, "-m", model)
		}
		return args

	default:
		args := []string{cfg.Binary, "-p", "--verbose", "--output-format", "stream-json", "--model", model}
		if cfg.AllowedTools != "" {
			args = append(args, "--allowedTools", cfg.AllowedTools)
		}
		if req.Handle != "" {
			args = append(args, "--resume", req.Handle)
		}
		return append(args, "--", req.Prompt)
	}
}
