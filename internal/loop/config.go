package loop

import (
	"fmt"
	"strconv"
)

// Mode selects the prompt and whether the ready queue drives selection.
type Mode string

const (
	// ModePlan runs the planning prompt without touching the ready queue.
	ModePlan Mode = "plan"
	// ModeBuild works through the ready queue one item per iteration.
	ModeBuild Mode = "build"
)

// IsValid returns true if the mode is known.
func (m Mode) IsValid() bool {
	return m == ModePlan || m == ModeBuild
}

// Configuration holds the resolved parameters of one loop invocation.
type Configuration struct {
	Mode Mode
	// MaxIterations of 0 means unlimited.
	MaxIterations int
	// Scope restricts ready queries to descendants of a work item.
	Scope string
	// Logging enables the per-run event log.
	Logging bool
	// LogKeep is the number of event logs retained; 0 keeps all.
	LogKeep int
	// StateRoot is the directory holding per-project state.
	StateRoot string
	// PromptDir holds the PROMPT_<mode>.md templates.
	PromptDir string
}

// ParseArgs resolves the positional arguments [plan|build] [max_iterations].
// A lone number means build mode with that limit; no arguments mean build
// mode, unlimited.
func ParseArgs(args []string) (Mode, int, error) {
	mode := ModeBuild
	if len(args) == 0 {
		return mode, 0, nil
	}
	if len(args) > 2 {
		return "", 0, fmt.Errorf("too many arguments: %v", args)
	}

	if n, ok := parseCount(args[0]); ok {
		if len(args) > 1 {
			return "", 0, fmt.Errorf("unexpected argument %q after iteration count", args[1])
		}
		return mode, n, nil
	}

	mode = Mode(args[0])
	if !mode.IsValid() {
		return "", 0, fmt.Errorf("unknown mode %q (want plan or build)", args[0])
	}
	rest := args[1:]
	if len(rest) == 0 {
		return mode, 0, nil
	}
	n, ok := parseCount(rest[0])
	if !ok {
		return "", 0, fmt.Errorf("max iterations must be a non-negative integer, got %q", rest[0])
	}
	return mode, n, nil
}

func parseCount(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
