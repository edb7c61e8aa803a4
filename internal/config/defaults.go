package config

import "time"

// Agent defaults
const (
	DefaultAgentCommand = "claude"
)

// DefaultAgentArgs are the flags for a non-interactive streaming agent run.
var DefaultAgentArgs = []string{"-p", "--output-format=stream-json", "--verbose", "--dangerously-skip-permissions"}

// Tracker defaults
const (
	DefaultBeadsCommand = "bd"
)

// Logging defaults
const (
	DefaultLogKeep = 10
)

// Usage accounting defaults
const (
	DefaultUsageCommand = "ccusage blocks --active --json"
)

// Quota defaults
const (
	DefaultQuotaBuffer      = 5 * time.Minute
	DefaultQuotaDefaultWait = 5 * time.Hour
)

// Loop defaults
const (
	DefaultStuckPause = 2 * time.Second
)
