package claude

import (
	"encoding/json"

	"github.com/yarlson/ralph-loop/internal/stream"
)

// Summary is what the loop records about an agent run besides its exit code.
type Summary struct {
	SessionID string  `json:"session_id,omitempty"`
	Model     string  `json:"model,omitempty"`
	NumTurns  int     `json:"num_turns,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`
	FinalText string  `json:"final_text,omitempty"`
	ToolUses  int     `json:"tool_uses,omitempty"`
}

type initEvent struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

type resultEvent struct {
	SessionID    string  `json:"session_id"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func (s *Summary) observe(raw []byte) {
	ev, err := stream.Decode(raw)
	if err != nil {
		return
	}

	switch ev.Type {
	case "system":
		if ev.Subtype != "init" {
			return
		}
		var init initEvent
		if json.Unmarshal(raw, &init) == nil {
			s.SessionID = init.SessionID
			s.Model = init.Model
		}
	case "assistant":
		s.ToolUses += len(ev.ToolUses())
	case "result":
		var res resultEvent
		if json.Unmarshal(raw, &res) != nil {
			return
		}
		if res.SessionID != "" {
			s.SessionID = res.SessionID
		}
		s.FinalText = res.Result
		s.IsError = res.IsError
		s.NumTurns = res.NumTurns
		s.CostUSD = res.TotalCostUSD
	}
}
