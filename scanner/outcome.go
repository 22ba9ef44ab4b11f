package scanner

import (
	"encoding/json"
	"fmt"
	"strings"

	"aegis/rules"
)

// Action is the recommended response. Values are ordered by severity.
type Action int

const (
	Allow Action = iota
	Monitor
	Quarantine
)

var actionNames = [...]string{"allow", "monitor", "quarantine"}

func (a Action) String() string {
	if a < Allow || a > Quarantine {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

func (a Action) MarshalText() ([]byte, error) {
	if a < Allow || a > Quarantine {
		return nil, fmt.Errorf("invalid action %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	for i, name := range actionNames {
		if strings.EqualFold(string(text), name) {
			*a = Action(i)
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", text)
}

// Request names a file to scan.
type Request struct {
	Path string
}

// Outcome is the verdict for one sample. It is not modified after it is
// returned.
type Outcome struct {
	Path       string        `json:"path"`
	Signatures []rules.Match `json:"signatures"`
	Score      Score         `json:"heuristic_score"`
	Entropy    EntropyReport `json:"entropy"`
	Action     Action        `json:"recommended_action"`
	FileType   string        `json:"file_type"`
	SampleSize int           `json:"sample_size"`
	FileSize   int64         `json:"file_size"`
	Truncated  bool          `json:"truncated"`
}

func (o *Outcome) JSON() ([]byte, error) {
	return json.Marshal(o)
}

// RuleNames lists the namespace-qualified rules that fired.
func (o *Outcome) RuleNames() []string {
	names := make([]string, 0, len(o.Signatures))
	for _, m := range o.Signatures {
		names = append(names, m.Namespace+"."+m.Rule)
	}
	return names
}

// Summary renders a one-line human readable verdict.
func (o *Outcome) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (matches=%d score=%.2f entropy=%.2f",
		o.Path, o.Action, len(o.Signatures), float64(o.Score), o.Entropy.MeanEntropy)
	if len(o.Signatures) > 0 {
		fmt.Fprintf(&b, " rules=%s", strings.Join(o.RuleNames(), ","))
	}
	if o.Truncated {
		b.WriteString(" truncated")
	}
	b.WriteString(")")
	return b.String()
}
