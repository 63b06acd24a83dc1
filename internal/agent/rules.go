package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/config"
)

type rule struct {
	re          *regexp.Regexp
	server      string
	operation   string
	arguments   map[string]any
	description string
}

// RulePlanner maps requests to tool calls with regular expressions. String
// arguments may reference capture groups as $1 or ${name}. Every matching
// rule contributes a call, so one request can fan out to several tools.
type RulePlanner struct {
	rules []rule
}

func NewRulePlanner(rules []config.RuleConfig) (*RulePlanner, error) {
	const op = "agent.NewRulePlanner"
	p := &RulePlanner{}
	for i, r := range rules {
		if r.Server == "" || r.Operation == "" {
			return nil, apperr.Validation(op, "rule %d needs a server and an operation", i+1)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, apperr.Validation(op, "rule %d: invalid pattern: %v", i+1, err)
		}
		p.rules = append(p.rules, rule{
			re:          re,
			server:      r.Server,
			operation:   r.Operation,
			arguments:   r.Arguments,
			description: r.Description,
		})
	}
	return p, nil
}

func (p *RulePlanner) Plan(ctx context.Context, req Request) (Plan, error) {
	if len(req.Steps) > 0 {
		return Plan{Answer: Summarize(req.Steps)}, nil
	}
	var calls []Call
	for _, r := range p.rules {
		m := r.re.FindStringSubmatchIndex(req.Utterance)
		if m == nil {
			continue
		}
		calls = append(calls, Call{
			Server:    r.server,
			Operation: r.operation,
			Arguments: expandArgs(r.re, req.Utterance, m, r.arguments),
			Reason:    r.description,
		})
	}
	if len(calls) == 0 {
		return Plan{Answer: p.help()}, nil
	}
	return Plan{Calls: calls}, nil
}

func (p *RulePlanner) help() string {
	var b strings.Builder
	b.WriteString("I can't map that to a tool yet. Try one of:\n")
	for _, r := range p.rules {
		if r.description == "" {
			continue
		}
		fmt.Fprintf(&b, "  - %s\n", r.description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func expandArgs(re *regexp.Regexp, src string, match []int, args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = expandValue(re, src, match, v)
	}
	return out
}

func expandValue(re *regexp.Regexp, src string, match []int, v any) any {
	switch t := v.(type) {
	case string:
		return string(re.ExpandString(nil, t, src, match))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = expandValue(re, src, match, e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = expandValue(re, src, match, e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = expandValue(re, src, match, e)
		}
		return out
	default:
		return v
	}
}

// Summarize renders executed steps as plain text, one block per call.
func Summarize(steps []Step) string {
	if len(steps) == 0 {
		return "Nothing was run."
	}
	var b strings.Builder
	for i, s := range steps {
		if i > 0 {
			b.WriteString("\n\n")
		}
		title := s.Call.Reason
		if title == "" {
			title = s.Call.String()
		}
		b.WriteString(title)
		b.WriteString(":\n")
		switch {
		case s.Err != nil:
			b.WriteString(apperr.UserMessage(s.Err))
		case s.Result == nil || strings.TrimSpace(s.Result.Text) == "":
			b.WriteString("(no output)")
		default:
			b.WriteString(strings.TrimRight(s.Result.Text, "\n"))
		}
	}
	return b.String()
}
