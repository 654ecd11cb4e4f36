package model

import (
	"fmt"
	"slices"
	"strings"
)

// ScreenshotTool is the tool name reserved for screenshot capture rules.
const ScreenshotTool = "screenshooter"

// ToolRule maps discovered services on a protocol to a command template.
// Rules are built once from configuration and are read-only afterwards.
type ToolRule struct {
	Tool     string
	Services []string
	Protocol string
	Command  string
}

// Matches reports whether the rule fires for a (normalized) service name
// seen on the given protocol.
func (r ToolRule) Matches(service, protocol string) bool {
	return r.Protocol == protocol && slices.Contains(r.Services, service)
}

func (r ToolRule) Screenshot() bool {
	return r.Tool == ScreenshotTool
}

// RulesFromConfig resolves configured automated attacks into ToolRules.
// An attack without its own command borrows the one of the port action
// running the same tool.
func RulesFromConfig(tools Tools) ([]ToolRule, error) {
	rules := make([]ToolRule, 0, len(tools.AutomatedAttacks))
	for idx, attack := range tools.AutomatedAttacks {
		rule := ToolRule{
			Tool:     attack.Tool,
			Services: normalizeServices(attack.Services),
			Protocol: strings.ToLower(attack.Protocol),
			Command:  attack.Command,
		}
		if rule.Protocol == "" {
			rule.Protocol = "tcp"
		}
		if rule.Command == "" && !rule.Screenshot() {
			action, ok := tools.PortAction(attack.Tool)
			if !ok {
				return nil, fmt.Errorf("automated_attacks[%d]: tool %q: %w", idx, attack.Tool, ErrUnknownAction)
			}
			rule.Command = action.Command
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func normalizeServices(in []string) []string {
	ret := make([]string, 0, len(in))
	for _, s := range in {
		for part := range strings.SplitSeq(s, ",") {
			part = strings.TrimSpace(part)
			if part == "" || slices.Contains(ret, part) {
				continue
			}
			ret = append(ret, part)
		}
	}
	return ret
}
