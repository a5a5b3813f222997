package toolexecutor

import "strings"

// ToolPolicy is an allow/deny list of tool names. "*" matches every tool and
// deny wins over allow.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}
	return false
}

// ParseAllowedTools turns a session's comma separated allowed-tools string
// into a policy. An empty string yields nil, which callers treat as "no
// tools pre-approved".
func ParseAllowedTools(s string) *ToolPolicy {
	var allow []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			allow = append(allow, name)
		}
	}
	if len(allow) == 0 {
		return nil
	}
	return &ToolPolicy{Allow: allow}
}

// DenyPolicy allows every tool except the listed ones. Nil when nothing is denied.
func DenyPolicy(denied []string) *ToolPolicy {
	if len(denied) == 0 {
		return nil
	}
	return &ToolPolicy{Allow: []string{"*"}, Deny: denied}
}
