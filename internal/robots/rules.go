package robots

import (
	"fmt"
	"strings"
	"time"
)

// ruleSet is the parsed outcome of one robots.txt fetch, scoped to the
// user-agent the Oracle was configured with.
type ruleSet struct {
	disallowed []string
	allowed    []string
	crawlDelay *time.Duration
}

func allowAllRuleSet() *ruleSet    { return &ruleSet{} }
func disallowAllRuleSet() *ruleSet { return &ruleSet{disallowed: []string{"/"}} }

func (rs *ruleSet) isAllowed(path string) bool {
	if path == "" {
		path = "/"
	}
	for _, pattern := range rs.allowed {
		if matchPattern(pattern, path) {
			return true
		}
	}
	for _, pattern := range rs.disallowed {
		if matchPattern(pattern, path) {
			return false
		}
	}
	return true
}

// parse reads robots.txt content scoped to the records matching agent
// (case-insensitively) or "*". Grounded on the teacher's
// internal/engine/robots.go parser, renamed to the oracle's own agent
// rather than a hardcoded name.
func parse(content, agent string) *ruleSet {
	rs := &ruleSet{}
	agent = strings.ToLower(agent)

	inSection := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch key {
		case "user-agent":
			ua := strings.ToLower(value)
			inSection = ua == "*" || (agent != "" && strings.Contains(agent, ua))
		case "disallow":
			if inSection && value != "" {
				rs.disallowed = append(rs.disallowed, value)
			}
		case "allow":
			if inSection && value != "" {
				rs.allowed = append(rs.allowed, value)
			}
		case "crawl-delay":
			if inSection {
				var secs float64
				if _, err := fmt.Sscanf(value, "%f", &secs); err == nil {
					d := time.Duration(secs * float64(time.Second))
					rs.crawlDelay = &d
				}
			}
		}
	}
	return rs
}

// matchPattern supports the same "*" wildcard and "$" end-anchor as the
// teacher's matchRobotsPattern/matchWildcard, unmodified in behavior.
func matchPattern(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	mustEnd := strings.HasSuffix(pattern, "$")
	if mustEnd {
		pattern = pattern[:len(pattern)-1]
	}
	if strings.Contains(pattern, "*") {
		return matchWildcard(pattern, path, mustEnd)
	}
	if mustEnd {
		return path == pattern
	}
	return strings.HasPrefix(path, pattern)
}

func matchWildcard(pattern, path string, mustEnd bool) bool {
	parts := strings.Split(pattern, "*")
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(path[pos:], part)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}
	if mustEnd {
		return pos == len(path)
	}
	return true
}
