package bot

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Template is a parsed response template. Supported tokens: {user},
// {channel}, {count}, {time}, {uptime}, and {random:min-max}. Unknown
// tokens render verbatim so a typo is visible in chat instead of silently
// vanishing.
type Template struct {
	nodes []templateNode
}

type templateNode interface {
	render(vars TemplateVars, rng *rand.Rand) string
}

// TemplateVars carries the per-message values a template can reference.
type TemplateVars struct {
	User    string
	Channel string
	Count   int
	Now     time.Time
	Uptime  time.Duration
}

type literalNode string

func (n literalNode) render(TemplateVars, *rand.Rand) string { return string(n) }

type varNode string

func (n varNode) render(vars TemplateVars, _ *rand.Rand) string {
	switch string(n) {
	case "user":
		return vars.User
	case "channel":
		return vars.Channel
	case "count":
		return strconv.Itoa(vars.Count)
	case "time":
		return vars.Now.Format("03:04 PM")
	case "uptime":
		return formatUptime(vars.Uptime)
	default:
		return "{" + string(n) + "}"
	}
}

type randomNode struct {
	min, max int
}

func (n randomNode) render(_ TemplateVars, rng *rand.Rand) string {
	if n.max <= n.min {
		return strconv.Itoa(n.min)
	}
	return strconv.Itoa(n.min + rng.Intn(n.max-n.min+1))
}

// ParseTemplate builds a Template. Parsing never fails: malformed tokens
// become literals.
func ParseTemplate(raw string) Template {
	var nodes []templateNode
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			nodes = append(nodes, literalNode(literal.String()))
			literal.Reset()
		}
	}

	for i := 0; i < len(raw); {
		open := strings.IndexByte(raw[i:], '{')
		if open < 0 {
			literal.WriteString(raw[i:])
			break
		}
		literal.WriteString(raw[i : i+open])
		i += open
		closing := strings.IndexByte(raw[i:], '}')
		if closing < 0 {
			literal.WriteString(raw[i:])
			break
		}
		token := raw[i+1 : i+closing]
		if node, ok := parseToken(token); ok {
			flush()
			nodes = append(nodes, node)
		} else {
			literal.WriteString(raw[i : i+closing+1])
		}
		i += closing + 1
	}
	flush()
	return Template{nodes: nodes}
}

// parseToken matches token names case-insensitively; {USER} and {user}
// render the same.
func parseToken(token string) (templateNode, bool) {
	lowered := strings.ToLower(token)
	switch lowered {
	case "user", "channel", "count", "time", "uptime":
		return varNode(lowered), true
	}
	if spec, ok := strings.CutPrefix(lowered, "random:"); ok {
		minStr, maxStr, found := strings.Cut(spec, "-")
		if !found {
			return nil, false
		}
		min, err1 := strconv.Atoi(strings.TrimSpace(minStr))
		max, err2 := strconv.Atoi(strings.TrimSpace(maxStr))
		if err1 != nil || err2 != nil || min > max {
			return nil, false
		}
		return randomNode{min: min, max: max}, true
	}
	return nil, false
}

// Render fills the template with vars.
func (t Template) Render(vars TemplateVars, rng *rand.Rand) string {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var b strings.Builder
	for _, node := range t.nodes {
		b.WriteString(node.render(vars, rng))
	}
	return b.String()
}

// RenderTemplate is the one-shot convenience used for custom command
// responses.
func RenderTemplate(raw string, vars TemplateVars, rng *rand.Rand) string {
	return ParseTemplate(raw).Render(vars, rng)
}

func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "Stream offline"
	}
	d = d.Round(time.Minute)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
