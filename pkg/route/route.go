package route

import (
	"fmt"
	"sort"
	"strings"

	"conduit/pkg/envelope"
	"conduit/pkg/handler"
)

// Rejection codes. Policy rejections are terminal and never dead-lettered.
const (
	CodeActionNotAllowed = "ACTION_NOT_ALLOWED"
	CodeSourceNotAllowed = "SOURCE_NOT_ALLOWED"
)

// Rule exposes one action family to a set of client sources. The table is
// the sole place capabilities are exposed: a handler without a rule is
// unreachable, an action absent from Actions does not exist.
type Rule struct {
	Family  string   `json:"family"`
	Actions []string `json:"actions"`
	Sources []string `json:"sources"`
	Handler string   `json:"handler"`
}

// Rejection reports why the allowlist refused an (action, source) pair.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Detail() envelope.ErrorDetail {
	return envelope.ErrorDetail{Code: r.Code, Message: r.Message, Retryable: false}
}

type compiledRule struct {
	actions map[string]bool
	sources map[string]bool
	handler string
}

// Table maps validated envelopes to handlers, fail-closed.
type Table struct {
	rules    map[string]compiledRule
	handlers map[string]handler.Handler
}

// NewTable compiles rules against the handler registry and refuses to start
// on an incomplete mapping: every rule must name a registered handler, every
// registered handler must be reachable through at least one rule, and every
// listed source must be a known client kind.
func NewTable(rules []Rule, handlers map[string]handler.Handler) (*Table, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("allowlist is empty")
	}
	known := map[string]bool{}
	for _, s := range envelope.KnownSources() {
		known[s] = true
	}

	t := &Table{rules: map[string]compiledRule{}, handlers: handlers}
	referenced := map[string]bool{}
	for _, r := range rules {
		family := strings.TrimSpace(r.Family)
		if family == "" {
			return nil, fmt.Errorf("allowlist rule with empty family")
		}
		if _, dup := t.rules[family]; dup {
			return nil, fmt.Errorf("duplicate allowlist rule for family %q", family)
		}
		if len(r.Actions) == 0 {
			return nil, fmt.Errorf("family %q lists no actions", family)
		}
		if len(r.Sources) == 0 {
			return nil, fmt.Errorf("family %q lists no sources", family)
		}
		cr := compiledRule{actions: map[string]bool{}, sources: map[string]bool{}, handler: r.Handler}
		for _, action := range r.Actions {
			if !strings.HasPrefix(action, family+".") {
				return nil, fmt.Errorf("action %q does not belong to family %q", action, family)
			}
			cr.actions[action] = true
		}
		for _, src := range r.Sources {
			if !known[src] {
				return nil, fmt.Errorf("family %q lists unknown source %q", family, src)
			}
			cr.sources[src] = true
		}
		if _, ok := handlers[r.Handler]; !ok {
			return nil, fmt.Errorf("family %q references unregistered handler %q", family, r.Handler)
		}
		referenced[r.Handler] = true
		t.rules[family] = cr
	}
	for name := range handlers {
		if !referenced[name] {
			return nil, fmt.Errorf("handler %q has no allowlist entry", name)
		}
	}
	return t, nil
}

// Resolve returns the handler for (action, source) or the rejection that
// applies. Unknown family and unknown action inside a known family both read
// as ACTION_NOT_ALLOWED; only a known action from a wrong source reads as
// SOURCE_NOT_ALLOWED.
func (t *Table) Resolve(action, source string) (handler.Handler, *Rejection) {
	family := action
	if i := strings.IndexByte(action, '.'); i > 0 {
		family = action[:i]
	}
	rule, ok := t.rules[family]
	if !ok || !rule.actions[action] {
		return nil, &Rejection{
			Code:    CodeActionNotAllowed,
			Message: fmt.Sprintf("action %q is not allowlisted", action),
		}
	}
	if !rule.sources[source] {
		return nil, &Rejection{
			Code:    CodeSourceNotAllowed,
			Message: fmt.Sprintf("source %q may not invoke %q", source, action),
		}
	}
	return t.handlers[rule.handler], nil
}

// Actions lists every allowlisted action with its permitted sources, sorted,
// for the introspection endpoint.
func (t *Table) Actions() []Rule {
	out := make([]Rule, 0, len(t.rules))
	for family, cr := range t.rules {
		r := Rule{Family: family, Handler: cr.handler}
		for a := range cr.actions {
			r.Actions = append(r.Actions, a)
		}
		for s := range cr.sources {
			r.Sources = append(r.Sources, s)
		}
		sort.Strings(r.Actions)
		sort.Strings(r.Sources)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out
}

// DefaultRules is the shipped allowlist: one handler per family, sources
// scoped to the surfaces that legitimately invoke each family.
func DefaultRules() []Rule {
	all := envelope.KnownSources()
	return []Rule{
		{Family: "context", Actions: []string{"context.capture"}, Sources: all, Handler: "context"},
		{Family: "github", Actions: []string{"github.issue_create", "github.pr_create"},
			Sources: []string{envelope.SourceBrowserExtension, envelope.SourceCLI, envelope.SourceDesktopTool, envelope.SourceDirectAPI}, Handler: "github"},
		{Family: "docs", Actions: []string{"docs.text_append"},
			Sources: []string{envelope.SourceBrowserExtension, envelope.SourceCLI, envelope.SourceDesktopTool}, Handler: "docs"},
		{Family: "sheets", Actions: []string{"sheets.row_append"},
			Sources: []string{envelope.SourceBrowserExtension, envelope.SourceCLI, envelope.SourceDesktopTool}, Handler: "sheets"},
		{Family: "slack", Actions: []string{"slack.message_send"},
			Sources: []string{envelope.SourceBrowserExtension, envelope.SourceInternal}, Handler: "slack"},
		{Family: "ai", Actions: []string{"ai.summarize"},
			Sources: []string{envelope.SourceBrowserExtension, envelope.SourceCLI, envelope.SourceDesktopTool, envelope.SourceDirectAPI}, Handler: "ai"},
		{Family: "drive", Actions: []string{"drive.file_list"},
			Sources: []string{envelope.SourceCLI, envelope.SourceDesktopTool, envelope.SourceDirectAPI}, Handler: "drive"},
	}
}
