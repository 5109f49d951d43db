package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// RequestInfo is what the matcher evaluates a capture condition against.
type RequestInfo struct {
	URL    string
	Method string
	Host   string
}

func compileGlob(pattern string) (glob.Glob, error) {
	return glob.Compile(pattern, '/')
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// compiledPattern is the ready-to-evaluate form of a Simple condition's
// pattern.
type compiledPattern struct {
	kind    CaptureKind
	glob    glob.Glob
	regex   *regexp.Regexp
	literal string
}

func (p compiledPattern) matches(text string) bool {
	switch p.kind {
	case KindGlob:
		return p.glob.Match(text)
	case KindRegex:
		return p.regex.MatchString(text)
	case KindExact:
		return p.literal == text
	case KindContains:
		return strings.Contains(text, p.literal)
	default:
		return false
	}
}

type compiledSimple struct {
	pattern compiledPattern
	method  string
	host    string
}

func (c compiledSimple) matches(req RequestInfo) bool {
	if c.method != "" && !strings.EqualFold(c.method, req.Method) {
		return false
	}
	if c.host != "" && !strings.EqualFold(c.host, req.Host) {
		return false
	}
	return c.pattern.matches(req.URL)
}

// compiledCapture is the compiled form of CaptureRule.
type compiledCapture struct {
	simple   *compiledSimple
	operator LogicalOp
	children []compiledCapture
}

func (c compiledCapture) matches(req RequestInfo) (bool, error) {
	if c.simple != nil {
		return c.simple.matches(req), nil
	}
	switch c.operator {
	case OpAnd:
		for _, child := range c.children {
			ok, err := child.matches(req)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, child := range c.children {
			ok, err := child.matches(req)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(c.children) != 1 {
			return false, fmt.Errorf("NOT operator must have exactly one condition")
		}
		ok, err := c.children[0].matches(req)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("unknown logical operator")
	}
}

func compileSimple(s *SimpleCondition) (compiledSimple, error) {
	var p compiledPattern
	p.kind = s.Kind
	switch s.Kind {
	case KindGlob:
		g, err := compileGlob(s.Pattern)
		if err != nil {
			return compiledSimple{}, err
		}
		p.glob = g
	case KindRegex:
		re, err := compileRegex(s.Pattern)
		if err != nil {
			return compiledSimple{}, err
		}
		p.regex = re
	case KindExact, KindContains:
		p.literal = s.Pattern
	default:
		return compiledSimple{}, fmt.Errorf("unknown capture kind")
	}
	return compiledSimple{pattern: p, method: s.Method, host: s.Host}, nil
}

func compileCapture(c CaptureRule) (compiledCapture, error) {
	if c.Simple != nil {
		cs, err := compileSimple(c.Simple)
		if err != nil {
			return compiledCapture{}, err
		}
		return compiledCapture{simple: &cs}, nil
	}
	if c.Complex == nil {
		return compiledCapture{}, fmt.Errorf("capture rule has neither simple nor complex condition")
	}
	children := make([]compiledCapture, 0, len(c.Complex.Children))
	for _, child := range c.Complex.Children {
		cc, err := compileCapture(child)
		if err != nil {
			return compiledCapture{}, err
		}
		children = append(children, cc)
	}
	return compiledCapture{operator: c.Complex.Operator, children: children}, nil
}

// CompiledRule is a Rule with its capture tree pre-compiled, cached by id
// plus the store-issued version it was compiled against.
type CompiledRule struct {
	Rule    Rule
	version int64
	capture compiledCapture
}

// Matcher compiles and evaluates capture conditions, caching compiled
// rules by id. Safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	cache map[int64]*CompiledRule
}

// NewMatcher returns an empty matcher ready to compile and cache rules.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[int64]*CompiledRule)}
}

// Invalidate drops a cached compiled rule, forcing recompilation next use.
func (m *Matcher) Invalidate(ruleID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, ruleID)
}

// Clear drops every cached compiled rule.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[int64]*CompiledRule)
}

func (m *Matcher) compiled(r Rule) (*CompiledRule, error) {
	m.mu.RLock()
	if cr, ok := m.cache[r.ID]; ok && cr.version == r.Version && cr.Rule.Name == r.Name && cr.Rule.Priority == r.Priority {
		m.mu.RUnlock()
		return cr, nil
	}
	m.mu.RUnlock()

	compiled, err := compileCapture(r.Capture)
	if err != nil {
		return nil, fmt.Errorf("compiling rule %q: %w", r.Name, err)
	}
	cr := &CompiledRule{Rule: r, version: r.Version, capture: compiled}

	m.mu.Lock()
	m.cache[r.ID] = cr
	m.mu.Unlock()

	return cr, nil
}

// Match returns the enabled rules among rules whose capture matches req,
// ordered by (priority desc, id asc).
func (m *Matcher) Match(rules []Rule, req RequestInfo) ([]Rule, error) {
	var matched []Rule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		cr, err := m.compiled(r)
		if err != nil {
			return nil, err
		}
		ok, err := cr.capture.matches(req)
		if err != nil {
			return nil, fmt.Errorf("evaluating rule %q: %w", r.Name, err)
		}
		if ok {
			matched = append(matched, r)
		}
	}

	sortRules(matched)
	return matched, nil
}

func sortRules(rs []Rule) {
	// Insertion sort is fine at rule-set sizes this matcher sees per request;
	// stable by (priority desc, id asc).
	for i := 1; i < len(rs); i++ {
		j := i
		for j > 0 && less(rs[j], rs[j-1]) {
			rs[j], rs[j-1] = rs[j-1], rs[j]
			j--
		}
	}
}

func less(a, b Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}
