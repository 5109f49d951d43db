// Package rules implements the capture-matching and rule-storage layer:
// Rule, CaptureRule, HandlerRule, CompiledRule, RuleStore and RuleMatcher.
//
// The capture tree evaluator is a recursive Simple/Complex condition
// evaluator over CaptureRule, a struct in which exactly one of the Simple
// or Complex pointers is set.
package rules

import (
	"fmt"
	"net/http"
	"strings"
)

// standardHTTPMethods is the set a SimpleCondition.Method pre-filter must
// belong to (spec: write-time validation rejects non-standard methods).
var standardHTTPMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// CaptureKind selects how a Simple condition's pattern is interpreted.
type CaptureKind int

const (
	KindGlob CaptureKind = iota
	KindRegex
	KindExact
	KindContains
)

func (k CaptureKind) String() string {
	switch k {
	case KindGlob:
		return "glob"
	case KindRegex:
		return "regex"
	case KindExact:
		return "exact"
	case KindContains:
		return "contains"
	default:
		return "unknown"
	}
}

// MarshalYAML renders a CaptureKind as its lowercase name so rules.yaml
// stays human-editable.
func (k CaptureKind) MarshalYAML() (any, error) { return k.String(), nil }

// UnmarshalYAML parses a CaptureKind from its lowercase name.
func (k *CaptureKind) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*k = parseKind(s)
	return nil
}

// LogicalOp composes Complex capture rules.
type LogicalOp int

const (
	OpAnd LogicalOp = iota
	OpOr
	OpNot
)

func (op LogicalOp) String() string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		return "not"
	}
}

// MarshalYAML renders a LogicalOp as its lowercase name.
func (op LogicalOp) MarshalYAML() (any, error) { return op.String(), nil }

// UnmarshalYAML parses a LogicalOp from its lowercase name.
func (op *LogicalOp) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*op = parseOperator(s)
	return nil
}

// CaptureRule is the tree of Simple/Complex conditions a request is tested
// against. Exactly one of Simple or Complex is set.
type CaptureRule struct {
	Simple  *SimpleCondition  `yaml:"simple,omitempty"`
	Complex *ComplexCondition `yaml:"complex,omitempty"`
}

// SimpleCondition matches a single pattern against the request URL, with
// optional method/host pre-filters.
type SimpleCondition struct {
	Kind    CaptureKind    `yaml:"kind"`
	Pattern string         `yaml:"pattern"`
	Method  string         `yaml:"method,omitempty"` // empty = any
	Host    string         `yaml:"host,omitempty"`   // empty = any
	Config  map[string]any `yaml:"config,omitempty"`
}

// ComplexCondition composes child conditions with And/Or/Not. Not must
// have exactly one child; And/Or must have at least one.
type ComplexCondition struct {
	Operator LogicalOp     `yaml:"operator"`
	Children []CaptureRule `yaml:"children"`
}

// Validate checks structural invariants that must hold before a
// CaptureRule is ever evaluated (spec: validation happens at write time).
func (c CaptureRule) Validate() error {
	switch {
	case c.Simple != nil && c.Complex != nil:
		return fmt.Errorf("capture rule cannot be both simple and complex")
	case c.Simple != nil:
		return c.Simple.validate()
	case c.Complex != nil:
		return c.Complex.validate()
	default:
		return fmt.Errorf("capture rule has neither simple nor complex condition")
	}
}

func (s *SimpleCondition) validate() error {
	if s.Pattern == "" {
		return fmt.Errorf("pattern must be non-empty")
	}
	if s.Kind == KindRegex {
		if _, err := compileRegex(s.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", s.Pattern, err)
		}
	}
	if s.Kind == KindGlob {
		if _, err := compileGlob(s.Pattern); err != nil {
			return fmt.Errorf("invalid glob pattern %q: %w", s.Pattern, err)
		}
	}
	if s.Method != "" && !standardHTTPMethods[strings.ToUpper(s.Method)] {
		return fmt.Errorf("method %q is not a standard HTTP method", s.Method)
	}
	if s.Host != "" {
		if err := validateHostPattern(s.Host); err != nil {
			return fmt.Errorf("host %q: %w", s.Host, err)
		}
	}
	return nil
}

// validateHostPattern rejects hosts with consecutive dots or a leading/
// trailing dot, e.g. "..a.." or ".example.com.".
func validateHostPattern(host string) error {
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return fmt.Errorf("must not start or end with a dot")
	}
	if strings.Contains(host, "..") {
		return fmt.Errorf("must not contain consecutive dots")
	}
	return nil
}

func (c *ComplexCondition) validate() error {
	switch c.Operator {
	case OpNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("NOT operator must have exactly one condition")
		}
	case OpAnd, OpOr:
		if len(c.Children) < 1 {
			return fmt.Errorf("AND/OR operator must have at least one condition")
		}
	default:
		return fmt.Errorf("unknown logical operator")
	}
	for _, child := range c.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HandlerType enumerates the handler kinds a HandlerRule can configure.
type HandlerType int

const (
	HandlerBlock HandlerType = iota
	HandlerDelay
	HandlerModifyRequest
	HandlerModifyResponse
	HandlerLocalFile
	HandlerHtmlInject
	HandlerProxyForward
)

// MarshalYAML renders a HandlerType as its snake_case name.
func (t HandlerType) MarshalYAML() (any, error) { return handlerTypeString(t), nil }

// UnmarshalYAML parses a HandlerType from its snake_case name.
func (t *HandlerType) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*t = parseHandlerType(s)
	return nil
}

// DelayPhase selects when a Delay handler's sleep is spent.
type DelayPhase int

const (
	PhaseBefore DelayPhase = iota
	PhaseAfter
	PhaseBoth
)

// InjectPosition selects where HtmlInject splices its content.
type InjectPosition int

const (
	PositionHead InjectPosition = iota
	PositionBodyStart
	PositionBodyEnd
)

// HandlerConfig is the union of per-type handler configuration. Exactly
// one field is populated, selected by HandlerRule.HandlerType.
type HandlerConfig struct {
	Block          *BlockConfig          `yaml:"block,omitempty" json:"Block,omitempty"`
	Delay          *DelayConfig          `yaml:"delay,omitempty" json:"Delay,omitempty"`
	ModifyRequest  *ModifyRequestConfig  `yaml:"modify_request,omitempty" json:"ModifyRequest,omitempty"`
	ModifyResponse *ModifyResponseConfig `yaml:"modify_response,omitempty" json:"ModifyResponse,omitempty"`
	LocalFile      *LocalFileConfig      `yaml:"local_file,omitempty" json:"LocalFile,omitempty"`
	HtmlInject     *HtmlInjectConfig     `yaml:"html_inject,omitempty" json:"HtmlInject,omitempty"`
	ProxyForward   *ProxyForwardConfig   `yaml:"proxy_forward,omitempty" json:"ProxyForward,omitempty"`
}

type BlockConfig struct {
	StatusCode int    `yaml:"status_code,omitempty" json:"StatusCode"` // 0 = default 403
	Reason     string `yaml:"reason,omitempty" json:"Reason"`
}

type DelayConfig struct {
	DelayMs    int        `yaml:"delay_ms" json:"DelayMs"`
	VarianceMs int        `yaml:"variance_ms,omitempty" json:"VarianceMs"`
	Phase      DelayPhase `yaml:"phase" json:"Phase"`
}

type ModifyRequestConfig struct {
	Headers map[string]string `yaml:"headers,omitempty" json:"Headers,omitempty"`
	Body    []byte            `yaml:"body,omitempty" json:"Body,omitempty"`
	HasBody bool              `yaml:"has_body,omitempty" json:"HasBody"`
	Method  string            `yaml:"method,omitempty" json:"Method,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"URL,omitempty"`
}

type ModifyResponseConfig struct {
	Headers     map[string]string `yaml:"headers,omitempty" json:"Headers,omitempty"`
	Body        []byte            `yaml:"body,omitempty" json:"Body,omitempty"`
	HasBody     bool              `yaml:"has_body,omitempty" json:"HasBody"`
	StatusCode  int               `yaml:"status_code,omitempty" json:"StatusCode"` // 0 = unchanged
	ContentType string            `yaml:"content_type,omitempty" json:"ContentType,omitempty"`
}

type LocalFileConfig struct {
	Path        string `yaml:"path" json:"Path"`
	ContentType string `yaml:"content_type,omitempty" json:"ContentType,omitempty"`
	StatusCode  int    `yaml:"status_code,omitempty" json:"StatusCode"`
}

type HtmlInjectConfig struct {
	Content  string         `yaml:"content" json:"Content"`
	Position InjectPosition `yaml:"position" json:"Position"`
}

type ProxyForwardConfig struct {
	Target string `yaml:"target" json:"Target"`
}

// HandlerRule pairs a handler type/config with ordering and enable state.
type HandlerRule struct {
	HandlerType    HandlerType   `yaml:"type"`
	Name           string        `yaml:"name"`
	ExecutionOrder int           `yaml:"execution_order"`
	Config         HandlerConfig `yaml:"config"`
	Enabled        bool          `yaml:"enabled"`
}

// Rule is a persisted capture-condition + handler-list pair.
type Rule struct {
	ID          int64         `yaml:"-"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Enabled     bool          `yaml:"enabled"`
	Priority    int           `yaml:"priority"` // 0..10000, higher runs first
	Capture     CaptureRule   `yaml:"capture"`
	Handlers    []HandlerRule `yaml:"handlers,omitempty"`
	Version     int64         `yaml:"-"` // store-issued, incremented on every update
}

func (r Rule) Validate() error {
	if len(r.Name) < 1 || len(r.Name) > 255 {
		return fmt.Errorf("rule name must be 1-255 chars")
	}
	if r.Priority < 0 || r.Priority > 10000 {
		return fmt.Errorf("rule priority must be in [0, 10000]")
	}
	if err := r.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	seenOrder := make(map[int]bool)
	for _, h := range r.Handlers {
		if seenOrder[h.ExecutionOrder] {
			return fmt.Errorf("duplicate handler execution_order %d", h.ExecutionOrder)
		}
		seenOrder[h.ExecutionOrder] = true
		if err := validateHandlerConfig(h); err != nil {
			return fmt.Errorf("handler %s: %w", h.Name, err)
		}
	}
	return nil
}

func validateHandlerConfig(h HandlerRule) error {
	switch h.HandlerType {
	case HandlerBlock:
		if h.Config.Block != nil && h.Config.Block.StatusCode != 0 {
			if h.Config.Block.StatusCode < 100 || h.Config.Block.StatusCode > 599 {
				return fmt.Errorf("block status_code out of [100,599]")
			}
		}
	case HandlerLocalFile:
		if h.Config.LocalFile == nil || h.Config.LocalFile.Path == "" {
			return fmt.Errorf("local_file.path must be non-empty")
		}
	}
	return nil
}
