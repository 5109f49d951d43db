package rules

import "testing"

func TestCaptureRule_Validate_BothSet(t *testing.T) {
	c := CaptureRule{
		Simple:  &SimpleCondition{Kind: KindExact, Pattern: "/x"},
		Complex: &ComplexCondition{Operator: OpAnd, Children: []CaptureRule{}},
	}
	if err := c.Validate(); err == nil {
		t.Error("expected error when both Simple and Complex are set")
	}
}

func TestCaptureRule_Validate_NeitherSet(t *testing.T) {
	c := CaptureRule{}
	if err := c.Validate(); err == nil {
		t.Error("expected error when neither Simple nor Complex is set")
	}
}

func TestSimpleCondition_Validate_EmptyPattern(t *testing.T) {
	s := SimpleCondition{Kind: KindGlob, Pattern: ""}
	if err := s.validate(); err == nil {
		t.Error("expected error for empty pattern")
	}
}

func TestSimpleCondition_Validate_BadRegex(t *testing.T) {
	s := SimpleCondition{Kind: KindRegex, Pattern: "(unclosed"}
	if err := s.validate(); err == nil {
		t.Error("expected error for invalid regex pattern")
	}
}

func TestSimpleCondition_Validate_BadGlob(t *testing.T) {
	s := SimpleCondition{Kind: KindGlob, Pattern: "["}
	if err := s.validate(); err == nil {
		t.Error("expected error for invalid glob pattern")
	}
}

func TestComplexCondition_Validate_NotRequiresOneChild(t *testing.T) {
	c := ComplexCondition{Operator: OpNot, Children: []CaptureRule{
		{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/a"}},
		{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/b"}},
	}}
	if err := c.validate(); err == nil {
		t.Error("NOT with two children should be invalid")
	}
}

func TestComplexCondition_Validate_AndRequiresAtLeastOneChild(t *testing.T) {
	c := ComplexCondition{Operator: OpAnd, Children: nil}
	if err := c.validate(); err == nil {
		t.Error("AND with zero children should be invalid")
	}
}

func TestRule_Validate_NameLength(t *testing.T) {
	r := Rule{
		Name:    "",
		Capture: CaptureRule{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/a"}},
	}
	if err := r.Validate(); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRule_Validate_PriorityRange(t *testing.T) {
	r := Rule{
		Name:     "r1",
		Priority: 10001,
		Capture:  CaptureRule{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/a"}},
	}
	if err := r.Validate(); err == nil {
		t.Error("expected error for out-of-range priority")
	}
}

func TestRule_Validate_DuplicateExecutionOrder(t *testing.T) {
	r := Rule{
		Name:    "r1",
		Capture: CaptureRule{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/a"}},
		Handlers: []HandlerRule{
			{HandlerType: HandlerBlock, Name: "h1", ExecutionOrder: 0},
			{HandlerType: HandlerBlock, Name: "h2", ExecutionOrder: 0},
		},
	}
	if err := r.Validate(); err == nil {
		t.Error("expected error for duplicate handler execution_order")
	}
}

func TestRule_Validate_LocalFileRequiresPath(t *testing.T) {
	r := Rule{
		Name:    "r1",
		Capture: CaptureRule{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/a"}},
		Handlers: []HandlerRule{
			{HandlerType: HandlerLocalFile, Name: "lf", Config: HandlerConfig{LocalFile: &LocalFileConfig{}}},
		},
	}
	if err := r.Validate(); err == nil {
		t.Error("expected error for local_file handler with empty path")
	}
}

func TestRule_Validate_BlockStatusCodeRange(t *testing.T) {
	r := Rule{
		Name:    "r1",
		Capture: CaptureRule{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/a"}},
		Handlers: []HandlerRule{
			{HandlerType: HandlerBlock, Name: "b", Config: HandlerConfig{Block: &BlockConfig{StatusCode: 999}}},
		},
	}
	if err := r.Validate(); err == nil {
		t.Error("expected error for out-of-range block status code")
	}
}

func TestRule_Validate_Valid(t *testing.T) {
	r := Rule{
		Name:     "r1",
		Priority: 100,
		Enabled:  true,
		Capture:  CaptureRule{Simple: &SimpleCondition{Kind: KindGlob, Pattern: "/api/*"}},
		Handlers: []HandlerRule{
			{HandlerType: HandlerBlock, Name: "b", ExecutionOrder: 0, Config: HandlerConfig{Block: &BlockConfig{StatusCode: 403}}},
		},
	}
	if err := r.Validate(); err != nil {
		t.Errorf("expected valid rule, got error: %v", err)
	}
}
