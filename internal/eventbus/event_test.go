package eventbus

import "testing"

func TestKind_String(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{RequestStart, "requestStart"},
		{RuleDecision, "ruleDecision"},
		{Error, "error"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestKind_String_OutOfRange(t *testing.T) {
	if got := Kind(999).String(); got != "unknown" {
		t.Errorf("expected \"unknown\" for out-of-range kind, got %q", got)
	}
}
