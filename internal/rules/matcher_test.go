package rules

import "testing"

func simpleRule(id int64, name string, priority int, kind CaptureKind, pattern string) Rule {
	return Rule{
		ID:       id,
		Name:     name,
		Priority: priority,
		Enabled:  true,
		Capture:  CaptureRule{Simple: &SimpleCondition{Kind: kind, Pattern: pattern}},
		Version:  1,
	}
}

func TestMatcher_Match_Glob(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{simpleRule(1, "glob-rule", 0, KindGlob, "/api/*")}

	matched, err := m.Match(rs, RequestInfo{URL: "/api/users", Method: "GET"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matched))
	}

	matched, err = m.Match(rs, RequestInfo{URL: "/other", Method: "GET"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 0 {
		t.Errorf("expected no match for /other, got %d", len(matched))
	}
}

func TestMatcher_Match_Regex(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{simpleRule(1, "regex-rule", 0, KindRegex, `^/users/\d+$`)}

	matched, err := m.Match(rs, RequestInfo{URL: "/users/42"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 1 {
		t.Error("expected regex rule to match /users/42")
	}

	matched, err = m.Match(rs, RequestInfo{URL: "/users/abc"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 0 {
		t.Error("expected regex rule not to match /users/abc")
	}
}

func TestMatcher_Match_ExactAndContains(t *testing.T) {
	m := NewMatcher()
	exact := simpleRule(1, "exact", 0, KindExact, "/health")
	contains := simpleRule(2, "contains", 0, KindContains, "debug")

	matched, err := m.Match([]Rule{exact}, RequestInfo{URL: "/health"})
	if err != nil || len(matched) != 1 {
		t.Fatalf("exact match failed: matched=%v err=%v", matched, err)
	}
	matched, err = m.Match([]Rule{exact}, RequestInfo{URL: "/health2"})
	if err != nil || len(matched) != 0 {
		t.Fatalf("exact should not match substring: matched=%v err=%v", matched, err)
	}

	matched, err = m.Match([]Rule{contains}, RequestInfo{URL: "/some/debug/path"})
	if err != nil || len(matched) != 1 {
		t.Fatalf("contains match failed: matched=%v err=%v", matched, err)
	}
}

func TestMatcher_Match_MethodAndHostFilter(t *testing.T) {
	m := NewMatcher()
	r := Rule{
		ID:      1,
		Name:    "post-only",
		Enabled: true,
		Capture: CaptureRule{Simple: &SimpleCondition{
			Kind: KindGlob, Pattern: "/*", Method: "POST", Host: "api.example.com",
		}},
	}

	matched, _ := m.Match([]Rule{r}, RequestInfo{URL: "/x", Method: "POST", Host: "api.example.com"})
	if len(matched) != 1 {
		t.Error("expected match on correct method+host")
	}

	matched, _ = m.Match([]Rule{r}, RequestInfo{URL: "/x", Method: "GET", Host: "api.example.com"})
	if len(matched) != 0 {
		t.Error("expected no match on wrong method")
	}

	matched, _ = m.Match([]Rule{r}, RequestInfo{URL: "/x", Method: "POST", Host: "other.example.com"})
	if len(matched) != 0 {
		t.Error("expected no match on wrong host")
	}
}

func TestMatcher_Match_DisabledRuleSkipped(t *testing.T) {
	m := NewMatcher()
	r := simpleRule(1, "disabled", 0, KindGlob, "/*")
	r.Enabled = false

	matched, err := m.Match([]Rule{r}, RequestInfo{URL: "/anything"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 0 {
		t.Error("disabled rule should never match")
	}
}

func TestMatcher_Match_ComplexAndOrNot(t *testing.T) {
	m := NewMatcher()
	and := Rule{ID: 1, Name: "and", Enabled: true, Capture: CaptureRule{Complex: &ComplexCondition{
		Operator: OpAnd,
		Children: []CaptureRule{
			{Simple: &SimpleCondition{Kind: KindGlob, Pattern: "/api/*"}},
			{Simple: &SimpleCondition{Kind: KindContains, Pattern: "users"}},
		},
	}}}
	or := Rule{ID: 2, Name: "or", Enabled: true, Capture: CaptureRule{Complex: &ComplexCondition{
		Operator: OpOr,
		Children: []CaptureRule{
			{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/a"}},
			{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/b"}},
		},
	}}}
	not := Rule{ID: 3, Name: "not", Enabled: true, Capture: CaptureRule{Complex: &ComplexCondition{
		Operator: OpNot,
		Children: []CaptureRule{
			{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/excluded"}},
		},
	}}}

	matched, err := m.Match([]Rule{and}, RequestInfo{URL: "/api/users"})
	if err != nil || len(matched) != 1 {
		t.Fatalf("AND match failed: %v %v", matched, err)
	}
	matched, err = m.Match([]Rule{and}, RequestInfo{URL: "/api/orders"})
	if err != nil || len(matched) != 0 {
		t.Fatalf("AND should not match when second condition fails: %v %v", matched, err)
	}

	matched, err = m.Match([]Rule{or}, RequestInfo{URL: "/b"})
	if err != nil || len(matched) != 1 {
		t.Fatalf("OR match failed: %v %v", matched, err)
	}

	matched, err = m.Match([]Rule{not}, RequestInfo{URL: "/excluded"})
	if err != nil || len(matched) != 0 {
		t.Fatalf("NOT should not match /excluded: %v %v", matched, err)
	}
	matched, err = m.Match([]Rule{not}, RequestInfo{URL: "/allowed"})
	if err != nil || len(matched) != 1 {
		t.Fatalf("NOT should match anything but /excluded: %v %v", matched, err)
	}
}

func TestMatcher_Match_SortedByPriorityThenID(t *testing.T) {
	m := NewMatcher()
	low := simpleRule(2, "low-priority-lower-id", 5, KindGlob, "/*")
	high := simpleRule(1, "high-priority", 10, KindGlob, "/*")
	mid := simpleRule(3, "mid-priority", 10, KindGlob, "/*")

	matched, err := m.Match([]Rule{low, high, mid}, RequestInfo{URL: "/x"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matched))
	}
	// Priority 10 entries (id 1, id 3) should come before priority 5 (id 2),
	// and within priority 10, id 1 before id 3.
	if matched[0].ID != 1 || matched[1].ID != 3 || matched[2].ID != 2 {
		t.Errorf("unexpected sort order: ids=%d,%d,%d", matched[0].ID, matched[1].ID, matched[2].ID)
	}
}

func TestMatcher_InvalidateAndClear(t *testing.T) {
	m := NewMatcher()
	r := simpleRule(1, "r", 0, KindGlob, "/*")
	if _, err := m.Match([]Rule{r}, RequestInfo{URL: "/x"}); err != nil {
		t.Fatalf("Match: %v", err)
	}
	if _, ok := m.cache[1]; !ok {
		t.Fatal("expected rule to be cached after first match")
	}

	m.Invalidate(1)
	if _, ok := m.cache[1]; ok {
		t.Error("Invalidate should drop the cached entry")
	}

	if _, err := m.Match([]Rule{r}, RequestInfo{URL: "/x"}); err != nil {
		t.Fatalf("Match after invalidate: %v", err)
	}
	m.Clear()
	if len(m.cache) != 0 {
		t.Error("Clear should empty the cache")
	}
}

func TestMatcher_RecompilesOnVersionBump(t *testing.T) {
	m := NewMatcher()
	r := simpleRule(1, "r", 0, KindExact, "/old")
	if matched, err := m.Match([]Rule{r}, RequestInfo{URL: "/old"}); err != nil || len(matched) != 1 {
		t.Fatalf("expected initial match: %v %v", matched, err)
	}

	r.Capture = CaptureRule{Simple: &SimpleCondition{Kind: KindExact, Pattern: "/new"}}
	r.Version = 2
	matched, err := m.Match([]Rule{r}, RequestInfo{URL: "/new"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 1 {
		t.Error("bumping Version should force recompilation against the new pattern")
	}
}
