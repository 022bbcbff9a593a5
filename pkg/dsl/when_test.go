package dsl

import "testing"

func TestEvalWhenComparisons(t *testing.T) {
	sc := Scope{
		Variables: map[string]any{"env": "prod", "count": 5, "flag": false},
		StepField: func(index int, field string) (any, bool) {
			if index == 0 && field == "found" {
				return 3, true
			}
			return nil, false
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"{{steps[0].found}} > 0", true},
		{"{{steps[0].found}} >= 3", true},
		{"{{steps[0].found}} < 3", false},
		{"{{steps[0].found}} != 3", false},
		{"{{count}} == 5", true},
		{"{{env}} == 'prod'", true},
		{"{{env}} != \"dev\"", true},
		{"'beta' > 'alpha'", true},
		{"10 > 9", true}, // numeric, not lexicographic
		{"'10' > '9'", false},
		{"{{flag}}", false},
		{"{{env}}", true},
		{"0", false},
		{"no", false},
		{"yes", true},
	}
	for _, tc := range cases {
		got, err := EvalWhen(tc.expr, sc)
		if err != nil {
			t.Fatalf("EvalWhen(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("EvalWhen(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalWhenQuotedOperatorIgnored(t *testing.T) {
	got, err := EvalWhen("'a>b' == 'a>b'", Scope{})
	if err != nil {
		t.Fatalf("EvalWhen: %v", err)
	}
	if !got {
		t.Error("quoted > should not count as an operator")
	}
}

func TestEvalWhenRejectsMultipleOperators(t *testing.T) {
	_, err := EvalWhen("1 < 2 < 3", Scope{})
	if err == nil {
		t.Fatal("expected error for chained comparison")
	}
}

func TestEvalWhenMissingTerm(t *testing.T) {
	_, err := EvalWhen("== 3", Scope{})
	if err == nil {
		t.Fatal("expected error for missing left term")
	}
}

func TestCheckWhenSyntax(t *testing.T) {
	valid := []string{
		"",
		"{{steps[0].found}} > 0",
		"{{env}} == 'prod'",
		"{{flag}}",
		"'a<b' != 'c'",
	}
	for _, expr := range valid {
		if err := CheckWhenSyntax(expr); err != nil {
			t.Errorf("CheckWhenSyntax(%q): %v", expr, err)
		}
	}

	invalid := []string{
		"1 == 2 == 3",
		"{{a}} > {{b}} > {{c}}",
		"> 1",
	}
	for _, expr := range invalid {
		if err := CheckWhenSyntax(expr); err == nil {
			t.Errorf("CheckWhenSyntax(%q): expected error", expr)
		}
	}
}
