package rules

import "testing"

func TestTranslateExpression(t *testing.T) {
	testCases := []struct {
		name string
		expr string
		want string
	}{
		{"hash variable", `#{age} >= 18`, `V["age"] >= 18.0`},
		{"attribute variable", `A{age} > 1`, `V["age"] > 1.0`},
		{"constant", `C{factor} * 2.0`, `C["factor"] * 2.0`},
		{"environment variable", `V{current_date}`, `E["current_date"]`},
		{"count", `d2:count(#{hb}) > 1`, `d2.count(K, "hb") > 1.0`},
		{"count quoted name", `d2:hasValue('hb')`, `d2.hasValue(K, "hb")`},
		{"countIfZeroPos attribute", `d2:countIfZeroPos(A{hb})`, `d2.countIfZeroPos(K, "hb")`},
		{"countIfValue", `d2:countIfValue(#{hb}, 3)`, `d2.countIfValue(K, "hb", 3.0)`},
		{"zpvc", `d2:zpvc(#{a}, #{b})`, `d2.zpvc([V["a"], V["b"]])`},
		{"nested call", `d2:zpvc(d2:zing(#{a}), 1.0) == 2.0`, `d2.zpvc([d2.zing(V["a"]), 1.0]) == 2.0`},
		{"other functions", `d2:oizp(#{a}) + d2:zing(#{b})`, `d2.oizp(V["a"]) + d2.zing(V["b"])`},
		{"integer arithmetic", `#{hb} + 1 > 3`, `V["hb"] + 1.0 > 3.0`},
		{"literals in strings and names", `#{dose2} == '10' && C{x1} > 10`, `V["dose2"] == '10' && C["x1"] > 10.0`},
		{"double and exponent literals", `1.5 + 2e3 + 0x1F`, `1.5 + 2e3 + 0x1F`},
		{"plain CEL", `true && 1 < 2`, `true && 1.0 < 2.0`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TranslateExpression(tc.expr)
			if err != nil {
				t.Fatalf("TranslateExpression(%q) failed: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("TranslateExpression(%q) = %q, want %q", tc.expr, got, tc.want)
			}
		})
	}
}

func TestTranslateExpression_Unbalanced(t *testing.T) {
	if _, err := TranslateExpression(`d2:zpvc(1.0, 2.0`); err == nil {
		t.Error("Expected error for unbalanced parentheses, got nil")
	}
}

func TestTranslateExpression_QuotedParenthesis(t *testing.T) {
	got, err := TranslateExpression(`d2:zpvc(1.0) == 1.0 && ')' != '('`)
	if err != nil {
		t.Fatalf("TranslateExpression failed: %v", err)
	}
	want := `d2.zpvc([1.0]) == 1.0 && ')' != '('`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestUnwrapVariableName(t *testing.T) {
	testCases := []struct {
		input string
		want  string
	}{
		{"#{score}", "score"},
		{"A{age}", "age"},
		{" #{padded} ", "padded"},
		{"plain", "plain"},
		{"#{a} + #{b}", "#{a} + #{b}"},
	}

	for _, tc := range testCases {
		if got := UnwrapVariableName(tc.input); got != tc.want {
			t.Errorf("UnwrapVariableName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
