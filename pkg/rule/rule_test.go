package rule

import "testing"

var fieldTypes = map[string]FieldType{
	"country":     FieldTypeString,
	"age":         FieldTypeInt,
	"score":       FieldTypeFloat,
	"is_premium":  FieldTypeBool,
	"app_version": FieldTypeSemVer,
	"plan":        FieldTypeString,
}

func mustEval(t *testing.T, n *Node, ctx map[string]interface{}) bool {
	t.Helper()
	ok, err := n.Evaluate(ctx, fieldTypes)
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	return ok
}

func TestEqOperator(t *testing.T) {
	n := FieldNode("country", OpEq, "US")
	if !mustEval(t, n, map[string]interface{}{"country": "US"}) {
		t.Error("expected match")
	}
	if mustEval(t, n, map[string]interface{}{"country": "CA"}) {
		t.Error("expected no match")
	}
}

func TestNeqOperator(t *testing.T) {
	n := FieldNode("country", OpNeq, "US")
	if mustEval(t, n, map[string]interface{}{"country": "US"}) {
		t.Error("expected no match")
	}
	if !mustEval(t, n, map[string]interface{}{"country": "CA"}) {
		t.Error("expected match")
	}
}

func TestGteOperator(t *testing.T) {
	n := FieldNode("age", OpGte, int64(18))
	if !mustEval(t, n, map[string]interface{}{"age": int64(18)}) {
		t.Error("expected 18 >= 18")
	}
	if !mustEval(t, n, map[string]interface{}{"age": int64(25)}) {
		t.Error("expected 25 >= 18")
	}
	if mustEval(t, n, map[string]interface{}{"age": int64(17)}) {
		t.Error("expected 17 < 18")
	}
}

func TestFloatComparisonUsesDecimal(t *testing.T) {
	n := FieldNode("score", OpGt, 0.1)
	if !mustEval(t, n, map[string]interface{}{"score": 0.3}) {
		t.Error("expected 0.3 > 0.1")
	}
	// classic float64 trap: 0.1 + 0.2 != 0.3 in raw IEEE754 arithmetic,
	// but this is a straight comparison so decimal just needs to be
	// accurate, not fix addition.
	eqNode := FieldNode("score", OpEq, 0.3)
	if !mustEval(t, eqNode, map[string]interface{}{"score": 0.3}) {
		t.Error("expected exact equality on identical decimal literals")
	}
}

func TestInNotIn(t *testing.T) {
	in := FieldNode("plan", OpIn, "gold", "platinum")
	if !mustEval(t, in, map[string]interface{}{"plan": "gold"}) {
		t.Error("expected gold in set")
	}
	if mustEval(t, in, map[string]interface{}{"plan": "bronze"}) {
		t.Error("expected bronze not in set")
	}

	notIn := FieldNode("plan", OpNotIn, "gold", "platinum")
	if mustEval(t, notIn, map[string]interface{}{"plan": "gold"}) {
		t.Error("expected gold excluded by not_in")
	}
	if !mustEval(t, notIn, map[string]interface{}{"plan": "bronze"}) {
		t.Error("expected bronze to pass not_in")
	}
}

func TestLikePatterns(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"foo*", "foobar", true},
		{"foo*", "barfoo", false},
		{"*bar", "foobar", true},
		{"*bar", "barfoo", false},
		{"*mid*", "xxmidyy", true},
		{"*mid*", "nope", false},
		{"plain", "containsplainword", true},
		{"plain", "nomatch", false},
	}
	for _, c := range cases {
		n := FieldNode("country", OpLike, c.pattern)
		got := mustEval(t, n, map[string]interface{}{"country": c.value})
		if got != c.want {
			t.Errorf("like %q against %q = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestNotLike(t *testing.T) {
	n := FieldNode("country", OpNotLike, "foo*")
	if mustEval(t, n, map[string]interface{}{"country": "foobar"}) {
		t.Error("expected not_like to reject matching prefix")
	}
	if !mustEval(t, n, map[string]interface{}{"country": "barfoo"}) {
		t.Error("expected not_like to accept non-matching prefix")
	}
}

func TestSemVerComparison(t *testing.T) {
	n := FieldNode("app_version", OpGte, "2.1.0")
	if !mustEval(t, n, map[string]interface{}{"app_version": "2.1.0"}) {
		t.Error("expected 2.1.0 >= 2.1.0")
	}
	if !mustEval(t, n, map[string]interface{}{"app_version": "2.10.0"}) {
		t.Error("expected 2.10.0 >= 2.1.0 (numeric, not lexicographic)")
	}
	if mustEval(t, n, map[string]interface{}{"app_version": "2.0.9"}) {
		t.Error("expected 2.0.9 < 2.1.0")
	}
}

func TestSemVerTrailingComponentsDefaultToZero(t *testing.T) {
	n := FieldNode("app_version", OpEq, "1.2")
	if !mustEval(t, n, map[string]interface{}{"app_version": "1.2.0"}) {
		t.Error("expected 1.2 == 1.2.0")
	}
}

func TestBoolOrdering(t *testing.T) {
	n := FieldNode("is_premium", OpGt, false)
	if !mustEval(t, n, map[string]interface{}{"is_premium": true}) {
		t.Error("expected true > false")
	}
	if mustEval(t, n, map[string]interface{}{"is_premium": false}) {
		t.Error("expected false not > false")
	}
}

func TestAndShortCircuitsOnFirstFalse(t *testing.T) {
	n := And(
		FieldNode("country", OpEq, "US"),
		FieldNode("age", OpGte, int64(21)),
	)
	if mustEval(t, n, map[string]interface{}{"country": "CA", "age": int64(30)}) {
		t.Error("expected and to fail when first branch fails")
	}
	if !mustEval(t, n, map[string]interface{}{"country": "US", "age": int64(30)}) {
		t.Error("expected and to pass when both branches pass")
	}
}

func TestOrShortCircuitsOnFirstTrue(t *testing.T) {
	n := Or(
		FieldNode("country", OpEq, "US"),
		FieldNode("country", OpEq, "CA"),
	)
	if !mustEval(t, n, map[string]interface{}{"country": "US"}) {
		t.Error("expected or to pass on first match")
	}
	if mustEval(t, n, map[string]interface{}{"country": "FR"}) {
		t.Error("expected or to fail when no branch matches")
	}
}

func TestNotInvertsChild(t *testing.T) {
	n := NotNode(FieldNode("country", OpEq, "US"))
	if mustEval(t, n, map[string]interface{}{"country": "US"}) {
		t.Error("expected not to invert a true child")
	}
	if !mustEval(t, n, map[string]interface{}{"country": "CA"}) {
		t.Error("expected not to invert a false child")
	}
}

// Nested And/Or/Not tree mirroring spec scenario 6: premium US users
// over 21, or anyone on app_version >= 3.0.0 who isn't on the
// "banned" plan.
func TestNestedRule(t *testing.T) {
	n := Or(
		And(
			FieldNode("country", OpEq, "US"),
			FieldNode("age", OpGte, int64(21)),
			FieldNode("is_premium", OpEq, true),
		),
		And(
			FieldNode("app_version", OpGte, "3.0.0"),
			NotNode(FieldNode("plan", OpEq, "banned")),
		),
	)

	matchesFirstBranch := map[string]interface{}{
		"country": "US", "age": int64(25), "is_premium": true,
		"app_version": "1.0.0", "plan": "standard",
	}
	if !mustEval(t, n, matchesFirstBranch) {
		t.Error("expected first branch to match")
	}

	matchesSecondBranch := map[string]interface{}{
		"country": "FR", "age": int64(16), "is_premium": false,
		"app_version": "3.2.0", "plan": "standard",
	}
	if !mustEval(t, n, matchesSecondBranch) {
		t.Error("expected second branch to match")
	}

	bannedOnNewVersion := map[string]interface{}{
		"country": "FR", "age": int64(16), "is_premium": false,
		"app_version": "3.2.0", "plan": "banned",
	}
	if mustEval(t, n, bannedOnNewVersion) {
		t.Error("expected banned plan to veto second branch")
	}

	matchesNeither := map[string]interface{}{
		"country": "FR", "age": int64(16), "is_premium": false,
		"app_version": "1.0.0", "plan": "standard",
	}
	if mustEval(t, n, matchesNeither) {
		t.Error("expected neither branch to match")
	}
}

func TestEvaluateMissingFieldReturnsError(t *testing.T) {
	n := FieldNode("country", OpEq, "US")
	_, err := n.Evaluate(map[string]interface{}{}, fieldTypes)
	if err == nil {
		t.Fatal("expected error for missing context field")
	}
}

func TestEvaluateUnknownFieldTypeReturnsError(t *testing.T) {
	n := FieldNode("nonexistent", OpEq, "x")
	_, err := n.Evaluate(map[string]interface{}{"nonexistent": "x"}, fieldTypes)
	if err == nil {
		t.Fatal("expected error for undeclared field type")
	}
}

func TestEvaluateTypeMismatchReturnsError(t *testing.T) {
	n := FieldNode("age", OpGte, int64(18))
	_, err := n.Evaluate(map[string]interface{}{"age": "not a number"}, fieldTypes)
	if err == nil {
		t.Fatal("expected error for type mismatch")
	}
}

func TestValidateRejectsEmptyAndOr(t *testing.T) {
	if err := And().Validate(fieldTypes); err == nil {
		t.Error("expected empty and to fail validation")
	}
	if err := Or().Validate(fieldTypes); err == nil {
		t.Error("expected empty or to fail validation")
	}
}

func TestValidateRejectsUnknownField(t *testing.T) {
	n := FieldNode("unknown_field", OpEq, "x")
	if err := n.Validate(fieldTypes); err == nil {
		t.Error("expected validation to reject unknown field")
	}
}

func TestValidateRejectsWrongArityForSingleValueOp(t *testing.T) {
	n := FieldNode("country", OpEq, "US", "CA")
	if err := n.Validate(fieldTypes); err == nil {
		t.Error("expected validation to reject eq with two values")
	}
}

func TestValidateAcceptsInWithMultipleValues(t *testing.T) {
	n := FieldNode("plan", OpIn, "gold", "silver", "bronze")
	if err := n.Validate(fieldTypes); err != nil {
		t.Errorf("expected in with multiple values to validate, got %v", err)
	}
}

func TestValidateRejectsTypeMismatchedValue(t *testing.T) {
	n := FieldNode("age", OpEq, "not-an-int")
	if err := n.Validate(fieldTypes); err == nil {
		t.Error("expected validation to reject string value for int field")
	}
}
