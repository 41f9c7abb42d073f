package engine

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/jizhuozhi/expirement-system/pkg/catalog"
	"github.com/jizhuozhi/expirement-system/pkg/hashing"
	"github.com/jizhuozhi/expirement-system/pkg/layer"
	"github.com/jizhuozhi/expirement-system/pkg/layermanager"
	"github.com/jizhuozhi/expirement-system/pkg/rule"
)

func setup(t *testing.T, defs []catalog.ExperimentDef, layers []*layer.Layer) (*catalog.Catalog, *layermanager.Manager) {
	t.Helper()
	cat, err := catalog.NewFromExperiments(zerolog.Nop(), defs)
	if err != nil {
		t.Fatalf("unexpected catalog error: %v", err)
	}
	lm := layermanager.New(zerolog.Nop(), 16)
	lm.LoadAll(layers, cat)
	return cat, lm
}

// fullRangeLayer builds a layer that maps the entire bucket space to
// a single vid, so any hash key value lands a deterministic match —
// the tests below care about merge and skip semantics, not bucketing.
func fullRangeLayer(id string, priority int32, hashKey string, vid int64) *layer.Layer {
	return &layer.Layer{
		LayerID:  id,
		Version:  "v1",
		Priority: priority,
		HashKey:  hashKey,
		Enabled:  true,
		Ranges:   []layer.BucketRange{{Start: 0, End: hashing.BucketSize, Vid: vid}},
	}
}

func TestScenario1PriorityWinsOverlappingScalar(t *testing.T) {
	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 100, Params: map[string]interface{}{"timeout": float64(100), "feature_a": true}},
		}},
		{Eid: 2, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 200, Params: map[string]interface{}{"timeout": float64(200), "feature_b": true}},
		}},
	}
	layers := []*layer.Layer{
		fullRangeLayer("H", 200, "user_id", 100),
		fullRangeLayer("L", 100, "user_id", 200),
	}
	cat, lm := setup(t, defs, layers)

	req := &Request{Services: []string{"checkout"}, Context: map[string]interface{}{"user_id": "u1"}}
	resp := MergeBatch(req, lm, cat, nil, zerolog.Nop())

	res := resp.Results["checkout"]
	if res.Parameters["timeout"] != float64(100) {
		t.Errorf("expected higher-priority timeout 100, got %v", res.Parameters["timeout"])
	}
	if res.Parameters["feature_a"] != true || res.Parameters["feature_b"] != true {
		t.Errorf("expected both feature flags present, got %#v", res.Parameters)
	}
	if len(res.MatchedLayers) != 2 {
		t.Errorf("expected 2 matched layers, got %d", len(res.MatchedLayers))
	}
}

func TestScenario2ServiceMismatchIsSilent(t *testing.T) {
	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "recommendation_svc", Variants: []catalog.VariantDef{
			{Vid: 100, Params: map[string]interface{}{"x": float64(1)}},
		}},
	}
	layers := []*layer.Layer{fullRangeLayer("L", 100, "user_id", 100)}
	cat, lm := setup(t, defs, layers)

	req := &Request{Services: []string{"search_svc"}, Context: map[string]interface{}{"user_id": "u1"}}
	resp := MergeBatch(req, lm, cat, nil, zerolog.Nop())

	res := resp.Results["search_svc"]
	if len(res.Parameters) != 0 {
		t.Errorf("expected empty parameters, got %#v", res.Parameters)
	}
	if len(res.MatchedLayers) != 0 {
		t.Errorf("expected no matched layers, got %v", res.MatchedLayers)
	}
}

func TestScenario3RuleGatesAssignment(t *testing.T) {
	fieldTypes := map[string]rule.FieldType{"country": rule.FieldTypeString}
	gateRule := rule.FieldNode("country", rule.OpEq, "CN")

	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "checkout", Rule: gateRule, Variants: []catalog.VariantDef{
			{Vid: 100, Params: map[string]interface{}{"feature": "china_special"}},
		}},
	}
	layers := []*layer.Layer{fullRangeLayer("L", 100, "user_id", 100)}
	cat, lm := setup(t, defs, layers)

	cnReq := &Request{Services: []string{"checkout"}, Context: map[string]interface{}{"user_id": "u1", "country": "CN"}}
	cnResp := MergeBatch(cnReq, lm, cat, fieldTypes, zerolog.Nop())
	cnRes := cnResp.Results["checkout"]
	if len(cnRes.Vids) != 1 || cnRes.Vids[0] != 100 {
		t.Errorf("expected vids [100], got %v", cnRes.Vids)
	}
	if cnRes.Parameters["feature"] != "china_special" {
		t.Errorf("expected feature=china_special, got %v", cnRes.Parameters["feature"])
	}

	usReq := &Request{Services: []string{"checkout"}, Context: map[string]interface{}{"user_id": "u1", "country": "US"}}
	usResp := MergeBatch(usReq, lm, cat, fieldTypes, zerolog.Nop())
	usRes := usResp.Results["checkout"]
	if len(usRes.Vids) != 0 {
		t.Errorf("expected no vids when rule fails, got %v", usRes.Vids)
	}
}

func TestScenario4MissingHashKeySkipsLayerOnly(t *testing.T) {
	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 100, Params: map[string]interface{}{"a": float64(1)}},
		}},
		{Eid: 2, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 200, Params: map[string]interface{}{"b": float64(2)}},
		}},
	}
	layers := []*layer.Layer{
		fullRangeLayer("needs_user_id", 200, "user_id", 100),
		fullRangeLayer("needs_device_id", 100, "device_id", 200),
	}
	cat, lm := setup(t, defs, layers)

	req := &Request{Services: []string{"checkout"}, Context: map[string]interface{}{"device_id": "d1"}}
	resp := MergeBatch(req, lm, cat, nil, zerolog.Nop())
	res := resp.Results["checkout"]

	if _, ok := res.Parameters["a"]; ok {
		t.Error("expected layer requiring missing user_id to be skipped")
	}
	if res.Parameters["b"] != float64(2) {
		t.Errorf("expected other layer to still match, got %#v", res.Parameters)
	}
}

func TestScenario5NestedDeepMerge(t *testing.T) {
	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 100, Params: map[string]interface{}{
				"config": map[string]interface{}{"timeout": float64(100), "hi": "v1"},
			}},
		}},
		{Eid: 2, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 200, Params: map[string]interface{}{
				"config": map[string]interface{}{"timeout": float64(200), "lo": "v2"},
			}},
		}},
	}
	layers := []*layer.Layer{
		fullRangeLayer("H", 200, "user_id", 100),
		fullRangeLayer("L", 100, "user_id", 200),
	}
	cat, lm := setup(t, defs, layers)

	req := &Request{Services: []string{"checkout"}, Context: map[string]interface{}{"user_id": "u1"}}
	resp := MergeBatch(req, lm, cat, nil, zerolog.Nop())
	res := resp.Results["checkout"]

	config, ok := res.Parameters["config"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected config object, got %#v", res.Parameters["config"])
	}
	if config["timeout"] != float64(100) || config["hi"] != "v1" || config["lo"] != "v2" {
		t.Errorf("unexpected merged config: %#v", config)
	}
}

func TestScenario6ComplexRule(t *testing.T) {
	fieldTypes := map[string]rule.FieldType{
		"country": rule.FieldTypeString,
		"age":     rule.FieldTypeInt,
		"premium": rule.FieldTypeBool,
	}
	complexRule := rule.And(
		rule.FieldNode("country", rule.OpIn, "US", "CA"),
		rule.Or(
			rule.FieldNode("age", rule.OpGte, int64(18)),
			rule.FieldNode("premium", rule.OpEq, true),
		),
	)

	cases := []struct {
		name    string
		country string
		age     int64
		premium bool
		want    bool
	}{
		{"us adult not premium", "US", 25, false, true},
		{"ca minor premium", "CA", 16, true, true},
		{"uk adult not premium", "UK", 25, false, false},
		{"us minor not premium", "US", 16, false, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := map[string]interface{}{"country": c.country, "age": c.age, "premium": c.premium}
			got, err := complexRule.Evaluate(ctx, fieldTypes)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestDanglingVidIsSkippedWithWarning(t *testing.T) {
	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 100, Params: map[string]interface{}{"a": float64(1)}},
		}},
	}
	layers := []*layer.Layer{fullRangeLayer("L", 100, "user_id", 999999)}
	cat, lm := setup(t, defs, layers)

	req := &Request{Services: []string{"checkout"}, Context: map[string]interface{}{"user_id": "u1"}}
	resp := MergeBatch(req, lm, cat, nil, zerolog.Nop())
	res := resp.Results["checkout"]

	if len(res.Vids) != 0 || len(res.Parameters) != 0 {
		t.Errorf("expected dangling vid to produce no assignment, got %#v", res)
	}
}

func TestExplicitLayerListRestrictsCandidates(t *testing.T) {
	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 100, Params: map[string]interface{}{"a": float64(1)}},
		}},
		{Eid: 2, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 200, Params: map[string]interface{}{"b": float64(2)}},
		}},
	}
	layers := []*layer.Layer{
		fullRangeLayer("only_this_one", 100, "user_id", 100),
		fullRangeLayer("not_this_one", 200, "user_id", 200),
	}
	cat, lm := setup(t, defs, layers)

	req := &Request{
		Services: []string{"checkout"},
		Context:  map[string]interface{}{"user_id": "u1"},
		Layers:   []string{"only_this_one"},
	}
	resp := MergeBatch(req, lm, cat, nil, zerolog.Nop())
	res := resp.Results["checkout"]

	if _, ok := res.Parameters["b"]; ok {
		t.Error("expected layer excluded by explicit layer list to be ignored")
	}
	if res.Parameters["a"] != float64(1) {
		t.Errorf("expected explicitly listed layer to still match, got %#v", res.Parameters)
	}
}

func TestInvalidTopLevelParamsSkipsLayer(t *testing.T) {
	defs := []catalog.ExperimentDef{
		{Eid: 1, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 100, Params: "not an object"},
		}},
		{Eid: 2, Service: "checkout", Variants: []catalog.VariantDef{
			{Vid: 200, Params: map[string]interface{}{"b": float64(2)}},
		}},
	}
	layers := []*layer.Layer{
		fullRangeLayer("bad", 200, "user_id", 100),
		fullRangeLayer("good", 100, "user_id", 200),
	}
	cat, lm := setup(t, defs, layers)

	req := &Request{Services: []string{"checkout"}, Context: map[string]interface{}{"user_id": "u1"}}
	resp := MergeBatch(req, lm, cat, nil, zerolog.Nop())
	res := resp.Results["checkout"]

	if res.Parameters["b"] != float64(2) {
		t.Errorf("expected the valid layer to still merge after the invalid one was skipped, got %#v", res.Parameters)
	}
}
