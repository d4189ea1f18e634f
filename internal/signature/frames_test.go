package signature

import (
	"reflect"
	"testing"

	"github.com/V4T54L/logsmith/internal/domain"
)

func TestExtractRules(t *testing.T) {
	tests := []struct {
		name     string
		trace    string
		expected []domain.Rule
	}{
		{
			name:  "dotted action frame",
			trace: "at com.pegarules.generated.activity.ra_action_fetchproviderinfo_71213544b84138fe0e99c30bed26f41e.step3(ra_action_fetchproviderinfo.java:88)",
			expected: []domain.Rule{
				{Type: "activity", Class: "NA", Name: "fetchproviderinfo"},
			},
		},
		{
			name:  "arrow notation",
			trace: "com.pegarules.generated.activity->ra_action_settasktime->perform",
			expected: []domain.Rule{
				{Type: "activity", Class: "NA", Name: "settasktime"},
			},
		},
		{
			name:  "class and name split at last underscore",
			trace: "at com.pegarules.generated.activity.ra_action_pds_fw_denovo_checklist_settasktime_9a1b2c3d4e5f60718293a4b5c6d7e8f9.run(x.java:1)",
			expected: []domain.Rule{
				{Type: "activity", Class: "pds_fw_denovo_checklist", Name: "settasktime"},
			},
		},
		{
			name:  "short fragment remerged after action verb",
			trace: "at com.pegarules.generated.model.ra_model_pds_owlm_work_website_processmodupdate_cdt_71138c510b03d4b704c6af6eda7b966f.apply(y.java:2)",
			expected: []domain.Rule{
				{Type: "model", Class: "pds_owlm_work_website", Name: "processmodupdate_cdt"},
			},
		},
		{
			name:  "ignored class prefix collapses to NA",
			trace: "at com.pegarules.generated.activity.ra_action_get_providerinfo_9a1b2c3d4e5f60718293a4b5c6d7e8f9.run(z.java:3)",
			expected: []domain.Rule{
				{Type: "activity", Class: "NA", Name: "get_providerinfo"},
			},
		},
		{
			name:     "no generated frames",
			trace:    "at java.base/java.util.HashMap.hash(HashMap.java:338)\nat org.apache.catalina.core.StandardWrapper.service(StandardWrapper.java:100)",
			expected: nil,
		},
		{
			name: "pipe delimited sequence summary",
			trace: "1:com.pegarules.generated.activity->ra_action_opencase->perform->com.pegarules.generated.activity.ra_action_opencase | " +
				"2:com.pegarules.generated.activity->ra_action_closecase->perform->com.pegarules.generated.activity.ra_action_closecase",
			expected: []domain.Rule{
				{Type: "activity", Class: "NA", Name: "opencase"},
				{Type: "activity", Class: "NA", Name: "closecase"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractRules(tt.trace)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("ExtractRules() = %#v, want %#v", got, tt.expected)
			}
		})
	}
}

// The same frame repeated in a trace must appear exactly once, in first-seen
// order relative to other distinct frames.
func TestExtractRulesDeduplicates(t *testing.T) {
	frame := "at com.pegarules.generated.activity.ra_action_fetchproviderinfo_71213544b84138fe0e99c30bed26f41e.step3(f.java:1)"
	other := "at com.pegarules.generated.model.ra_model_copydata_81213544b84138fe0e99c30bed26f41e.apply(g.java:2)"
	trace := frame + "\n" + frame + "\n" + other + "\n" + frame

	got := ExtractRules(trace)
	want := []domain.Rule{
		{Type: "activity", Class: "NA", Name: "fetchproviderinfo"},
		{Type: "model", Class: "NA", Name: "copydata"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractRules() = %#v, want %#v", got, want)
	}
}

func TestCleanRuleName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"fetchproviderinfo_71213544b84138fe0e99c30bed26f41e", "fetchproviderinfo"},
		{"processmodupdate_cdt_71138c510b03d4b704c6af6eda7b966f$2$1", "processmodupdate_cdt"},
		{"pds_owlm_work_website_processmodupdate_cdt_1024929017", "pds_owlm_work_website_processmodupdate_cdt"},
		{"plainname", "plainname"},
	}
	for _, tt := range tests {
		if got := cleanRuleName(tt.input); got != tt.expected {
			t.Errorf("cleanRuleName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSplitClassAndName(t *testing.T) {
	tests := []struct {
		input     string
		wantClass string
		wantName  string
	}{
		{"pds_fw_denovo_checklist_settasktime", "pds_fw_denovo_checklist", "settasktime"},
		{"pds_owlm_work_website_processmodupdate_cdt", "pds_owlm_work_website", "processmodupdate_cdt"},
		{"get_providerinfo", "NA", "get_providerinfo"},
		{"noclassatall", "NA", "noclassatall"},
		{"py_validate", "NA", "py_validate"},
	}
	for _, tt := range tests {
		class, name := splitClassAndName(tt.input)
		if class != tt.wantClass || name != tt.wantName {
			t.Errorf("splitClassAndName(%q) = (%q, %q), want (%q, %q)", tt.input, class, name, tt.wantClass, tt.wantName)
		}
	}
}
