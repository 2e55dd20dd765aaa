package priority

import (
	"testing"

	"fieldsync/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want domain.Priority
	}{
		{"AST", domain.PriorityCritical},
		{"ast", domain.PriorityCritical},
		{" safety-doc ", domain.PriorityCritical},
		{"PERMIT", domain.PriorityCritical},
		{"EXECUTION", domain.PriorityHigh},
		{"EVIDENCE", domain.PriorityHigh},
		{"ORDER", domain.PriorityHigh},
		{"CHECKLIST", domain.PriorityMedium},
		{"TASK", domain.PriorityMedium},
		{"COST", domain.PriorityLow},
		{"KIT", domain.PriorityLow},
		{"SOMETHING_NEW", domain.PriorityLow},
		{"", domain.PriorityLow},
	}
	for _, tc := range cases {
		if got := Classify(tc.in); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestTierOrderIsTotal(t *testing.T) {
	order := []domain.Priority{domain.PriorityCritical, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow}
	for i := 0; i < len(order); i++ {
		for j := 0; j < len(order); j++ {
			if got, want := Less(order[i], order[j]), i < j; got != want {
				t.Errorf("Less(%s,%s) = %v, want %v", order[i], order[j], got, want)
			}
		}
	}
}

func TestKnownTypesHighestFirst(t *testing.T) {
	types := KnownTypes()
	if len(types) == 0 {
		t.Fatal("no known types")
	}
	for i := 1; i < len(types); i++ {
		if Less(Classify(types[i]), Classify(types[i-1])) {
			t.Fatalf("%s listed after lower tier %s", types[i], types[i-1])
		}
	}
}
