package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"progression/internal/planstore"
)

func testPlan(t *testing.T) *planstore.Plan {
	t.Helper()
	plan, err := planstore.ParseAndValidate([]byte(`id: LFA-1
title: Test plan
organization_id: org-1
status: locked
indicators:
  - id: a.rate
    name: Rate A
    type: outcome
    baseline: 10
    target: 50
  - id: b.count
    name: Count B
    type: output
    baseline: 0
    target: 12
`), "test.yml")
	if err != nil {
		t.Fatalf("parse plan: %v", err)
	}
	return plan
}

func TestMockProposeLevelsDeterministic(t *testing.T) {
	plan := testPlan(t)
	g := &Mock{}

	first, err := g.ProposeLevels(context.Background(), plan)
	if err != nil {
		t.Fatalf("ProposeLevels: %v", err)
	}
	if err := ValidateLevels(plan, first); err != nil {
		t.Fatalf("mock proposal failed validation: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("levels = %d, want 2", len(first))
	}
	if first[0].Actions[0].Criteria.IndicatorID != "a.rate" {
		t.Fatalf("first criteria indicator = %q, want a.rate", first[0].Actions[0].Criteria.IndicatorID)
	}

	second, err := g.ProposeLevels(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Name != second[0].Name || first[1].Actions[0].Description != second[1].Actions[0].Description {
		t.Fatal("mock proposals are not deterministic")
	}
}

func TestValidateLevelsRejects(t *testing.T) {
	plan := testPlan(t)

	cases := []struct {
		name   string
		mutate func([]LevelProposal) []LevelProposal
	}{
		{"empty", func(l []LevelProposal) []LevelProposal { return nil }},
		{"gap in level numbers", func(l []LevelProposal) []LevelProposal {
			l[1].LevelNumber = 3
			return l
		}},
		{"gap in action numbers", func(l []LevelProposal) []LevelProposal {
			l[0].Actions[0].SequenceNumber = 2
			return l
		}},
		{"no actions", func(l []LevelProposal) []LevelProposal {
			l[0].Actions = nil
			return l
		}},
		{"unknown indicator", func(l []LevelProposal) []LevelProposal {
			l[0].Actions[0].Criteria.IndicatorID = "nope"
			return l
		}},
		{"degenerate criteria", func(l []LevelProposal) []LevelProposal {
			l[0].Actions[0].Criteria.Target = l[0].Actions[0].Criteria.Baseline
			return l
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fresh, err := (&Mock{}).ProposeLevels(context.Background(), plan)
			if err != nil {
				t.Fatal(err)
			}
			err = ValidateLevels(plan, tc.mutate(fresh))
			var malformed *MalformedProposalError
			if !errors.As(err, &malformed) {
				t.Fatalf("err = %v, want MalformedProposalError", err)
			}
		})
	}
}

func TestValidateCorrective(t *testing.T) {
	ok := &CorrectiveProposal{Description: "d", RootCause: "r", Confidence: 0.5}
	if err := ValidateCorrective(ok); err != nil {
		t.Fatalf("valid corrective rejected: %v", err)
	}

	bad := []*CorrectiveProposal{
		nil,
		{RootCause: "r", Confidence: 0.5},
		{Description: "d", Confidence: 0.5},
		{Description: "d", RootCause: "r", Confidence: 1.5},
	}
	for i, p := range bad {
		var malformed *MalformedProposalError
		if err := ValidateCorrective(p); !errors.As(err, &malformed) {
			t.Fatalf("case %d: err = %v, want MalformedProposalError", i, err)
		}
	}
}

type slowGenerator struct {
	Mock
	delay time.Duration
}

func (s *slowGenerator) ProposeLevels(ctx context.Context, plan *planstore.Plan) ([]LevelProposal, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Mock.ProposeLevels(ctx, plan)
}

func TestWithTimeout(t *testing.T) {
	plan := testPlan(t)

	g := WithTimeout(&slowGenerator{delay: 200 * time.Millisecond}, 10*time.Millisecond)
	_, err := g.ProposeLevels(context.Background(), plan)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	fast := WithTimeout(&Mock{}, time.Second)
	if _, err := fast.ProposeLevels(context.Background(), plan); err != nil {
		t.Fatalf("fast generator: %v", err)
	}
}
