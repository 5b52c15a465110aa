package generator

import (
	"context"
	"fmt"

	"progression/internal/planstore"
)

// Mock is a deterministic, offline generator used for end-to-end testing of
// the engine. It derives a two-level Foundation/Launch breakdown from the
// plan's indicator catalog.
type Mock struct{}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) ProposeLevels(ctx context.Context, plan *planstore.Plan) ([]LevelProposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan == nil || len(plan.Indicators) == 0 {
		return nil, &MalformedProposalError{Reason: "plan has no indicators to propose against"}
	}

	first := plan.Indicators[0]
	last := plan.Indicators[len(plan.Indicators)-1]

	return []LevelProposal{
		{
			LevelNumber:  1,
			Name:         "Foundation",
			Description:  "Baseline assessment and preparation",
			DurationDays: 30,
			Actions: []ActionProposal{
				{
					SequenceNumber:        1,
					Description:           fmt.Sprintf("Establish baseline for %s", first.Name),
					Steps:                 []string{"Collect baseline data", "Verify measurement method", "Publish readiness report"},
					DeadlineDays:          14,
					EstimatedDurationDays: 7,
					Criteria: Criteria{
						IndicatorID: first.ID,
						Baseline:    first.Baseline,
						Target:      first.Target,
					},
				},
			},
		},
		{
			LevelNumber:  2,
			Name:         "Launch",
			Description:  "Initial rollout and monitoring",
			DurationDays: 30,
			Actions: []ActionProposal{
				{
					SequenceNumber:        1,
					Description:           fmt.Sprintf("Roll out activities targeting %s", last.Name),
					Steps:                 []string{"Run launch activities", "Monitor weekly", "Collect outcome measurements"},
					DeadlineDays:          45,
					EstimatedDurationDays: 10,
					Criteria: Criteria{
						IndicatorID: last.ID,
						Baseline:    last.Baseline,
						Target:      last.Target,
					},
				},
			},
		},
	}, nil
}

func (m *Mock) ProposeCorrective(ctx context.Context, failure FailureContext) (*CorrectiveProposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &CorrectiveProposal{
		Description: fmt.Sprintf("Improve outcome for %s", failure.ActionDescription),
		Steps: []string{
			"Review implementation fidelity with delivery team",
			fmt.Sprintf("Re-run activities for indicator %s", failure.IndicatorID),
			"Re-measure and resubmit results",
		},
		RootCause:           "Insufficient implementation fidelity",
		ContributingFactors: []string{"Training gap", "Time constraints"},
		Confidence:          0.75,
	}, nil
}
