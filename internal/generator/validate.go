package generator

import (
	"fmt"
	"strings"

	"progression/internal/planstore"
)

// ValidateLevels checks a level breakdown returned by a generator: non-empty,
// gapless 1..N level and action numbering, and every criterion resolvable
// against the plan's indicator catalog.
func ValidateLevels(plan *planstore.Plan, levels []LevelProposal) error {
	if len(levels) == 0 {
		return &MalformedProposalError{Reason: "proposal contains no levels"}
	}
	for idx, level := range levels {
		if level.LevelNumber != idx+1 {
			return &MalformedProposalError{
				Reason: fmt.Sprintf("level numbering is not sequential: position %d has level_number %d", idx+1, level.LevelNumber),
			}
		}
		if strings.TrimSpace(level.Name) == "" {
			return &MalformedProposalError{Reason: fmt.Sprintf("level %d has no name", level.LevelNumber)}
		}
		if len(level.Actions) == 0 {
			return &MalformedProposalError{Reason: fmt.Sprintf("level %d contains no actions", level.LevelNumber)}
		}
		for aIdx, action := range level.Actions {
			if action.SequenceNumber != aIdx+1 {
				return &MalformedProposalError{
					Reason: fmt.Sprintf("level %d action numbering is not sequential: position %d has sequence_number %d",
						level.LevelNumber, aIdx+1, action.SequenceNumber),
				}
			}
			if strings.TrimSpace(action.Description) == "" {
				return &MalformedProposalError{
					Reason: fmt.Sprintf("level %d action %d has no description", level.LevelNumber, action.SequenceNumber),
				}
			}
			if err := validateCriteria(plan, level.LevelNumber, action.SequenceNumber, action.Criteria); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateCorrective checks a corrective proposal for the minimum structure
// the corrective cycle needs.
func ValidateCorrective(p *CorrectiveProposal) error {
	if p == nil {
		return &MalformedProposalError{Reason: "corrective proposal is empty"}
	}
	if strings.TrimSpace(p.Description) == "" {
		return &MalformedProposalError{Reason: "corrective proposal has no description"}
	}
	if strings.TrimSpace(p.RootCause) == "" {
		return &MalformedProposalError{Reason: "corrective proposal has no root cause"}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return &MalformedProposalError{Reason: fmt.Sprintf("corrective confidence %v is outside [0, 1]", p.Confidence)}
	}
	return nil
}

func validateCriteria(plan *planstore.Plan, level, seq int, c Criteria) error {
	if strings.TrimSpace(c.IndicatorID) == "" {
		return &MalformedProposalError{
			Reason: fmt.Sprintf("level %d action %d criteria has no indicator", level, seq),
		}
	}
	if _, ok := plan.IndicatorLookup(c.IndicatorID); !ok {
		return &MalformedProposalError{
			Reason: fmt.Sprintf("level %d action %d references unknown indicator %q", level, seq, c.IndicatorID),
		}
	}
	if c.Target == c.Baseline {
		return &MalformedProposalError{
			Reason: fmt.Sprintf("level %d action %d criteria target equals baseline", level, seq),
		}
	}
	return nil
}
