package planstore

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type rawPlan struct {
	ID             string         `yaml:"id"`
	Title          string         `yaml:"title"`
	OrganizationID string         `yaml:"organization_id"`
	Status         string         `yaml:"status"`
	Narrative      string         `yaml:"narrative"`
	Indicators     []rawIndicator `yaml:"indicators"`
}

type rawIndicator struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Baseline *float64 `yaml:"baseline"`
	Target   *float64 `yaml:"target"`
	Unit     string   `yaml:"unit"`
}

// ValidationError captures a single field-specific validation issue.
type ValidationError struct {
	File    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
}

// ValidationErrors aggregates multiple validation problems.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// ParseAndValidate unmarshals and validates a YAML plan document.
func ParseAndValidate(data []byte, source string) (*Plan, error) {
	var raw rawPlan
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ValidationErrors{{
			File:    source,
			Field:   "yaml",
			Message: err.Error(),
		}}
	}
	return validateRawPlan(raw, source)
}

func validateRawPlan(raw rawPlan, source string) (*Plan, error) {
	var errs ValidationErrors

	if strings.TrimSpace(raw.ID) == "" {
		errs = append(errs, ValidationError{File: source, Field: "id", Message: "plan id is required"})
	}
	if strings.TrimSpace(raw.Title) == "" {
		errs = append(errs, ValidationError{File: source, Field: "title", Message: "title is required"})
	}
	if strings.TrimSpace(raw.OrganizationID) == "" {
		errs = append(errs, ValidationError{File: source, Field: "organization_id", Message: "organization_id is required"})
	}

	status, statusErr := parseStatus(raw.Status)
	if statusErr != nil {
		errs = append(errs, ValidationError{File: source, Field: "status", Message: statusErr.Error()})
	}

	if len(raw.Indicators) == 0 {
		errs = append(errs, ValidationError{File: source, Field: "indicators", Message: "must contain at least one indicator"})
	}

	seen := make(map[string]struct{})
	var indicators []Indicator
	for idx, rawInd := range raw.Indicators {
		path := fmt.Sprintf("indicators[%d]", idx)
		ind, indErrs := validateIndicator(rawInd, path, source)
		errs = append(errs, indErrs...)

		if ind.ID != "" {
			if _, exists := seen[ind.ID]; exists {
				errs = append(errs, ValidationError{
					File:    source,
					Field:   path + ".id",
					Message: fmt.Sprintf("duplicate indicator id %q", ind.ID),
				})
			} else {
				seen[ind.ID] = struct{}{}
			}
		}
		indicators = append(indicators, ind)
	}

	if len(errs) > 0 {
		return nil, errs
	}

	plan := &Plan{
		ID:             strings.TrimSpace(raw.ID),
		Title:          strings.TrimSpace(raw.Title),
		OrganizationID: strings.TrimSpace(raw.OrganizationID),
		Status:         status,
		Narrative:      strings.TrimSpace(raw.Narrative),
		Indicators:     indicators,
		Source:         source,
	}
	plan.index()
	return plan, nil
}

func validateIndicator(raw rawIndicator, path, source string) (Indicator, ValidationErrors) {
	var errs ValidationErrors

	if strings.TrimSpace(raw.ID) == "" {
		errs = append(errs, ValidationError{File: source, Field: path + ".id", Message: "indicator id is required"})
	}
	if strings.TrimSpace(raw.Name) == "" {
		errs = append(errs, ValidationError{File: source, Field: path + ".name", Message: "indicator name is required"})
	}

	indType, typeErr := parseIndicatorType(raw.Type)
	if typeErr != nil {
		errs = append(errs, ValidationError{File: source, Field: path + ".type", Message: typeErr.Error()})
	}
	if raw.Baseline == nil {
		errs = append(errs, ValidationError{File: source, Field: path + ".baseline", Message: "baseline is required"})
	}
	if raw.Target == nil {
		errs = append(errs, ValidationError{File: source, Field: path + ".target", Message: "target is required"})
	}
	if raw.Baseline != nil && raw.Target != nil && *raw.Baseline == *raw.Target {
		errs = append(errs, ValidationError{
			File:    source,
			Field:   path + ".target",
			Message: "target must differ from baseline",
		})
	}

	ind := Indicator{
		ID:   strings.TrimSpace(raw.ID),
		Name: strings.TrimSpace(raw.Name),
		Type: indType,
		Unit: strings.TrimSpace(raw.Unit),
	}
	if raw.Baseline != nil {
		ind.Baseline = *raw.Baseline
	}
	if raw.Target != nil {
		ind.Target = *raw.Target
	}
	return ind, errs
}

func parseStatus(s string) (PlanStatus, error) {
	switch PlanStatus(strings.TrimSpace(s)) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusReview:
		return StatusReview, nil
	case StatusLocked:
		return StatusLocked, nil
	case StatusInExecution:
		return StatusInExecution, nil
	case StatusCompleted:
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("status must be one of draft, review, locked, in_execution, completed")
	}
}

func parseIndicatorType(s string) (IndicatorType, error) {
	switch IndicatorType(strings.TrimSpace(s)) {
	case IndicatorImpact:
		return IndicatorImpact, nil
	case IndicatorOutcome:
		return IndicatorOutcome, nil
	case IndicatorOutput:
		return IndicatorOutput, nil
	default:
		return "", fmt.Errorf("type must be one of impact, outcome, output")
	}
}
