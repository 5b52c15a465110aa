package planstore

// PlanStatus tracks a plan through the review workflow. Only locked plans may
// be executed.
type PlanStatus string

const (
	StatusDraft       PlanStatus = "draft"
	StatusReview      PlanStatus = "review"
	StatusLocked      PlanStatus = "locked"
	StatusInExecution PlanStatus = "in_execution"
	StatusCompleted   PlanStatus = "completed"
)

// IndicatorType classifies what a success indicator measures.
type IndicatorType string

const (
	IndicatorImpact  IndicatorType = "impact"
	IndicatorOutcome IndicatorType = "outcome"
	IndicatorOutput  IndicatorType = "output"
)

// Indicator is one measurable entry in a plan's indicator catalog.
type Indicator struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Type     IndicatorType `yaml:"type" json:"type"`
	Baseline float64       `yaml:"baseline" json:"baseline"`
	Target   float64       `yaml:"target" json:"target"`
	Unit     string        `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Plan is a normalized program plan (LFA) snapshot loaded from YAML. The
// engine treats it as immutable input.
type Plan struct {
	ID             string      `yaml:"id" json:"id"`
	Title          string      `yaml:"title" json:"title"`
	OrganizationID string      `yaml:"organization_id" json:"organization_id"`
	Status         PlanStatus  `yaml:"status" json:"status"`
	Narrative      string      `yaml:"narrative,omitempty" json:"narrative,omitempty"`
	Indicators     []Indicator `yaml:"indicators" json:"indicators"`

	Source string `yaml:"-" json:"-"`

	indicators map[string]Indicator
}

// IsLocked reports whether the plan is approved for execution.
func (p *Plan) IsLocked() bool {
	return p != nil && p.Status == StatusLocked
}

// IndicatorLookup returns the catalog indicator for the given id, if present.
func (p *Plan) IndicatorLookup(id string) (Indicator, bool) {
	if p == nil {
		return Indicator{}, false
	}
	ind, ok := p.indicators[id]
	return ind, ok
}

func (p *Plan) index() {
	p.indicators = make(map[string]Indicator, len(p.Indicators))
	for _, ind := range p.Indicators {
		p.indicators[ind.ID] = ind
	}
}
