package analyzer

import "github.com/anthropics/orion/internal/domain"

// strategyInfo describes one decomposition strategy for prompt assembly.
type strategyInfo struct {
	Name        string
	Description string
	Personas    []string
	FocusAreas  []string
}

var strategyCatalog = map[domain.Strategy]strategyInfo{
	domain.StrategyFunctional: {
		Name:        "Functional Slicing",
		Description: "Break down by business functions and workflows",
		Personas:    []string{"Business Analyst", "Product Owner", "Domain Expert"},
		FocusAreas:  []string{"user_workflows", "business_processes", "functional_requirements"},
	},
	domain.StrategyTechnical: {
		Name:        "Technical Slicing",
		Description: "Break down by technical components and system layers",
		Personas:    []string{"Solution Architect", "Tech Lead", "Platform Engineer"},
		FocusAreas:  []string{"system_architecture", "technical_components", "integration_points"},
	},
	domain.StrategyUserJourney: {
		Name:        "User Journey Slicing",
		Description: "Break down by user personas and interaction journeys",
		Personas:    []string{"UX Researcher", "Product Owner", "Customer Advocate"},
		FocusAreas:  []string{"user_personas", "interaction_flows", "touchpoints"},
	},
}

// normalizeStrategy maps arbitrary model output onto the fixed strategy
// set; anything unrecognized resolves to functional.
func normalizeStrategy(s string) domain.Strategy {
	switch domain.Strategy(s) {
	case domain.StrategyFunctional, domain.StrategyTechnical, domain.StrategyUserJourney:
		return domain.Strategy(s)
	}
	switch s {
	case "user-journey", "user journey":
		return domain.StrategyUserJourney
	}
	return domain.StrategyFunctional
}
