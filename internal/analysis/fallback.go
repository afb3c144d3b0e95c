package analysis

import (
	"fmt"
	"strings"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// FallbackFinding returns the static finding used when every backend
// failed. It is low confidence, never auto-healable and always succeeds,
// so incident creation is never blocked on analysis.
func FallbackFinding(source domain.SourceKind) *domain.Finding {
	service := "ADF pipeline"
	if source == domain.SourceDatabricks {
		service = "Databricks job/cluster"
	}
	return &domain.Finding{
		RootCause:      fmt.Sprintf("%s failed. Unable to determine root cause from logs.", service),
		Classification: domain.ClassificationUnknown,
		Severity:       domain.SeverityMedium,
		Priority:       domain.PriorityP3,
		Confidence:     "Low",
		Recommendations: []string{
			fmt.Sprintf("Inspect %s logs for more context.", strings.ToUpper(string(source))),
			"Check resource health and configurations.",
		},
		AutoHealable: false,
		Provider:     "fallback",
	}
}
