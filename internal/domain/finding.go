package domain

// Finding is the normalized output of a root-cause analysis backend.
// It is consumed once to construct an Incident and never persisted on
// its own.
type Finding struct {
	RootCause       string   `json:"root_cause"`
	Classification  string   `json:"error_type"`
	AffectedEntity  string   `json:"affected_entity"`
	Severity        Severity `json:"severity"`
	Priority        Priority `json:"priority"`
	Confidence      string   `json:"confidence"`
	Recommendations []string `json:"recommendations"`
	AutoHealable    bool     `json:"auto_heal_possible"`
	Provider        string   `json:"-"`
}

// ClassificationUnknown is the classification assigned by the static
// fallback when no backend produced a result.
const ClassificationUnknown = "UnknownError"

// Normalize fills derived fields: a missing priority is computed from
// severity, a missing severity defaults to Medium.
func (f *Finding) Normalize() {
	if f.Severity == "" {
		f.Severity = SeverityMedium
	}
	if f.Priority == "" {
		f.Priority = PriorityForSeverity(f.Severity)
	}
	if f.Classification == "" {
		f.Classification = ClassificationUnknown
	}
}
