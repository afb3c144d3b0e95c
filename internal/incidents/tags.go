package incidents

import "strings"

// OwnerTags carries cost-attribution metadata derived from a resource name.
type OwnerTags struct {
	Team       string
	Owner      string
	CostCenter string
}

// DeriveOwnerTags guesses the owning team and cost center from a
// pipeline or job name. Naming conventions are loose, so this is a
// best-effort keyword match with an Operations catch-all.
func DeriveOwnerTags(resourceName string) OwnerTags {
	if resourceName == "" {
		return OwnerTags{Team: "Unknown", Owner: "Unknown", CostCenter: "Unknown"}
	}

	name := strings.ToLower(resourceName)

	var tags OwnerTags
	switch {
	case strings.Contains(name, "finance") || strings.Contains(name, "fin"):
		tags = OwnerTags{Team: "Finance", CostCenter: "CC-FIN-001"}
	case strings.Contains(name, "data") || strings.Contains(name, "analytics") || strings.Contains(name, "etl"):
		tags = OwnerTags{Team: "DataEngineering", CostCenter: "CC-DATA-001"}
	case strings.Contains(name, "sales"):
		tags = OwnerTags{Team: "Sales", CostCenter: "CC-SALES-001"}
	case strings.Contains(name, "hr"):
		tags = OwnerTags{Team: "HumanResources", CostCenter: "CC-HR-001"}
	case strings.Contains(name, "marketing") || strings.Contains(name, "mkt"):
		tags = OwnerTags{Team: "Marketing", CostCenter: "CC-MKT-001"}
	case strings.Contains(name, "ml") || strings.Contains(name, "machine") || strings.Contains(name, "model"):
		tags = OwnerTags{Team: "MachineLearning", CostCenter: "CC-ML-001"}
	default:
		tags = OwnerTags{Team: "Operations", CostCenter: "CC-OPS-001"}
	}

	tags.Owner = strings.ToLower(tags.Team) + "@company.com"
	return tags
}
