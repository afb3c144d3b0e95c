package incidents

import (
	"encoding/json"
	"fmt"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// Alert payload extraction. Azure Monitor and Databricks webhooks are
// not stable schemas in practice, so extraction walks a chain of known
// field locations and degrades to a generic description rather than
// rejecting the alert.

type rawObject map[string]json.RawMessage

func (o rawObject) object(key string) rawObject {
	raw, ok := o[key]
	if !ok {
		return nil
	}
	var child rawObject
	if err := json.Unmarshal(raw, &child); err != nil {
		return nil
	}
	return child
}

func (o rawObject) string(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Run ids occasionally arrive as bare numbers.
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// extractDataFactoryAlert pulls pipeline, run id and error description
// out of an Azure Monitor common alert schema payload.
func extractDataFactoryAlert(body rawObject) CreateAlertInput {
	data := body.object("data")

	essentials := body.object("essentials")
	if essentials == nil && data != nil {
		essentials = data.object("essentials")
	}

	var properties rawObject
	if data != nil {
		if context := data.object("context"); context != nil {
			properties = context.object("properties")
		}
	}

	var description, pipeline, runID string
	if properties != nil {
		errObj := properties.object("error")
		if errObj == nil {
			errObj = properties.object("Error")
		}
		if errObj != nil {
			description = firstNonEmpty(
				errObj.string("message"), errObj.string("Message"),
				errObj.string("value"), errObj.string("Value"))
		}
		description = firstNonEmpty(description,
			properties.string("detailedMessage"),
			properties.string("ErrorMessage"),
			properties.string("message"))
		pipeline = properties.string("PipelineName")
		runID = properties.string("PipelineRunId")
	}
	if essentials != nil {
		description = firstNonEmpty(description, essentials.string("description"))
		pipeline = firstNonEmpty(pipeline, essentials.string("pipelineName"), essentials.string("alertRule"))
		runID = firstNonEmpty(runID, essentials.string("runId"), essentials.string("alertId"))
	}

	if description == "" {
		raw, _ := json.Marshal(body)
		description = string(raw)
	}
	if pipeline == "" {
		pipeline = "ADF Pipeline Failure"
	}

	return CreateAlertInput{
		Pipeline:    pipeline,
		RunID:       runID,
		Source:      domain.SourceDataFactory,
		Description: description,
	}
}

// extractDatabricksAlert pulls job name, run id and error description
// out of a Databricks job webhook or a cluster failure alert.
func extractDatabricksAlert(body rawObject) CreateAlertInput {
	job := body.object("job")
	run := body.object("run")

	var jobSettings rawObject
	if job != nil {
		jobSettings = job.object("settings")
	}

	jobName := firstNonEmpty(
		run.string("run_name"),
		jobSettings.string("name"),
		body.string("job_name"), body.string("JobName"))
	if jobName == "" {
		jobName = "Databricks Job"
	}

	runID := firstNonEmpty(
		run.string("run_id"),
		body.string("run_id"), body.string("RunId"),
		body.string("job_run_id"), body.string("JobRunId"))

	var description string
	if run != nil {
		if state := run.object("state"); state != nil {
			description = state.string("state_message")
		}
		description = firstNonEmpty(description, run.string("state_message"))
	}
	description = firstNonEmpty(description, body.string("error_message"))
	if description == "" {
		eventType := firstNonEmpty(body.string("event"), body.string("event_type"))
		description = fmt.Sprintf("Databricks job event: %s", eventType)
	}

	return CreateAlertInput{
		Pipeline:    jobName,
		RunID:       runID,
		Source:      domain.SourceDatabricks,
		Description: description,
	}
}
