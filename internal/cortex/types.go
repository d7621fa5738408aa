package cortex

import "time"

// Analyzer is an enrichment routine enabled on the Cortex instance.
type Analyzer struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Version            string                 `json:"version,omitempty"`
	Description        string                 `json:"description,omitempty"`
	DataTypeList       []string               `json:"dataTypeList,omitempty"`
	WorkerDefinitionID string                 `json:"workerDefinitionId,omitempty"`
	AnalyzerDefinition string                 `json:"analyzerDefinitionId,omitempty"`
	BaseConfig         string                 `json:"baseConfig,omitempty"`
	Configuration      map[string]interface{} `json:"configuration,omitempty"`
	JobCache           int                    `json:"jobCache,omitempty"`
	Rate               int                    `json:"rate,omitempty"`
	RateUnit           string                 `json:"rateUnit,omitempty"`
}

// Supports reports whether the analyzer accepts dataType.
func (a Analyzer) Supports(dataType string) bool {
	for _, dt := range a.DataTypeList {
		if dt == dataType {
			return true
		}
	}
	return false
}

// Observable is the record posted to run an analyzer.
type Observable struct {
	Data     string `json:"data"`
	DataType string `json:"dataType"`
	TLP      int    `json:"tlp"`
	PAP      int    `json:"pap"`
	Message  string `json:"message,omitempty"`
}

// Job is the handle Cortex returns for a submitted analysis.
type Job struct {
	ID                   string `json:"id"`
	AnalyzerID           string `json:"analyzerId,omitempty"`
	AnalyzerName         string `json:"analyzerName,omitempty"`
	AnalyzerDefinitionID string `json:"analyzerDefinitionId,omitempty"`
	Status               string `json:"status"`
	Data                 string `json:"data,omitempty"`
	DataType             string `json:"dataType"`
	TLP                  int    `json:"tlp"`
	PAP                  int    `json:"pap"`
	Message              string `json:"message,omitempty"`
	Organization         string `json:"organization,omitempty"`
	CreatedBy            string `json:"createdBy,omitempty"`
	CreatedAt            int64  `json:"createdAt,omitempty"`
	StartDate            int64  `json:"startDate,omitempty"`
	EndDate              int64  `json:"endDate,omitempty"`
}

// Created returns the creation time reported by Cortex (epoch millis).
func (j Job) Created() time.Time {
	if j.CreatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(j.CreatedAt)
}

// Job statuses.
const (
	StatusWaiting    = "Waiting"
	StatusInProgress = "InProgress"
	StatusSuccess    = "Success"
	StatusFailure    = "Failure"
	StatusDeleted    = "Deleted"
)

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool {
	switch j.Status {
	case StatusSuccess, StatusFailure, StatusDeleted:
		return true
	}
	return false
}

// Report is a job together with its analyzer output.
type Report struct {
	Job
	Report struct {
		Success      bool                     `json:"success"`
		ErrorMessage string                   `json:"errorMessage,omitempty"`
		Summary      map[string]interface{}   `json:"summary,omitempty"`
		Full         map[string]interface{}   `json:"full,omitempty"`
		Artifacts    []map[string]interface{} `json:"artifacts,omitempty"`
	} `json:"report"`
}

// ClientMetrics tracks API call counters.
type ClientMetrics struct {
	APICallsSuccess int64
	APICallsError   int64
	Retries         int64
	LastActivity    time.Time
}
