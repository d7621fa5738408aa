// Package job defines the unit of work submitted to Cortex: one observable,
// its sensitivity levels and the analyzers to run against it.
package job

import (
	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
)

// AllAnalyzers selects every analyzer applicable to the data type.
const AllAnalyzers = "all"

// Job is one observable and the analyzers resolved for it.
type Job struct {
	Data      string
	DataType  string
	TLP       int
	PAP       int
	Analyzers []cortex.Analyzer
}

// New validates dataType and builds a job.
func New(data, dataType string, tlp, pap int, analyzers []cortex.Analyzer) (*Job, error) {
	dt, err := NormalizeDataType(dataType)
	if err != nil {
		return nil, err
	}
	return &Job{
		Data:      data,
		DataType:  dt,
		TLP:       tlp,
		PAP:       pap,
		Analyzers: analyzers,
	}, nil
}

// Observable returns the wire record posted for every analyzer of the job.
func (j *Job) Observable() cortex.Observable {
	return cortex.Observable{
		Data:     j.Data,
		DataType: j.DataType,
		TLP:      j.TLP,
		PAP:      j.PAP,
	}
}

// AnalyzerNames lists the resolved analyzer names in order.
func (j *Job) AnalyzerNames() []string {
	names := make([]string, 0, len(j.Analyzers))
	for _, a := range j.Analyzers {
		names = append(names, a.Name)
	}
	return names
}
