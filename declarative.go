package cagg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Declarative view definitions. A views file lets deployments declare
// continuous aggregates in YAML instead of calling CreateView; the
// engine loads the file at Open and creates every view it names.
//
// Example:
//
//	views:
//	  - name: cpu_hourly
//	    source_metric: cpu.usage
//	    bucket_width: 1h
//	    group_by: [host]
//	    realtime: true
//	    aggregates:
//	      - alias: avg_usage
//	        func: avg
//	      - alias: peak
//	        func: max
//	    policy:
//	      start_offset: 24h
//	      end_offset: 1h
//	      schedule_interval: 5m

type viewsFile struct {
	Views []viewSpec `yaml:"views"`
}

type viewSpec struct {
	Name         string     `yaml:"name"`
	SourceMetric string     `yaml:"source_metric"`
	BucketWidth  string     `yaml:"bucket_width"`
	GroupBy      []string   `yaml:"group_by,omitempty"`
	Realtime     bool       `yaml:"realtime,omitempty"`
	Aggregates   []aggSpec  `yaml:"aggregates"`
	Policy       policySpec `yaml:"policy"`
}

type aggSpec struct {
	Alias string `yaml:"alias"`
	Func  string `yaml:"func"`
}

type policySpec struct {
	StartOffset      string `yaml:"start_offset"`
	EndOffset        string `yaml:"end_offset"`
	ScheduleInterval string `yaml:"schedule_interval"`
}

// LoadViewsFile reads a YAML views file and converts it to view
// definitions. Definitions are converted, not validated; CreateView
// validates them.
func LoadViewsFile(path string) ([]*ViewDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read views file: %w", err)
	}
	defs, err := ParseViewsYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse views file %s: %w", path, err)
	}
	return defs, nil
}

// ParseViewsYAML parses YAML view definitions.
func ParseViewsYAML(data []byte) ([]*ViewDefinition, error) {
	var file viewsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	defs := make([]*ViewDefinition, 0, len(file.Views))
	for i := range file.Views {
		def, err := file.Views[i].toDefinition()
		if err != nil {
			return nil, fmt.Errorf("view %q: %w", file.Views[i].Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (v *viewSpec) toDefinition() (*ViewDefinition, error) {
	width, err := parseDurationField("bucket_width", v.BucketWidth)
	if err != nil {
		return nil, err
	}
	startOffset, err := parseDurationField("policy.start_offset", v.Policy.StartOffset)
	if err != nil {
		return nil, err
	}
	endOffset, err := parseDurationField("policy.end_offset", v.Policy.EndOffset)
	if err != nil {
		return nil, err
	}
	interval, err := parseDurationField("policy.schedule_interval", v.Policy.ScheduleInterval)
	if err != nil {
		return nil, err
	}

	aggs := make([]Aggregate, 0, len(v.Aggregates))
	for _, a := range v.Aggregates {
		fn, ok := ParseAggFunc(a.Func)
		if !ok {
			return nil, fmt.Errorf("aggregate %q: unknown function %q", a.Alias, a.Func)
		}
		aggs = append(aggs, Aggregate{Alias: a.Alias, Func: fn})
	}

	return &ViewDefinition{
		Name:         v.Name,
		SourceMetric: v.SourceMetric,
		BucketWidth:  width,
		GroupBy:      v.GroupBy,
		Realtime:     v.Realtime,
		Aggregates:   aggs,
		Policy: RefreshPolicy{
			StartOffset:      startOffset,
			EndOffset:        endOffset,
			ScheduleInterval: interval,
		},
	}, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("%s is required", field)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
