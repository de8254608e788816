// Package metrics pulls numeric training metrics out of free-text job output.
package metrics

import (
	"regexp"
	"strconv"
)

// Metrics holds what could be read from one output line. Absent values are
// zero with the matching Has flag unset.
type Metrics struct {
	Loss        float64
	HasLoss     bool
	Accuracy    float64
	HasAccuracy bool
}

// Merge overlays the values present in o onto m.
func (m Metrics) Merge(o Metrics) Metrics {
	if o.HasLoss {
		m.Loss, m.HasLoss = o.Loss, true
	}
	if o.HasAccuracy {
		m.Accuracy, m.HasAccuracy = o.Accuracy, true
	}
	return m
}

// Extractor reads metrics from a single line. Implementations must be
// stateless and must not fail.
type Extractor interface {
	Extract(line string) Metrics
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(line string) Metrics

func (f ExtractorFunc) Extract(line string) Metrics { return f(line) }

const number = `([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`

var (
	lossPattern     = regexp.MustCompile(`(?i)loss['"]?\s*[:=]?\s*` + number)
	accuracyPattern = regexp.MustCompile(`(?i)acc(?:uracy)?['"]?\s*[:=]?\s*` + number + `\s*(%)?`)
)

// LossExtractor matches "loss" followed by optional quote, whitespace, colon
// or equals and a float, as in "loss: 1.23" or "{'loss': 0.5}".
type LossExtractor struct{}

func (LossExtractor) Extract(line string) Metrics {
	m := lossPattern.FindStringSubmatch(line)
	if m == nil {
		return Metrics{}
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Metrics{}
	}
	return Metrics{Loss: v, HasLoss: true}
}

// AccuracyExtractor matches "acc" or "accuracy" values. Percentages are
// reported as fractions.
type AccuracyExtractor struct{}

func (AccuracyExtractor) Extract(line string) Metrics {
	m := accuracyPattern.FindStringSubmatch(line)
	if m == nil {
		return Metrics{}
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Metrics{}
	}
	if m[2] == "%" {
		v /= 100
	}
	return Metrics{Accuracy: v, HasAccuracy: true}
}

// Chain runs extractors in order; later matches override earlier ones.
type Chain []Extractor

func (c Chain) Extract(line string) Metrics {
	var out Metrics
	for _, e := range c {
		out = out.Merge(e.Extract(line))
	}
	return out
}

// Default is the extractor used for live job output.
func Default() Extractor { return LossExtractor{} }

// Simulated also reads accuracy, which only simulated output reports.
func Simulated() Extractor { return Chain{LossExtractor{}, AccuracyExtractor{}} }
