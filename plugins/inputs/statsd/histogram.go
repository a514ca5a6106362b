package statsd

import (
	"fmt"
	"regexp"
)

// SelectorFunc inspects a new key's metadata and returns the bucket chooser
// for its samples, or nil when the key gets no histogram.
type SelectorFunc func(metadata map[string]string) func(value float64) string

// HistogramRule is the declarative form of a histogram selector: keys whose
// metric name matches get the rule's buckets.
type HistogramRule struct {
	// Match is a full-match regex applied to the metric name.
	Match   string            `toml:"match"`
	Buckets []HistogramBucket `toml:"buckets"`
}

// HistogramBucket is one bucket of a rule. A sample lands in the first
// bucket whose Below bound it is under; a bucket without a bound catches
// everything.
type HistogramBucket struct {
	Name  string   `toml:"name"`
	Below *float64 `toml:"below"`
}

// buildSelector compiles the configured rules. The returned selector is
// invoked once per new key and its result cached with the key.
func buildSelector(rules []HistogramRule) (SelectorFunc, error) {
	type compiled struct {
		re      *regexp.Regexp
		buckets []HistogramBucket
	}
	cs := make([]compiled, 0, len(rules))
	for _, r := range rules {
		if len(r.Buckets) == 0 {
			return nil, fmt.Errorf("histogram rule %q has no buckets", r.Match)
		}
		for _, b := range r.Buckets {
			if b.Name == "" {
				return nil, fmt.Errorf("histogram rule %q has an unnamed bucket", r.Match)
			}
		}
		re, err := regexp.Compile("^(?:" + r.Match + ")$")
		if err != nil {
			return nil, fmt.Errorf("histogram rule %q: %w", r.Match, err)
		}
		cs = append(cs, compiled{re: re, buckets: r.Buckets})
	}
	return func(metadata map[string]string) func(float64) string {
		name := metadata["name"]
		for _, c := range cs {
			if !c.re.MatchString(name) {
				continue
			}
			buckets := c.buckets
			return func(v float64) string {
				for _, b := range buckets {
					if b.Below == nil || v < *b.Below {
						return b.Name
					}
				}
				return ""
			}
		}
		return nil
	}, nil
}
