// Package layer implements the immutable Layer value: a named,
// versioned, prioritized set of sorted non-overlapping bucket ranges
// that each resolve a bucket to a vid.
package layer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/jizhuozhi/expirement-system/pkg/hashing"
)

// BucketRange maps the half-open interval [Start, End) of hash space
// to a single vid. Ranges within a layer are sorted by Start and must
// not overlap; holes (uncovered buckets) mean "no assignment" there.
type BucketRange struct {
	Start uint32 `json:"start" yaml:"start"`
	End   uint32 `json:"end" yaml:"end"`
	Vid   int64  `json:"vid" yaml:"vid"`
}

// Layer is an immutable randomization stratum. Once constructed and
// validated it is never mutated in place — updates replace the whole
// value, which is what lets LayerManager publish it via an atomic
// pointer swap.
type Layer struct {
	LayerID  string        `json:"layer_id" yaml:"layer_id"`
	Version  string        `json:"version" yaml:"version"`
	Priority int32         `json:"priority" yaml:"priority"`
	HashKey  string        `json:"hash_key" yaml:"hash_key"`
	Salt     string        `json:"salt,omitempty" yaml:"salt,omitempty"`
	Ranges   []BucketRange `json:"ranges" yaml:"ranges"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
}

// GetSalt returns the effective hashing salt: the configured one, or
// "{layer_id}_{version}" when none was set.
func (l *Layer) GetSalt() string {
	if l.Salt != "" {
		return l.Salt
	}
	return fmt.Sprintf("%s_%s", l.LayerID, l.Version)
}

// GetVid resolves a bucket to the vid of the range covering it, or
// false if the bucket falls in a hole. Ranges are sorted by Start, so
// this is a binary search for the partition point — the first range
// whose Start exceeds bucket — followed by a check of the preceding
// range.
func (l *Layer) GetVid(bucket uint32) (int64, bool) {
	ranges := l.Ranges
	idx := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Start > bucket
	})
	if idx == 0 {
		return 0, false
	}
	r := ranges[idx-1]
	if bucket >= r.Start && bucket < r.End {
		return r.Vid, true
	}
	return 0, false
}

// Validate checks the BucketRange invariants: start < end <=
// BucketSize for every range, and ranges sorted with no overlap.
// Ranges are assumed already sorted by Start by the caller
// (ParseDocument sorts before validating); this only verifies the sort held and that
// consecutive ranges don't overlap.
func (l *Layer) Validate() error {
	for i, r := range l.Ranges {
		if r.Start >= r.End {
			return fmt.Errorf("layer %s: range %d has start %d >= end %d", l.LayerID, i, r.Start, r.End)
		}
		if r.End > hashing.BucketSize {
			return fmt.Errorf("layer %s: range %d end %d exceeds bucket size %d", l.LayerID, i, r.End, hashing.BucketSize)
		}
		if i > 0 && l.Ranges[i-1].End > r.Start {
			return fmt.Errorf("layer %s: range %d overlaps preceding range", l.LayerID, i)
		}
	}
	return nil
}

// rangesForm and boundaryForm are the two on-disk shapes a layer
// document may take. rangesForm is canonical; boundaryForm is the
// legacy representation kept for files still written that way.
type rangesForm struct {
	LayerID  string        `json:"layer_id" yaml:"layer_id"`
	Version  string        `json:"version" yaml:"version"`
	Priority int32         `json:"priority" yaml:"priority"`
	HashKey  string        `json:"hash_key" yaml:"hash_key"`
	Salt     string        `json:"salt,omitempty" yaml:"salt,omitempty"`
	Ranges   []BucketRange `json:"ranges" yaml:"ranges"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
}

// boundaryForm is the legacy shape: each {start_slot -> group} pair in
// its buckets map is expanded below into a BucketRange that runs from
// its own start to the next entry's start (the final entry runs to
// BucketSize).
type boundaryForm struct {
	LayerID  string            `json:"layer_id" yaml:"layer_id"`
	Version  string            `json:"version" yaml:"version"`
	Priority int32             `json:"priority" yaml:"priority"`
	HashKey  string            `json:"hash_key" yaml:"hash_key"`
	Salt     string            `json:"salt,omitempty" yaml:"salt,omitempty"`
	Buckets  map[string]string `json:"buckets" yaml:"buckets"`
	Groups   map[string]int64  `json:"groups,omitempty" yaml:"groups,omitempty"`
	Enabled  bool              `json:"enabled" yaml:"enabled"`
}

// ParseDocument decodes a single on-disk layer document, trying JSON
// first and falling back to YAML, then normalizes whichever form it
// finds (ranges or legacy boundary) into a validated Layer.
func ParseDocument(data []byte) (*Layer, error) {
	var probe map[string]interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		if yerr := yaml.Unmarshal(data, &probe); yerr != nil {
			return nil, fmt.Errorf("layer document is neither valid JSON nor YAML: %w", err)
		}
	}

	if _, hasRanges := probe["ranges"]; hasRanges {
		return parseRangesForm(data)
	}
	if _, hasBuckets := probe["buckets"]; hasBuckets {
		return parseBoundaryForm(data)
	}
	return nil, fmt.Errorf("layer document has neither a ranges nor a buckets field")
}

func parseRangesForm(data []byte) (*Layer, error) {
	var f rangesForm
	if err := unmarshalJSONOrYAML(data, &f); err != nil {
		return nil, err
	}

	ranges := make([]BucketRange, len(f.Ranges))
	copy(ranges, f.Ranges)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	l := &Layer{
		LayerID:  f.LayerID,
		Version:  f.Version,
		Priority: f.Priority,
		HashKey:  f.HashKey,
		Salt:     f.Salt,
		Ranges:   ranges,
		Enabled:  f.Enabled,
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// parseBoundaryForm converts the legacy {start_slot -> group} mapping
// into ranges. group is either a decimal integer literal used
// directly as the vid, or a key into the deprecated inline Groups
// table. Entries are sorted by start; each entry's range runs to the
// next entry's start, with the last running to BucketSize.
func parseBoundaryForm(data []byte) (*Layer, error) {
	var f boundaryForm
	if err := unmarshalJSONOrYAML(data, &f); err != nil {
		return nil, err
	}

	type startGroup struct {
		start uint32
		group string
	}
	entries := make([]startGroup, 0, len(f.Buckets))
	for startStr, group := range f.Buckets {
		start, err := strconv.ParseUint(startStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("layer %s: invalid bucket start slot %q", f.LayerID, startStr)
		}
		entries = append(entries, startGroup{start: uint32(start), group: group})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	ranges := make([]BucketRange, 0, len(entries))
	for i, e := range entries {
		end := hashing.BucketSize
		if i+1 < len(entries) {
			end = entries[i+1].start
		}
		vid, err := resolveGroupVid(e.group, f.Groups)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", f.LayerID, err)
		}
		ranges = append(ranges, BucketRange{Start: e.start, End: end, Vid: vid})
	}

	l := &Layer{
		LayerID:  f.LayerID,
		Version:  f.Version,
		Priority: f.Priority,
		HashKey:  f.HashKey,
		Salt:     f.Salt,
		Ranges:   ranges,
		Enabled:  f.Enabled,
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func resolveGroupVid(group string, groups map[string]int64) (int64, error) {
	if vid, err := strconv.ParseInt(group, 10, 64); err == nil {
		return vid, nil
	}
	vid, ok := groups[group]
	if !ok {
		return 0, fmt.Errorf("unresolvable group reference %q", group)
	}
	return vid, nil
}

func unmarshalJSONOrYAML(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		if yerr := yaml.Unmarshal(data, v); yerr != nil {
			return fmt.Errorf("document is neither valid JSON nor YAML: %w", err)
		}
	}
	return nil
}
