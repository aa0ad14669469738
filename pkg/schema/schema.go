// Package schema matches metric names to a storage schema: the retention
// archives, aggregation method and bundle geometry that govern how a metric
// is stored. It is the Go equivalent of rurouni/storage.py's Schema/
// PatternSchema/DefaultSchema hierarchy, generalized for bundled (many
// metrics per file) storage instead of one file per metric.
package schema

import (
	"fmt"
	"regexp"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
)

// MaxBundleWidth is the largest number of co-located metrics a bundle file
// can hold: position allocation uses a 64-bit occupancy bitmap (spec §9).
const MaxBundleWidth = 64

// Aggregation is the function used when downsampling into a coarser
// archive. In a bundle file it is applied to each column separately,
// skipping absent (NullValue) entries; columns are never combined.
type Aggregation int

const (
	Avg Aggregation = iota
	Sum
	Last
	Max
	Min
)

var aggNames = [...]string{"avg", "sum", "last", "max", "min"}

func (a Aggregation) String() string {
	if int(a) < 0 || int(a) >= len(aggNames) {
		return "unknown"
	}
	return aggNames[a]
}

// ParseAggregation maps an aggregation method's name to its Aggregation,
// mirroring kenshin/agg.py's Agg.get_agg_id.
func ParseAggregation(name string) (Aggregation, error) {
	for i, n := range aggNames {
		if n == name {
			return Aggregation(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", kenerr.ErrUnknownAgg, name)
}

// Archive is one retention level: a point is kept every SecPerPoint seconds,
// for a total of Count points (retention = SecPerPoint*Count seconds).
type Archive struct {
	SecPerPoint uint32
	Count       uint32
}

// Retention returns the total number of seconds this archive covers.
func (a Archive) Retention() uint32 {
	return a.SecPerPoint * a.Count
}

// Schema is an immutable, fully validated storage schema: a set of
// metric-name-matching rules plus the archive geometry, aggregation and
// bundling parameters applied to any metric that matches.
type Schema struct {
	Name            string
	Pattern         *regexp.Regexp // nil for the trailing default schema
	XFF             float32
	Agg             Aggregation
	Archives        []Archive
	CacheRetention  int64 // seconds
	MetricsMaxNum   int   // bundle width (<=MaxBundleWidth)
	CacheRatio      float64
}

// Matches reports whether metric belongs to this schema.
func (s *Schema) Matches(metric string) bool {
	if s.Pattern == nil {
		return true
	}
	return s.Pattern.MatchString(metric)
}

// New builds and validates a Schema. See ValidateArchives for the archive
// geometry invariants enforced.
func New(name, pattern string, xff float32, aggName string, archives []Archive, cacheRetention int64, metricsMaxNum int, cacheRatio float64) (*Schema, error) {
	agg, err := ParseAggregation(aggName)
	if err != nil {
		return nil, err
	}

	if err := ValidateArchives(archives, xff); err != nil {
		return nil, err
	}

	if metricsMaxNum <= 0 || metricsMaxNum > MaxBundleWidth {
		return nil, fmt.Errorf("%w: metrics_max_num %d exceeds bundle bitmap width %d", kenerr.ErrInvalidConfig, metricsMaxNum, MaxBundleWidth)
	}

	if cacheRatio < 1.0 {
		return nil, fmt.Errorf("%w: cache_ratio must be >= 1.0, got %f", kenerr.ErrInvalidConfig, cacheRatio)
	}

	s := &Schema{
		Name:           name,
		XFF:            xff,
		Agg:            agg,
		Archives:       archives,
		CacheRetention: cacheRetention,
		MetricsMaxNum:  metricsMaxNum,
		CacheRatio:     cacheRatio,
	}

	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q: %v", kenerr.ErrInvalidConfig, pattern, err)
		}
		s.Pattern = re
	}

	return s, nil
}

// ValidateArchives checks the invariants from spec §3/§8:
//   - sec_per_point strictly increasing
//   - each step divides the next
//   - each next archive's retention exceeds the previous one's
//   - enough finer points exist to form one coarser aggregate given xff
func ValidateArchives(archives []Archive, xff float32) error {
	if len(archives) == 0 {
		return fmt.Errorf("%w: at least one archive is required", kenerr.ErrInvalidConfig)
	}

	for _, a := range archives {
		if a.SecPerPoint == 0 || a.Count == 0 {
			return fmt.Errorf("%w: archive sec_per_point/count must be > 0", kenerr.ErrInvalidConfig)
		}
	}

	for i := 0; i < len(archives)-1; i++ {
		cur, next := archives[i], archives[i+1]
		if next.SecPerPoint <= cur.SecPerPoint {
			return fmt.Errorf("%w: archive %d sec_per_point must increase (%d -> %d)", kenerr.ErrInvalidConfig, i, cur.SecPerPoint, next.SecPerPoint)
		}
		if next.SecPerPoint%cur.SecPerPoint != 0 {
			return fmt.Errorf("%w: archive %d sec_per_point %d must divide archive %d's %d", kenerr.ErrInvalidConfig, i, cur.SecPerPoint, i+1, next.SecPerPoint)
		}
		if next.Retention() <= cur.Retention() {
			return fmt.Errorf("%w: archive %d retention must exceed archive %d's", kenerr.ErrInvalidConfig, i+1, i)
		}

		ratio := float64(next.SecPerPoint) / float64(cur.SecPerPoint)
		need := ratio / float64(xff)
		if xff <= 0 {
			need = ratio
		}
		if float64(cur.Count) < need {
			return fmt.Errorf("%w: archive %d does not have enough points (%d) to satisfy xff for archive %d (need >= %.2f)", kenerr.ErrInvalidConfig, i, cur.Count, i+1, need)
		}
	}

	return nil
}
