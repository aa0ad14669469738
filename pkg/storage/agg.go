package storage

import "github.com/kenshin-tsdb/kenshin/pkg/schema"

// aggregate applies agg across values, ignoring NullValue entries. It
// returns (NullValue, false) if every value is absent.
func aggregate(agg schema.Aggregation, values []float64) (float64, bool) {
	var present []float64
	for _, v := range values {
		if v != NullValue {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return NullValue, false
	}

	switch agg {
	case schema.Sum:
		var sum float64
		for _, v := range present {
			sum += v
		}
		return sum, true
	case schema.Last:
		return present[len(present)-1], true
	case schema.Max:
		m := present[0]
		for _, v := range present[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	case schema.Min:
		m := present[0]
		for _, v := range present[1:] {
			if v < m {
				m = v
			}
		}
		return m, true
	case schema.Avg:
		fallthrough
	default:
		var sum float64
		for _, v := range present {
			sum += v
		}
		return sum / float64(len(present)), true
	}
}
