package storage

import (
	"math"
	"os"

	"github.com/kenshin-tsdb/kenshin/pkg/schema"
)

// propagate implements spec §4.2's downsampling: it rolls the range written
// into archives[idx] down into archives[idx+1], recursing until the
// coarsest archive is reached (bounded by archive_count, per spec §9's note
// to model recursion as an iterative loop over adjacent pairs -- here as
// plain recursion since the depth is small and fixed by schema geometry).
func propagate(f *os.File, header *Header, agg schema.Aggregation, idx int, minTS, maxTS int64) error {
	if idx+1 >= len(header.Archives) {
		return nil
	}

	hi := header.Archives[idx]
	lo := header.Archives[idx+1]
	k := int64(lo.SecPerPoint / hi.SecPerPoint)

	timeunit := int64(math.Ceil(float64(k)*float64(header.XFF))) * int64(hi.SecPerPoint)
	fromTS := minTS
	untilTS := maxTS + int64(hi.SecPerPoint)

	if timeunit > 0 && fromTS/timeunit == untilTS/timeunit && fromTS%timeunit != 0 {
		return nil
	}

	lowerStart := alignDown(fromTS, int64(lo.SecPerPoint))
	lowerEnd := alignUp(untilTS, int64(lo.SecPerPoint))
	if lowerEnd <= lowerStart {
		return nil
	}

	hiBase, err := readSlotTS(f, hi, 0)
	if err != nil {
		return err
	}
	if hiBase == 0 {
		return nil
	}

	numLower := int((lowerEnd - lowerStart) / int64(lo.SecPerPoint))
	width := header.Width()

	lowerPoints := make([]Point, 0, numLower)
	for g := 0; g < numLower; g++ {
		groupStart := lowerStart + int64(g)*int64(lo.SecPerPoint)

		cols := make([][]float64, width)
		present := false
		groupTS := int64(0)

		for j := int64(0); j < k; j++ {
			expected := groupStart + j*int64(hi.SecPerPoint)
			slot := slotIndex(expected, hiBase, hi)
			ts, values, err := readRow(f, hi, slot, width)
			if err != nil {
				return err
			}
			if ts != expected {
				continue
			}
			present = true
			if expected > groupTS {
				groupTS = expected
			}
			for w := 0; w < width; w++ {
				if values[w] != NullValue {
					cols[w] = append(cols[w], values[w])
				}
			}
		}

		if !present {
			continue
		}

		rowValues := make([]float64, width)
		for w := 0; w < width; w++ {
			v, ok := aggregate(agg, cols[w])
			if !ok {
				v = NullValue
			}
			rowValues[w] = v
		}

		lowerPoints = append(lowerPoints, Point{TS: groupTS, Values: rowValues})
	}

	if len(lowerPoints) == 0 {
		return nil
	}

	minLo, maxLo, err := writeToArchive(f, lo, lowerPoints)
	if err != nil {
		return err
	}

	return propagate(f, header, agg, idx+1, minLo, maxLo)
}
