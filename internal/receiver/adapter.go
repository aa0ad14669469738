package receiver

import "github.com/kenshin-tsdb/kenshin/internal/cache"

// CacheSink adapts a *cache.MetricCache to the Sink/Peeker interfaces
// receivers and the cache-query protocol depend on.
type CacheSink struct {
	MC  *cache.MetricCache
	Now func() int64
}

func (c CacheSink) Put(metric string, ts int64, value float64) error {
	return c.MC.Put(metric, ts, value)
}

func (c CacheSink) Get(metric string, now int64) []Datapoint {
	rows := c.MC.Get(metric, now)
	out := make([]Datapoint, len(rows))
	for i, r := range rows {
		out[i] = Datapoint{TS: r.TS, Value: r.Values[0]}
	}
	return out
}
