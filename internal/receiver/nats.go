package receiver

import (
	"bytes"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	lp "github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/kenshin-tsdb/kenshin/pkg/nats"
)

var timeZero time.Time

// NatsReceiver consumes batched metric lines published on a NATS subject,
// decoded as influx line-protocol (spec §6's "framed pickle-equivalent
// batch", carried here over NATS rather than a raw length-prefixed socket --
// one float field per point, named "<measurement>.<field key>"; fields that
// are not floats are skipped).
type NatsReceiver struct {
	Client  *nats.Client
	Subject string
	Sink    Sink
}

// Start subscribes Subject and feeds decoded points into Sink. Decode
// failures are logged and dropped, never fatal (spec §7).
func (r *NatsReceiver) Start() error {
	return r.Client.Subscribe(r.Subject, func(subject string, data []byte) {
		if err := r.decode(data); err != nil {
			cclog.Warnf("kenshin: nats receiver: dropping malformed batch on %q: %s", subject, err)
		}
	})
}

func (r *NatsReceiver) decode(data []byte) error {
	dec := lp.NewDecoder(bytes.NewReader(data))
	dec.SetTimePrecision(lp.Second)

	for dec.Next() {
		measurement, err := dec.Measurement()
		if err != nil {
			return err
		}

		for {
			key, value, err := dec.NextField()
			if err != nil {
				return err
			}
			if key == nil {
				break
			}

			f, ok := value.FloatV()
			if !ok {
				continue
			}

			ts, err := dec.Time(lp.Second, timeZero)
			if err != nil {
				return err
			}

			metric := string(measurement)
			if len(key) > 0 {
				metric = metric + "." + string(key)
			}

			if err := r.Sink.Put(metric, ts.Unix(), f); err != nil {
				return err
			}
		}
	}

	return nil
}
