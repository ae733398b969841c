// README: Fan-out publisher over several transports; a failing sink never blocks the others.
package broadcast

import (
	"context"

	"github.com/sirupsen/logrus"
)

type Fanout struct {
	sinks []Publisher
	log   logrus.FieldLogger
}

func NewFanout(log logrus.FieldLogger, sinks ...Publisher) *Fanout {
	return &Fanout{sinks: sinks, log: log}
}

// Publish tries every sink and always returns nil; failures are logged.
func (f *Fanout) Publish(ctx context.Context, groupKey, eventType string, payload any) error {
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, groupKey, eventType, payload); err != nil {
			f.log.WithError(err).WithFields(logrus.Fields{
				"group": groupKey,
				"type":  eventType,
			}).Warn("broadcast delivery failed")
		}
	}
	return nil
}

// Add registers another sink. Call it during wiring, before the first Publish.
func (f *Fanout) Add(sink Publisher) {
	f.sinks = append(f.sinks, sink)
}
