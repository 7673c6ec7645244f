package audit

import "context"

// Multi fans Record out to every configured Sink, in order. It lets
// cmd/vita-keymgrd wire both the always-on LogSink and an optional durable
// pgaudit.Sink without the Manager itself needing to know more than one
// audit.Sink exists.
type Multi []Sink

// Record calls Record on every sink in self.
func (self Multi) Record(ctx context.Context, e Event) {
	for _, snk := range self {
		snk.Record(ctx, e)
	}
}

var _ Sink = Multi(nil)
