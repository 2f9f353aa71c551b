package meter

import "github.com/hapivet/modelgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ modelgate.Meter = (*NoopMeter)(nil)

func (NoopMeter) OnRoute(modelgate.RouteEvent)   {}
func (NoopMeter) OnResult(modelgate.ResultEvent) {}
func (NoopMeter) OnAlert(modelgate.Alert)        {}
