// Package command implements the Command Sink: the outbound half of
// desired-state reconciliation's Command method, delivering a device-bound
// payload for every feature a Machine transition decided needs one (spec
// §4.5 step 5, §4.9).
package command

import (
	"context"

	"github.com/aleka07/twinengine/internal/model"
)

// Sink delivers a Command to whatever transport the thing's device is
// reachable on. Implementations should report delivery failures as
// transient (model.ErrTransientBus) unless the failure is unambiguously
// permanent (e.g. malformed topic). The Service logs a failed Send and
// does not retry it; a Command-method desired feature is sent again on a
// later reconciliation.
type Sink interface {
	Send(ctx context.Context, cmd model.Command) error
	Close()
}
