package machine

import (
	"time"

	"github.com/aleka07/twinengine/internal/model"
)

// OutboxRetryInterval bounds how soon an unsent outbox entry re-contributes
// to the waker after a failed delivery attempt (spec §9 Open Question:
// outbox is persisted, then sent, then cleared on ack — a send failure
// must not strand the entry, so the waker picks it back up).
const OutboxRetryInterval = 5 * time.Second

// computeWaker implements spec §4.5 step 7: the earliest of every desired
// feature's next retry, every active timer's next fire, every unsent
// outbox entry's delivery deadline, and any explicit waker duration
// produced by a hook/reconciler/timer script. Returns nil if nothing is
// pending (invariant 5).
func computeWaker(t *model.Thing, now time.Time, explicit *time.Duration) *model.Waker {
	var next time.Time
	reasons := map[model.WakerReason]bool{}

	consider := func(at time.Time, reason model.WakerReason) {
		if next.IsZero() || at.Before(next) {
			next = at
		}
		reasons[reason] = true
	}

	for _, d := range t.DesiredState {
		if d.Reconciliation.Kind == model.ReconcilingState && d.Method.Kind == model.MethodCommand {
			if d.Reconciliation.LastAttempt != nil {
				consider(d.Reconciliation.LastAttempt.Add(d.Method.Period), model.WakerReasonReconcile)
			}
		}
	}

	for name, timer := range t.Timers {
		if timer.Stopped {
			continue
		}
		base := t.Metadata.CreationTimestamp
		if timer.LastRun != nil && timer.LastRun.After(base) {
			base = *timer.LastRun
		}
		delay := timer.Period
		if timer.LastRun == nil {
			delay = timer.InitialDelay
		}
		consider(base.Add(delay), model.TimerWakerReason(name))
	}

	for _, e := range t.Outbox {
		if !e.Sent {
			consider(now.Add(OutboxRetryInterval), model.WakerReasonOutbox)
		}
	}

	if explicit != nil {
		consider(now.Add(*explicit), model.WakerReasonReconcile)
	}

	if next.IsZero() {
		return nil
	}

	reasonList := make([]model.WakerReason, 0, len(reasons))
	for r := range reasons {
		reasonList = append(reasonList, r)
	}
	return &model.Waker{Next: next, Reasons: reasonList}
}
