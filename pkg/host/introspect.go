package host

import (
	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

// introspectDroneStats is the one opensrf.host.info.* method this host
// answers over its own parent socket, mirroring the Router's
// opensrf.router.info.* surface (pkg/router/introspect.go). Drone
// bookkeeping is private Run-goroutine state (spec.md §5), so this is the
// only path a separate process (e.g. osrfctl --diagnostic) has to learn the
// current drone count vs. policy.MaxChildren.
const introspectDroneStats = "opensrf.host.info.drones"

// handleIntrospection answers env if it carries an introspection REQUEST,
// and reports whether it did so the caller can skip normal drone dispatch.
func (h *ServiceHost) handleIntrospection(env envelope.Envelope) bool {
	var results []message.Message
	for _, m := range env.Body {
		if m.Type != message.TypeRequest {
			continue
		}
		p, ok := m.Payload.(message.RequestPayload)
		if !ok || p.Method != introspectDroneStats {
			continue
		}
		value := map[string]int{
			"idle":   len(h.idle),
			"active": len(h.active),
			"total":  h.total(),
			"max":    h.policy.MaxChildren,
		}
		results = append(results,
			message.NewResult(m.ThreadTrace, value),
			message.NewStatus(m.ThreadTrace, message.StatusComplete, "Request Complete"))
	}
	if len(results) == 0 {
		return false
	}
	replyTo := env.From
	if !env.RouterFrom.IsZero() {
		replyTo = env.RouterFrom // forwarded through a router; reply to the real caller
	}
	if err := h.parent.Send(envelope.Envelope{To: replyTo, From: h.self, Thread: env.Thread, Body: results}); err != nil {
		vlog.Errorf("host: failed to answer drone-stats introspection: %v", err)
	}
	return true
}
