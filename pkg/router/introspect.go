package router

import (
	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

// handleIntrospection answers the opensrf.router.info.* surface the Router
// exposes as if it were an ordinary service named "router" (spec.md §4.5
// Introspection), dispatched over the top-level socket.
func (r *Router) handleIntrospection(env envelope.Envelope) {
	for _, m := range env.Body {
		if m.Type != message.TypeRequest {
			continue
		}
		p, ok := m.Payload.(message.RequestPayload)
		if !ok {
			continue
		}
		r.answerIntrospection(env, m.ThreadTrace, p)
	}
}

func (r *Router) answerIntrospection(env envelope.Envelope, trace int, p message.RequestPayload) {
	value, ok := r.introspect(p.Method, p.Params)
	if !ok {
		respondStatus(r.top, r.topSelf, env, trace, message.StatusNotFound, "method not found")
		return
	}
	result := message.NewResult(trace, value)
	done := message.NewStatus(trace, message.StatusComplete, "Request Complete")
	if err := r.top.Send(envelope.Envelope{To: env.From, From: r.topSelf, Thread: env.Thread, Body: []message.Message{result, done}}); err != nil {
		vlog.Errorf("router: failed to answer introspection request %s: %v", p.Method, err)
	}
}

// introspect evaluates one opensrf.router.info.* method against the
// Router's current class/node state (spec.md §4.5 Introspection table).
func (r *Router) introspect(method string, params []interface{}) (interface{}, bool) {
	switch method {
	case "opensrf.router.info.class.list":
		names := make([]interface{}, 0, len(r.classes))
		for name := range r.classes {
			names = append(names, name)
		}
		return names, true

	case "opensrf.router.info.stats.class.summary":
		class, ok := stringParam(params, 0)
		if !ok {
			return nil, false
		}
		c, ok := r.classes[class]
		if !ok {
			return 0, true
		}
		return c.totalForwarded(), true

	case "opensrf.router.info.stats.class":
		class, ok := stringParam(params, 0)
		if !ok {
			return nil, false
		}
		c, ok := r.classes[class]
		if !ok {
			return map[string]int{}, true
		}
		return c.stats(), true

	case "opensrf.router.info.stats.class.all":
		out := make(map[string]interface{}, len(r.classes))
		for name, c := range r.classes {
			out[name] = map[string]interface{}{
				"nodes": c.stats(),
				"since": c.createdAt.Unix(),
			}
		}
		return out, true

	case "opensrf.router.info.stats.class.node.all":
		out := make(map[string]interface{}, len(r.classes))
		for name, c := range r.classes {
			out[name] = c.totalForwarded()
		}
		return out, true

	default:
		return nil, false
	}
}

func stringParam(params []interface{}, i int) (string, bool) {
	if i >= len(params) {
		return "", false
	}
	s, ok := params[i].(string)
	return s, ok
}
