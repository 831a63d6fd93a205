package handler

// Registry is an ordered list of handlers. Resolution picks the first
// handler whose Match returns true, so registration order is significant.
type Registry struct {
	handlers []StepHandler
}

// NewRegistry creates a registry with the given handlers, in order.
func NewRegistry(handlers ...StepHandler) *Registry {
	return &Registry{handlers: handlers}
}

// Register appends a handler.
func (r *Registry) Register(h StepHandler) {
	r.handlers = append(r.handlers, h)
}

// Resolve returns the first handler matching the tool, or false.
func (r *Registry) Resolve(tool string) (StepHandler, bool) {
	for _, h := range r.handlers {
		if h.Match(tool) {
			return h, true
		}
	}
	return nil, false
}
