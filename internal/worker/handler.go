package worker

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/muaviaUsmani/planner/internal/errors"
	"github.com/muaviaUsmani/planner/internal/task"
)

// Handler executes tasks of one type. Handlers report failures through the
// returned Result and never change task status themselves.
type Handler interface {
	Name() string
	Execute(ctx context.Context, data task.Data) task.Result
}

// Validator is implemented by handlers that can check their typed input
// before any side effect. The registry calls it ahead of Execute.
type Validator interface {
	Validate(data task.Data) error
}

// HandlerFunc adapts a function into a Handler
type HandlerFunc func(ctx context.Context, data task.Data) task.Result

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (f funcHandler) Name() string { return f.name }

func (f funcHandler) Execute(ctx context.Context, data task.Data) task.Result {
	return f.fn(ctx, data)
}

// Func wraps fn as a named Handler
func Func(name string, fn HandlerFunc) Handler {
	return funcHandler{name: name, fn: fn}
}

// Stats is the registry's introspection snapshot
type Stats struct {
	TotalHandlers   int         `json:"totalHandlers"`
	RegisteredTypes []task.Type `json:"registeredTypes"`
}

// Registry manages task handlers by task type
type Registry struct {
	mu       sync.RWMutex
	handlers map[task.Type]Handler
}

// NewRegistry creates a new, empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[task.Type]Handler),
	}
}

// Register binds a handler to a task type, replacing any existing binding
func (r *Registry) Register(t task.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Unregister removes the handler for t and reports whether one was bound
func (r *Registry) Unregister(t task.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[t]
	delete(r.handlers, t)
	return ok
}

// Get retrieves a handler by task type. Returns the handler and a boolean indicating if it exists.
func (r *Registry) Get(t task.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// HasHandler reports whether a handler is bound to t
func (r *Registry) HasHandler(t task.Type) bool {
	_, ok := r.Get(t)
	return ok
}

// RegisteredTypes returns the bound task types in sorted order
func (r *Registry) RegisteredTypes() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]task.Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count returns the number of registered handlers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Stats returns the number of handlers and their types
func (r *Registry) Stats() Stats {
	types := r.RegisteredTypes()
	return Stats{TotalHandlers: len(types), RegisteredTypes: types}
}

// Execute runs the handler bound to t. It never panics: a missing handler,
// a rejected payload and a panicking handler all come back as failed results.
func (r *Registry) Execute(ctx context.Context, t task.Type, data task.Data) task.Result {
	h, ok := r.Get(t)
	if !ok {
		names := make([]string, 0)
		for _, registered := range r.RegisteredTypes() {
			names = append(names, string(registered))
		}
		return task.Failed(task.KindHandlerMissing,
			"No handler registered for task type "+string(t),
			"Available task types: "+strings.Join(names, ", "))
	}

	var result task.Result
	if err := errors.RecoverPanic(func() {
		if v, ok := h.(Validator); ok {
			if err := v.Validate(data); err != nil {
				result = validationResult(err)
				return
			}
		}
		result = h.Execute(ctx, data)
	}); err != nil {
		msg := err.Error()
		if p, ok := err.(*errors.PanicError); ok {
			msg = p.Message()
		}
		return task.Failed(task.KindUnexpected, "Handler execution failed", msg)
	}
	return result
}

func validationResult(err error) task.Result {
	if te, ok := err.(*task.Error); ok {
		if te.Kind == task.KindUnexpected {
			te = &task.Error{Kind: task.KindValidation, Message: te.Message, Err: te.Err}
		}
		return task.FailedWith(te, "")
	}
	return task.Failed(task.KindValidation, err.Error(), "")
}
