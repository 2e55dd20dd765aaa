package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/priority"
)

// ApplyRequest is handed to an entity handler for one claimed operation.
type ApplyRequest struct {
	OperationID string
	UserID      string
	DeviceID    string
	EntityType  string
	EntityID    string
	Action      domain.Action
	Payload     json.RawMessage
	SubmittedAt time.Time
	Attempt     int
}

type ApplyResult struct {
	ServerEntityID string
}

// Handler applies one operation to the system of record. Implementations
// must be idempotent per OperationID.
type Handler interface {
	Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error)
}

type HandlerFunc func(ctx context.Context, req ApplyRequest) (ApplyResult, error)

func (f HandlerFunc) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	return f(ctx, req)
}

// ApplyError classifies a handler failure. Retryable errors leave the
// operation FAILED; the rest mark it CONFLICT.
type ApplyError struct {
	Retryable bool
	Err       error
}

func (e *ApplyError) Error() string {
	if e.Err == nil {
		if e.Retryable {
			return "transient error"
		}
		return "conflict"
	}
	return e.Err.Error()
}

func (e *ApplyError) Unwrap() error { return e.Err }

func Transient(err error) error { return &ApplyError{Retryable: true, Err: err} }

func Conflict(err error) error { return &ApplyError{Retryable: false, Err: err} }

func Conflictf(format string, args ...any) error {
	return Conflict(fmt.Errorf(format, args...))
}

// IsConflict reports whether err is a non-retryable ApplyError.
func IsConflict(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae) && !ae.Retryable
}

type handlerKey struct {
	entityType string
	action     domain.Action
}

// Registry maps (entityType, action) to a Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[handlerKey]Handler{}}
}

func (r *Registry) Register(entityType string, action domain.Action, h Handler) error {
	if h == nil {
		return errors.New("handler required")
	}
	t := priority.Normalize(entityType)
	if t == "" {
		return errors.New("entity type required")
	}
	a, err := domain.ParseAction(string(action))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := handlerKey{entityType: t, action: a}
	if _, ok := r.handlers[k]; ok {
		return fmt.Errorf("handler for %s %s already registered", t, a)
	}
	r.handlers[k] = h
	return nil
}

// RegisterAll binds h to every action of entityType.
func (r *Registry) RegisterAll(entityType string, h Handler) error {
	for _, a := range []domain.Action{domain.ActionCreate, domain.ActionUpdate, domain.ActionDelete} {
		if err := r.Register(entityType, a, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Lookup(entityType string, action domain.Action) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	if a, err := domain.ParseAction(string(action)); err == nil {
		action = a
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerKey{entityType: priority.Normalize(entityType), action: action}]
	return h, ok
}

// Routes lists registered pairs as "TYPE ACTION", sorted.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k.entityType+" "+string(k.action))
	}
	sort.Strings(out)
	return out
}
