// Package gateway is the only path by which control-channel clients change
// supervisor state or configuration. Every request is validated against a
// fixed registry before anything is touched, and every request is audited.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/benaskins/lyceum/internal/audit"
	"github.com/benaskins/lyceum/internal/config"
	"github.com/benaskins/lyceum/internal/daemon"
	"github.com/benaskins/lyceum/internal/metrics"
)

// Action verbs accepted by Dispatch.
const (
	ActionServiceStart   = "service.start"
	ActionServiceStop    = "service.stop"
	ActionServiceRestart = "service.restart"
	ActionPoolStart      = "pool.start"
	ActionPoolStop       = "pool.stop"
)

// Actions lists the accepted verbs.
var Actions = []string{ActionServiceStart, ActionServiceStop, ActionServiceRestart, ActionPoolStart, ActionPoolStop}

// Controller is the set of state changes the gateway may request.
type Controller interface {
	StartService(ctx context.Context) (daemon.ServiceStatus, error)
	StopService(ctx context.Context) (daemon.ServiceStatus, error)
	RestartService(ctx context.Context) (daemon.ServiceStatus, error)
	StartPool(ctx context.Context, count int) (daemon.PoolStatus, error)
	StopPool(ctx context.Context) (daemon.PoolStatus, error)
	ConfigChanged()
}

// Action is an enumerated verb. Count applies to pool.start only; zero
// means the stored worker count.
type Action struct {
	Name  string `json:"action"`
	Count int    `json:"count,omitempty"`
}

// Result carries the snapshot affected by an action.
type Result struct {
	Service *daemon.ServiceStatus `json:"service,omitempty"`
	Pool    *daemon.PoolStatus    `json:"pool,omitempty"`
}

// Gateway validates and applies control-channel requests.
type Gateway struct {
	store   *config.Store
	ctrl    Controller
	audit   *audit.Logger
	open    Opener
	limiter *rate.Limiter
	origin  string
	logger  *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAudit records every request to l.
func WithAudit(l *audit.Logger) Option {
	return func(g *Gateway) { g.audit = l }
}

// WithOpener replaces the system browser launcher.
func WithOpener(o Opener) Option {
	return func(g *Gateway) { g.open = o }
}

// WithRateLimit bounds the sustained request rate and burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(g *Gateway) { g.limiter = rate.NewLimiter(r, burst) }
}

// WithOrigin tags audit entries with the transport that carried them.
func WithOrigin(origin string) Option {
	return func(g *Gateway) { g.origin = origin }
}

// New creates a gateway over store and ctrl.
func New(store *config.Store, ctrl Controller, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		ctrl:    ctrl,
		open:    SystemOpener,
		limiter: rate.NewLimiter(20, 40),
		origin:  "api",
		logger:  slog.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Settings returns the current setting values.
func (g *Gateway) Settings() config.Settings {
	return g.store.Settings()
}

// SetSetting validates value for the named setting and persists it. A
// rejected value leaves the stored configuration unchanged.
func (g *Gateway) SetSetting(ctx context.Context, name string, value json.RawMessage) error {
	err := g.setSetting(name, value)
	g.record(audit.KindSetting, name, string(value), err)
	if err == nil {
		g.ctrl.ConfigChanged()
		g.logger.Info("setting updated", "name", name, "value", string(value))
	}
	return err
}

func (g *Gateway) setSetting(name string, value json.RawMessage) error {
	if !g.limiter.Allow() {
		return ErrRateLimited
	}
	s, ok := registry[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	v, err := s.decode(value)
	if err != nil {
		return err
	}
	if err := s.validate(v); err != nil {
		return err
	}

	err = g.store.Update(func(c *config.Config) error {
		field := reflectSettings(c).Field(s.index)
		field.Set(v)
		return nil
	})
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			return err
		}
		// The whole config failed validation or could not be saved
		return fmt.Errorf("applying %s: %w", name, err)
	}
	return nil
}

// Dispatch runs one enumerated action.
func (g *Gateway) Dispatch(ctx context.Context, a Action) (Result, error) {
	res, err := g.dispatch(ctx, a)
	name := a.Name
	value := ""
	if a.Count != 0 {
		value = strconv.Itoa(a.Count)
	}
	g.record(audit.KindAction, name, value, err)
	return res, err
}

func (g *Gateway) dispatch(ctx context.Context, a Action) (Result, error) {
	if !g.limiter.Allow() {
		return Result{}, ErrRateLimited
	}
	if a.Count != 0 && a.Name != ActionPoolStart {
		return Result{}, reject(a.Name, "count is only accepted for %s", ActionPoolStart)
	}

	var res Result
	switch a.Name {
	case ActionServiceStart:
		st, err := g.ctrl.StartService(ctx)
		res.Service = &st
		return res, err
	case ActionServiceStop:
		st, err := g.ctrl.StopService(ctx)
		res.Service = &st
		return res, err
	case ActionServiceRestart:
		st, err := g.ctrl.RestartService(ctx)
		res.Service = &st
		return res, err
	case ActionPoolStart:
		if a.Count != 0 {
			rule := registry["workerCount"]
			rule.name = "count"
			if err := rule.validate(reflect.ValueOf(a.Count)); err != nil {
				return Result{}, err
			}
		}
		st, err := g.ctrl.StartPool(ctx, a.Count)
		res.Pool = &st
		return res, err
	case ActionPoolStop:
		st, err := g.ctrl.StopPool(ctx)
		res.Pool = &st
		return res, err
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, a.Name)
	}
}

// OpenExternal opens raw in the system browser if it is an http or https
// URL to a public host.
func (g *Gateway) OpenExternal(ctx context.Context, raw string) error {
	err := g.openExternal(ctx, raw)
	g.record(audit.KindOpen, raw, "", err)
	return err
}

func (g *Gateway) openExternal(ctx context.Context, raw string) error {
	if !g.limiter.Allow() {
		return ErrRateLimited
	}
	u, err := checkExternalURL(raw)
	if err != nil {
		return err
	}
	if err := g.open(ctx, u.String()); err != nil {
		return fmt.Errorf("opening browser: %w", err)
	}
	return nil
}

func (g *Gateway) record(kind audit.Kind, name, value string, err error) {
	outcome := audit.Accepted
	reason := ""
	switch {
	case err == nil:
	case isRefusal(err):
		outcome = audit.Rejected
		reason = err.Error()
	default:
		outcome = audit.Failed
		reason = err.Error()
	}

	metrics.GatewayRequests.WithLabelValues(string(kind), string(outcome)).Inc()
	if outcome == audit.Rejected {
		g.logger.Warn("request rejected", "kind", kind, "name", name, "reason", reason)
	}
	if aerr := g.audit.Log(audit.Entry{
		Kind:    kind,
		Name:    name,
		Value:   value,
		Outcome: outcome,
		Reason:  reason,
		Origin:  g.origin,
	}); aerr != nil {
		g.logger.Error("audit write failed", "error", aerr)
	}
}

// isRefusal reports whether err means the gateway refused the request, as
// opposed to the operation failing after it was accepted.
func isRefusal(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrUnknownSetting) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrRateLimited)
}
