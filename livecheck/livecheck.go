// Package livecheck runs one check job end to end: pace, probe, decide and
// dispatch.
package livecheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/notify"
	"github.com/onnwee/live-herald/reconcile"
	"github.com/onnwee/live-herald/telemetry"
)

const tracerName = "live-herald/livecheck"

// ErrNoProber is returned for identities on a platform without an adapter.
var ErrNoProber = errors.New("no prober for platform")

// Job asks for one (entity, identity) pair to be verified.
type Job struct {
	Entity   live.Entity
	Identity live.Identity
}

// Key returns the pair the job checks.
func (j Job) Key() live.Key { return j.Identity.Key() }

// StatusReader loads stored records.
type StatusReader interface {
	Get(ctx context.Context, key live.Key) (live.Record, error)
}

// Executor applies a reconciled action.
type Executor interface {
	Execute(ctx context.Context, action live.Action, ev notify.Event) error
}

// Result is what a job observed and decided.
type Result struct {
	Observation live.Observation
	Action      live.Action
}

// Pipeline wires adapters, the state store and the dispatcher.
type Pipeline struct {
	Probers    map[live.Platform]live.Prober
	Store      StatusReader
	Dispatcher Executor
	// Limiters paces probes per platform; a missing entry is unpaced.
	Limiters map[live.Platform]*rate.Limiter
	// Location defines the calendar day; nil is UTC.
	Location *time.Location
	Clock    ledger.Clock
	Logger   *slog.Logger
}

// NewLimiters builds one limiter per platform from requests-per-second
// rates. Zero or negative rates are left unpaced.
func NewLimiters(rates map[string]float64) map[live.Platform]*rate.Limiter {
	out := make(map[live.Platform]*rate.Limiter, len(rates))
	for name, r := range rates {
		p, err := live.ParsePlatform(name)
		if err != nil || r <= 0 {
			continue
		}
		out[p] = rate.NewLimiter(rate.Limit(r), 1)
	}
	return out
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return time.Now()
}

// Run checks job once. Probe failures and Unknown observations end the job
// without touching state; the next tick retries.
func (p *Pipeline) Run(ctx context.Context, job Job) (Result, error) {
	id := job.Identity
	platform := string(id.Platform)
	prober, ok := p.Probers[id.Platform]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", platform, ErrNoProber)
	}
	if lim := p.Limiters[id.Platform]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("pace %s: %w", platform, err)
		}
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "livecheck.run",
		telemetry.EntityAttr(job.Entity.ID),
		telemetry.PlatformAttr(platform),
		telemetry.HandleAttr(id.Handle))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx, p.logger()).With(
		slog.String("entity", job.Entity.ID),
		slog.String("platform", platform),
		slog.String("handle", id.Handle))

	start := time.Now()
	obs, err := prober.Probe(ctx, id)
	if err != nil {
		class := live.Classify(err)
		telemetry.ObserveProbeError(platform, class.String())
		telemetry.RecordError(span, err)
		return Result{}, fmt.Errorf("probe %s/%s (%s): %w", job.Entity.ID, platform, class, err)
	}
	telemetry.ObserveProbe(platform, obs.Method, obs.Status.String(), time.Since(start))
	span.SetAttributes(telemetry.MethodAttr(obs.Method))

	res := Result{Observation: obs, Action: live.ActionNoOp}
	if obs.Status == live.StatusUnknown {
		log.Debug("probe undecided", slog.String("method", obs.Method))
		telemetry.SetSpanSuccess(span)
		return res, nil
	}

	key := job.Key()
	stored, err := p.Store.Get(ctx, key)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("load %s: %w", key, err)
	}
	now := p.now()
	today := live.Today(now, p.Location)
	res.Action = reconcile.Decide(stored, obs, today)
	span.SetAttributes(telemetry.ActionAttr(res.Action.String()))
	if res.Action == live.ActionNoOp {
		telemetry.SetSpanSuccess(span)
		return res, nil
	}

	log.Info("live status changed",
		slog.String("action", res.Action.String()),
		slog.String("method", obs.Method),
		slog.String("confidence", obs.Confidence.String()))
	ev := notify.Event{
		Entity:      job.Entity,
		Identity:    id,
		Stored:      stored,
		Observation: obs,
		Today:       today,
		At:          now,
	}
	if err := p.Dispatcher.Execute(ctx, res.Action, ev); err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("%s %s via %s: %w", res.Action, key, obs.Method, err)
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}
