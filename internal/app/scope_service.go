// Package app contains application services that orchestrate use cases.
// This is the application layer: it coordinates request-context propagation
// (package reqctx) on behalf of the adapters.
//
// What does NOT belong here:
//   - HTTP specifics (that's adapters)
//   - Context lifecycle mechanics (that's reqctx)
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jsamuelsen/go-reqscope/internal/app/reqctx"
	"github.com/jsamuelsen/go-reqscope/internal/domain"
	"github.com/jsamuelsen/go-reqscope/internal/platform/logging"
	"github.com/jsamuelsen/go-reqscope/internal/platform/telemetry"
	"github.com/jsamuelsen/go-reqscope/internal/ports"
)

// Slots written by fan-outs.
var (
	// UnitKey holds a unit's index inside its private overlay.
	UnitKey = reqctx.NewKey[int]("unit")

	// LastFanoutKey records the last verified fan-out in the request
	// context as "<mode>/<units>".
	LastFanoutKey = reqctx.NewKey[string]("last_fanout")
)

// FanoutInput describes one fan-out request.
type FanoutInput = ports.FanoutRequest

var _ ports.ScopeService = (*ScopeService)(nil)

// ScopeService inspects the ambient request context and demonstrates its
// propagation into spawned units.
type ScopeService struct {
	spawner  *reqctx.Spawner
	lanes    int
	maxUnits int
	logger   *slog.Logger
}

// ScopeServiceConfig contains configuration for the scope service.
type ScopeServiceConfig struct {
	// Executor runs fan-out units. Required.
	Executor reqctx.Executor

	// Lanes is the executor's lane count, used to validate pinned fan-outs.
	Lanes int

	// MaxUnits caps the units one fan-out may start.
	MaxUnits int

	Logger *slog.Logger
}

// NewScopeService creates a scope service. It panics without an executor.
func NewScopeService(cfg ScopeServiceConfig) *ScopeService {
	if cfg.Executor == nil {
		panic("app: ScopeServiceConfig.Executor is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ScopeService{
		spawner:  reqctx.NewSpawner(cfg.Executor, cfg.Logger),
		lanes:    cfg.Lanes,
		maxUnits: cfg.MaxUnits,
		logger:   cfg.Logger,
	}
}

// Describe returns a view of the ambient context of ctx.
func (s *ScopeService) Describe(ctx context.Context) (*domain.ContextView, error) {
	h := reqctx.Capture(ctx)
	defer h.Finalize()

	if h.IsEmpty() {
		return nil, domain.NewUnavailableErrorWithCause("request-context", reqctx.ErrNoContext)
	}

	view := &domain.ContextView{CarrierID: reqctx.CarrierFromContext(ctx).ID()}

	err := h.With(func(inst *reqctx.Instance) error {
		view.ContextID = inst.ID()
		view.RequestID, _ = reqctx.Get(inst, reqctx.RequestIDKey)
		view.CorrelationID, _ = reqctx.Get(inst, reqctx.CorrelationIDKey)
		view.TraceID, _ = reqctx.Get(inst, reqctx.TraceIDKey)

		snapshot := inst.Snapshot()
		view.Slots = make(map[string]string, len(snapshot))

		for name, v := range snapshot {
			view.Slots[name] = fmt.Sprint(v)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return view, nil
}

// FanOut starts input.Units units through the executor, or through
// FanOutParallel when input.Parallel is set. Each unit records the context
// it started under, then writes its index into a private overlay and reads
// it back.
func (s *ScopeService) FanOut(ctx context.Context, input FanoutInput) (*domain.FanoutReport, error) {
	if input.Parallel {
		return s.FanOutParallel(ctx, input)
	}

	return Run(ctx, Operation[FanoutInput, []domain.UnitObservation, *domain.FanoutReport]{
		Name:     "fanout",
		Validate: s.validate,
		Perform:  s.spawnUnits,
		Verify:   verifyReport(domain.ModePool),
		Record:   record,
	}, input)
}

// FanOutParallel is FanOut over errgroup goroutines instead of the executor.
func (s *ScopeService) FanOutParallel(ctx context.Context, input FanoutInput) (*domain.FanoutReport, error) {
	return Run(ctx, Operation[FanoutInput, []domain.UnitObservation, *domain.FanoutReport]{
		Name: "fanout-parallel",
		Validate: func(ctx context.Context, input FanoutInput) error {
			if input.Lane != nil {
				return domain.NewValidationError("lane", "lanes apply to pool fan-outs only")
			}

			return s.validate(ctx, input)
		},
		Perform: func(ctx context.Context, input FanoutInput) ([]domain.UnitObservation, error) {
			fns := make([]func(context.Context) (domain.UnitObservation, error), input.Units)
			for i := range fns {
				fns[i] = func(ctx context.Context) (domain.UnitObservation, error) {
					return observe(ctx, i)
				}
			}

			return ParallelLimit(ctx, max(s.lanes, 1), fns...)
		},
		Verify: verifyReport(domain.ModeErrgroup),
		Record: record,
	}, input)
}

func (s *ScopeService) validate(ctx context.Context, input FanoutInput) error {
	if reqctx.Current(ctx) == nil {
		return domain.NewUnavailableErrorWithCause("request-context", reqctx.ErrNoContext)
	}

	if input.Units < 1 {
		return domain.NewValidationErrorWithValue("units", "must be at least 1", input.Units)
	}

	if s.maxUnits > 0 && input.Units > s.maxUnits {
		return domain.NewValidationErrorWithValue("units", fmt.Sprintf("must be at most %d", s.maxUnits), input.Units)
	}

	if input.Lane != nil && (*input.Lane < 0 || *input.Lane >= s.lanes) {
		return domain.NewValidationErrorWithValue("lane", fmt.Sprintf("must be in [0, %d)", s.lanes), *input.Lane)
	}

	return nil
}

// spawnUnits starts every unit, then waits for all that started. A spawn
// rejection stops further spawning but still joins the started units.
func (s *ScopeService) spawnUnits(ctx context.Context, input FanoutInput) ([]domain.UnitObservation, error) {
	observations := make([]domain.UnitObservation, input.Units)
	units := make([]*reqctx.Unit, 0, input.Units)

	var spawnErr error

	for i := range input.Units {
		fn := func(ctx context.Context) error {
			obs, err := observe(ctx, i)
			observations[i] = obs

			return err
		}

		var (
			unit *reqctx.Unit
			err  error
		)

		if input.Lane != nil {
			unit, err = s.spawner.SpawnOn(ctx, *input.Lane, fn)
		} else {
			unit, err = s.spawner.Spawn(ctx, fn)
		}

		if err != nil {
			spawnErr = domain.NewUnavailableErrorWithCause("propagation-pool", err)
			break
		}

		units = append(units, unit)
	}

	for _, unit := range units {
		if err := unit.WaitContext(ctx); err != nil {
			return nil, fmt.Errorf("unit %s: %w", unit.ID(), err)
		}
	}

	if spawnErr != nil {
		return nil, spawnErr
	}

	for i, unit := range units {
		observations[i].UnitID = unit.ID()
		observations[i].Lane = unit.Lane()
	}

	return observations, nil
}

// observe runs on the unit's own carrier.
func observe(ctx context.Context, index int) (domain.UnitObservation, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fanout.unit", trace.WithAttributes(attribute.Int("unit", index)))
	defer span.End()

	obs := domain.UnitObservation{Index: index, Lane: -1}

	entry := reqctx.Current(ctx)
	if entry == nil {
		return obs, reqctx.ErrNoContext
	}

	obs.ContextID = entry.ID()

	err := reqctx.WithOverlay(ctx, func(ctx context.Context) error {
		if err := reqctx.Store(ctx, UnitKey, index); err != nil {
			return err
		}

		obs.OverlayID = reqctx.Current(ctx).ID()
		obs.RequestID, _ = reqctx.Lookup(ctx, reqctx.RequestIDKey)
		obs.TraceID, _ = reqctx.Lookup(ctx, reqctx.TraceIDKey)
		obs.Unit, _ = reqctx.Lookup(ctx, UnitKey)

		logging.FromContext(ctx).Log(ctx, logging.LevelTrace, "unit observed context",
			slog.Int("unit", index),
			slog.String("overlay_id", obs.OverlayID),
		)

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "observe failed")
	}

	return obs, err
}

func verifyReport(mode string) func(context.Context, FanoutInput, []domain.UnitObservation) (*domain.FanoutReport, error) {
	return func(ctx context.Context, _ FanoutInput, observations []domain.UnitObservation) (*domain.FanoutReport, error) {
		report := &domain.FanoutReport{
			ContextID: reqctx.Current(ctx).ID(),
			Mode:      mode,
			Units:     observations,
		}

		sort.Slice(report.Units, func(i, j int) bool { return report.Units[i].Index < report.Units[j].Index })

		_, report.Leaked = reqctx.Lookup(ctx, UnitKey)

		if !report.Propagated() {
			return nil, fmt.Errorf("%w: a unit did not start under the request context", reqctx.ErrCarrierMismatch)
		}

		for _, u := range report.Units {
			if u.Unit != u.Index || u.OverlayID == report.ContextID {
				return nil, fmt.Errorf("unit %d: overlay did not isolate its write", u.Index)
			}
		}

		if report.Leaked {
			return nil, errors.New("overlay write leaked into the request context")
		}

		return report, nil
	}
}

func record(ctx context.Context, _ FanoutInput, report *domain.FanoutReport) error {
	return reqctx.Store(ctx, LastFanoutKey, fmt.Sprintf("%s/%d", report.Mode, len(report.Units)))
}
