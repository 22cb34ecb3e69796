package race

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cap2cal/internal/candidate"
	"cap2cal/internal/logging"
	"cap2cal/internal/services"
)

const defaultCallTimeout = 150 * time.Second

// ErrAllCandidatesFailed reports that no candidate validated.
var ErrAllCandidatesFailed = errors.New("all race candidates failed")

// Failure labels for candidates that never reached validation.
const (
	FailureCall     = "call"
	FailureTimeout  = "timeout"
	FailureCanceled = "canceled"
)

// Invoker performs one model call at the given temperature and returns the raw
// response text.
type Invoker func(ctx context.Context, temperature float64) (string, error)

// Observer receives candidate and race telemetry. Late is true for candidates
// that settled after the race already resolved.
type Observer interface {
	ObserveCandidate(stage string, result CandidateResult, late bool)
	ObserveRace(stage string, won bool, duration time.Duration)
}

// CandidateResult is the diagnostic record of one race participant.
type CandidateResult struct {
	Index       int
	Temperature float64
	StartedAt   time.Time
	Duration    time.Duration
	Raw         string
	Valid       bool
	Repaired    bool
	Failure     string
	Detail      string
}

// Outcome is the resolved race. Winner is nil when no candidate validated.
type Outcome[T any] struct {
	Winner            *T
	WinnerIndex       int
	WinnerTemperature float64
	Duration          time.Duration
	Candidates        []CandidateResult
	Err               error
}

// Option customizes a Coordinator.
type Option func(*settings)

type settings struct {
	stage        string
	callTimeout  time.Duration
	cancelLosers bool
	logger       *slog.Logger
	observer     Observer
}

// WithStage names the pipeline stage in logs, errors, and telemetry.
func WithStage(stage string) Option {
	return func(s *settings) { s.stage = stage }
}

// WithCallTimeout bounds each individual call.
func WithCallTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithCancelLosers cancels in-flight losing calls once a winner exists instead
// of letting them finish.
func WithCancelLosers(cancel bool) Option {
	return func(s *settings) { s.cancelLosers = cancel }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithObserver attaches telemetry.
func WithObserver(observer Observer) Option {
	return func(s *settings) { s.observer = observer }
}

// Coordinator runs hedged races for one payload type.
type Coordinator[T any] struct {
	invoke   Invoker
	validate func(string) candidate.Result[T]
	cfg      settings
}

// New constructs a Coordinator.
func New[T any](invoke Invoker, validate func(string) candidate.Result[T], opts ...Option) *Coordinator[T] {
	cfg := settings{stage: "race", callTimeout: defaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = logging.NewComponentLogger(cfg.logger, "race")
	return &Coordinator[T]{invoke: invoke, validate: validate, cfg: cfg}
}

type settled[T any] struct {
	result CandidateResult
	value  T
}

// Race launches one call per temperature and returns as soon as one validates.
func (c *Coordinator[T]) Race(ctx context.Context, temperatures []float64) Outcome[T] {
	started := time.Now()
	outcome := Outcome[T]{WinnerIndex: -1}
	if len(temperatures) == 0 {
		outcome.Err = services.Wrap(services.ErrConfiguration, c.cfg.stage, "race", "no temperatures configured", nil)
		return outcome
	}
	logger := logging.WithContext(ctx, c.cfg.logger)

	n := len(temperatures)
	results := make(chan settled[T], n)
	cancels := make([]context.CancelFunc, n)
	detached := context.WithoutCancel(ctx)
	for i, temp := range temperatures {
		callCtx, cancel := context.WithTimeout(detached, c.cfg.callTimeout)
		cancels[i] = cancel
		go c.run(callCtx, cancel, i, temp, results)
	}
	cancelAll := func() {
		for _, cancel := range cancels {
			cancel()
		}
	}

	diagnostics := make([]CandidateResult, n)
	seen := make([]bool, n)
	received := 0
	for received < n {
		select {
		case s := <-results:
			received++
			diagnostics[s.result.Index] = s.result
			seen[s.result.Index] = true
			c.observeCandidate(s.result, false)
			if !s.result.Valid {
				logger.Debug("race candidate failed",
					logging.Int("candidate", s.result.Index),
					logging.Float64("temperature", s.result.Temperature),
					logging.String("failure", s.result.Failure),
					logging.Duration("duration", s.result.Duration),
				)
				continue
			}
			value := s.value
			outcome.Winner = &value
			outcome.WinnerIndex = s.result.Index
			outcome.WinnerTemperature = s.result.Temperature
			outcome.Duration = time.Since(started)
			outcome.Candidates = collect(diagnostics, seen)
			logger.Info("race resolved",
				logging.Int("winner", s.result.Index),
				logging.Float64("temperature", s.result.Temperature),
				logging.Bool("repaired", s.result.Repaired),
				logging.Duration("duration", outcome.Duration),
				logging.Int("settled", received),
				logging.Int("candidates", n),
			)
			c.observeRace(true, outcome.Duration)
			if c.cfg.cancelLosers {
				cancelAll()
			}
			go c.drain(logger, results, n-received)
			return outcome
		case <-ctx.Done():
			cancelAll()
			for i := range diagnostics {
				if !seen[i] {
					diagnostics[i] = CandidateResult{
						Index:       i,
						Temperature: temperatures[i],
						StartedAt:   started,
						Duration:    time.Since(started),
						Failure:     FailureCanceled,
						Detail:      ctx.Err().Error(),
					}
				}
			}
			outcome.Duration = time.Since(started)
			outcome.Candidates = diagnostics
			outcome.Err = services.Wrap(services.ErrTimeout, c.cfg.stage, "race", "request ended before any candidate validated", ctx.Err())
			c.observeRace(false, outcome.Duration)
			go c.drain(logger, results, n-received)
			return outcome
		}
	}

	cancelAll()
	outcome.Duration = time.Since(started)
	outcome.Candidates = diagnostics
	outcome.Err = services.Wrap(services.ErrUpstream, c.cfg.stage, "race", fmt.Sprintf("%d of %d candidates failed", n, n), ErrAllCandidatesFailed)
	attrs := []logging.Attr{
		logging.Int("candidates", n),
		logging.Duration("duration", outcome.Duration),
		logging.String(logging.FieldErrorHint, "upstream model failures are often bursty; check provider status"),
	}
	for _, d := range diagnostics {
		attrs = append(attrs, logging.Group(fmt.Sprintf("candidate_%d", d.Index),
			logging.Float64("temperature", d.Temperature),
			logging.String("failure", d.Failure),
			logging.String("detail", d.Detail),
			logging.Duration("duration", d.Duration),
		))
	}
	logging.ErrorWithContext(logger, "race failed: no candidate validated", "race_failed", attrs...)
	c.observeRace(false, outcome.Duration)
	return outcome
}

func (c *Coordinator[T]) run(ctx context.Context, cancel context.CancelFunc, index int, temperature float64, out chan<- settled[T]) {
	defer cancel()
	start := time.Now()
	res := CandidateResult{Index: index, Temperature: temperature, StartedAt: start}
	var value T

	raw, err := c.call(ctx, temperature)
	res.Duration = time.Since(start)
	switch {
	case err != nil:
		res.Failure = FailureCall
		if errors.Is(err, context.DeadlineExceeded) {
			res.Failure = FailureTimeout
		} else if errors.Is(err, context.Canceled) {
			res.Failure = FailureCanceled
		}
		res.Detail = err.Error()
	default:
		res.Raw = raw
		verdict := c.safeValidate(raw)
		res.Duration = time.Since(start)
		res.Valid = verdict.Valid
		res.Repaired = verdict.Repaired
		if verdict.Valid {
			value = verdict.Value
		} else {
			res.Failure = string(verdict.Failure)
			res.Detail = verdict.Detail
		}
	}
	out <- settled[T]{result: res, value: value}
}

func (c *Coordinator[T]) call(ctx context.Context, temperature float64) (raw string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("invoker panic: %v", recovered)
		}
	}()
	return c.invoke(ctx, temperature)
}

func (c *Coordinator[T]) safeValidate(raw string) (res candidate.Result[T]) {
	defer func() {
		if recovered := recover(); recovered != nil {
			res = candidate.Invalid[T](candidate.StageSchema, fmt.Sprintf("validator panic: %v", recovered))
		}
	}()
	return c.validate(raw)
}

// drain observes stragglers after the race returned so their outcome is still
// logged.
func (c *Coordinator[T]) drain(logger *slog.Logger, results <-chan settled[T], remaining int) {
	for i := 0; i < remaining; i++ {
		s := <-results
		c.observeCandidate(s.result, true)
		logger.Debug("race straggler settled",
			logging.Int("candidate", s.result.Index),
			logging.Float64("temperature", s.result.Temperature),
			logging.Bool("valid", s.result.Valid),
			logging.String("failure", s.result.Failure),
			logging.Duration("duration", s.result.Duration),
		)
	}
}

func (c *Coordinator[T]) observeCandidate(result CandidateResult, late bool) {
	if c.cfg.observer != nil {
		c.cfg.observer.ObserveCandidate(c.cfg.stage, result, late)
	}
}

func (c *Coordinator[T]) observeRace(won bool, d time.Duration) {
	if c.cfg.observer != nil {
		c.cfg.observer.ObserveRace(c.cfg.stage, won, d)
	}
}

func collect(diagnostics []CandidateResult, seen []bool) []CandidateResult {
	out := make([]CandidateResult, 0, len(diagnostics))
	for i, d := range diagnostics {
		if seen[i] {
			out = append(out, d)
		}
	}
	return out
}
