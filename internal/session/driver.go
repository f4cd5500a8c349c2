package session

import (
	"errors"
	"fmt"
	"time"

	"framelock/netcode/internal/reconcile"
	"framelock/netcode/internal/snapshot"
	"framelock/netcode/internal/telemetry"
)

// State names the driver's position in its tick state machine. Disconnected
// is terminal.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateSynchronizing State = "synchronizing"
	StateAdvancing     State = "advancing"
	StateRollback      State = "rollback"
	StateDisconnected  State = "disconnected"
)

const (
	ticksMetricKey     = "driver_ticks_total"
	savesMetricKey     = "driver_saves_total"
	loadsMetricKey     = "driver_loads_total"
	advancesMetricKey  = "driver_advances_total"
	skipsMetricKey     = "driver_skipped_ticks_total"
	desyncsMetricKey   = "driver_desyncs_total"
	frameMetricKey     = "driver_frame"
	slowTicksMetricKey = "driver_slowdown_ticks_total"
	tickNanosMetricKey = "driver_tick_nanos_last"
)

// StepFunc runs the deterministic simulation for exactly one frame. It is
// invoked synchronously from the driver's goroutine.
type StepFunc func(frame uint64, inputs []PlayerInput)

// Config tunes the driver's outer loop.
type Config struct {
	TickRate        int
	CatchupMaxTicks int
}

// Hooks lets the game layer observe the loop. BeforePoll is where local
// input for the current frame is fed to the session.
type Hooks struct {
	BeforePoll func(frame uint64)
	AfterTick  func(TickResult)
	OnEvent    func(Event)
}

// Deps carries the driver's injected infrastructure.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   func() time.Time
}

// TickResult summarizes one executed tick.
type TickResult struct {
	Frame    uint64
	Requests int
	Saves    int
	Loads    int
	Advances int
	Skipped  bool
	Events   []Event
	Duration time.Duration
}

// Driver owns the single-threaded request loop: each tick it polls the
// session for an ordered request list and executes it against the
// reconciliation engine and snapshot store.
type Driver struct {
	session Session
	engine  *reconcile.Engine
	store   *snapshot.Store
	step    StepFunc
	hooks   Hooks
	config  Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   func() time.Time

	frame uint64
	state State
	fatal error
}

func NewDriver(sess Session, engine *reconcile.Engine, store *snapshot.Store, step StepFunc, cfg Config, hooks Hooks, deps Deps) (*Driver, error) {
	if sess == nil {
		return nil, errors.New("session: session is required")
	}
	if engine == nil {
		return nil, errors.New("session: reconciliation engine is required")
	}
	if store == nil {
		return nil, errors.New("session: snapshot store is required")
	}
	if step == nil {
		return nil, errors.New("session: step function is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Driver{
		session: sess,
		engine:  engine,
		store:   store,
		step:    step,
		hooks:   hooks,
		config:  cfg,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		clock:   clock,
		state:   StateIdle,
	}, nil
}

// Frame returns the driver's current frame.
func (d *Driver) Frame() uint64 {
	if d == nil {
		return 0
	}
	return d.frame
}

// State returns the driver's current state.
func (d *Driver) State() State {
	if d == nil {
		return StateIdle
	}
	return d.state
}

// Err returns the fatal error that disconnected the driver, if any.
func (d *Driver) Err() error {
	if d == nil {
		return nil
	}
	return d.fatal
}

// Tick polls the session once and executes the returned request list in
// order. A fatal error transitions the driver to Disconnected; subsequent
// calls return the same error.
func (d *Driver) Tick() (TickResult, error) {
	if d == nil {
		return TickResult{}, errors.New("session: nil driver")
	}
	if d.state == StateDisconnected {
		return TickResult{}, d.fatal
	}
	start := d.clock()
	result := TickResult{Frame: d.frame}

	if d.hooks.BeforePoll != nil {
		d.hooks.BeforePoll(d.frame)
	}

	requests, err := d.session.Poll()
	switch {
	case errors.Is(err, ErrPredictionThreshold):
		result.Skipped = true
		d.count(skipsMetricKey, 1)
	case err != nil:
		return result, d.abort(fmt.Errorf("session poll: %w", err))
	default:
		result.Requests = len(requests)
		for _, req := range requests {
			if err := d.execute(req, &result); err != nil {
				return result, d.abort(err)
			}
		}
		d.state = StateRunning
	}

	result.Events = d.session.Events()
	for _, ev := range result.Events {
		d.handleEvent(ev)
	}
	result.Frame = d.frame
	result.Duration = d.clock().Sub(start)

	d.count(ticksMetricKey, 1)
	d.store64(frameMetricKey, d.frame)
	d.store64(tickNanosMetricKey, uint64(result.Duration.Nanoseconds()))
	if d.hooks.AfterTick != nil {
		d.hooks.AfterTick(result)
	}
	if d.state == StateDisconnected {
		return result, d.fatal
	}
	return result, nil
}

func (d *Driver) execute(req Request, result *TickResult) error {
	switch req.Kind {
	case RequestSave:
		if req.Frame != d.frame {
			return &FrameMismatchError{Requested: req.Frame, Current: d.frame}
		}
		snap, err := d.engine.Capture(req.Frame)
		if err != nil {
			return fmt.Errorf("capture frame %d: %w", req.Frame, err)
		}
		if err := d.store.Save(snap); err != nil {
			return fmt.Errorf("store frame %d: %w", req.Frame, err)
		}
		d.session.ConfirmFrame(snap.Frame, snap.Checksum)
		result.Saves++
		d.count(savesMetricKey, 1)

	case RequestLoad:
		d.state = StateRollback
		snap, err := d.store.Load(req.Frame)
		if err != nil {
			return fmt.Errorf("load frame %d: %w", req.Frame, err)
		}
		stats, err := d.engine.Restore(snap)
		if err != nil {
			return fmt.Errorf("restore frame %d: %w", req.Frame, err)
		}
		if stats.ObjectErrors > 0 && d.logger != nil {
			d.logger.Printf("[driver] restore frame=%d skipped %d objects", req.Frame, stats.ObjectErrors)
		}
		d.frame = req.Frame
		result.Loads++
		d.count(loadsMetricKey, 1)

	case RequestAdvance:
		if req.Frame != d.frame {
			return &FrameMismatchError{Requested: req.Frame, Current: d.frame}
		}
		d.state = StateAdvancing
		d.step(d.frame, req.Inputs)
		d.frame++
		result.Advances++
		d.count(advancesMetricKey, 1)

	default:
		return fmt.Errorf("session: unknown request kind %q", req.Kind)
	}
	return nil
}

func (d *Driver) handleEvent(ev Event) {
	switch ev.Kind {
	case EventSynchronizing:
		if d.state != StateDisconnected {
			d.state = StateSynchronizing
		}
	case EventPlayerDisconnected:
		d.fatal = fmt.Errorf("%w: player %d disconnected", ErrSessionClosed, ev.Player)
		d.state = StateDisconnected
		if d.logger != nil {
			d.logger.Printf("[driver] player=%d disconnected at frame=%d", ev.Player, d.frame)
		}
	case EventDesyncDetected:
		// Surfaced but not fatal to the loop.
		d.count(desyncsMetricKey, 1)
		if d.logger != nil {
			d.logger.Printf("[driver] desync frame=%d local=%#x remote=%#x", ev.Frame, ev.LocalChecksum, ev.RemoteChecksum)
		}
	}
	if d.hooks.OnEvent != nil {
		d.hooks.OnEvent(ev)
	}
}

func (d *Driver) abort(err error) error {
	d.fatal = err
	d.state = StateDisconnected
	if d.logger != nil {
		d.logger.Printf("[driver] session aborted at frame=%d: %v", d.frame, err)
	}
	return err
}

// Run drives the fixed-timestep loop until the stop channel closes or the
// session aborts. When the session reports the local simulation running
// ahead of its peers, every other tick is skipped until pacing recovers.
func (d *Driver) Run(stop <-chan struct{}) error {
	if d == nil {
		return errors.New("session: nil driver")
	}
	tickRate := d.config.TickRate
	if tickRate <= 0 {
		tickRate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	skippedForPacing := false
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if d.session.FramesAhead() > 0 && !skippedForPacing {
				skippedForPacing = true
				d.count(slowTicksMetricKey, 1)
				continue
			}
			skippedForPacing = false
			if _, err := d.Tick(); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) count(key string, delta uint64) {
	if d.metrics != nil {
		d.metrics.Add(key, delta)
	}
}

func (d *Driver) store64(key string, value uint64) {
	if d.metrics != nil {
		d.metrics.Store(key, value)
	}
}
