package plejd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultBusyRetryDelay is the wait before resending after the gateway
	// reported an operation in progress.
	defaultBusyRetryDelay = time.Second

	// maxResubmits bounds how often one batch is resent after reconnects.
	maxResubmits = 3
)

// errStaleSession is returned when a scheduled retry finds a different
// session than the one it was scheduled for.
var errStaleSession = errors.New("plejd: session replaced")

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Supervisor provides the session to write to. Required.
	Supervisor *Supervisor

	// BusyRetryDelay is the wait before resending after a busy reply.
	// Default: 1 second.
	BusyRetryDelay time.Duration

	// WriteRate limits frames per second. Zero means unlimited.
	WriteRate float64

	// WriteBurst is the limiter burst. Default: 1.
	WriteBurst int

	Logger Logger
}

// DispatcherStats holds operational statistics.
type DispatcherStats struct {
	Batches       uint64
	BusyRetries   uint64
	Resubmissions uint64
	FramesDropped uint64
}

// Dispatcher writes command batches to the mesh.
//
// Batches are rendered up front and encrypted frame by frame at write time
// against whatever session is current, under the supervisor's write lock.
//
// Failure handling:
//   - Busy gateway: the unsent frames are retried after BusyRetryDelay,
//     without limit. If the session is replaced while they wait, they move
//     to the replacement instead.
//   - Any other failure: the supervisor reconnects and the unsent frames are
//     resubmitted to the new session, at most maxResubmits (3) times per
//     batch.
//
// Pending frames are dropped only when the dispatcher is closed, the
// supervisor is disconnected on request, or a reconnect fails. Neither path
// is visible to the caller of Run.
type Dispatcher struct {
	sup       *Supervisor
	busyDelay time.Duration
	limiter   *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	batches       atomic.Uint64
	busyRetries   atomic.Uint64
	resubmissions atomic.Uint64
	framesDropped atomic.Uint64
}

// NewDispatcher creates a dispatcher bound to a supervisor.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.BusyRetryDelay <= 0 {
		opts.BusyRetryDelay = defaultBusyRetryDelay
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = 1
	}
	limit := rate.Inf
	if opts.WriteRate > 0 {
		limit = rate.Limit(opts.WriteRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sup:       opts.Supervisor,
		busyDelay: opts.BusyRetryDelay,
		limiter:   rate.NewLimiter(limit, opts.WriteBurst),
		ctx:       ctx,
		cancel:    cancel,
		logger:    opts.Logger,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Run sends a batch of commands.
//
// The only error returned is for a batch that cannot be rendered (wrapping
// ErrInvalidCommand), in which case nothing is sent. Transport failures are
// recovered from in the background.
//
// Parameters:
//   - ctx: Bounds the initial write pass
//   - cmds: Commands, sent in order
func (d *Dispatcher) Run(ctx context.Context, cmds ...Command) error {
	frames, err := RenderCommands(cmds...)
	if err != nil {
		return err
	}

	payloads := make([][]byte, 0, len(frames))
	for _, f := range frames {
		raw, err := DecodeFrame(f)
		if err != nil {
			return err
		}
		payloads = append(payloads, raw)
	}
	if len(payloads) == 0 {
		return nil
	}

	if d.isClosed() {
		d.framesDropped.Add(uint64(len(payloads)))
		d.logWarn("dispatcher closed, dropping batch", "frames", len(payloads))
		return nil
	}

	d.batches.Add(1)
	d.dispatch(ctx, payloads, 0, 0)
	return nil
}

// Close stops scheduled retries and waits for background work.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
	return nil
}

// Stats returns current operational statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Batches:       d.batches.Load(),
		BusyRetries:   d.busyRetries.Load(),
		Resubmissions: d.resubmissions.Load(),
		FramesDropped: d.framesDropped.Load(),
	}
}

// dispatch writes frames and routes any failure.
// expectGen pins the write to one session generation (zero: any).
func (d *Dispatcher) dispatch(ctx context.Context, frames [][]byte, expectGen uint64, resubmits int) {
	sent, gen, sctx, err := d.write(ctx, frames, expectGen)
	if err == nil {
		return
	}
	remaining := frames[sent:]

	switch {
	case d.isClosed():
		d.drop(remaining, "dispatcher closed", err)
	case errors.Is(err, errStaleSession):
		d.followSession(expectGen, remaining, resubmits)
	case errors.Is(err, ErrTransientBusy):
		d.scheduleBusyRetry(sctx, gen, remaining, resubmits)
	case ctx.Err() != nil:
		d.drop(remaining, "write cancelled", err)
	case resubmits >= maxResubmits:
		d.drop(remaining, "giving up after reconnects", err)
	default:
		d.reconnectAndResubmit(gen, remaining, resubmits, err)
	}
}

// write sends frames in order and reports how many made it.
func (d *Dispatcher) write(ctx context.Context, frames [][]byte, expectGen uint64) (int, uint64, context.Context, error) {
	var (
		sent int
		gen  uint64
		sctx context.Context
	)

	err := d.sup.withSession(func(info sessionInfo) error {
		if expectGen != 0 && expectGen != info.generation {
			return errStaleSession
		}
		gen = info.generation
		sctx = info.ctx

		wctx, cancel := context.WithCancel(info.ctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		for _, raw := range frames {
			if err := d.limiter.Wait(wctx); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
			payload := Transform(info.key, info.mac, raw)
			err := info.session.Write(wctx, DataSendUUID, payload, true)
			d.sup.recordWrite(err)
			if err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, gen, sctx, err
}

// scheduleBusyRetry resends frames after the busy delay. If the session
// they were meant for goes away first, they follow its replacement.
func (d *Dispatcher) scheduleBusyRetry(sctx context.Context, gen uint64, frames [][]byte, resubmits int) {
	d.busyRetries.Add(1)
	d.logDebug("gateway busy, retrying", "pending", len(frames), "delay", d.busyDelay.String())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		timer := time.NewTimer(d.busyDelay)
		defer timer.Stop()

		select {
		case <-d.ctx.Done():
			d.drop(frames, "dispatcher closed", d.ctx.Err())
			return
		case <-sctx.Done():
			d.followSession(gen, frames, resubmits)
			return
		case <-timer.C:
		}

		d.dispatch(d.ctx, frames, gen, resubmits)
	}()
}

// followSession moves frames pending for session gen to the session that
// replaced it, waiting for a reconnect still in progress. Frames are
// dropped after an explicit Disconnect.
func (d *Dispatcher) followSession(gen uint64, frames [][]byte, resubmits int) {
	if d.isClosed() {
		d.drop(frames, "dispatcher closed", d.ctx.Err())
		return
	}
	if !d.sup.wantConnected.Load() {
		d.drop(frames, "disconnected before retry", ErrNotConnected)
		return
	}

	// No-op once gen has been replaced.
	if err := d.sup.reconnectFrom(d.ctx, gen); err != nil {
		d.drop(frames, "reconnect failed", err)
		return
	}

	d.resubmissions.Add(1)
	d.logDebug("session replaced, resubmitting pending frames",
		"generation", gen,
		"pending", len(frames))
	d.dispatch(d.ctx, frames, 0, resubmits)
}

// reconnectAndResubmit asks the supervisor to replace the failed session
// and resends frames once it is back.
func (d *Dispatcher) reconnectAndResubmit(gen uint64, frames [][]byte, resubmits int, cause error) {
	d.logWarn("write failed, reconnecting",
		"generation", gen,
		"pending", len(frames),
		"error", cause)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sup.reconnectFrom(d.ctx, gen); err != nil {
			d.drop(frames, "reconnect failed", err)
			return
		}

		d.resubmissions.Add(1)
		d.dispatch(d.ctx, frames, 0, resubmits+1)
	}()
}

func (d *Dispatcher) drop(frames [][]byte, reason string, err error) {
	d.framesDropped.Add(uint64(len(frames)))
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()
	if logger != nil {
		logger.Error("dropping frames", "reason", reason, "frames", len(frames), "error", err)
	}
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.ctx.Done():
		return true
	default:
		return false
	}
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	d.loggerMu.RLock()
	logger := d.logger
	d.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
