package plejd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts and intervals for the mesh connection.
const (
	// defaultScanTimeout is how long each discovery scan listens for adverts.
	defaultScanTimeout = 3 * time.Second

	// defaultHealthInterval is the period of the liveness ping.
	defaultHealthInterval = 5 * time.Second

	// defaultPingTimeout bounds a single health ping round trip.
	defaultPingTimeout = 5 * time.Second

	// connectAttemptsWithRetry is the attempt budget when retry is requested.
	connectAttemptsWithRetry = 3
)

// ConnectionState is the supervisor's view of the mesh link.
type ConnectionState int32

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateDiscovering
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Recorder receives operational measurements. The metrics package
// implements it on Prometheus collectors.
type Recorder interface {
	EventReceived(kind EventKind)
	FrameUnrecognized()
	CommandWritten(err error)
	Reconnected()
	StateChanged(state ConnectionState)
}

type nopRecorder struct{}

func (nopRecorder) EventReceived(EventKind)      {}
func (nopRecorder) FrameUnrecognized()           {}
func (nopRecorder) CommandWritten(error)         {}
func (nopRecorder) Reconnected()                 {}
func (nopRecorder) StateChanged(ConnectionState) {}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// Transport is the BLE stack. Required.
	Transport Transport

	// Account resolves the site when no CryptoKey is configured.
	Account AccountService

	// Bus receives decoded events. A new bus is created when nil.
	Bus *EventBus

	// SiteID preselects a site of the account. Optional when the account
	// has exactly one site.
	SiteID string

	// CryptoKey, when set, skips the account lookup entirely.
	CryptoKey string

	// ScanTimeout is used by reconnects and by Connect when called
	// with a zero timeout. Default: 3 seconds.
	ScanTimeout time.Duration

	// HealthInterval is the period of the liveness ping.
	// Default: 5 seconds.
	HealthInterval time.Duration

	// Rand feeds ping challenges. Default: crypto/rand.
	Rand io.Reader

	Logger   Logger
	Recorder Recorder
}

// SupervisorStats holds operational statistics.
type SupervisorStats struct {
	EventsReceived     uint64
	FramesUnrecognized uint64
	StaleFramesDropped uint64
	CommandsWritten    uint64
	WriteErrors        uint64
	Reconnects         uint64
	ConnectAttempts    uint64
	LastActivity       time.Time
	State              ConnectionState
}

// activeSession is one installed, authenticated gateway connection.
type activeSession struct {
	session    Session
	gateway    GatewayCandidate
	key        CryptoKey
	generation uint64

	// ctx is cancelled when the session is torn down.
	ctx    context.Context
	cancel context.CancelFunc
}

// sessionInfo is what a writer needs to talk to the current session.
type sessionInfo struct {
	ctx        context.Context
	session    Session
	key        CryptoKey
	mac        MAC
	generation uint64
}

// Supervisor owns the single mesh connection: it resolves the site,
// discovers and authenticates a gateway, decodes notifications onto the
// EventBus, and keeps the link alive.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Connect, Reconnect and Disconnect are serialized.
//   - Notification callbacks publish synchronously, in arrival order.
//
// Session generations:
//   - Every installed session gets a new generation number.
//   - Notifications and scheduled work from an older generation are dropped.
type Supervisor struct {
	transport      Transport
	account        AccountService
	bus            *EventBus
	siteID         string
	cryptoKey      string
	healthInterval time.Duration
	rand           io.Reader
	recorder       Recorder

	// connectMu serializes connect, reconnect and disconnect.
	connectMu   sync.Mutex
	scanTimeout time.Duration

	// writeMu serializes writes to the active session with its teardown.
	writeMu sync.Mutex

	mu         sync.RWMutex
	active     *activeSession
	site       *Site
	generation uint64

	state         atomic.Int32
	wantConnected atomic.Bool

	// Lifetime of the supervisor; cancelled by Close.
	ctx        context.Context
	cancel     context.CancelFunc
	healthOnce sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	eventsReceived     atomic.Uint64
	framesUnrecognized atomic.Uint64
	staleFrames        atomic.Uint64
	commandsWritten    atomic.Uint64
	writeErrors        atomic.Uint64
	reconnects         atomic.Uint64
	connectAttempts    atomic.Uint64
	lastActivity       atomic.Int64
}

// NewSupervisor creates a disconnected supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = defaultScanTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.Bus == nil {
		opts.Bus = NewEventBus()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		transport:      opts.Transport,
		account:        opts.Account,
		bus:            opts.Bus,
		siteID:         opts.SiteID,
		cryptoKey:      opts.CryptoKey,
		healthInterval: opts.HealthInterval,
		scanTimeout:    opts.ScanTimeout,
		rand:           opts.Rand,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Bus returns the bus decoded events are published on.
func (s *Supervisor) Bus() *EventBus {
	return s.bus
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Connect resolves the site, discovers a gateway, connects and
// authenticates. With retry the whole sequence is attempted up to three
// times; the last error is returned.
//
// Parameters:
//   - ctx: Context for cancellation of this call
//   - timeout: Scan duration per attempt (zero uses ScanTimeout)
//   - retry: Allow up to three attempts instead of one
//
// Returns:
//   - error: wrapping ErrAmbiguousSite, ErrUnknownSite, ErrGatewayNotFound,
//     ErrConnectionFailed or ErrAuthenticationFailed
func (s *Supervisor) Connect(ctx context.Context, timeout time.Duration, retry bool) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.isClosed() {
		return fmt.Errorf("%w: supervisor closed", ErrNotConnected)
	}
	if timeout > 0 {
		s.scanTimeout = timeout
	}
	if s.current() != nil {
		return nil
	}

	return s.connectLocked(ctx, retry)
}

// Reconnect tears down the current session and connects again with retry.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.wantConnected.Store(true)
	return s.reconnectFrom(ctx, s.currentGeneration())
}

// reconnectFrom reconnects unless the session of generation gen has
// already been replaced by a newer one, or was closed by Disconnect.
// Generation zero stands for "no session was active".
func (s *Supervisor) reconnectFrom(ctx context.Context, gen uint64) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.isClosed() {
		return fmt.Errorf("%w: supervisor closed", ErrNotConnected)
	}
	as := s.current()
	if as != nil && as.generation != gen {
		return nil
	}
	if as == nil && gen != 0 && !s.wantConnected.Load() {
		return fmt.Errorf("%w: disconnected on request", ErrNotConnected)
	}

	s.setState(StateReconnecting)
	s.teardown()

	if err := s.connectLocked(ctx, true); err != nil {
		return err
	}

	s.reconnects.Add(1)
	s.recorder.Reconnected()
	s.logInfo("reconnected to mesh", "total_reconnects", s.reconnects.Load())
	return nil
}

// Disconnect unsubscribes from notifications and closes the transport.
// Safe to call when already disconnected.
func (s *Supervisor) Disconnect() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.wantConnected.Store(false)
	s.teardown()
	s.setState(StateDisconnected)
	return nil
}

// Close disconnects and stops the health loop. Safe to call multiple times.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.connectMu.Lock()
		s.wantConnected.Store(false)
		s.teardown()
		s.setState(StateDisconnected)
		s.connectMu.Unlock()

		s.wg.Wait()
		s.logInfo("supervisor closed")
	})
	return nil
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// IsConnected reports whether an authenticated session is installed.
func (s *Supervisor) IsConnected() bool {
	return s.current() != nil
}

// Site returns the resolved site, once Connect has loaded it.
func (s *Supervisor) Site() (Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.site == nil {
		return Site{}, false
	}
	return *s.site, true
}

// Gateway returns the gateway of the current session.
func (s *Supervisor) Gateway() (GatewayCandidate, bool) {
	as := s.current()
	if as == nil {
		return GatewayCandidate{}, false
	}
	return as.gateway, true
}

// Stats returns current operational statistics.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		EventsReceived:     s.eventsReceived.Load(),
		FramesUnrecognized: s.framesUnrecognized.Load(),
		StaleFramesDropped: s.staleFrames.Load(),
		CommandsWritten:    s.commandsWritten.Load(),
		WriteErrors:        s.writeErrors.Load(),
		Reconnects:         s.reconnects.Load(),
		ConnectAttempts:    s.connectAttempts.Load(),
		LastActivity:       time.Unix(s.lastActivity.Load(), 0),
		State:              s.State(),
	}
}

// connectLocked runs the attempt loop. Caller holds connectMu.
func (s *Supervisor) connectLocked(ctx context.Context, retry bool) error {
	site, err := s.resolveSite(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	attempts := 1
	if retry {
		attempts = connectAttemptsWithRetry
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
			break
		}

		s.connectAttempts.Add(1)
		lastErr = s.attempt(ctx, site)
		if lastErr == nil {
			s.wantConnected.Store(true)
			s.startHealthLoop()
			return nil
		}
		s.logWarn("connect attempt failed", "attempt", attempt, "of", attempts, "error", lastErr)
	}

	s.setState(StateDisconnected)
	return lastErr
}

// attempt performs one discovery, connect and handshake.
func (s *Supervisor) attempt(ctx context.Context, site *Site) error {
	s.setState(StateDiscovering)
	results, err := s.transport.Scan(ctx, s.scanTimeout)
	if err != nil {
		return fmt.Errorf("%w: scan: %w", ErrGatewayNotFound, err)
	}

	candidates := FilterCandidates(results)
	gateway, err := SelectGateway(candidates)
	if err != nil {
		return err
	}
	name := gateway.MAC.String()
	if d, ok := site.DeviceByMAC(gateway.MAC); ok {
		name = d.Title
	}
	s.logInfo("gateway selected",
		"mac", gateway.MAC.String(),
		"device", name,
		"rssi", gateway.RSSI,
		"candidates", len(candidates))

	s.setState(StateConnecting)
	session, err := s.transport.Connect(ctx, gateway.Peripheral)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, gateway.MAC, err)
	}

	s.setState(StateAuthenticating)
	if err := NewHandshake(session, site.CryptoKey, s.rand).Run(ctx); err != nil {
		if derr := session.Disconnect(); derr != nil {
			s.logDebug("disconnect after failed handshake", "error", derr)
		}
		return err
	}

	return s.install(session, gateway, site.CryptoKey)
}

// install makes an authenticated session current and subscribes to
// notifications under a new generation.
func (s *Supervisor) install(session Session, gateway GatewayCandidate, key CryptoKey) error {
	sctx, cancel := context.WithCancel(s.ctx)

	s.writeMu.Lock()
	s.mu.Lock()
	s.generation++
	as := &activeSession{
		session:    session,
		gateway:    gateway,
		key:        key,
		generation: s.generation,
		ctx:        sctx,
		cancel:     cancel,
	}
	s.active = as
	s.mu.Unlock()
	s.writeMu.Unlock()

	gen := as.generation
	err := session.Subscribe(DataReceiveUUID, func(data []byte) {
		s.handleNotification(gen, data)
	})
	if err != nil {
		s.teardown()
		return fmt.Errorf("%w: subscribe: %w", ErrConnectionFailed, err)
	}

	s.lastActivity.Store(time.Now().Unix())
	s.setState(StateConnected)
	s.logInfo("connected to mesh",
		"gateway", gateway.MAC.String(),
		"address", gateway.Peripheral.Address(),
		"rssi", gateway.RSSI,
		"generation", gen)
	return nil
}

// teardown cancels and closes the active session, if any.
// Caller holds connectMu.
func (s *Supervisor) teardown() {
	as := s.current()
	if as == nil {
		return
	}

	// Cancel first so an in-flight write releases the write lock.
	as.cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	if err := as.session.Unsubscribe(DataReceiveUUID); err != nil {
		s.logDebug("unsubscribe failed", "error", err)
	}
	if err := as.session.Disconnect(); err != nil {
		s.logDebug("disconnect failed", "error", err)
	}
	s.logInfo("mesh session closed", "generation", as.generation)
}

// handleNotification decrypts, parses and publishes one notification.
func (s *Supervisor) handleNotification(gen uint64, data []byte) {
	as := s.current()
	if as == nil || as.generation != gen {
		s.staleFrames.Add(1)
		return
	}

	plain := Transform(as.key, as.gateway.MAC, data)
	s.lastActivity.Store(time.Now().Unix())

	evt, ok := ParseFrame(plain)
	if !ok {
		s.framesUnrecognized.Add(1)
		s.recorder.FrameUnrecognized()
		s.logDebug("unrecognized frame", "frame", hex.EncodeToString(plain))
		return
	}

	s.eventsReceived.Add(1)
	s.recorder.EventReceived(evt.Kind())
	s.bus.Publish(evt)
}

// resolveSite returns the cached site, loading it on first use.
func (s *Supervisor) resolveSite(ctx context.Context) (*Site, error) {
	s.mu.RLock()
	site := s.site
	s.mu.RUnlock()
	if site != nil {
		return site, nil
	}

	loaded, err := s.loadSite(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.site = &loaded
	s.mu.Unlock()

	s.logSite(loaded)
	return &loaded, nil
}

// logSite lists the site's devices grouped by room.
func (s *Supervisor) logSite(site Site) {
	s.logInfo("site resolved",
		"site_id", site.ID,
		"title", site.Title,
		"rooms", len(site.Rooms),
		"devices", len(site.Devices),
		"scenes", len(site.Scenes))

	rooms := make(map[string]bool, len(site.Rooms))
	for _, room := range site.Rooms {
		rooms[room.ID] = true
		devices := site.DevicesInRoom(room.ID)
		s.logDebug("site room", "room_id", room.ID, "title", room.Title, "devices", len(devices))
		for _, d := range devices {
			s.logSiteDevice(d, room.Title)
		}
	}
	for _, d := range site.Devices {
		if !rooms[d.RoomID] {
			s.logSiteDevice(d, "")
		}
	}
}

func (s *Supervisor) logSiteDevice(d Device, room string) {
	s.logDebug("site device",
		"device_id", d.ID,
		"title", d.Title,
		"address", d.Address,
		"room", room,
		"traits", d.Traits.String())
}

func (s *Supervisor) loadSite(ctx context.Context) (Site, error) {
	if s.cryptoKey != "" {
		key, err := ParseCryptoKey(s.cryptoKey)
		if err != nil {
			return Site{}, err
		}
		return Site{ID: s.siteID, CryptoKey: key}, nil
	}

	if s.account == nil {
		return Site{}, fmt.Errorf("%w: no crypto key and no account configured", ErrUnknownSite)
	}
	sites, err := s.account.Sites(ctx)
	if err != nil {
		return Site{}, fmt.Errorf("load sites: %w", err)
	}
	return selectSite(sites, s.siteID)
}

// withSession runs fn against the current session while holding the
// write lock, so the session cannot be torn down underneath it.
func (s *Supervisor) withSession(fn func(sessionInfo) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	as := s.current()
	if as == nil {
		return ErrNotConnected
	}
	return fn(sessionInfo{
		ctx:        as.ctx,
		session:    as.session,
		key:        as.key,
		mac:        as.gateway.MAC,
		generation: as.generation,
	})
}

// recordWrite counts one data write.
func (s *Supervisor) recordWrite(err error) {
	if err != nil {
		s.writeErrors.Add(1)
	} else {
		s.commandsWritten.Add(1)
		s.lastActivity.Store(time.Now().Unix())
	}
	s.recorder.CommandWritten(err)
}

// startHealthLoop starts the liveness loop once per supervisor.
func (s *Supervisor) startHealthLoop() {
	s.healthOnce.Do(func() {
		s.wg.Add(1)
		go s.healthLoop()
	})
}

func (s *Supervisor) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

// checkHealth pings the gateway and reconnects when the link is gone.
func (s *Supervisor) checkHealth() {
	as := s.current()
	if as == nil {
		if s.wantConnected.Load() {
			s.recoverFrom(0, fmt.Errorf("%w: no active session", ErrConnectionLost))
		}
		return
	}

	if err := s.ping(as); err != nil {
		s.recoverFrom(as.generation, err)
	}
}

func (s *Supervisor) ping(as *activeSession) error {
	if !as.session.IsConnected() {
		return ErrConnectionLost
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur := s.current(); cur == nil || cur.generation != as.generation {
		return nil
	}

	ctx, cancel := context.WithTimeout(as.ctx, defaultPingTimeout)
	defer cancel()
	return Ping(ctx, as.session, s.rand)
}

// recoverFrom reconnects after a failure observed on generation gen.
func (s *Supervisor) recoverFrom(gen uint64, cause error) {
	if s.isClosed() {
		return
	}
	s.logWarn("mesh link unhealthy, reconnecting", "generation", gen, "error", cause)
	if err := s.reconnectFrom(s.ctx, gen); err != nil {
		s.logError("reconnect failed", err)
	}
}

func (s *Supervisor) currentGeneration() uint64 {
	if as := s.current(); as != nil {
		return as.generation
	}
	return 0
}

func (s *Supervisor) current() *activeSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Supervisor) setState(state ConnectionState) {
	prev := ConnectionState(s.state.Swap(int32(state)))
	if prev == state {
		return
	}
	s.recorder.StateChanged(state)
	s.logDebug("connection state changed", "from", prev.String(), "to", state.String())
}

func (s *Supervisor) isClosed() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Supervisor) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Supervisor) logDebug(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (s *Supervisor) logInfo(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Supervisor) logWarn(msg string, keysAndValues ...any) {
	if logger := s.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (s *Supervisor) logError(msg string, err error) {
	if logger := s.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
