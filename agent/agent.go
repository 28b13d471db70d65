// Package agent provides the session driver that keeps a device attached to
// the controller.
//
// # Session Lifecycle
//
//  1. Connect and obtain a client ID (retry every reconnect interval)
//  2. Drain the upload retry queue
//  3. Heartbeat, carrying status and location
//  4. If instructed, wait the pre-delay and run the campaign to completion
//  5. Sleep the remainder of the heartbeat interval and repeat from 2
//  6. On a failed heartbeat drop the client ID and go back to 1
//  7. On stop: cancel any campaign, send a final "disconnected" heartbeat
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/pingrelay/agent/internal/campaign"
	"github.com/pilot-net/pingrelay/agent/internal/client"
	"github.com/pilot-net/pingrelay/agent/internal/config"
	"github.com/pilot-net/pingrelay/agent/internal/device"
	"github.com/pilot-net/pingrelay/agent/internal/executor"
	"github.com/pilot-net/pingrelay/agent/internal/metrics"
	"github.com/pilot-net/pingrelay/agent/internal/shipper"
	"github.com/pilot-net/pingrelay/pkg/types"
)

// Version is set at build time.
var Version = "dev"

const (
	finalHeartbeatTimeout = 5 * time.Second
	observerBuffer        = 64
)

var (
	// ErrAlreadyRunning is returned by Connect and Run while the loop is active.
	ErrAlreadyRunning = errors.New("session loop already running")

	// ErrNotRunning is returned by Disconnect when the loop is idle.
	ErrNotRunning = errors.New("session loop not running")
)

// Controller is the agent's view of the controller channel.
// *client.Client satisfies it.
type Controller interface {
	Connect(ctx context.Context, req types.ConnectRequest) (*types.ConnectResponse, error)
	Heartbeat(ctx context.Context, req types.HeartbeatRequest) (*types.ProbeInstruction, error)
	UploadSession(ctx context.Context, clientID string, summary *types.SessionSummary) error
}

// Option customizes an Agent.
type Option func(*Agent)

// WithController replaces the HTTP controller client.
func WithController(c Controller) Option {
	return func(a *Agent) { a.controller = c }
}

// WithProber replaces the executor registry.
func WithProber(p campaign.Prober) Option {
	return func(a *Agent) { a.prober = p }
}

// WithLocation sets the location source. Defaults to the configured static location.
func WithLocation(l LocationProvider) Option {
	return func(a *Agent) { a.location = l }
}

// WithObserver sets the event observer. Defaults to a LogObserver.
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithDevice sets the device identity instead of reading it from the host.
func WithDevice(d device.Info) Option {
	return func(a *Agent) { a.device = d }
}

// Agent drives one device's session with the controller.
type Agent struct {
	cfg        *config.Config
	controller Controller
	prober     campaign.Prober
	runner     *campaign.Runner
	shipper    *shipper.Shipper
	metrics    *metrics.Metrics
	location   LocationProvider
	observer   Observer
	notify     *notifier
	device     device.Info
	logger     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// State
	mu       sync.Mutex
	state    types.ConnectionState
	clientID string
	settings types.ProbeSettings

	// Control
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
		state:    types.StateDisconnected,
		settings: cfg.Probing.Settings(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.controller == nil {
		c, err := client.NewClient(client.Config{
			BaseURL:            cfg.Controller.URL,
			AppVersion:         Version,
			ConnectTimeout:     cfg.Controller.ConnectTimeout,
			RequestTimeout:     cfg.Controller.RequestTimeout,
			CompressUploads:    cfg.Controller.CompressUploads,
			InsecureSkipVerify: cfg.Controller.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("creating controller client: %w", err)
		}
		a.controller = c
	}

	if a.prober == nil {
		registry, err := executor.NewDefaultRegistry(cfg.Probing.PingPath)
		if err != nil {
			// Continue without ICMP if ping is not installed
			logger.Warn("executor registration incomplete", "error", err)
		}
		for _, p := range registry.List() {
			logger.Info("registered executor", "protocol", p)
		}
		a.prober = registry
	}

	if a.device == (device.Info{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.device = device.Detect(ctx, device.Overrides{
			ID:        cfg.Device.ID,
			Model:     cfg.Device.Model,
			OSVersion: cfg.Device.OSVersion,
		})
		cancel()
	}
	if a.location == nil {
		a.location = StaticLocation(cfg.Device.Location)
	}
	if a.observer == nil {
		a.observer = LogObserver{Logger: logger.With("component", "observer")}
	}

	a.shipper = shipper.NewShipper(shipper.Config{
		Uploader:    a.controller,
		Capacity:    cfg.Session.RetryQueueCapacity,
		MaxAttempts: cfg.Session.MaxUploadAttempts,
		RetryRate:   rate.Limit(cfg.Session.RetryRate),
		Recorder:    a.metrics,
		Logger:      logger,
	})
	a.runner = campaign.NewRunner(
		instrumentedProber{Prober: a.prober, metrics: a.metrics},
		a.currentLocation,
		a.onSessionComplete,
		logger,
	)
	a.notify = newNotifier(a.observer, observerBuffer, a.metrics)
	a.metrics.SetState(types.StateDisconnected)

	logger.Info("agent initialized",
		"device_id", a.device.ID,
		"model", a.device.Model,
		"controller", cfg.Controller.URL)
	return a, nil
}

// Run drives the session loop until ctx is cancelled or Disconnect is called.
func (a *Agent) Run(ctx context.Context) error {
	done, err := a.startLoop(ctx)
	if err != nil {
		return err
	}
	<-done
	return ctx.Err()
}

// Connect starts the session loop in the background.
func (a *Agent) Connect() error {
	_, err := a.startLoop(context.Background())
	return err
}

// Disconnect stops the session loop and waits for the final heartbeat.
func (a *Agent) Disconnect() error {
	a.mu.Lock()
	cancel, done := a.loopCancel, a.loopDone
	a.mu.Unlock()

	if done == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	return nil
}

// Close disconnects if needed and stops observer delivery.
func (a *Agent) Close() {
	_ = a.Disconnect()
	a.runner.Cancel()
	a.notify.close()
}

// StartSession starts a local campaign in the background, replacing any
// campaign already running. A zero Settings uses the current settings.
func (a *Agent) StartSession(req campaign.Request) error {
	return a.startSession(req, true)
}

// TryStartSession is StartSession but returns campaign.ErrBusy instead of
// replacing an active campaign.
func (a *Agent) TryStartSession(req campaign.Request) error {
	return a.startSession(req, false)
}

func (a *Agent) startSession(req campaign.Request, replace bool) error {
	if req.Settings == (types.ProbeSettings{}) {
		req.Settings = a.Settings()
	}
	req.ServerInstructed = false
	if _, err := a.runner.Go(context.Background(), req, replace); err != nil {
		return err
	}
	a.notify.log(fmt.Sprintf("session started: %s %s for %s", req.Protocol, req.Host, req.Duration))
	return nil
}

// StopSession cancels the active campaign; its partial summary is still uploaded.
func (a *Agent) StopSession() {
	a.runner.Cancel()
}

// IsRunning reports whether a campaign is active.
func (a *Agent) IsRunning() bool {
	return a.runner.IsRunning()
}

// UpdateSettings replaces the probe settings used by future campaigns.
func (a *Agent) UpdateSettings(s types.ProbeSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()
	return nil
}

// Settings returns the current probe settings.
func (a *Agent) Settings() types.ProbeSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// State returns the connection state.
func (a *Agent) State() types.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ClientID returns the controller-assigned ID, empty when not connected.
func (a *Agent) ClientID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientID
}

// Device returns the identity presented on connect.
func (a *Agent) Device() device.Info {
	return a.device
}

// RetryQueueLen returns the number of summaries waiting for upload.
func (a *Agent) RetryQueueLen() int {
	return a.shipper.Queue().Len()
}

func (a *Agent) startLoop(parent context.Context) (<-chan struct{}, error) {
	a.mu.Lock()
	if a.loopDone != nil {
		a.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	a.loopCancel, a.loopDone = cancel, done
	a.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		a.loop(ctx)
		a.shutdown()

		a.mu.Lock()
		a.loopCancel, a.loopDone = nil, nil
		a.mu.Unlock()
	}()
	return done, nil
}

func (a *Agent) loop(ctx context.Context) {
	a.logger.Info("session loop started")
	for ctx.Err() == nil {
		var wait time.Duration
		if a.State() == types.StateConnected {
			wait = a.heartbeatCycle(ctx)
		} else {
			wait = a.reconnectCycle(ctx)
		}
		if wait > 0 {
			if err := a.sleep(ctx, wait); err != nil {
				return
			}
		}
	}
}

func (a *Agent) reconnectCycle(ctx context.Context) time.Duration {
	if err := a.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		interval := a.cfg.Session.ReconnectInterval
		a.logger.Warn("connect failed", "error", err, "retry_in", interval)
		a.setState(types.StateReconnecting, fmt.Sprintf("connect failed: %v; retrying in %s", err, interval))
		return interval
	}
	return 0
}

func (a *Agent) connect(ctx context.Context) error {
	resp, err := a.controller.Connect(ctx, types.ConnectRequest{
		DeviceID:       a.device.ID,
		AppVersion:     Version,
		DeviceModel:    a.device.Model,
		AndroidVersion: a.device.OSVersion,
		Location:       a.currentLocation(ctx),
		Timestamp:      a.now().UnixMilli(),
	})
	a.metrics.ConnectAttempt(err == nil)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.clientID = resp.ClientID
	a.mu.Unlock()

	a.logger.Info("connected", "client_id", resp.ClientID)
	a.setState(types.StateConnected, "connected as "+resp.ClientID)
	return nil
}

// heartbeatCycle drains the retry queue, sends one heartbeat and acts on any
// instruction. It returns how long to wait before the next cycle.
func (a *Agent) heartbeatCycle(ctx context.Context) time.Duration {
	clientID := a.ClientID()
	if stats := a.shipper.DrainAndRetryAll(ctx, clientID); stats.Attempted > 0 {
		a.logger.Info("retry queue drained",
			"attempted", stats.Attempted,
			"succeeded", stats.Succeeded,
			"requeued", stats.Requeued,
			"dropped", stats.Dropped)
	}
	if ctx.Err() != nil {
		return 0
	}

	status := types.AppStatusActive
	if a.runner.IsRunning() {
		status = types.AppStatusProbing
	}
	interval := a.cfg.Session.HeartbeatInterval

	instr, err := a.controller.Heartbeat(ctx, types.HeartbeatRequest{
		DeviceID:            a.device.ID,
		ClientID:            clientID,
		AppStatus:           status,
		Location:            a.currentLocation(ctx),
		Timestamp:           a.now().UnixMilli(),
		RequestInstructions: true,
		HeartbeatIntervalMs: interval.Milliseconds(),
	})
	a.metrics.Heartbeat(err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		a.logger.Warn("heartbeat failed", "error", err, "client_id", clientID)
		a.mu.Lock()
		a.clientID = ""
		a.mu.Unlock()
		a.setState(types.StateReconnecting, fmt.Sprintf("heartbeat failed: %v", err))
		return 0
	}

	if instr == nil {
		return interval
	}
	a.notify.instructionReceived(*instr)
	if !instr.ShouldProbe {
		return interval
	}

	delay := instr.PreDelay()
	if delay > 0 {
		a.logger.Debug("delaying instructed campaign", "delay", delay)
		if err := a.sleep(ctx, delay); err != nil {
			return 0
		}
	}
	a.runInstruction(ctx, *instr)

	return max(interval-delay, 0)
}

// runInstruction runs a server-instructed campaign to completion. The next
// heartbeat is not sent until it ends.
func (a *Agent) runInstruction(ctx context.Context, instr types.ProbeInstruction) {
	req := campaign.FromInstruction(instr, a.Settings())
	a.notify.log(fmt.Sprintf("instructed session: %s %s for %s", req.Protocol, req.Host, req.Duration))

	_, err := a.runner.Run(ctx, req)
	switch {
	case errors.Is(err, campaign.ErrBusy):
		a.logger.Info("instruction ignored, campaign already running", "host", instr.Host)
		a.notify.log("instruction ignored: a session is already running")
	case errors.Is(err, campaign.ErrInvalidRequest):
		a.logger.Warn("instruction rejected", "error", err)
		a.notify.log(fmt.Sprintf("instruction rejected: %v", err))
	case err != nil:
		a.logger.Error("instructed campaign failed", "error", err)
	}
}

// onSessionComplete hands a sealed summary to the shipper.
func (a *Agent) onSessionComplete(ctx context.Context, summary *types.SessionSummary) {
	a.metrics.Campaign(summary.ServerInstructed)
	a.notify.log(fmt.Sprintf("session %s complete: %d/%d received, %.1f%% loss",
		summary.SessionID, summary.PacketsReceived, summary.PacketsSent, summary.PacketLossPercent))

	err := a.shipper.Ship(ctx, a.ClientID(), summary)
	switch {
	case err == nil:
	case errors.Is(err, shipper.ErrNoClient):
		a.logger.Info("session queued until reconnect", "session_id", summary.SessionID)
	default:
		a.notify.log(fmt.Sprintf("upload of %s failed, queued for retry", summary.SessionID))
	}
}

// shutdown runs once the loop exits.
func (a *Agent) shutdown() {
	a.runner.Cancel()

	if clientID := a.ClientID(); clientID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), finalHeartbeatTimeout)
		_, err := a.controller.Heartbeat(ctx, types.HeartbeatRequest{
			DeviceID:  a.device.ID,
			ClientID:  clientID,
			AppStatus: types.AppStatusDisconnected,
			Location:  a.currentLocation(ctx),
			Timestamp: a.now().UnixMilli(),
		})
		cancel()
		if err != nil {
			a.logger.Debug("final heartbeat failed", "error", err)
		}
	}

	a.mu.Lock()
	a.clientID = ""
	a.mu.Unlock()
	a.setState(types.StateDisconnected, "disconnected")
	a.logger.Info("session loop stopped")
}

func (a *Agent) setState(state types.ConnectionState, msg string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()

	a.metrics.SetState(state)
	a.notify.statusChanged(state, msg)
}

// currentLocation asks the provider with a bounded wait. A provider that is
// slow, empty or unresponsive yields types.LocationUnavailable.
func (a *Agent) currentLocation(ctx context.Context) string {
	timeout := a.cfg.Session.LocationTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan string, 1)
	go func() { ch <- a.location.CurrentLocation(ctx) }()

	select {
	case loc := <-ch:
		if loc == "" {
			return types.LocationUnavailable
		}
		return loc
	case <-ctx.Done():
		return types.LocationUnavailable
	}
}

// instrumentedProber counts every completed probe.
type instrumentedProber struct {
	campaign.Prober
	metrics *metrics.Metrics
}

func (p instrumentedProber) Execute(ctx context.Context, protocol types.Protocol, target executor.Target) executor.Result {
	res := p.Prober.Execute(ctx, protocol, target)
	if ctx.Err() == nil {
		p.metrics.Probe(protocol, res.Success)
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
