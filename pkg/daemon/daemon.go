package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/acceptance"
	"github.com/agentctl/agentd/pkg/board"
	"github.com/agentctl/agentd/pkg/breaker"
	"github.com/agentctl/agentd/pkg/council"
	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/filestore"
	"github.com/agentctl/agentd/pkg/llm"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/receipt"
	"github.com/agentctl/agentd/pkg/sla"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
	"github.com/agentctl/agentd/pkg/watcher"
	"github.com/agentctl/agentd/pkg/workflow"
	"github.com/agentctl/agentd/pkg/workspace"
)

// Notifier delivers human-facing alerts. The default implementation
// just logs; a desktop notifier can be injected.
type Notifier interface {
	Notify(title, body string) error
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(title, body string) error {
	logger := log.WithComponent("notify")
	logger.Info().Str("title", title).Msg(body)
	return nil
}

// Options carries the daemon's injectable collaborators. Zero values
// get production defaults.
type Options struct {
	HubDir   string
	Config   *Config
	Caller   llm.Caller
	Git      workspace.GitExecutor
	Executor acceptance.CommandExecutor
	Notifier Notifier
}

// Daemon owns every store, engine, and background loop, plus the unix
// socket server.
type Daemon struct {
	paths  Paths
	cfg    Config
	logger zerolog.Logger

	bus *events.Bus

	messages     *storage.MessageStore
	workspaces   *storage.WorkspaceStore
	capabilities *storage.CapabilityStore
	knowledge    *storage.KnowledgeStore
	trust        *storage.TrustStore
	sessions     *storage.SessionStore
	workflows    *storage.WorkflowStore
	retroStore   *storage.RetroStore
	activity     *storage.ActivityStore

	manager  *workspace.Manager
	slaEng   *sla.Engine
	adaptive *sla.AdaptiveEngine
	breaker  *breaker.AgentBreaker
	watcher  *watcher.SessionWatcher
	council  *council.Council
	signer   *receipt.Signer
	workflow *workflow.Engine
	retro    *workflow.RetroEngine
	runner   *acceptance.Runner
	watchdog *Watchdog

	state    *DaemonState
	notifier Notifier
	caller   llm.Caller

	handlers map[string]handlerFunc
	verifMu  sync.Mutex

	listener   net.Listener
	metricsSrv *http.Server
	stopCh     chan struct{}
}

// New opens the hub directory, every store, and every engine. Nothing
// starts running until Start.
func New(opts Options) (*Daemon, error) {
	hub := opts.HubDir
	if hub == "" {
		var err error
		hub, err = HubDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(hub, 0o700); err != nil {
		return nil, fmt.Errorf("creating hub directory: %w", err)
	}
	paths := Paths{Hub: hub}

	var cfg Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		var err error
		cfg, err = LoadConfig(paths.ConfigFile())
		if err != nil {
			return nil, err
		}
	}

	d := &Daemon{
		paths:    paths,
		cfg:      cfg,
		logger:   log.WithComponent("daemon"),
		bus:      events.NewBus(),
		state:    NewDaemonState(),
		notifier: opts.Notifier,
		caller:   opts.Caller,
		stopCh:   make(chan struct{}),
	}
	if d.notifier == nil {
		d.notifier = LogNotifier{}
	}
	if d.caller == nil {
		d.caller = llm.NewHTTPCaller(0)
	}

	if err := d.openStores(); err != nil {
		d.closeStores()
		return nil, err
	}

	git := opts.Git
	if git == nil {
		git = workspace.NewExecGit()
	}
	d.manager = workspace.NewManager(d.workspaces, git, d.bus)
	if n, err := d.manager.RecoverStaleWorkspaces(); err != nil {
		d.logger.Error().Err(err).Msg("workspace recovery failed")
	} else if n > 0 {
		d.logger.Warn().Int("count", n).Msg("reclaimed stale workspaces to failed")
	}

	signer, err := receipt.NewSigner(paths.ReceiptKey())
	if err != nil {
		d.closeStores()
		return nil, err
	}
	d.signer = signer

	d.runner = acceptance.NewRunner(opts.Executor, time.Duration(cfg.AcceptanceTimeoutSec)*time.Second)

	d.council = council.New(d.caller, council.Config{
		Members:          cfg.CouncilMembers,
		Chairman:         cfg.CouncilChairman,
		AnalysisPath:     paths.CouncilAnalyses(),
		VerificationPath: paths.CouncilVerifications(),
	})

	d.workflow = workflow.NewEngine(d.workflows)
	d.retro = workflow.NewRetroEngine(d.retroStore)
	d.workflow.SetRetro(d.retro)

	sessionDir := cfg.SessionDir
	if sessionDir == "" {
		sessionDir = paths.SessionsDir()
	}
	d.watcher = watcher.New(sessionDir, d.bus, d.sessions)
	d.watcher.SetAccountResolver(func(taskID string) string {
		brd, err := d.LoadBoard()
		if err != nil {
			return ""
		}
		task, err := board.GetTask(brd, taskID)
		if err != nil {
			return ""
		}
		return task.Assignee
	})

	slaCfg := sla.Config{
		ScanInterval:    time.Duration(cfg.SLAScanIntervalSec) * time.Second,
		InProgressStale: time.Duration(cfg.InProgressStaleMin) * time.Minute,
		ReviewStale:     time.Duration(cfg.ReviewStaleMin) * time.Minute,
		BlockedStale:    time.Duration(cfg.BlockedStaleMin) * time.Minute,
	}
	d.slaEng = sla.NewEngine(slaCfg, d.LoadBoard, d.bus)

	adaptiveCfg := sla.DefaultAdaptiveConfig()
	adaptiveCfg.ScanInterval = time.Duration(cfg.AdaptiveIntervalSec) * time.Second
	d.adaptive = sla.NewAdaptiveEngine(adaptiveCfg, d.LoadBoard, d.watcher, d.bus)

	d.breaker = breaker.New(breaker.DefaultConfig(), d.bus, d.trust, d.activity, breaker.BoardIO{
		Load: d.LoadBoard,
		Save: d.SaveBoard,
	})

	d.watchdog = NewWatchdog(
		time.Duration(cfg.WatchdogIntervalSec)*time.Second,
		uint64(cfg.MemoryThresholdMiB),
		d.storeProbe,
		func(reason string) {
			_ = d.notifier.Notify("agentd watchdog", reason)
		},
	)

	d.subscribeEvents()
	d.registerHandlers()
	return d, nil
}

func (d *Daemon) openStores() error {
	open := []struct {
		name string
		fn   func() error
	}{
		{"messages", func() (err error) { d.messages, err = storage.NewMessageStore(d.paths.MessagesDB()); return }},
		{"workspaces", func() (err error) { d.workspaces, err = storage.NewWorkspaceStore(d.paths.WorkspacesDB()); return }},
		{"capabilities", func() (err error) { d.capabilities, err = storage.NewCapabilityStore(d.paths.CapabilitiesDB()); return }},
		{"knowledge", func() (err error) { d.knowledge, err = storage.NewKnowledgeStore(d.paths.KnowledgeDB()); return }},
		{"trust", func() (err error) { d.trust, err = storage.NewTrustStore(d.paths.TrustDB()); return }},
		{"sessions", func() (err error) { d.sessions, err = storage.NewSessionStore(d.paths.SessionsDB()); return }},
		{"workflows", func() (err error) { d.workflows, err = storage.NewWorkflowStore(d.paths.WorkflowsDB()); return }},
		{"retro", func() (err error) { d.retroStore, err = storage.NewRetroStore(d.paths.RetroDB()); return }},
		{"activity", func() (err error) { d.activity, err = storage.NewActivityStore(d.paths.ActivityDB()); return }},
	}
	for _, s := range open {
		if err := s.fn(); err != nil {
			return fmt.Errorf("opening %s store: %w", s.name, err)
		}
	}
	return nil
}

func (d *Daemon) closeStores() {
	if d.messages != nil {
		_ = d.messages.Close()
	}
	if d.workspaces != nil {
		_ = d.workspaces.Close()
	}
	if d.capabilities != nil {
		_ = d.capabilities.Close()
	}
	if d.knowledge != nil {
		_ = d.knowledge.Close()
	}
	if d.trust != nil {
		_ = d.trust.Close()
	}
	if d.sessions != nil {
		_ = d.sessions.Close()
	}
	if d.workflows != nil {
		_ = d.workflows.Close()
	}
	if d.retroStore != nil {
		_ = d.retroStore.Close()
	}
	if d.activity != nil {
		_ = d.activity.Close()
	}
}

// storeProbe is the watchdog's reachability check.
func (d *Daemon) storeProbe() error {
	_, err := d.messages.CountUnread("__watchdog__")
	return err
}

// LoadBoard reads the task board from tasks.json. A missing file is an
// empty board.
func (d *Daemon) LoadBoard() (types.Board, error) {
	var b types.Board
	if _, err := filestore.AtomicRead(d.paths.TasksFile(), &b); err != nil {
		return types.Board{}, fmt.Errorf("loading board: %w", err)
	}
	return b, nil
}

// SaveBoard persists the board atomically.
func (d *Daemon) SaveBoard(b types.Board) error {
	b.UpdatedAt = types.Now()
	if err := filestore.AtomicWrite(d.paths.TasksFile(), b); err != nil {
		return fmt.Errorf("saving board: %w", err)
	}

	counts := make(map[types.TaskStatus]int)
	for _, t := range b.Tasks {
		counts[t.Status]++
	}
	for _, st := range []types.TaskStatus{
		types.TaskStatusTodo, types.TaskStatusInProgress,
		types.TaskStatusReadyForReview, types.TaskStatusAccepted, types.TaskStatusRejected,
	} {
		metrics.TasksTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return nil
}

// subscribeEvents wires bus events into health state and notifications.
func (d *Daemon) subscribeEvents() {
	d.bus.Subscribe(events.EventSLAWarning, func(ev *events.Event) {
		d.state.RecordSLAViolation(ev.Agent)
	})
	d.bus.Subscribe(events.EventSLABreach, func(ev *events.Event) {
		d.state.RecordSLAViolation(ev.Agent)
		msg, _ := ev.Data["message"].(string)
		if msg == "" {
			msg = fmt.Sprintf("task %s breached its SLA", ev.TaskID)
		}
		_ = d.notifier.Notify("agentd SLA breach", msg)
	})
	d.bus.Subscribe(events.EventReassignment, func(ev *events.Event) {
		_ = d.notifier.Notify("agentd reassignment", fmt.Sprintf("task %s needs a new assignee", ev.TaskID))
	})
}

// RegisterAccounts applies an accounts.yaml bootstrap: a token is
// minted when missing and the capability row upserted.
func (d *Daemon) RegisterAccounts(specs []AccountSpec) error {
	for _, spec := range specs {
		if _, err := os.Stat(d.paths.TokenFile(spec.Name)); os.IsNotExist(err) {
			if _, err := MintToken(d.paths.TokensDir(), spec.Name); err != nil {
				return err
			}
			d.logger.Info().Str("account", spec.Name).Msg("minted token for account")
		}
		cap := &types.Capability{
			Account:  spec.Name,
			Skills:   spec.Skills,
			Provider: types.Provider(spec.Provider),
		}
		if err := d.capabilities.Upsert(cap); err != nil {
			return err
		}
	}
	return nil
}

// Start writes the pid file, binds the socket, and starts every
// background loop.
func (d *Daemon) Start() error {
	if err := os.WriteFile(d.paths.PIDFile(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}

	if err := d.bindSocket(); err != nil {
		return err
	}

	if err := d.watcher.Start(); err != nil {
		d.logger.Error().Err(err).Msg("session watcher failed to start; continuing without it")
	}
	d.slaEng.Start()
	d.adaptive.Start()
	d.breaker.Start()
	d.watchdog.Start()

	if d.cfg.MetricsAddr != "" {
		d.startMetricsServer()
	}

	go d.acceptLoop()
	d.logger.Info().Str("socket", d.paths.Socket()).Msg("daemon started")
	return nil
}

// bindSocket listens on the hub socket, clearing a stale file left by
// a dead daemon first.
func (d *Daemon) bindSocket() error {
	socket := d.paths.Socket()
	if _, err := os.Stat(socket); err == nil {
		conn, err := net.DialTimeout("unix", socket, time.Second)
		if err == nil {
			conn.Close()
			return Errf(KindConflict, "daemon already running on %s", socket)
		}
		d.logger.Warn().Str("socket", socket).Msg("removing stale socket")
		if err := os.Remove(socket); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socket, err)
	}
	d.listener = ln
	return nil
}

func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	d.metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// Stop drains everything: loops first, then stores, then the socket
// and pid files.
func (d *Daemon) Stop() {
	close(d.stopCh)
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = d.metricsSrv.Shutdown(ctx)
		cancel()
	}

	d.slaEng.Stop()
	d.adaptive.Stop()
	d.breaker.Stop()
	d.watchdog.Stop()
	d.watcher.Stop()

	d.closeStores()

	_ = os.Remove(d.paths.Socket())
	_ = os.Remove(d.paths.PIDFile())
	d.logger.Info().Msg("daemon stopped")
}

// Bus exposes the event bus for introspection and tests.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Paths exposes the hub layout.
func (d *Daemon) HubPaths() Paths { return d.paths }

// mutateBoard runs fn under the board file's implicit serialization:
// load, transform, save.
func (d *Daemon) mutateBoard(fn func(types.Board) (types.Board, error)) (types.Board, error) {
	brd, err := d.LoadBoard()
	if err != nil {
		return types.Board{}, err
	}
	next, err := fn(brd)
	if err != nil {
		return types.Board{}, err
	}
	if err := d.SaveBoard(next); err != nil {
		return types.Board{}, err
	}
	return next, nil
}
