package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/channels"
	"github.com/codervisor/clawden/internal/claws"
	"github.com/codervisor/clawden/internal/config"
	"github.com/codervisor/clawden/internal/container"
	"github.com/codervisor/clawden/internal/discovery"
	"github.com/codervisor/clawden/internal/fleet"
	"github.com/codervisor/clawden/internal/natsbus"
	"github.com/codervisor/clawden/internal/process"
	"github.com/codervisor/clawden/internal/registry"
	"github.com/codervisor/clawden/internal/store"
	"github.com/codervisor/clawden/internal/swarm"
	"github.com/codervisor/clawden/internal/telegram"
	"github.com/codervisor/clawden/internal/vault"
	"github.com/codervisor/clawden/internal/web"
	"github.com/nats-io/nats.go"
)

// auditRestoreLimit bounds how much audit history is loaded at startup.
const auditRestoreLimit = 10000

// server holds the components wired together by runServer.
type server struct {
	cfg *config.Config

	bus     *natsbus.Client
	natsURL string
	procs   *process.Manager
	ctrs    *container.Manager
	reg     *registry.Registry
	disc    *discovery.Service
	chans   *channels.Store
	fleet   *fleet.Fleet
	mon     *fleet.Monitor
	bot     *telegram.Bot

	// agents maps configured agent names to fleet ids.
	agents map[string]string
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	slog.Info("starting clawden server", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v, err = vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	} else {
		slog.Warn("vault passphrase not set, channel credentials will not be persisted")
	}

	// SQLite store
	db, err := store.New(cfg.Store, v)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	nb, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer nb.Close()
	client, err := natsbus.NewClient(nb)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	// Audit log
	auditLog := audit.New()
	history, err := db.ListAuditEvents(auditRestoreLimit)
	if err != nil {
		return fmt.Errorf("load audit log: %w", err)
	}
	auditLog.Restore(history)
	auditLog.SetSink(db)

	// Process supervisor
	procs, err := process.NewManager(cfg.Runtimes.Root, process.Mode(cfg.Runtimes.Mode))
	if err != nil {
		return fmt.Errorf("init process manager: %w", err)
	}
	procs.SetPublisher(client)

	s := &server{
		cfg:     cfg,
		bus:     client,
		natsURL: nb.ClientURL(),
		procs:   procs,
		agents:  make(map[string]string),
	}

	// Container manager, only when Docker mode is in effect
	if procs.ResolveMode(cfg.Runtimes.NoDocker) == process.ModeDocker {
		ctrs, err := container.NewManager(cfg.Runtimes.Network)
		if err != nil {
			return fmt.Errorf("init container manager: %w", err)
		}
		defer ctrs.Close()
		if err := ctrs.CleanupStale(ctx); err != nil {
			slog.Warn("cleanup stale containers failed", "error", err)
		}
		s.ctrs = ctrs
	}

	// Runtime registry
	s.reg = registry.New()
	for _, a := range claws.All(s.clawOptions(cfg.Runtimes)) {
		s.reg.Register(a)
	}
	slog.Info("runtimes registered", "runtimes", s.reg.List())

	// Endpoint discovery
	s.disc = discovery.New()
	s.disc.SetPublisher(client)
	s.disc.SetHints(discovery.PortHints(s.reg.ListMetadata()))

	// Channels
	s.chans = channels.New()
	snap, err := db.LoadChannels()
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	s.chans.Load(snap)
	s.chans.SetPersister(db)
	s.chans.SetPublisher(client)
	for _, name := range sortedKeys(cfg.Channels) {
		s.applyChannel(name, cfg.Channels[name])
	}

	// Runtimes that handle a channel natively report their own status.
	statusSub, err := client.Subscribe(natsbus.TopicAgentChannelStatusAll, func(msg *nats.Msg) {
		id, ok := natsbus.AgentIDFromTopic(msg.Subject)
		if !ok {
			return
		}
		if err := s.chans.ApplyReport(id, msg.Data); err != nil {
			slog.Warn("channel status report rejected", "agent", id, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe channel status: %w", err)
	}
	defer func() { _ = statusSub.Unsubscribe() }()

	// Swarm coordinator
	coord := swarm.NewCoordinator()
	coord.SetPublisher(client)

	// Fleet
	s.fleet = fleet.New(s.reg, auditLog)
	s.fleet.SetPersister(db)
	s.fleet.SetPublisher(client)
	restored, err := db.ListAgents()
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	s.fleet.Restore(restored)
	for _, name := range sortedKeys(cfg.Agents) {
		s.deployAgent(ctx, name, cfg.Agents[name])
	}

	// Health monitor
	s.mon, err = fleet.NewMonitor(s.fleet, cfg.Monitor.Schedule)
	if err != nil {
		return fmt.Errorf("init monitor: %w", err)
	}
	go s.mon.Start(ctx)
	slog.Info("health monitor started", "schedule", cfg.Monitor.Schedule)

	// Telegram bridge
	if cfg.Telegram.Token != "" {
		s.bot, err = telegram.NewBot(cfg.Telegram, s.chans, s.fleet)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		if _, err := s.chans.Bind(s.bot.Instance(), string(adapter.ChannelTelegram), cfg.Telegram.Token); err != nil {
			return fmt.Errorf("bind telegram token: %w", err)
		}
		go func() {
			if err := s.bot.Start(ctx); err != nil {
				slog.Error("telegram bridge error", "error", err)
			}
		}()
	} else {
		slog.Warn("telegram token not set, bridge disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, web.Deps{
			Registry:  s.reg,
			Fleet:     s.fleet,
			Processes: procs,
			Channels:  s.chans,
			Swarm:     coord,
			Audit:     auditLog,
			Discovery: s.disc,
			NATS:      client,
		}, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown or reload signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			s.reload(ctx)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}

	cancel()
	s.fleet.StopAll(context.Background())
	if s.ctrs != nil {
		s.ctrs.StopAll(context.Background())
	}
	return nil
}

func (s *server) clawOptions(rc config.RuntimesConfig) claws.Options {
	opts := claws.Options{
		Processes:      s.procs,
		Bus:            s.bus,
		NATSUrl:        s.natsURL,
		StateRoot:      s.procs.Root(),
		BuildDir:       rc.BuildDir,
		ForceNoDocker:  rc.NoDocker,
		RequestTimeout: rc.RequestTimeout,
		Images:         make(map[adapter.Runtime]string, len(rc.Images)),
	}
	// A nil *container.Manager must not end up in the interface.
	if s.ctrs != nil {
		opts.Containers = s.ctrs
	}
	for name, image := range rc.Images {
		rt, err := adapter.ParseRuntime(name)
		if err != nil {
			slog.Warn("ignoring image override", "runtime", name, "error", err)
			continue
		}
		opts.Images[rt] = image
	}
	return opts
}

// applyChannel upserts a configured channel instance and binds its token
// when it carries one.
func (s *server) applyChannel(name string, def config.ChannelDefinition) {
	inst, err := s.chans.UpsertConfig(name, def.Type, def.Credentials, def.Options)
	if err != nil {
		slog.Error("invalid channel", "channel", name, "error", err)
		return
	}
	token := def.Credentials["token"]
	if token == "" {
		return
	}
	if _, err := s.chans.Bind(name, string(inst.ChannelType), token); err != nil {
		if errors.Is(err, channels.ErrTokenBound) {
			slog.Error("channel token conflict", "channel", name, "error", err)
			return
		}
		slog.Error("bind channel token failed", "channel", name, "error", err)
	}
}

// releaseBindings releases every active token binding held by instance.
func (s *server) releaseBindings(name string) {
	for _, b := range s.chans.ListBindings() {
		if b.InstanceID != name || b.Status == adapter.BindingReleased {
			continue
		}
		if _, err := s.chans.Unbind(b.ID); err != nil {
			slog.Warn("unbind channel failed", "channel", name, "error", err)
		}
	}
}

func (s *server) removeChannel(name string) {
	s.releaseBindings(name)
	for _, id := range s.chans.AgentsFor(name) {
		s.chans.Unassign(id, name)
	}
	s.chans.DeleteConfig(name)
	slog.Info("channel removed", "channel", name)
}

func agentConfig(name string, def config.AgentDefinition) (adapter.AgentConfig, error) {
	cfg := adapter.AgentConfig{
		Name:       name,
		Capability: def.Capability,
		Executable: def.Executable,
		Args:       def.Args,
		Image:      def.Image,
		Env:        def.Env,
		Channels:   def.Channels,
	}
	if def.Runtime != "" {
		rt, err := adapter.ParseRuntime(def.Runtime)
		if err != nil {
			return adapter.AgentConfig{}, err
		}
		cfg.Runtime = rt
	}
	return cfg, nil
}

// deployAgent deploys a configured agent and assigns its channels. Failures
// are logged so one bad agent does not keep the rest from starting.
func (s *server) deployAgent(ctx context.Context, name string, def config.AgentDefinition) {
	cfg, err := agentConfig(name, def)
	if err != nil {
		slog.Error("invalid agent", "agent", name, "error", err)
		return
	}
	a, err := s.fleet.Deploy(ctx, cfg)
	if err != nil {
		slog.Error("deploy agent failed", "agent", name, "error", err)
		return
	}
	s.agents[name] = a.Handle.ID
	for _, ch := range cfg.Channels {
		if _, ok := s.chans.GetConfig(ch); !ok {
			slog.Warn("agent references unknown channel", "agent", name, "channel", ch)
			continue
		}
		s.chans.Assign(a.Handle.ID, ch)
	}
}

// undeployAgent stops a configured agent and releases its channels. With
// forget set the fleet record is dropped as well.
func (s *server) undeployAgent(ctx context.Context, name string, forget bool) {
	id, ok := s.agents[name]
	if !ok {
		a, found := s.fleet.FindByName(name)
		if !found {
			return
		}
		id = a.Handle.ID
	}
	for _, ch := range s.chans.Assignments(id) {
		s.chans.Unassign(id, ch)
	}
	if err := s.fleet.Stop(ctx, id); err != nil {
		slog.Warn("stop agent failed", "agent", name, "error", err)
	}
	delete(s.agents, name)
	if forget {
		if err := s.fleet.Remove(id); err != nil {
			slog.Warn("remove agent failed", "agent", name, "error", err)
		}
	}
}

// reload re-reads the config file and applies what can change at runtime.
func (s *server) reload(ctx context.Context) {
	slog.Info("reloading config")
	next, err := config.Load()
	if err != nil {
		slog.Error("reload failed, keeping current config", "error", err)
		return
	}

	d := config.Diff(s.cfg, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config field changed but requires restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config unchanged")
		s.cfg = next
		return
	}

	if d.LogLevelChanged {
		logLevel.Set(parseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MonitorChanged {
		if err := s.mon.UpdateSchedule(d.NewSchedule); err != nil {
			slog.Error("invalid monitor schedule", "schedule", d.NewSchedule, "error", err)
		}
	}
	if d.AllowFromChanged && s.bot != nil {
		s.bot.SetAllowFrom(d.NewAllowFrom)
		slog.Info("telegram allow-list updated", "users", len(d.NewAllowFrom))
	}
	if d.RuntimesChanged {
		s.reloadRuntimes(ctx, d.NewRuntimes)
	}

	for _, name := range d.ChannelsRemoved {
		s.removeChannel(name)
	}
	for _, name := range d.ChannelsChanged {
		s.releaseBindings(name)
		s.applyChannel(name, next.Channels[name])
	}
	for _, name := range d.ChannelsAdded {
		s.applyChannel(name, next.Channels[name])
	}

	for _, name := range d.AgentsRemoved {
		s.undeployAgent(ctx, name, true)
	}
	for _, name := range d.AgentsChanged {
		s.undeployAgent(ctx, name, false)
		s.deployAgent(ctx, name, next.Agents[name])
	}
	for _, name := range d.AgentsAdded {
		s.deployAgent(ctx, name, next.Agents[name])
	}

	s.cfg = next
	slog.Info("config reloaded",
		"agents_added", len(d.AgentsAdded),
		"agents_removed", len(d.AgentsRemoved),
		"agents_changed", len(d.AgentsChanged),
		"channels_changed", len(d.ChannelsAdded)+len(d.ChannelsRemoved)+len(d.ChannelsChanged),
	)
}

// reloadRuntimes swaps every runtime adapter for one built from rc. Each
// adapter owns the handles it started, so running agents are stopped first
// and started again on the new adapter.
func (s *server) reloadRuntimes(ctx context.Context, rc config.RuntimesConfig) {
	s.procs.SetMode(process.Mode(rc.Mode))
	if s.ctrs == nil && s.procs.ResolveMode(rc.NoDocker) == process.ModeDocker {
		slog.Warn("docker mode requested but no container manager is running, restart to enable it")
	}

	halted := s.fleet.Suspend(ctx)
	for _, a := range claws.All(s.clawOptions(rc)) {
		s.reg.RegisterDynamic(a)
	}
	resumed := s.fleet.Resume(ctx, halted)
	s.disc.SetHints(discovery.PortHints(s.reg.ListMetadata()))
	slog.Info("runtimes reloaded", "halted", len(halted), "resumed", resumed)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
