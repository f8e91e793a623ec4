// Package app wires the device together: SIP stack, catalog, media
// manager, registrar and the supervision tree.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"

	"github.com/sebas/gbnvr/internal/catalog"
	"github.com/sebas/gbnvr/internal/config"
	"github.com/sebas/gbnvr/internal/health"
	"github.com/sebas/gbnvr/internal/media"
	"github.com/sebas/gbnvr/internal/metrics"
	"github.com/sebas/gbnvr/internal/signaling"
	"github.com/sebas/gbnvr/internal/signaling/dialog"
	"github.com/sebas/gbnvr/internal/signaling/registrar"
)

// App owns every component of the running device.
type App struct {
	cfg *config.Config

	ua     *sipgo.UserAgent
	client *sipgo.Client

	catalog    *catalog.Store
	scanner    *catalog.Scanner
	media      *media.Manager
	reg        *registrar.Registrar
	sig        *signaling.Server
	keepaliver *signaling.Keepaliver
	tree       *health.Tree
}

// New builds the device from configuration. Nothing is listening until
// Run.
func New(cfg *config.Config) (*App, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("create SIP server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("create SIP client: %w", err)
	}

	cat := catalog.NewStore(cfg.Catalog.MaxItems)
	addStaticChannels(cat, cfg)
	scanner := catalog.NewScanner(cat, cfg.StreamDirectory, cfg.Device.ID, cfg.Catalog.ScanInterval, cfg.Media.LoopFiles)

	ports := media.NewPortPool(cfg.Media.PortMin, cfg.Media.PortMax)
	runner := media.NewLocalRunner(nil)
	mediaMgr := media.NewManager(runner, ports, cfg.Media.MaxRestarts)

	reg := registrar.New(client, cfg.SIP)
	sig := signaling.NewServer(cfg, srv, client, cat, mediaMgr, reg)
	keepaliver := signaling.NewKeepaliver(sig.Originator, reg, cfg.Device.ID,
		time.Duration(cfg.SIP.KeepaliveInterval)*time.Second)

	tree := health.NewTree(slog.Default(), health.DefaultTreeConfig())
	tree.AddSignalingService(sig)
	tree.AddSignalingService(reg)
	tree.AddSignalingService(keepaliver)
	tree.AddSupportService(scanner)
	if cfg.Metrics.Listen != "" {
		tree.AddSupportService(metrics.NewServer(cfg.Metrics.Listen))
	}

	return &App{
		cfg:        cfg,
		ua:         ua,
		client:     client,
		catalog:    cat,
		scanner:    scanner,
		media:      mediaMgr,
		reg:        reg,
		sig:        sig,
		keepaliver: keepaliver,
		tree:       tree,
	}, nil
}

// addStaticChannels registers the configured RTSP feeds as catalog
// channels. File channels come from the scanner.
func addStaticChannels(cat *catalog.Store, cfg *config.Config) {
	serial := 0
	for _, src := range cfg.RTSPSources {
		if !src.Enabled {
			continue
		}
		serial++

		id := src.ChannelID
		if id == "" {
			// Live channels get serials from 900 up so they never
			// collide with scanned file channels.
			id = fmt.Sprintf("%s%03d", cfg.Device.ID[:17], 900+serial)
		}
		name := src.Name
		if name == "" {
			name = fmt.Sprintf("Live %d", serial)
		}

		cat.AddStatic(catalog.Channel{
			ID:     id,
			Name:   name,
			Handle: src.URL,
			Kind:   catalog.SourceRTSP,
			Status: catalog.StatusOn,
		})
		slog.Info("[App] Live channel registered", "channel", id, "url", src.URL)
	}
}

// Run serves the device until ctx is cancelled, then performs the
// graceful shutdown sequence.
func (a *App) Run(ctx context.Context) error {
	slog.Info("[App] Starting",
		"device_id", a.cfg.Device.ID,
		"server", a.cfg.SIP.ServerAddr(),
		"transport", a.cfg.SIP.Transport,
	)

	treeCtx, cancelTree := context.WithCancel(context.Background())
	defer cancelTree()
	errCh := a.tree.ServeBackground(treeCtx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.shutdown()
	cancelTree()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
	case <-time.After(a.tree.ShutdownTimeout()):
		slog.Warn("[App] Supervision tree did not stop in time")
	}
	return nil
}

// shutdown runs the graceful sequence while the SIP stack is still
// alive: stop accepting INVITEs, BYE every dialog, stop media, then
// deregister.
func (a *App) shutdown() {
	slog.Info("[App] Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), a.tree.ShutdownTimeout())
	defer cancel()

	a.sig.StopAccepting()
	a.sig.Dialogs.TerminateAll(dialog.ReasonShutdown)
	a.media.StopAll()

	if err := a.reg.Unregister(sctx); err != nil {
		slog.Warn("[App] Deregistration failed", "error", err)
	}
	a.sig.Subscriptions.Close()
	a.sig.Dialogs.Close()
}

// Close releases the SIP stack.
func (a *App) Close() {
	if a.ua != nil {
		a.ua.Close()
	}
}
