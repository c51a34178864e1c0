package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/elonfeng/flowtrends/internal/config"
	"github.com/elonfeng/flowtrends/internal/scheduler"
	"github.com/elonfeng/flowtrends/internal/store"
	"github.com/elonfeng/flowtrends/pkg/alert"
	"github.com/elonfeng/flowtrends/pkg/rank"
	"github.com/elonfeng/flowtrends/pkg/refresh"
	"github.com/elonfeng/flowtrends/pkg/score"
	"github.com/elonfeng/flowtrends/pkg/server"
	"github.com/elonfeng/flowtrends/pkg/source"
	"golang.org/x/sync/errgroup"
)

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     store.Store
}

func loadApp() (*app, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	db, err := store.Open(store.Options{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, db: db}, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) ranker() *rank.Ranker {
	return rank.New(a.db, score.New(a.cfg.Scoring))
}

func (a *app) scheduler(collectors []source.Collector) (*scheduler.Scheduler, error) {
	return scheduler.New(
		collectors,
		refresh.New(a.db, a.logger),
		buildAlertManager(a.cfg),
		a.logger,
		scheduler.Options{
			Spec:          a.cfg.Schedule.Refresh,
			Timeout:       a.cfg.Schedule.ParseTimeout(),
			RunOnStart:    a.cfg.Schedule.RunOnStart,
			NotifySuccess: a.cfg.Alerts.NotifySuccess,
		},
	)
}

func buildCollectors(cfg *config.Config) []source.Collector {
	filter := source.NewFilter(cfg.Filter.ExcludeTerms)
	var collectors []source.Collector

	if cfg.Sources.Trend.Enabled {
		collectors = append(collectors, source.NewFile(source.SourceTrend, cfg.Sources.Trend.File, filter))
	}
	if cfg.Sources.Forum.Enabled {
		collectors = append(collectors, source.NewDiscourse(cfg.Sources.Forum.Discourse(), filter))
	}
	if cfg.Sources.Video.Enabled {
		collectors = append(collectors, source.NewYouTube(cfg.Sources.Video.YouTube(), filter))
	}
	return collectors
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

// selectCollectors keeps the collectors named in wanted. Names may use the
// legacy aliases.
func selectCollectors(all []source.Collector, wanted []string) ([]source.Collector, error) {
	if len(wanted) == 0 {
		return all, nil
	}

	keep := make(map[source.SourceType]bool, len(wanted))
	for _, w := range wanted {
		st, err := source.ParseSourceType(w)
		if err != nil {
			return nil, err
		}
		keep[st] = true
	}

	var out []source.Collector
	for _, c := range all {
		if keep[c.Name()] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no enabled collectors for: %s", strings.Join(wanted, ", "))
	}
	return out, nil
}

func runCollect(ctx context.Context, wanted []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	collectors, err := selectCollectors(buildCollectors(a.cfg), wanted)
	if err != nil {
		return err
	}
	if len(collectors) == 0 {
		return errors.New("no collectors enabled; check the sources block of the config")
	}

	sched, err := a.scheduler(collectors)
	if err != nil {
		return err
	}
	if err := sched.RunOnce(ctx); err != nil {
		return err
	}

	for _, st := range sched.Status() {
		fmt.Fprintf(os.Stderr, "%s: %d records\n", st.Source, st.Records)
	}
	return nil
}

func runImport(ctx context.Context, src, path string) error {
	st, err := source.ParseSourceType(src)
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	raw, err := source.NewFile(st, path, source.NewFilter(a.cfg.Filter.ExcludeTerms)).Collect(ctx)
	if err != nil {
		return err
	}

	commit, err := refresh.New(a.db, a.logger).Refresh(ctx, st, raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "imported %d %s records (batch %s)\n", commit.Count, st, commit.BatchID)
	return nil
}

func runRank(ctx context.Context, src string, limit *int, jsonOutput bool) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	limits := a.cfg.Server.Limits.Rank()
	if limit != nil {
		limits = rank.Limits{Default: *limit}
	}

	ranked := make(map[source.SourceType][]rank.Result)
	if src != "" {
		st, err := source.ParseSourceType(src)
		if err != nil {
			return err
		}
		results, err := a.ranker().Rank(ctx, st, limits.For(st))
		if err != nil {
			return err
		}
		ranked[st] = results
	} else {
		ranked, err = a.ranker().RankAll(ctx, limits)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ranked)
	}
	return printRanking(os.Stdout, ranked)
}

func printRanking(w io.Writer, ranked map[source.SourceType][]rank.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tRANK\tSCORE\tLABEL\tPLATFORM")
	total := 0
	for _, st := range source.AllSourceTypes() {
		for i, r := range ranked[st] {
			fmt.Fprintf(tw, "%s\t%d\t%.2f\t%s\t%s\n", st, i+1, r.Score, r.Label, r.Platform)
			total++
		}
	}
	if total == 0 {
		fmt.Fprintln(w, "nothing ranked yet (try: flowtrends collect)")
		return nil
	}
	return tw.Flush()
}

func runServe(ctx context.Context, port int) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	return a.newServer(nil, port).ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	sched, err := a.scheduler(buildCollectors(a.cfg))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.newServer(sched, port).ListenAndServe(ctx)
	})

	err = g.Wait()
	a.logger.Info("shut down")
	return err
}

func (a *app) newServer(refresher server.Refresher, port int) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(a.ranker(), a.db, refresher, a.logger, server.Config{
		Port:   port,
		Limits: a.cfg.Server.Limits.Rank(),
	})
}
