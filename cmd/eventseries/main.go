package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"eventseries/internal/config"
	"eventseries/internal/ics"
	"eventseries/internal/lookahead"
	appLog "eventseries/internal/log"
	"eventseries/internal/materializer"
	"eventseries/internal/series"
	"eventseries/internal/store/sqlite"
	"eventseries/internal/web"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	importSrc  string
}

func main() {
	appLog.Info("eventseries starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"database", conf.DatabasePath,
		"default_timezone", conf.DefaultTimezone,
		"lookahead_cron", conf.LookaheadCron,
		"eager", conf.Materialize.Eager,
		"eager_count", conf.Materialize.EagerCount,
		"once", flags.once,
		"import", flags.importSrc != "",
	)

	db, err := sqlite.Open(conf.DatabasePath)
	if err != nil {
		appLog.Error("failed to open database", err, "path", conf.DatabasePath)
		os.Exit(1)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := materializer.New(db.Series(), db.Series(), db.Occurrences(), materializerConfig(conf.Materialize),
		materializer.WithRegisterer(reg))
	svc := series.NewService(db.Series(), db.Occurrences(), m,
		series.WithEagerMode(eagerMode(conf.Materialize.Eager)),
		series.WithDefaultTimeZone(conf.DefaultTimezone))
	defer svc.Wait()
	fetcher := ics.NewFetcher(conf.ImportTimeout)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if flags.importSrc != "" {
		if err := importCalendar(ctx, svc, fetcher, flags.importSrc); err != nil {
			appLog.Error("import failed", err, "source", flags.importSrc)
			os.Exit(1)
		}
		return
	}

	schedule := conf.LookaheadCron
	lookaheadOff := strings.EqualFold(schedule, "off")
	if lookaheadOff {
		schedule = lookahead.DefaultSchedule
	}
	job, err := lookahead.New(svc, m, schedule)
	if err != nil {
		appLog.Error("failed to schedule lookahead job", err)
		os.Exit(1)
	}

	if flags.once {
		if _, err := job.RunOnce(ctx); err != nil {
			appLog.Error("lookahead pass failed", err)
			os.Exit(1)
		}
		return
	}
	if !lookaheadOff {
		job.Start()
	}

	srv := web.NewServer(conf, svc, m, fetcher, reg)
	if err := srv.ListenAndServe(ctx); err != nil {
		appLog.Error("http server failed", err, "listen", conf.Listen)
	}

	if !lookaheadOff {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		job.Stop(stopCtx)
		stop()
	}
	appLog.Info("eventseries exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/eventseries/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one lookahead pass and exit")
	flag.StringVar(&cfg.importSrc, "import", "", "Import recurring events from an ICS file path or URL and exit")

	flag.Parse()

	return cfg
}

func materializerConfig(c config.MaterializeConfig) materializer.Config {
	return materializer.Config{
		EagerCount:  c.EagerCount,
		BatchSize:   c.BatchSize,
		ItemTimeout: c.ItemTimeout,
		NextWindow:  c.NextWindow,
		MaxGenerate: c.MaxGenerate,
	}
}

func eagerMode(s string) series.EagerMode {
	switch strings.ToLower(s) {
	case "sync":
		return series.EagerSync
	case "off":
		return series.EagerOff
	default:
		return series.EagerAsync
	}
}

func importCalendar(ctx context.Context, svc *series.Service, fetcher *ics.Fetcher, src string) error {
	var (
		payload []byte
		err     error
	)
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		payload, err = fetcher.Fetch(ctx, src)
	} else {
		payload, err = os.ReadFile(src)
	}
	if err != nil {
		return err
	}

	reqs, err := ics.ParseSeries(payload)
	if err != nil {
		return err
	}
	created := 0
	for _, req := range reqs {
		sr, err := svc.Create(ctx, req, "cli:import")
		if err != nil {
			appLog.Warn("series import skipped", "name", req.Name, "err", err)
			continue
		}
		created++
		appLog.Info("series imported", "slug", sr.Slug, "name", sr.Name)
	}
	appLog.Info("import finished", "series", len(reqs), "created", created)
	return nil
}
