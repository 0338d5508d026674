package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursecal/internal/api"
	"coursecal/internal/auth"
	"coursecal/internal/capture"
	"coursecal/internal/config"
	"coursecal/internal/events"
	"coursecal/internal/ics"
	appLog "coursecal/internal/log"
	"coursecal/internal/scheduler"
	"coursecal/internal/store"
	"coursecal/internal/web"
)

const version = "0.3.0"

type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
	importFrom string
	courseID   string
	snapshot   string
}

func main() {
	flags := parseFlags()

	if err := config.LoadDotEnv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
		os.Exit(1)
	}
	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("coursecal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"api", conf.API.BaseURL,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"backfill_days", conf.BackfillDays,
		"max_occurrences", conf.MaxOccurrences,
		"acting_role", conf.ActingRole,
	)

	client, err := api.NewClient(api.Config{
		BaseURL:       conf.API.BaseURL,
		Timeout:       conf.API.TimeoutDuration(),
		SessionCookie: conf.API.SessionCookie,
		CookieName:    conf.API.CookieName,
		Token:         conf.API.Token,
	})
	if err != nil {
		appLog.Error("failed to create API client", err)
		os.Exit(1)
	}

	day := 24 * time.Hour
	mgr := events.NewManager(client, events.WithWindow(
		time.Duration(conf.BackfillDays)*day,
		time.Duration(conf.HorizonDays)*day,
	))
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case flags.importFrom != "":
		err = runImport(ctx, mgr, conf, flags)
	case flags.once:
		err = runOnce(ctx, mgr, conf)
	default:
		err = serve(ctx, mgr, conf, flags)
	}
	if err != nil {
		appLog.Error("coursecal failed", err)
		os.Exit(1)
	}
	appLog.Info("coursecal exiting")
}

// runOnce lists the configured window and prints the upcoming occurrences.
func runOnce(ctx context.Context, mgr *events.Manager, conf *config.Config) error {
	if err := mgr.Refresh(ctx); err != nil {
		return err
	}
	for _, o := range mgr.Occurrences(conf.MaxOccurrences, time.Now()) {
		title := ""
		if o.Original != nil {
			title = o.Original.Title
		}
		fmt.Printf("%s  %s\n", o.Display, title)
	}
	return nil
}

// runImport creates events from an ICS file or URL.
func runImport(ctx context.Context, mgr *events.Manager, conf *config.Config, flags flagConfig) error {
	body, err := ics.Read(ctx, flags.importFrom)
	if err != nil {
		return err
	}
	items, err := ics.Parse(body, conf.Timezone)
	if err != nil {
		return err
	}
	res, err := ics.Import(ctx, mgr, items, flags.courseID, auth.ParseRole(conf.ActingRole))
	appLog.Info("ics import finished", "created", res.Created, "exceptions", res.Exceptions, "failed", res.Failed)
	return err
}

// serve runs the console and the refresh schedule until a signal arrives.
// Each scheduled refresh replaces what the console serves and, with
// -snapshot, retakes the PNG.
func serve(ctx context.Context, mgr *events.Manager, conf *config.Config, flags flagConfig) error {
	st, err := store.OpenFile(conf.StorePath)
	if err != nil {
		return err
	}
	srv := web.NewServer(conf, mgr, st)

	if err := srv.Refresh(ctx); err != nil {
		appLog.Warn("initial refresh failed; the console will retry on schedule", "err", err.Error())
	}

	var opts []scheduler.Option
	if d := conf.API.TimeoutDuration(); d > 0 {
		opts = append(opts, scheduler.WithRunTimeout(2*d))
	}
	if flags.snapshot != "" {
		go snapshot(ctx, conf, flags.snapshot, time.Second)
		opts = append(opts, scheduler.OnRefresh(func() {
			go snapshot(ctx, conf, flags.snapshot, 0)
		}))
	}

	sched, err := scheduler.New(conf.RefreshCron, srv, opts...)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	return web.StartServer(ctx, srv)
}

// snapshot captures /calendar after delay, which gives a starting server
// time to listen.
func snapshot(ctx context.Context, conf *config.Config, out string, delay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	opts := capture.Options{
		URL:        fmt.Sprintf("http://%s/calendar?days=%d", conf.Listen, conf.HorizonDays),
		OutputPath: out,
	}
	if conf.BasicAuth != nil {
		opts.Username, opts.Password = conf.BasicAuth.Username, conf.BasicAuth.Password
	}
	if err := capture.CalendarPNG(ctx, opts); err != nil {
		appLog.Error("calendar snapshot failed", err, "path", out)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "coursecal.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional dotenv file with COURSECAL_* overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Print the upcoming occurrences and exit")
	flag.StringVar(&cfg.importFrom, "import", "", "Create events from an ICS file or URL and exit")
	flag.StringVar(&cfg.courseID, "course", "", "Course id attached to imported events")
	flag.StringVar(&cfg.snapshot, "snapshot", "", "Write a PNG of /calendar to this path after startup")

	flag.Parse()

	return cfg
}
