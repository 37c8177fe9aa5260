package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/residence-form-bot/internal/browser"
	"github.com/polzovatel/residence-form-bot/internal/captcha"
	"github.com/polzovatel/residence-form-bot/internal/config"
	"github.com/polzovatel/residence-form-bot/internal/runner"
	"github.com/polzovatel/residence-form-bot/internal/snapshot"
)

type cliOptions struct {
	configPath     string
	applicantsPath string
	parallel       int
	watch          bool
	logLevel       string
}

func main() {
	opts := parseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(opts.logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", opts.logLevel).Msg("unknown log level, using info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if opts.applicantsPath == "" {
		log.Fatal().Msg("-applicants is required")
	}
	applicants, err := runner.LoadApplicants(opts.applicantsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("applicants")
	}
	log.Info().
		Int("applicants", len(applicants)).
		Str("form_url", cfg.FormURL).
		Dur("element_timeout", cfg.ElementTimeout()).
		Bool("timeslot_reversed", cfg.TimeslotSelectReversed).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher, err := browser.NewLauncher(ctx, browser.Options{
		WSEndpoint:    cfg.BrowserWSEndpoint,
		Headless:      cfg.Headless,
		ActionTimeout: cfg.ElementTimeout(),
	}, log.With().Str("comp", "browser").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	settings := runner.SettingsFrom(cfg)
	settings.Parallel = opts.parallel
	runOpts := []runner.Option{runner.WithLogger(log.With().Str("comp", "runner").Logger())}

	if cfg.AntiCaptchaClientKey != "" {
		solver, err := captcha.NewAntiCaptcha(cfg.AntiCaptchaClientKey,
			captcha.WithSolverLogger(log.With().Str("comp", "anticaptcha").Logger()))
		if err != nil {
			log.Fatal().Err(err).Msg("captcha solver")
		}
		runOpts = append(runOpts, runner.WithSolver(solver))
	} else {
		log.Warn().Msg("ANTI_CAPTCHA_CLIENT_KEY is empty, submitting without captcha")
	}
	if cfg.SnapshotS3Bucket != "" {
		sink, err := snapshot.NewS3Sink(cfg.AWSRegion, cfg.SnapshotS3Bucket)
		if err != nil {
			log.Fatal().Err(err).Msg("snapshot sink")
		}
		runOpts = append(runOpts, runner.WithSink(sink))
	}

	r := runner.New(settings, launcher, runOpts...)
	run := r.Run
	if opts.watch {
		run = r.Watch
	}
	results, err := run(ctx, applicants)
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = "failed: " + res.Err.Error()
		}
		fmt.Printf("%s %s %s: handled=%t %s\n", res.Workflow, res.Applicant.FirstName, res.Applicant.LastName, res.Handled, status)
	}
	if err != nil {
		log.Error().Err(err).Msg("run finished with errors")
		stop()
		launcher.Close()
		os.Exit(1)
	}
}

func parseFlags() cliOptions {
	cfgPath := flag.String("config", "", "Path to YAML config (optional)")
	applicants := flag.String("applicants", "", "Path to YAML applicants file")
	parallel := flag.Int("parallel", 1, "Workflows run at once, each with its own browser context")
	watch := flag.Bool("watch", false, "Retry failed applicants every FORM_REFRESH_PERIOD_IN_SECONDS")
	level := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()
	return cliOptions{
		configPath:     strings.TrimSpace(*cfgPath),
		applicantsPath: strings.TrimSpace(*applicants),
		parallel:       *parallel,
		watch:          *watch,
		logLevel:       strings.TrimSpace(*level),
	}
}
