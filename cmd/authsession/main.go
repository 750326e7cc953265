package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pribylovaa/authsession/internal/config"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const usage = `usage: authsession [--config path] <command> [flags]

commands:
  serve-dev   run the local auth API
  register    create an account and store the session
  login       log in and store the session
  logout      log out and clear the stored session
  me          print the current profile (renews tokens when needed)
  restore     load the stored session and validate it
  verify      confirm email with a verification token
  resend      request a new verification token
  watch       follow session changes until interrupted
`

var errUsage = errors.New("usage")

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"register": runRegister,
	"login":    runLogin,
	"logout":   runLogout,
	"me":       runMe,
	"restore":  runRestore,
	"verify":   runVerify,
	"resend":   runResend,
	"watch":    runWatch,
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name, args := flag.Arg(0), flag.Args()[1:]

	var err error
	if name == "serve-dev" {
		err = runServeDev(ctx, cfg, log)
	} else {
		err = dispatch(ctx, cfg, log, name, args)
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		log.Error("command_failed", slog.String("command", name), slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfg *config.Config, log *slog.Logger, name string, args []string) error {
	run, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	defer a.Close()

	return run(ctx, a, args)
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
