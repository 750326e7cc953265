package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pribylovaa/authsession/internal/models"
	"github.com/pribylovaa/authsession/internal/pkg/redact"
	"github.com/pribylovaa/authsession/internal/session"
	"github.com/pribylovaa/authsession/internal/storage"
)

// credentials читает -email/-password; пароль можно передать через AUTHSESSION_PASSWORD.
func credentials(fs *flag.FlagSet, args []string) (email, password string, err error) {
	fs.StringVar(&email, "email", "", "account email")
	fs.StringVar(&password, "password", os.Getenv("AUTHSESSION_PASSWORD"), "account password")

	if err := fs.Parse(args); err != nil {
		return "", "", fmt.Errorf("%w: %v", errUsage, err)
	}

	if email == "" || password == "" {
		return "", "", fmt.Errorf("%w: -email and -password are required", errUsage)
	}

	return email, password, nil
}

func runRegister(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fullName := fs.String("name", "", "full name")

	email, password, err := credentials(fs, args)
	if err != nil {
		return err
	}

	sess, err := a.manager.Register(ctx, models.RegisterRequest{
		Email:    email,
		Password: password,
		FullName: *fullName,
	})
	if err != nil {
		return err
	}

	return printJSON(sess.Profile)
}

func runLogin(ctx context.Context, a *app, args []string) error {
	email, password, err := credentials(flag.NewFlagSet("login", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	sess, err := a.manager.Login(ctx, email, password)
	if err != nil {
		return err
	}

	return printJSON(sess.Profile)
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	return a.manager.Logout(ctx)
}

func runMe(ctx context.Context, a *app, _ []string) error {
	if a.store.Get(ctx) == nil {
		return session.ErrNoSession
	}

	p, err := a.manager.RefreshProfile(ctx)
	if err != nil {
		return err
	}

	return printJSON(p)
}

func runRestore(ctx context.Context, a *app, _ []string) error {
	sess, done := a.manager.RestoreFromStorage(ctx)
	if sess != nil {
		a.log.Info("session_loaded",
			slog.String("user_id", sess.Profile.ID),
			slog.String("email", redact.Email(sess.Profile.Email)),
			slog.String("access_token", redact.Fingerprint(sess.AccessToken)),
		)
	}

	if err := <-done; err != nil {
		if errors.Is(err, session.ErrNoSession) {
			fmt.Println("no stored session")
			return nil
		}
		return err
	}

	return printJSON(a.manager.Current().Profile)
}

func runVerify(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	token := fs.String("token", "", "verification token")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *token == "" {
		return fmt.Errorf("%w: -token is required", errUsage)
	}

	// Сессия нужна, чтобы отметить профиль подтверждённым локально.
	if _, done := a.manager.RestoreFromStorage(ctx); done != nil {
		<-done
	}

	if err := a.manager.VerifyEmail(ctx, *token); err != nil {
		return err
	}

	fmt.Println("email verified")

	return nil
}

func runResend(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("resend", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *email == "" {
		return fmt.Errorf("%w: -email is required", errUsage)
	}

	if err := a.manager.ResendVerification(ctx, *email); err != nil {
		return err
	}

	fmt.Println("verification requested")

	return nil
}

// runWatch держит менеджер синхронизированным с хранилищем и событиями
// координатора до SIGINT/SIGTERM.
func runWatch(ctx context.Context, a *app, _ []string) error {
	stopMetrics := serveMetrics(a.cfg.Metrics, a.log)
	defer stopMetrics()

	sess, done := a.manager.RestoreFromStorage(ctx)
	if sess == nil {
		fmt.Println("no stored session, waiting for login")
	}
	go func() {
		if err := <-done; err != nil && !errors.Is(err, session.ErrNoSession) {
			a.log.Warn("restore_failed", slog.String("err", err.Error()))
		}
	}()

	var src session.Sources

	if w, ok := a.backend.(storage.Watcher); ok {
		changes, err := w.Watch(ctx)
		if err != nil {
			return err
		}
		src.Changes = changes
	} else {
		a.log.Warn("storage_watch_unsupported", slog.String("driver", a.cfg.Storage.Driver))
	}

	renewed, unsubRenewed := a.clients.Renewed.Subscribe(4)
	defer unsubRenewed()
	src.Renewed = renewed

	invalidated, unsubInvalidated := a.clients.Invalidated.Subscribe(4)
	defer unsubInvalidated()
	src.Invalidated = invalidated

	a.log.Info("watch_started")

	err := a.manager.Watch(ctx, src)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
