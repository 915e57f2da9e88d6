package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"edunotify/internal/app"
)

const usage = `usage: notifyd [-config path] [-user id] [command]

commands:
  run        connect and deliver notifications until interrupted (default)
  test       connect and ask the backend for a test notification
  pref on    enable automatic opening of urgent notifications
  pref off   disable it
`

func main() {
	var (
		cfgPath string
		userID  string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&userID, "user", "", "user id to deliver notifications for")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	var err error
	switch cmd {
	case "run":
		err = run(ctx, cfgPath, userID)
	case "test":
		err = sendTest(ctx, cfgPath, userID)
	case "pref":
		err = setPref(ctx, cfgPath, flag.Arg(1))
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("-user is required")
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stop(a, app.StopStartupError)
		return err
	}
	if err := a.Connect(ctx, userID); err != nil {
		stop(a, app.StopStartupError)
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop(a, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func sendTest(ctx context.Context, cfgPath, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("-user is required")
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer stop(a, app.StopCommandDone)
	if err := a.Start(ctx); err != nil {
		return err
	}
	if err := a.Connect(ctx, userID); err != nil {
		return err
	}
	id, err := a.SendTest(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("test notification sent: %s (mode: %s)\n", id, a.Status().Mode)

	// Give the push channel a moment to display it before disconnecting.
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	return nil
}

func setPref(ctx context.Context, cfgPath, value string) error {
	var enabled bool
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "1":
		enabled = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("pref: expected on or off, got %q", value)
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer stop(a, app.StopCommandDone)
	if err := a.Preferences().Set(ctx, enabled); err != nil {
		return err
	}
	fmt.Printf("auto-open: %t\n", a.Preferences().Enabled(ctx))
	return nil
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

// watchdog pings systemd at half the configured watchdog interval.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
