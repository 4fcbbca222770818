package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/monitor"
)

var (
	watchServer        string
	watchAccessToken   string
	watchAllowNavigate bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-token>",
	Short: "Run the client monitor against a session, reading signals from stdin",
	Long: `Run the reference client monitor. Each stdin line is one JSON signal, e.g.

  {"kind":"focus_lost","at":"2026-03-02T09:01:00Z"}
  {"kind":"keydown","key":"F12","at":"2026-03-02T09:01:05Z"}

Violations are reported over the session stream until the session ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "ws://localhost:8080", "proctor server base URL")
	watchCmd.Flags().StringVar(&watchAccessToken, "access-token", os.Getenv("PROCTOR_ACCESS_TOKEN"), "student bearer token")
	watchCmd.Flags().BoolVar(&watchAllowNavigate, "confirm-navigation", false, "answer yes when a navigate signal asks to leave")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchAccessToken == "" {
		return fmt.Errorf("an access token is required (--access-token or PROCTOR_ACCESS_TOKEN)")
	}
	streamURL, err := url.JoinPath(watchServer, "ws/v1/quiz-sessions", args[0], "stream")
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}

	log := logger.New(os.Stderr, "info", "pretty")
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter := monitor.NewWSReporter(streamURL, watchAccessToken, log)
	defer reporter.Close()

	signals := make(chan monitor.Signal)
	h := monitor.Start(ctx, monitor.Config{
		Reporter: reporter,
		Confirm:  func(context.Context) bool { return watchAllowNavigate },
		Signals:  signals,
		Log:      log,
	})
	defer h.Stop()

	go readSignals(ctx, cmd, signals, h.Done())

	select {
	case <-h.Done():
	case <-reporter.Ended():
		h.Stop()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "monitor stopped: %s\n", h.Reason())
	if o := h.LastOutcome(); o != nil {
		fmt.Fprintf(out, "last report: %s count=%d state=%s\n", o.Category, o.CountForCategory, o.State)
	}
	return nil
}

// readSignals feeds stdin lines to the monitor, closing signals at EOF.
func readSignals(ctx context.Context, cmd *cobra.Command, signals chan<- monitor.Signal, done <-chan struct{}) {
	defer close(signals)
	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		var s monitor.Signal
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping bad signal: %v\n", err)
			continue
		}
		if s.At.IsZero() {
			s.At = time.Now()
		}
		select {
		case signals <- s:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
