package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"byteflusher/host/device"
	"byteflusher/host/sender"
	"byteflusher/protocol"
)

const (
	controlTimeout = 5 * time.Second
	drainPoll      = 200 * time.Millisecond
)

func newSendCmd(a *app) *cobra.Command {
	var wait, keylog bool

	cmd := &cobra.Command{
		Use:   "send [file]",
		Short: "Type the contents of a file (or stdin) on the target computer",
		Long: `Send streams text to the device, which types it as keystrokes.

Text is read from the file argument, or from stdin when the argument is "-" or
missing. When the text comes from a file, stdin takes control lines while the
job runs: "p" pauses, "r" resumes and "a" aborts. Ctrl-C aborts the job and
drops whatever the device still has buffered.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromFile := len(args) == 1 && args[0] != "-"
			raw, err := readInput(a.in, args)
			if err != nil {
				return err
			}

			pre := sender.Prepare(string(raw), sender.PrepareOptionsFrom(a.profile))
			if pre.Replaced > 0 {
				fmt.Fprintf(a.errOut, "%d unsupported characters replaced with %q\n", pre.Replaced, pre.Replacement)
			}
			est := sender.EstimateJob(pre.Text, a.profile)
			fmt.Fprintf(a.errOut, "%d bytes, %d keys, %d mode switches, about %s\n",
				est.Bytes, est.Keystrokes, est.ModeSwitches, est.Total.Round(time.Second))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			runner, err := a.newRunner(ctx, keylog)
			if err != nil {
				return err
			}
			defer runner.Close()
			a.watch(ctx, runner, fromFile)

			res, err := runner.Send(ctx, []byte(pre.Text))
			if errors.Is(err, sender.ErrAborted) {
				fmt.Fprintf(a.out, "aborted after %d chunks\n", res.Chunks)
				return nil
			}
			if errors.Is(err, sender.ErrUndelivered) {
				fmt.Fprintln(a.errOut, "the device lost a chunk and stopped at the gap; resend from where typing ended")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "sent %d bytes in %d chunks (session %04x, %d retries)\n",
				res.Bytes, res.Chunks, res.Session, res.Retries)
			printReconnects(a.errOut, res.Reconnects)

			if wait {
				return waitDrained(ctx, runner)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the device has typed everything")
	cmd.Flags().BoolVar(&keylog, "keylog", false, "print the device's key log while typing")
	return cmd
}

// newRunner connects and wraps the device in a runner that reconnects to
// the same device when the link drops
func (a *app) newRunner(ctx context.Context, keylog bool) (*sender.Runner, error) {
	dev, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}

	pinned := a.profile
	pinned.Device = dev.Name()

	opts := sender.OptionsFrom(a.profile)
	opts.Logger = a.log
	opts.Reconnect = func(ctx context.Context) (device.Device, error) {
		return a.open(ctx, pinned)
	}
	if keylog {
		opts.OnKeyLog = func(rec protocol.KeyLogRecord) { printKeyLog(a.errOut, rec) }
	}
	return sender.NewRunner(dev, opts), nil
}

// watch aborts the job on Ctrl-C and, when stdin is free, takes control
// lines from it until ctx ends
func (a *app) watch(ctx context.Context, runner *sender.Runner, readStdin bool) {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		defer signal.Stop(interrupts)
		select {
		case <-interrupts:
			a.abort(runner)
		case <-ctx.Done():
		}
	}()
	if readStdin {
		go a.readControl(ctx, runner)
	}
}

func printReconnects(w io.Writer, n int) {
	if n > 0 {
		fmt.Fprintf(w, "link dropped %d times, job resumed after reconnecting\n", n)
	}
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}

// readControl applies p/r/a lines from stdin to the running job
func (a *app) readControl(ctx context.Context, runner *sender.Runner) {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "p", "pause":
			err = withTimeout(ctx, runner.Pause)
			fmt.Fprintln(a.errOut, "paused")
		case "r", "resume":
			err = withTimeout(ctx, runner.Resume)
			fmt.Fprintln(a.errOut, "resumed")
		case "a", "abort":
			a.abort(runner)
			return
		case "":
		default:
			fmt.Fprintln(a.errOut, "commands: p (pause), r (resume), a (abort)")
		}
		if err != nil {
			a.log.Warn("control write failed", "error", err)
		}
	}
}

func (a *app) abort(runner *sender.Runner) {
	fmt.Fprintln(a.errOut, "aborting")
	if err := withTimeout(context.Background(), runner.Abort); err != nil {
		a.log.Warn("abort not delivered", "error", err)
	}
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	return fn(ctx)
}

// waitDrained polls status until the device has nothing buffered
func waitDrained(ctx context.Context, runner *sender.Runner) error {
	for {
		st, err := runner.Status(ctx)
		if err != nil && !errors.Is(err, device.ErrReadTimeout) {
			return err
		}
		if err == nil && st.Used() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
}

func printKeyLog(w io.Writer, rec protocol.KeyLogRecord) {
	switch rec.Event {
	case protocol.EventKey:
		fmt.Fprintf(w, "[%8d] key %q (mod %02x code %02x)\n", rec.TimestampMs, rune(rec.Arg), rec.Modifier, rec.Keycode)
	case protocol.EventToggle:
		mode := "english"
		if rec.Arg == 1 {
			mode = "korean"
		}
		fmt.Fprintf(w, "[%8d] toggle -> %s\n", rec.TimestampMs, mode)
	case protocol.EventMacro:
		fmt.Fprintf(w, "[%8d] macro op %02x (mod %02x code %02x)\n", rec.TimestampMs, rec.Arg, rec.Modifier, rec.Keycode)
	}
}
