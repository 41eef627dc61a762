// Command byteflusher-host streams text and macros to a ByteFlusher over BLE
// or the wired bench link
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"byteflusher/host/config"
	"byteflusher/host/device"
	"byteflusher/protocol"
)

func main() {
	a := newApp()
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the state shared by all commands
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// open connects to the device named by the profile
	open func(ctx context.Context, p config.Profile) (device.Device, error)

	configPath string
	verbose    bool
	overrides  overrides

	profile config.Profile
	log     *slog.Logger
}

func newApp() *app {
	return &app{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		open:   openDevice,
	}
}

func openDevice(ctx context.Context, p config.Profile) (device.Device, error) {
	switch p.Transport {
	case config.TransportSerial:
		return device.OpenWired(p.Device)
	default:
		return device.ConnectBLE(ctx, p.Device)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:               "byteflusher-host",
		Short:             "Type text on a computer through a ByteFlusher keyboard bridge",
		Version:           protocol.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "profile path (default $XDG_CONFIG_HOME/byteflusher/config.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	a.overrides.register(flags)

	root.AddCommand(
		newSendCmd(a),
		newSendFileCmd(a),
		newControlCmd(a, "pause", "Pause typing; buffered text is kept", protocol.FlagPaused),
		newControlCmd(a, "resume", "Resume typing", 0),
		newControlCmd(a, "abort", "Drop everything the device has buffered", protocol.FlagAbort),
		newStatusCmd(a),
		newConfigCmd(a),
		newMacroCmd(a),
		newEstimateCmd(a),
		newNicknameCmd(a),
		newBootloaderCmd(a),
		newPortsCmd(a),
		newScanCmd(a),
	)
	return root
}

// setup configures logging and loads the profile with flag overrides
func (a *app) setup(cmd *cobra.Command) error {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level}))

	if a.configPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return err
		}
		a.configPath = path
	}
	p, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	p, err = a.overrides.apply(cmd.Flags(), p)
	if err != nil {
		return err
	}
	a.profile = p
	a.log.Debug("profile loaded", "path", a.configPath, "transport", p.Transport, "device", p.Device)
	return nil
}

// connect opens the device, logging which one was picked
func (a *app) connect(ctx context.Context) (device.Device, error) {
	dev, err := a.open(ctx, a.profile)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	a.log.Info("connected", "device", dev.Name())
	return dev, nil
}
