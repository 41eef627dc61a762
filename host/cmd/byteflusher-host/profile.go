package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"byteflusher/host/config"
	"byteflusher/host/sender"
	"byteflusher/protocol"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, save or apply the host profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective profile (file plus flags)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(a.profile)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "# %s\n%s", a.configPath, data)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write the effective profile to the profile file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(a.configPath, a.profile); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "saved %s\n", a.configPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Write the profile's typing timing and toggle key to the device",
		Long: `Apply sends the timing and toggle key without pause or abort flags, so a
paused device stays paused. The device stores the values and uses them after
a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			cfg := a.profile.DeviceConfig()
			packet := protocol.ConfigPacket{
				TypingDelayMs:     cfg.TypingDelayMs,
				ModeSwitchDelayMs: cfg.ModeSwitchDelayMs,
				KeyPressDelayMs:   cfg.KeyPressDelayMs,
				ToggleKey:         uint8(cfg.Toggle),
				HasToggleKey:      true,
			}
			if err := dev.Write(cmd.Context(), protocol.ChannelConfig, packet.Encode()); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintf(a.out, "typing %dms, mode switch %dms, key press %dms, toggle %s\n",
				cfg.TypingDelayMs, cfg.ModeSwitchDelayMs, cfg.KeyPressDelayMs, cfg.Toggle)
			return nil
		},
	})
	return cmd
}

func newMacroCmd(a *app) *cobra.Command {
	var script string

	cmd := &cobra.Command{
		Use:   "macro [script-file]",
		Short: "Run a macro script (Run dialog, Enter, Escape, typing, sleeps)",
		Long: `Macro runs a script of keyboard actions on the device. Statements are
separated by newlines or ';':

  esc | escape            press Escape
  open-run | run          press GUI+R
  enter                   press Enter
  english | force-english switch the input method to English
  type <text>             type ASCII text (quote to keep spaces or ';')
  sleep <ms | duration>   wait, up to 60s

Example:
  byteflusher-host macro -e 'esc; open-run; sleep 400; english; type notepad; enter'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := script
			switch {
			case script != "" && len(args) > 0:
				return fmt.Errorf("give a script file or -e, not both")
			case script == "":
				data, err := readInput(a.in, args)
				if err != nil {
					return err
				}
				src = string(data)
			}

			records, err := sender.ParseScript(src)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("script is empty")
			}

			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			opts := sender.OptionsFrom(a.profile)
			opts.Logger = a.log
			if err := sender.NewRunner(dev, opts).Macro(cmd.Context(), records); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "queued %d macro records\n", len(records))
			return nil
		},
	}
	cmd.Flags().StringVarP(&script, "exec", "e", "", "script text")
	return cmd
}

func newEstimateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "estimate [file]",
		Short: "Estimate how long typing a file takes, without a device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(a.in, args)
			if err != nil {
				return err
			}
			pre := sender.Prepare(string(raw), sender.PrepareOptionsFrom(a.profile))
			est := sender.EstimateJob(pre.Text, a.profile)

			var b strings.Builder
			fmt.Fprintf(&b, "bytes:         %d\n", est.Bytes)
			fmt.Fprintf(&b, "chunks:        %d (size %d, delay %dms)\n", est.Chunks, a.profile.ChunkSize, a.profile.ChunkDelayMs)
			fmt.Fprintf(&b, "keystrokes:    %d\n", est.Keystrokes)
			fmt.Fprintf(&b, "mode switches: %d\n", est.ModeSwitches)
			if pre.Replaced > 0 {
				fmt.Fprintf(&b, "replaced:      %d (with %q)\n", pre.Replaced, pre.Replacement)
			}
			fmt.Fprintf(&b, "device time:   %s\n", est.DeviceTime)
			fmt.Fprintf(&b, "transfer time: %s\n", est.TransferTime)
			fmt.Fprintf(&b, "estimate:      %s\n", est.Total)
			_, err = fmt.Fprint(a.out, b.String())
			return err
		},
	}
}
