package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"byteflusher/host/device"
	"byteflusher/host/sender"
	"byteflusher/settings"
)

// newControlCmd builds pause, resume and abort: a config write carrying the
// profile timing and the given flag bits
func newControlCmd(a *app, name, short string, flags uint8) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			if err := sender.WriteControl(cmd.Context(), dev, a.profile.DeviceConfig(), flags); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: ok\n", name)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how much text the device has buffered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			st, err := device.ReadStatus(cmd.Context(), dev)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "device:   %s\n", dev.Name())
			fmt.Fprintf(a.out, "capacity: %d\n", st.Capacity)
			fmt.Fprintf(a.out, "free:     %d\n", st.Free)
			fmt.Fprintf(a.out, "buffered: %d\n", st.Used())
			return nil
		},
	}
}

func newNicknameCmd(a *app) *cobra.Command {
	var clearName bool

	cmd := &cobra.Command{
		Use:   "nickname [name]",
		Short: "Show or set the name the device advertises",
		Long: `Without an argument, print the stored nickname. With one, store it: up to
12 characters from A-Z a-z 0-9 _ -, other characters are dropped. The device
advertises as ByteFlusher-<nickname>; --clear goes back to the id-based name.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearName && len(args) > 0 {
				return fmt.Errorf("give a name or --clear, not both")
			}

			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			if !clearName && len(args) == 0 {
				name, err := device.ReadNickname(cmd.Context(), dev)
				if err != nil {
					return err
				}
				if name == "" {
					fmt.Fprintln(a.out, "(none)")
				} else {
					fmt.Fprintln(a.out, name)
				}
				return nil
			}

			name := ""
			if !clearName {
				name = settings.SanitizeNickname([]byte(args[0]))
				if name == "" {
					return fmt.Errorf("nickname %q has no usable characters", args[0])
				}
			}
			if err := device.WriteNickname(cmd.Context(), dev, name); err != nil {
				return err
			}
			if name == "" {
				fmt.Fprintln(a.out, "nickname cleared")
			} else {
				fmt.Fprintf(a.out, "nickname set; advertising as %s\n", settings.DisplayName(nil, name))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearName, "clear", false, "remove the nickname")
	return cmd
}

func newBootloaderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bootloader",
		Short: "Reboot the device into its UF2 bootloader for a firmware update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()

			if err := device.EnterBootloader(cmd.Context(), dev); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "device is rebooting into the bootloader")
			return nil
		},
	}
}
