package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"byteflusher/host/device"
	"byteflusher/host/serial"
)

func newPortsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ports",
		Short:   "List serial ports usable for the wired bench link",
		Aliases: []string{"list", "ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			printPorts(a.out, ports)
			return nil
		},
	}
}

func printPorts(w io.Writer, ports []serial.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No serial ports found.")
		return
	}

	pick, _ := serial.PickDevice(ports)
	fmt.Fprintf(w, "Found %d serial port(s):\n", len(ports))
	for _, p := range ports {
		marker := " "
		if p.Name == pick {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s", marker, p.Name)
		if p.IsUSB {
			fmt.Fprintf(w, " [USB %s:%s]", p.VID, p.PID)
			if p.Product != "" {
				fmt.Fprintf(w, " %s", p.Product)
			}
			if p.SerialNumber != "" {
				fmt.Fprintf(w, " (SN: %s)", p.SerialNumber)
			}
		}
		fmt.Fprintln(w)
	}
	if pick != "" {
		fmt.Fprintln(w, "* used when --device is not given")
	}
}

func newScanCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List ByteFlushers advertising over Bluetooth LE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			adverts, err := device.Scan(ctx, nil)
			if err != nil {
				return err
			}
			if len(adverts) == 0 {
				fmt.Fprintln(a.out, "No ByteFlusher found.")
				return nil
			}
			for _, adv := range adverts {
				fmt.Fprintf(a.out, "%-24s %s  %d dBm\n", adv.Name, adv.Address.String(), adv.RSSI)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to listen")
	return cmd
}
