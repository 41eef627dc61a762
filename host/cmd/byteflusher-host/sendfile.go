package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"byteflusher/host/sender"
)

func newSendFileCmd(a *app) *cobra.Command {
	d := sender.DefaultFileOptions()
	var (
		overwrite                          string
		keyDelay                           uint16
		lineDelay, commandDelay, chunkWait int
		runDialog, launch, bootstrap       int
		noDiag                             bool
	)
	opts := d

	cmd := &cobra.Command{
		Use:   "send-file <path>",
		Short: "Recreate a file or folder on a Windows computer through PowerShell",
		Long: `Send-file opens PowerShell through the Run dialog and types a small
bootstrap, then every file as base64 lines. PowerShell rebuilds each file
under the target dir and checks its SHA-256. A folder keeps its own name
under the target dir.

The target computer must use a US layout with its IME in English. Ctrl-C
aborts the job and types the cleanup of the work dir.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := sender.ParseOverwritePolicy(overwrite)
			if err != nil {
				return err
			}
			opts.Overwrite = policy
			opts.KeyDelayMs = keyDelay
			opts.LineDelay = ms(lineDelay)
			opts.CommandDelay = ms(commandDelay)
			opts.ChunkDelay = ms(chunkWait)
			opts.RunDialogDelay = ms(runDialog)
			opts.LaunchDelay = ms(launch)
			opts.BootstrapDelay = ms(bootstrap)
			opts.DiagLog = !noDiag

			files, err := sender.CollectFiles(args[0])
			if err != nil {
				return err
			}
			total := 0
			for _, f := range files {
				total += len(f.Data)
			}
			fmt.Fprintf(a.errOut, "%d files, %d bytes to %s\n", len(files), total, opts.TargetDir)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			runner, err := a.newRunner(ctx, false)
			if err != nil {
				return err
			}
			defer runner.Close()
			a.watch(ctx, runner, false)

			res, err := runner.SendFiles(ctx, files, opts)
			if errors.Is(err, sender.ErrAborted) {
				fmt.Fprintf(a.out, "aborted after %d of %d files\n", res.Files, len(files))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "sent %d files in %d lines (session %04x, %d retries)\n",
				res.Files, res.Lines, res.Session, res.Retries)
			printReconnects(a.errOut, res.Reconnects)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.TargetDir, "target-dir", d.TargetDir, `absolute Windows dir to write into, ASCII without spaces`)
	flags.StringVar(&overwrite, "overwrite", string(d.Overwrite), "existing files: fail, overwrite or backup")
	flags.IntVar(&opts.ChunkChars, "chunk-chars", d.ChunkChars, "base64 characters per line")
	flags.Uint16Var(&keyDelay, "key-delay", d.KeyDelayMs, "device ms per key while the job runs")
	flags.IntVar(&lineDelay, "line-delay", millis(d.LineDelay), "ms after each line")
	flags.IntVar(&commandDelay, "command-delay", millis(d.CommandDelay), "ms after each command line")
	flags.IntVar(&chunkWait, "chunk-wait", millis(d.ChunkDelay), "extra ms after each base64 line")
	flags.IntVar(&runDialog, "run-dialog-delay", millis(d.RunDialogDelay), "ms for the Run dialog to open")
	flags.IntVar(&launch, "launch-delay", millis(d.LaunchDelay), "ms for PowerShell to start")
	flags.IntVar(&bootstrap, "bootstrap-delay", millis(d.BootstrapDelay), "ms after the bootstrap runs")
	flags.BoolVar(&noDiag, "no-diag", false, "do not keep the last PowerShell error under the target dir")
	return cmd
}

func ms(n int) time.Duration {
	return time.Duration(max(0, n)) * time.Millisecond
}

func millis(d time.Duration) int {
	return int(d.Milliseconds())
}
