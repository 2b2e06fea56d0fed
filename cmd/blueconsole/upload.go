package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blueconsole/internal/upload"
)

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload <device> <file|->",
	Short: "Upload a BASIC program to a board",
	Long: `Replace the program on a board with the contents of a file, or of
stdin when the file is "-". The board's program is cleared with NEW first.

Examples:
  blueconsole upload BASIC#1 blink.bas
  cat blink.bas | blueconsole upload 00:11:22:33:44:55 -`,
	Args: cobra.ExactArgs(2),
	RunE: runUpload,
}

var uploadAckTimeout time.Duration

func init() {
	uploadCmd.Flags().DurationVar(&uploadAckTimeout, "ack-timeout", 0, "Fail when the board stays silent this long (default upload.ack_timeout from config)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, logger, err := configure(cmd)
	if err != nil {
		return err
	}

	program, name, err := openProgram(cmd, args[1])
	if err != nil {
		return err
	}
	defer program.Close()
	cmd.SilenceUsage = true

	opts := cfg.UploadOptions()
	if uploadAckTimeout > 0 {
		opts.AckTimeout = uploadAckTimeout
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	printer := NewStatusPrinter(cmd.ErrOrStderr(), "\n")
	defer printer.Finish()
	a.queue.Post(func() { a.console.OnStatus(printer.Print) })

	if _, err := a.connect(ctx, args[0]); err != nil {
		return err
	}

	var readErr error
	ok, err := a.awaitLinked(ctx, func(done func(bool)) {
		if readErr = upload.New(a.console, opts).UploadReader(program, done); readErr != nil {
			done(false)
		}
	})
	if err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUploadFailed, name)
	}
	printer.Finish()
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s\n", name)
	return nil
}

// openProgram opens path, or stdin for "-".
func openProgram(cmd *cobra.Command, path string) (io.ReadCloser, string, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open program: %w", err)
	}
	return f, path, nil
}
