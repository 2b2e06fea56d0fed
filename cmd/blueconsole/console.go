package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/groutine"
	"github.com/srg/blueconsole/internal/ptyio"
)

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console <device>",
	Short: "Open an interactive console on a board",
	Long: `Connect to a board by address or advertised name and open its BASIC
console. Typed text is sent a line at a time; Backspace edits the line
until it is sent.

Press Ctrl+] to quit.

With --pty the console is exposed as a pseudo-terminal instead, so serial
tools can attach to it:

  blueconsole console BASIC#1 --pty
  screen /dev/pts/5`,
	Args: cobra.ExactArgs(1),
	RunE: runConsole,
}

const (
	keyQuit      = 0x1d // Ctrl+]
	keyEOT       = 0x04 // Ctrl+D
	keyBackspace = 0x08
	keyDelete    = 0x7f
)

var (
	consolePTY       bool
	consoleReconnect bool
)

func init() {
	consoleCmd.Flags().BoolVar(&consolePTY, "pty", false, "Expose the console as a pseudo-terminal")
	consoleCmd.Flags().BoolVar(&consoleReconnect, "reconnect", false, "Reconnect after an unexpected link loss (default console.reconnect from config)")
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, logger, err := configure(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	if consoleReconnect {
		cfg.Console.Reconnect = true
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	stdout := cmd.OutOrStdout()
	stdin, isTerminal := terminalInput(cmd)
	if isTerminal && !consolePTY {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set terminal to raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(os.Stdin.Fd()), state) }()
		stdout = &crlfWriter{w: stdout}
	}

	a, err := newApp(ctx, cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	eol := "\n"
	if _, raw := stdout.(*crlfWriter); raw {
		eol = "\r\n"
	}
	printer := NewStatusPrinter(cmd.ErrOrStderr(), eol)
	a.queue.Post(func() { a.console.OnStatus(printer.Print) })

	if _, err := a.connect(ctx, args[0]); err != nil {
		return err
	}
	if a.status(ctx) != console.StatusConnected {
		return ErrNoConsole
	}

	if consolePTY {
		return runPTYBridge(ctx, cmd, a)
	}

	feeder := &inputFeeder{echo: stdout}
	done := make(chan error, 1)
	groutine.Go(ctx, "console-stdin", func(ctx context.Context) {
		done <- pumpInput(ctx, stdin, a, feeder)
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// terminalInput returns stdin and whether it is an interactive terminal.
func terminalInput(cmd *cobra.Command) (io.Reader, bool) {
	in := cmd.InOrStdin()
	f, ok := in.(*os.File)
	return in, ok && term.IsTerminal(int(f.Fd()))
}

// pumpInput reads r until EOF, the quit key or the end of ctx and feeds
// the console.
func pumpInput(ctx context.Context, r io.Reader, a *app, f *inputFeeder) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			quit, err := await(ctx, a.queue, func(done func(bool)) {
				done(f.Feed(a.console, chunk))
			})
			if quit || err != nil {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
	}
}

// inputFeeder translates terminal keystrokes into console calls. A partial
// UTF-8 sequence at the end of a chunk is kept for the next one.
type inputFeeder struct {
	echo    io.Writer
	partial []byte
}

// Feed processes data on the dispatch queue and reports whether the quit
// key was seen.
func (f *inputFeeder) Feed(s *console.Session, data []byte) bool {
	data = append(f.partial, data...)
	f.partial = nil

	var text bytes.Buffer
	flushText := func() {
		if text.Len() == 0 {
			return
		}
		s.Write(text.String())
		if f.echo != nil {
			_, _ = f.echo.Write(text.Bytes())
		}
		text.Reset()
	}

	for len(data) > 0 {
		if !utf8.FullRune(data) {
			f.partial = append([]byte(nil), data...)
			break
		}
		r, size := utf8.DecodeRune(data)
		data = data[size:]

		switch r {
		case keyQuit, keyEOT:
			flushText()
			return true
		case keyBackspace, keyDelete:
			flushText()
			if s.Backspace() && f.echo != nil {
				_, _ = io.WriteString(f.echo, "\b \b")
			}
		case '\r':
			text.WriteRune('\n')
		default:
			text.WriteRune(r)
		}
	}
	flushText()
	return false
}

// crlfWriter turns "\n" into "\r\n" for a terminal in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// runPTYBridge routes the console through a pseudo-terminal until ctx ends.
func runPTYBridge(ctx context.Context, cmd *cobra.Command, a *app) error {
	feeder := &inputFeeder{}
	p, err := ptyio.Open(ctx, 0, a.logger, func(data []byte) {
		chunk := append([]byte(nil), data...)
		a.queue.Post(func() {
			// the quit key has no meaning for an attached serial tool
			feeder.Feed(a.console, bytes.ReplaceAll(chunk, []byte{keyQuit}, nil))
		})
	})
	if err != nil {
		return err
	}
	defer p.Close()

	// Text that arrived while connecting is replayed before live output.
	sink := &crlfWriter{w: p}
	a.queue.Post(func() {
		_, _ = sink.Write(a.transcript.Scrollback())
		a.transcript.SetOutput(sink)
	})
	defer a.transcript.SetOutput(nil)

	fmt.Fprintf(cmd.OutOrStdout(), "Console available at %s (Ctrl+C to stop)\n", p.TTYName())
	<-ctx.Done()
	return nil
}
