package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blueconsole/internal/device"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby boards",
	Long: `Scan for Bluetooth Low Energy devices and list them with their
signal strength, strongest first.

Use --prefix to only show devices whose advertised name starts with the
given text, e.g. --prefix=BASIC.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanPrefix   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default scan.timeout from config)")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", "", "Only show devices whose name starts with this prefix (default scan.name_prefix from config)")
}

// scanEntry is a snapshot of one discovered device.
type scanEntry struct {
	ID   string
	Name string
	RSSI int
}

// scanResults collects discovery reports, keeping the latest RSSI per device.
type scanResults struct {
	prefix string

	mu      sync.Mutex
	entries map[string]scanEntry
}

func newScanResults(prefix string) *scanResults {
	return &scanResults{prefix: prefix, entries: make(map[string]scanEntry)}
}

// add runs on the dispatch queue.
func (r *scanResults) add(s *device.Session) {
	if r.prefix != "" && !strings.HasPrefix(s.Name(), r.prefix) {
		return
	}
	r.mu.Lock()
	r.entries[s.ID()] = scanEntry{ID: s.ID(), Name: s.Name(), RSSI: s.RSSI()}
	r.mu.Unlock()
}

// sorted returns the entries strongest signal first, then by identifier.
func (r *scanResults) sorted() []scanEntry {
	r.mu.Lock()
	out := make([]scanEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := configure(cmd)
	if err != nil {
		return err
	}
	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := cfg.Scan.Timeout
	if scanDuration > 0 {
		duration = scanDuration
	}
	prefix := cfg.Scan.NamePrefix
	if scanPrefix != "" {
		prefix = scanPrefix
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	results := newScanResults(prefix)
	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for BLE devices (%s)...\n", duration)
	a.queue.Post(func() {
		a.manager.FindDevices(results.add)
	})

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	a.queue.Post(a.manager.StopScan)

	entries := results.sorted()
	if err := displayDevices(cmd.OutOrStdout(), entries); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) && len(entries) == 0 {
		return ctx.Err()
	}
	return nil
}

func displayDevices(w io.Writer, entries []scanEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No devices found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI")
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", e.ID, name, e.RSSI)
	}
	return tw.Flush()
}
