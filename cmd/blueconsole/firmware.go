package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/firmware"
)

// ErrRecoveryNeedsImage is returned when a device in recovery mode is
// upgraded without an explicit image.
var ErrRecoveryNeedsImage = errors.New("device is in recovery mode and cannot report its board; pass --image")

// firmwareCmd represents the firmware command
var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Check for and install firmware upgrades",
	Long: `Compare a board's firmware revision with the published release feed
and install newer images over the air.

The feed location is firmware.base_url in the config file.`,
}

var firmwareCheckCmd = &cobra.Command{
	Use:   "check <device>",
	Short: "Report whether newer firmware is available",
	Args:  cobra.ExactArgs(1),
	RunE:  runFirmwareCheck,
}

var firmwareUpgradeCmd = &cobra.Command{
	Use:   "upgrade <device>",
	Short: "Install the latest firmware, or a local image",
	Long: `Reboot the board into its bootloader and flash a new image.

Without --image the latest published release is downloaded first, and the
command does nothing when the board is already up to date. A board stuck
in recovery mode can only be flashed with --image.`,
	Args: cobra.ExactArgs(1),
	RunE: runFirmwareUpgrade,
}

var firmwareImage string

func init() {
	firmwareUpgradeCmd.Flags().StringVar(&firmwareImage, "image", "", "Flash this image file instead of the latest release")

	firmwareCmd.AddCommand(firmwareCheckCmd)
	firmwareCmd.AddCommand(firmwareUpgradeCmd)
}

// firmwareRun holds a connected app and its coordinator.
type firmwareRun struct {
	*app
	coordinator *firmware.Coordinator
	cache       *firmware.Cache
	printer     *StatusPrinter
}

func startFirmware(ctx context.Context, cmd *cobra.Command, target string) (*firmwareRun, error) {
	cfg, logger, err := configure(cmd)
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	cache := firmware.NewCache()
	r := &firmwareRun{
		app:         a,
		cache:       cache,
		coordinator: firmware.NewCoordinator(a.console, cache, firmware.NewHTTPFeed(cfg.Firmware.BaseURL, cfg.Firmware.FetchTimeout), cfg.FirmwareOptions()),
		printer:     NewStatusPrinter(cmd.ErrOrStderr(), "\n"),
	}
	a.queue.Post(func() { a.console.OnStatus(r.printer.Print) })

	if _, err := a.connect(ctx, target); err != nil {
		a.Close()
		return nil, err
	}
	return r, nil
}

// detect runs the upgrade check and marks the console when one is found.
func (r *firmwareRun) detect(ctx context.Context) (bool, error) {
	return await(ctx, r.queue, func(done func(bool)) {
		r.coordinator.DetectUpgrade(ctx, func(upgrade bool) {
			if upgrade {
				r.console.SetStatus(console.StatusUpgradeAvailable)
			}
			done(upgrade)
		})
	})
}

func runFirmwareCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	r, err := startFirmware(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	if r.status(ctx) == console.StatusRecoveryMode {
		fmt.Fprintln(out, "Device is in recovery mode. Flash it with 'blueconsole firmware upgrade --image'.")
		return nil
	}

	upgrade, err := r.detect(ctx)
	if err != nil {
		return err
	}
	if !upgrade {
		fmt.Fprintln(out, "No firmware upgrade available.")
		return nil
	}
	img, _ := r.cache.Image()
	fmt.Fprintf(out, "Firmware upgrade available: %s (%d bytes)\n", img.Version, len(img.Data))
	return nil
}

func runFirmwareUpgrade(cmd *cobra.Command, args []string) error {
	var image []byte
	if firmwareImage != "" {
		data, err := os.ReadFile(firmwareImage)
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		if _, err := firmware.Identity(data); err != nil {
			return err
		}
		image = data
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	r, err := startFirmware(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer r.Close()
	defer r.printer.Finish()

	out := cmd.OutOrStdout()
	var ok bool
	switch {
	case image != nil:
		flasher := firmware.NewFlasher(r.console, r.cfg.FirmwareOptions().Flasher)
		ok, err = await(ctx, r.queue, func(done func(bool)) {
			flasher.Upgrade(image, done)
		})
	case r.status(ctx) == console.StatusRecoveryMode:
		return ErrRecoveryNeedsImage
	default:
		upgrade, derr := r.detect(ctx)
		if derr != nil {
			return derr
		}
		if !upgrade {
			fmt.Fprintln(out, "Firmware is already up to date.")
			return nil
		}
		// The flasher reconnects across reboots itself, so link loss is
		// not fatal here. Its ack timeout bounds a dead transfer.
		ok, err = await(ctx, r.queue, r.coordinator.Upgrade)
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrUpgradeFailed
	}
	r.printer.Finish()
	fmt.Fprintln(out, "Firmware upgraded.")
	return nil
}
