package firmware

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blueconsole/internal/console"
	"github.com/srg/blueconsole/internal/device"
	"github.com/srg/blueconsole/internal/gatt"
	"github.com/srg/blueconsole/internal/groutine"
)

// DefaultFetchTimeout bounds each feed request.
const DefaultFetchTimeout = 30 * time.Second

// Options configures a Coordinator.
type Options struct {
	// FetchTimeout bounds each feed request. Zero leaves it to ctx.
	FetchTimeout time.Duration
	Flasher      FlasherOptions
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{FetchTimeout: DefaultFetchTimeout, Flasher: DefaultFlasherOptions()}
}

// Coordinator decides whether the console's device runs outdated firmware
// and drives the upgrade with the cached image.
type Coordinator struct {
	console *console.Session
	cache   *Cache
	feed    Feed
	opts    Options
	logger  *logrus.Logger
}

// NewCoordinator returns a coordinator for s sharing cache with others.
func NewCoordinator(s *console.Session, cache *Cache, feed Feed, opts Options) *Coordinator {
	if cache == nil {
		cache = NewCache()
	}
	return &Coordinator{
		console: s,
		cache:   cache,
		feed:    feed,
		opts:    opts,
		logger:  s.Logger(),
	}
}

// DetectUpgrade resolves cb with whether a newer image is cached for the
// bound device. Feed failures resolve as false. Devices in recovery mode
// cannot report a revision and always resolve false.
func (c *Coordinator) DetectUpgrade(ctx context.Context, cb func(bool)) {
	if cb == nil {
		cb = func(bool) {}
	}
	q := c.console.Queue()
	dev := c.console.Current()
	if dev == nil || c.console.IsRecoveryMode() {
		q.Post(func() { cb(false) })
		return
	}

	dev.Services(func(services map[string]*device.Service) {
		info, ok := services[gatt.DeviceInfoService]
		if !ok {
			c.logger.WithField("device", dev.ID()).Debug("No device information service")
			cb(false)
			return
		}
		revision, ok := info.Characteristic(gatt.FirmwareRevision)
		if !ok {
			c.logger.WithField("device", dev.ID()).Debug("No firmware revision characteristic")
			cb(false)
			return
		}
		dev.ReadCharacteristic(revision, func(data []byte) {
			if data == nil {
				cb(false)
				return
			}
			c.check(ctx, strings.TrimSpace(string(data)), cb)
		})
	})
}

func (c *Coordinator) check(ctx context.Context, current string, cb func(bool)) {
	log := c.logger.WithField("version", current)
	if upgrade, hit := c.cache.Lookup(current); hit {
		log.WithField("upgrade", upgrade).Debug("Firmware check answered from cache")
		cb(upgrade)
		return
	}
	board, date, ok := ParseVersion(current)
	if !ok {
		log.Warn("Unrecognized firmware revision")
		cb(false)
		return
	}
	if c.feed == nil {
		cb(false)
		return
	}

	q := c.console.Queue()
	groutine.GoSafe(ctx, "firmware-check", c.logger, func(ctx context.Context) {
		upgrade := c.fetch(ctx, board, date, current)
		q.Post(func() { cb(upgrade) })
	})
}

// fetch runs off the queue. Only the cache is shared with it.
func (c *Coordinator) fetch(ctx context.Context, board, date, current string) bool {
	log := c.logger.WithFields(logrus.Fields{"board": board, "date": date})

	fctx, cancel := c.fetchContext(ctx)
	latest, err := c.feed.LatestDate(fctx, board)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Firmware version check failed")
		return false
	}
	if latest <= date {
		log.WithField("latest", latest).Info("Firmware is up to date")
		c.cache.StoreCurrent(current)
		return false
	}

	fctx, cancel = c.fetchContext(ctx)
	data, err := c.feed.Image(fctx, board)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Firmware download failed")
		return false
	}
	c.cache.StoreImage(Image{Version: board + "/" + latest, Data: data})
	log.WithFields(logrus.Fields{
		"latest": latest,
		"bytes":  len(data),
	}).Info("Firmware upgrade available")
	return true
}

func (c *Coordinator) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.FetchTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.FetchTimeout)
	}
	return context.WithCancel(ctx)
}

// Upgrade flashes the cached image. Without one, cb resolves false.
func (c *Coordinator) Upgrade(cb func(bool)) {
	img, ok := c.cache.Image()
	if !ok {
		c.logger.Debug("No cached firmware image")
		if cb != nil {
			c.console.Queue().Post(func() { cb(false) })
		}
		return
	}
	c.logger.WithField("version", img.Version).Info("Upgrading firmware")
	NewFlasher(c.console, c.opts.Flasher).Upgrade(img.Data, cb)
}
