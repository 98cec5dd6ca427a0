// Package acquire runs one measurement acquisition end to end: find a
// recognized scale over a transport, collect frames until the vendor
// adapter declares the reading complete, and hand back the reading with
// the adapter that produced it.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/transport"
)

// ErrNoMatch means the scan window closed without any device matching a
// registered adapter.
var ErrNoMatch = errors.New("no recognized scale found")

// Options bounds the stages of an acquisition.
type Options struct {
	// TargetAddress pins the acquisition to one device. Empty means take
	// the first recognized scale.
	TargetAddress string

	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	CompletionTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 15 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = 60 * time.Second
	}
}

// Result is one completed acquisition.
type Result struct {
	Device  scalelink.DeviceInfo
	Adapter scalelink.Adapter
	Reading scalelink.Reading

	// Broadcast is true when the reading was taken from advertisements
	// alone, without a GATT connection.
	Broadcast bool
}

// Acquirer runs acquisitions over a single transport.
type Acquirer struct {
	transport transport.Transport
	logger    *logrus.Logger
	opts      Options
}

func New(tr transport.Transport, logger *logrus.Logger, opts Options) *Acquirer {
	opts.applyDefaults()
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Acquirer{transport: tr, logger: logger, opts: opts}
}

// Acquire performs one measurement. Every acquisition gets a fresh adapter
// set so no decode state leaks between runs.
func (a *Acquirer) Acquire(ctx context.Context) (*Result, error) {
	adapters := scalelink.NewAdapterSet()

	if err := a.transport.Ready(ctx); err != nil {
		return nil, err
	}

	if a.opts.TargetAddress != "" {
		if dc, ok := a.transport.(transport.DirectConnector); ok && dc.DirectConnect() {
			res, err := a.acquireDirect(ctx, adapters)
			if err == nil {
				return res, nil
			}
			a.logger.WithError(err).Warn("direct connect failed, falling back to scan")
		}
	}

	return a.acquireScanned(ctx, adapters)
}

// acquireDirect dials the target address without scanning and picks the
// adapter whose notify characteristics the device actually exposes.
func (a *Acquirer) acquireDirect(ctx context.Context, adapters []scalelink.Adapter) (*Result, error) {
	dev := scalelink.DeviceInfo{Address: a.opts.TargetAddress}

	connectCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	conn, err := a.transport.Connect(connectCtx, dev)
	if err != nil {
		return nil, err
	}

	adapter := matchByCharacteristics(adapters, conn.Characteristics())
	if adapter == nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("%w: %s exposes none of the known scale characteristics",
			ErrNoMatch, a.opts.TargetAddress)
	}

	a.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"adapter": adapter.Name(),
	}).Info("matched scale by characteristic set")
	a.rememberScale(dev.Address)
	return a.collect(ctx, conn, adapter, dev)
}

// acquireScanned scans for devices and takes the first one a registered
// adapter claims, in adapter priority order per device.
func (a *Acquirer) acquireScanned(ctx context.Context, adapters []scalelink.Adapter) (*Result, error) {
	scanCtx, cancel := context.WithTimeout(ctx, a.opts.ScanTimeout)
	defer cancel()

	devices, err := a.transport.Scan(scanCtx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var matched *scalelink.DeviceInfo
	var adapter scalelink.Adapter

	for dev := range devices {
		seen[dev.Address] = struct{}{}
		if a.opts.TargetAddress != "" && !strings.EqualFold(dev.Address, a.opts.TargetAddress) {
			continue
		}

		if matched != nil {
			// Already claimed: only follow-up advertisements from the
			// matched broadcast scale are interesting.
			if dev.Address != matched.Address {
				continue
			}
			if res, done := a.tryBroadcast(adapter, dev); done {
				cancel()
				drain(devices)
				return res, nil
			}
			continue
		}

		for _, cand := range adapters {
			if cand.Matches(dev) {
				adapter = cand
				d := dev
				matched = &d
				break
			}
		}
		if matched == nil {
			continue
		}

		a.logger.WithFields(logrus.Fields{
			"address": matched.Address,
			"name":    matched.Name,
			"adapter": adapter.Name(),
		}).Info("recognized scale")
		a.rememberScale(matched.Address)

		if _, ok := adapter.(scalelink.BroadcastParser); ok && len(matched.ManufacturerData) > 0 {
			if res, done := a.tryBroadcast(adapter, *matched); done {
				cancel()
				drain(devices)
				return res, nil
			}
			// Incomplete broadcast reading: keep listening for further
			// advertisements until the scan window closes.
			continue
		}

		cancel()
		drain(devices)
		return a.connectAndCollect(ctx, adapter, *matched)
	}

	if matched != nil {
		// Broadcast scale never stabilized within the scan window; a
		// connection may still deliver the measurement.
		return a.connectAndCollect(ctx, adapter, *matched)
	}

	return nil, fmt.Errorf("%w: saw %d devices, none matched adapters [%s]",
		ErrNoMatch, len(seen), strings.Join(scalelink.AdapterNames(), ", "))
}

// tryBroadcast feeds one advertisement's manufacturer data to a broadcast
// adapter and reports whether it yielded a complete reading.
func (a *Acquirer) tryBroadcast(adapter scalelink.Adapter, dev scalelink.DeviceInfo) (*Result, bool) {
	bp, ok := adapter.(scalelink.BroadcastParser)
	if !ok || len(dev.ManufacturerData) == 0 {
		return nil, false
	}
	reading, present := bp.ParseBroadcast(dev.ManufacturerID, dev.ManufacturerData)
	if !present || !adapter.IsComplete(reading) {
		return nil, false
	}
	a.logger.WithFields(logrus.Fields{
		"address":   dev.Address,
		"weight_kg": reading.WeightKg,
	}).Info("measurement complete from broadcast")
	return &Result{Device: dev, Adapter: adapter, Reading: reading, Broadcast: true}, true
}

func (a *Acquirer) connectAndCollect(ctx context.Context, adapter scalelink.Adapter, dev scalelink.DeviceInfo) (*Result, error) {
	connectCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	conn, err := a.transport.Connect(connectCtx, dev)
	if err != nil {
		return nil, err
	}
	return a.collect(ctx, conn, adapter, dev)
}

// collect subscribes to the adapter's notify characteristics and feeds
// frames through the adapter until it declares the reading complete. The
// connection is released on every path.
func (a *Acquirer) collect(ctx context.Context, conn transport.Connection, adapter scalelink.Adapter, dev scalelink.DeviceInfo) (*Result, error) {
	defer func() {
		if err := conn.Disconnect(); err != nil {
			a.logger.WithError(err).Debug("disconnect after acquisition")
		}
	}()

	done := make(chan struct{})
	defer close(done)

	frames, err := a.subscribeAll(conn, adapter, done)
	if err != nil {
		return nil, err
	}

	stopUnlock := a.startUnlocker(conn, adapter)
	defer stopUnlock()

	timer := time.NewTimer(a.opts.CompletionTimeout)
	defer timer.Stop()

	for {
		select {
		case frame := <-frames:
			reading, present := adapter.ParseFrame(frame)
			if !present {
				continue
			}
			a.logger.WithFields(logrus.Fields{
				"weight_kg":     reading.WeightKg,
				"impedance_ohm": reading.ImpedanceOhm,
			}).Debug("partial reading")
			if adapter.IsComplete(reading) {
				return &Result{Device: dev, Adapter: adapter, Reading: reading}, nil
			}
		case err := <-conn.Closed():
			return nil, fmt.Errorf("scale %s dropped before the measurement completed: %w", dev.Address, err)
		case <-timer.C:
			return nil, fmt.Errorf("%w: no complete measurement from %s within %s (step on the scale and wait for it to settle)",
				transport.ErrTimeout, dev.Address, a.opts.CompletionTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// subscribeAll fans the adapter's notify characteristics into one channel.
// The fan-in goroutines live until done closes; transports keep their
// subscription channels open past Disconnect, so waiting for channel close
// would strand one goroutine per characteristic on every acquisition.
func (a *Acquirer) subscribeAll(conn transport.Connection, adapter scalelink.Adapter, done <-chan struct{}) (<-chan []byte, error) {
	merged := make(chan []byte, 16)
	for _, uuid := range adapter.NotifyUUIDs() {
		ch, err := conn.Subscribe(uuid)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", uuid, err)
		}
		go func(ch <-chan []byte) {
			for {
				select {
				case frame, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- frame:
					default:
					}
				case <-done:
					return
				}
			}
		}(ch)
	}
	return merged, nil
}

// startUnlocker keeps writing the vendor unlock payload while collection
// runs; some scales stop notifying without it. The returned func stops the
// writer.
func (a *Acquirer) startUnlocker(conn transport.Connection, adapter scalelink.Adapter) func() {
	ul, ok := adapter.(scalelink.Unlocker)
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ul.UnlockInterval())
		defer ticker.Stop()
		for {
			if err := conn.Write(ul.UnlockUUID(), ul.UnlockPayload()); err != nil {
				a.logger.WithError(err).Debug("unlock write failed")
			}
			select {
			case <-ticker.C:
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (a *Acquirer) rememberScale(address string) {
	added, all := rememberScale(address)
	if !added {
		return
	}
	if pub, ok := a.transport.(transport.KnownScalePublisher); ok {
		if err := pub.PublishKnownScales(all); err != nil {
			a.logger.WithError(err).Warn("could not publish known scales")
		}
	}
}

// matchByCharacteristics returns the highest-priority adapter whose notify
// characteristics are all present on the connection.
func matchByCharacteristics(adapters []scalelink.Adapter, chars []scalelink.Characteristic) scalelink.Adapter {
	present := make(map[string]struct{}, len(chars))
	for _, c := range chars {
		present[scalelink.NormalizeUUID(c.UUID)] = struct{}{}
	}
	for _, adapter := range adapters {
		all := true
		for _, uuid := range adapter.NotifyUUIDs() {
			if _, ok := present[scalelink.NormalizeUUID(uuid)]; !ok {
				all = false
				break
			}
		}
		if all && len(adapter.NotifyUUIDs()) > 0 {
			return adapter
		}
	}
	return nil
}

// drain discards the remainder of a scan stream so the transport's scan
// goroutine can exit.
func drain(devices <-chan scalelink.DeviceInfo) {
	go func() {
		for range devices {
		}
	}()
}
