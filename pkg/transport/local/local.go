// Package local drives a directly attached BLE radio via
// tinygo.org/x/bluetooth.
package local

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/transport"
)

// DefaultServiceProbes are the advertised service identifiers probed during
// scanning. Advertisements only answer membership queries, so the scanner
// tests the services the supported vendors are known to advertise.
var DefaultServiceProbes = []string{"181b", "181d", "78b2", "ffe0", "ffe5"}

// Options configures the local transport.
type Options struct {
	// ServiceProbes overrides DefaultServiceProbes.
	ServiceProbes []string

	// NotifyBuffer is the per-characteristic frame buffer size.
	NotifyBuffer int
}

// Local is the physical-radio transport. One connection at a time.
type Local struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger
	opts    Options

	mu      sync.Mutex
	enabled bool
	addrs   map[string]bluetooth.Address
	active  *conn
}

var _ transport.Transport = (*Local)(nil)

// New creates a local transport on the default adapter.
func New(opts Options, logger *logrus.Logger) *Local {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	if len(opts.ServiceProbes) == 0 {
		opts.ServiceProbes = DefaultServiceProbes
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = 16
	}

	t := &Local{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		opts:    opts,
		addrs:   make(map[string]bluetooth.Address),
	}
	t.adapter.SetConnectHandler(t.onConnectEvent)
	return t
}

// Ready powers the radio up, escalating through recovery attempts: plain
// retry, stop-scan-then-enable, settle-then-enable. If everything fails it
// logs and proceeds best-effort; the subsequent scan reports the fatal
// radio error if the adapter is truly gone.
func (t *Local) Ready(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}

	err := t.adapter.Enable()
	if err == nil {
		t.enabled = true
		return nil
	}
	t.logger.WithError(err).Warn("radio enable failed, retrying")

	if !sleepCtx(ctx, 500*time.Millisecond) {
		return ctx.Err()
	}
	if err = t.adapter.Enable(); err == nil {
		t.enabled = true
		return nil
	}

	t.logger.WithError(err).Warn("radio enable failed again, stopping scan and retrying")
	_ = t.adapter.StopScan()
	if err = t.adapter.Enable(); err == nil {
		t.enabled = true
		return nil
	}

	if !sleepCtx(ctx, 2*time.Second) {
		return ctx.Err()
	}
	if err = t.adapter.Enable(); err == nil {
		t.enabled = true
		return nil
	}

	t.logger.WithError(err).Error("radio could not be recovered, proceeding best-effort")
	return nil
}

// Scan streams discovered devices until the context is done. Devices are
// deduplicated by address; a device is re-emitted when a later advertisement
// carries a new name or different manufacturer data, since broadcast scales
// update measurements in the manufacturer record itself.
func (t *Local) Scan(ctx context.Context) (<-chan scalelink.DeviceInfo, error) {
	t.mu.Lock()
	if !t.enabled {
		if err := t.adapter.Enable(); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: local radio: %v", transport.ErrRadioUnavailable, err)
		}
		t.enabled = true
	}
	t.mu.Unlock()

	ch := make(chan scalelink.DeviceInfo, 8)
	seen := make(map[string]scalelink.DeviceInfo)
	var seenMu sync.Mutex

	go func() {
		<-ctx.Done()
		if err := t.adapter.StopScan(); err != nil {
			t.logger.WithError(err).Debug("stop scan")
		}
	}()

	go func() {
		defer close(ch)
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			dev := t.deviceInfo(res)

			seenMu.Lock()
			prev, known := seen[dev.Address]
			if known && prev.Name == dev.Name && bytes.Equal(prev.ManufacturerData, dev.ManufacturerData) {
				seenMu.Unlock()
				return
			}
			seen[dev.Address] = dev
			seenMu.Unlock()

			t.mu.Lock()
			t.addrs[dev.Address] = res.Address
			t.mu.Unlock()

			select {
			case ch <- dev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			t.logger.WithError(err).Warn("scan ended with error")
		}
	}()

	return ch, nil
}

func (t *Local) deviceInfo(res bluetooth.ScanResult) scalelink.DeviceInfo {
	dev := scalelink.DeviceInfo{
		Address: strings.ToUpper(res.Address.String()),
		Name:    res.LocalName(),
		RSSI:    int(res.RSSI),
	}

	for _, probe := range t.opts.ServiceProbes {
		if uuid, err := bluetooth.ParseUUID(expandUUID(probe)); err == nil {
			if res.HasServiceUUID(uuid) {
				dev.Services = append(dev.Services, scalelink.NormalizeUUID(probe))
			}
		}
	}

	if elems := res.ManufacturerData(); len(elems) > 0 {
		dev.ManufacturerID = elems[0].CompanyID
		dev.ManufacturerData = append([]byte(nil), elems[0].Data...)
	}
	return dev
}

// Connect dials a device previously observed by Scan. The local transport
// cannot connect to an address it has never seen advertise.
func (t *Local) Connect(ctx context.Context, dev scalelink.DeviceInfo) (transport.Connection, error) {
	t.mu.Lock()
	addr, ok := t.addrs[strings.ToUpper(dev.Address)]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s was not observed during a scan", dev.Address)
	}

	type dialResult struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- dialResult{device, err}
	}()

	var device bluetooth.Device
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", dev.Address, res.err)
		}
		device = res.device
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: connecting to %s", transport.ErrTimeout, dev.Address)
	}

	c := &conn{
		transport: t,
		address:   strings.ToUpper(dev.Address),
		device:    device,
		chars:     make(map[string]bluetooth.DeviceCharacteristic),
		closed:    make(chan error, 1),
		buffer:    t.opts.NotifyBuffer,
		logger:    t.logger,
	}
	if err := c.discover(); err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	t.mu.Lock()
	t.active = c
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"chars":   len(c.infos),
	}).Info("connected to device")
	return c, nil
}

// onConnectEvent turns an unsolicited link loss into a Closed signal on the
// active connection.
func (t *Local) onConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	t.mu.Lock()
	c := t.active
	t.mu.Unlock()
	if c != nil && strings.EqualFold(device.Address.String(), c.address) {
		c.fail(fmt.Errorf("%w: device %s dropped the link", transport.ErrDisconnected, c.address))
	}
}

func (t *Local) Close() error {
	t.mu.Lock()
	c := t.active
	t.active = nil
	t.mu.Unlock()
	if c != nil {
		return c.Disconnect()
	}
	return nil
}

// conn is one live GATT session.
type conn struct {
	transport *Local
	address   string
	device    bluetooth.Device
	logger    *logrus.Logger
	buffer    int

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic
	infos []scalelink.Characteristic

	closeOnce sync.Once
	failOnce  sync.Once
	closed    chan error
	done      bool
}

var _ transport.Connection = (*conn)(nil)

func (c *conn) discover() error {
	services, err := c.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}
	for _, service := range services {
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			c.logger.WithError(err).WithField("service", service.UUID().String()).
				Debug("characteristic discovery failed")
			continue
		}
		for _, char := range chars {
			uuid := scalelink.NormalizeUUID(char.UUID().String())
			c.chars[uuid] = char
			c.infos = append(c.infos, scalelink.Characteristic{UUID: uuid})
		}
	}
	return nil
}

func (c *conn) Characteristics() []scalelink.Characteristic {
	return c.infos
}

func (c *conn) Subscribe(uuid string) (<-chan []byte, error) {
	char, ok := c.chars[scalelink.NormalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found on %s", uuid, c.address)
	}

	frames := make(chan []byte, c.buffer)
	err := char.EnableNotifications(func(buf []byte) {
		frame := append([]byte(nil), buf...)
		select {
		case frames <- frame:
		default:
			// Buffer full: drop the frame, fresher ones follow.
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", uuid, err)
	}
	return frames, nil
}

func (c *conn) Write(uuid string, data []byte) error {
	char, ok := c.chars[scalelink.NormalizeUUID(uuid)]
	if !ok {
		return fmt.Errorf("characteristic %s not found on %s", uuid, c.address)
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", uuid, err)
	}
	return nil
}

func (c *conn) Read(ctx context.Context, uuid string) ([]byte, error) {
	char, ok := c.chars[scalelink.NormalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found on %s", uuid, c.address)
	}

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 512)
		n, err := char.Read(buf)
		done <- readResult{buf[:n], err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", uuid, res.err)
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: reading %s", transport.ErrTimeout, uuid)
	}
}

func (c *conn) Closed() <-chan error {
	return c.closed
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done {
		return
	}
	c.failOnce.Do(func() {
		c.closed <- err
	})
}

func (c *conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.done = true
		c.mu.Unlock()

		c.transport.mu.Lock()
		if c.transport.active == c {
			c.transport.active = nil
		}
		c.transport.mu.Unlock()

		err = c.device.Disconnect()
		c.logger.WithField("address", c.address).Debug("disconnected")
	})
	return err
}

// expandUUID turns a 16-bit identifier into the dashed 128-bit form
// bluetooth.ParseUUID accepts; full UUIDs pass through.
func expandUUID(uuid string) string {
	norm := scalelink.NormalizeUUID(uuid)
	return norm[0:8] + "-" + norm[8:12] + "-" + norm[12:16] + "-" + norm[16:20] + "-" + norm[20:32]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
