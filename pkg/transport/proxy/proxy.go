// Package proxy drives a remote BLE radio through an MQTT bridge. The
// bridge firmware exposes the radio as request/response exchanges over a
// set of topics rooted at {prefix}/{deviceId}; this package re-implements
// the transport operations as correlated publishes and bounded waits.
package proxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/transport"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Options configures the proxy transport.
type Options struct {
	// BrokerURL is the MQTT broker, e.g. "tcp://broker.local:1883".
	BrokerURL string
	Username  string
	Password  string

	// ClientID identifies this host on the broker. Defaults to
	// "scalelink-" + DeviceID.
	ClientID string

	// TopicPrefix and DeviceID root the topic tree at
	// {TopicPrefix}/{DeviceID}.
	TopicPrefix string
	DeviceID    string

	// Bounded waits. Liveness, scan and connect are long (the bridge
	// rate-limits its radio); point-to-point reads are short.
	LivenessTimeout   time.Duration
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	DisconnectTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ClientID == "" {
		o.ClientID = "scalelink-" + o.DeviceID
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 30 * time.Second
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = 3 * time.Second
	}
}

// Proxy is the message-bus transport. One connection at a time.
type Proxy struct {
	client mqtt.Client
	opts   Options
	logger *logrus.Logger
	base   string

	mu          sync.Mutex
	statusKnown bool
	online      bool
	waiters     []chan bool  // liveness waiters
	watchers    []chan error // in-flight operations aborted on offline/error
	active      *conn
}

var _ transport.Transport = (*Proxy)(nil)
var _ transport.Beeper = (*Proxy)(nil)
var _ transport.KnownScalePublisher = (*Proxy)(nil)
var _ transport.DirectConnector = (*Proxy)(nil)

// New creates a proxy transport with its own paho client. Call Open before
// use.
func New(opts Options, logger *logrus.Logger) *Proxy {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	return NewWithClient(mqtt.NewClient(clientOpts), opts, logger)
}

// NewWithClient creates a proxy transport on an existing MQTT client.
func NewWithClient(client mqtt.Client, opts Options, logger *logrus.Logger) *Proxy {
	opts.applyDefaults()
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Proxy{
		client: client,
		opts:   opts,
		logger: logger,
		base:   opts.TopicPrefix + "/" + opts.DeviceID,
	}
}

func (p *Proxy) topic(suffix string) string {
	return p.base + "/" + suffix
}

// Open connects to the broker and starts watching the bridge status and
// error topics for the lifetime of the transport.
func (p *Proxy) Open(ctx context.Context) error {
	if err := p.waitToken(ctx, p.client.Connect(), "broker unreachable"); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrRadioUnavailable, err)
	}
	if err := p.subscribe(ctx, p.topic("status"), p.handleStatus); err != nil {
		return err
	}
	if err := p.subscribe(ctx, p.topic("error"), p.handleBridgeError); err != nil {
		return err
	}
	return nil
}

func (p *Proxy) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	online := string(msg.Payload()) == statusOnline

	p.mu.Lock()
	p.statusKnown = true
	p.online = online
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	p.logger.WithField("online", online).Debug("bridge status update")
	for _, w := range waiters {
		w <- online
	}
	if !online {
		p.abortAll(fmt.Errorf("%w: remote radio went offline", transport.ErrDisconnected))
	}
}

// handleBridgeError fails whatever is in flight: the firmware publishes an
// error instead of the expected response, so waiting out the timeout would
// only delay the same outcome.
func (p *Proxy) handleBridgeError(_ mqtt.Client, msg mqtt.Message) {
	p.logger.WithField("message", string(msg.Payload())).Warn("bridge reported error")
	p.abortAll(fmt.Errorf("remote radio error: %s", msg.Payload()))
}

// Ready waits for the retained bridge status to report online.
func (p *Proxy) Ready(ctx context.Context) error {
	p.mu.Lock()
	if p.statusKnown && p.online {
		p.mu.Unlock()
		return nil
	}
	w := make(chan bool, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.LivenessTimeout)
	defer timer.Stop()
	for {
		select {
		case online := <-w:
			if online {
				return nil
			}
			return fmt.Errorf("%w: remote radio %s reports offline", transport.ErrRadioUnavailable, p.opts.DeviceID)
		case <-timer.C:
			p.mu.Lock()
			known, online := p.statusKnown, p.online
			p.mu.Unlock()
			p.removeWaiter(w)
			if known && !online {
				return fmt.Errorf("%w: remote radio %s reports offline", transport.ErrRadioUnavailable, p.opts.DeviceID)
			}
			return fmt.Errorf("%w: no status from remote radio %s within %s (broker unreachable or bridge not running)",
				transport.ErrRadioUnavailable, p.opts.DeviceID, p.opts.LivenessTimeout)
		case <-ctx.Done():
			p.removeWaiter(w)
			return ctx.Err()
		}
	}
}

// removeWaiter drops a liveness waiter that gave up; without this, repeated
// Ready timeouts accumulate stale channels until the next status message.
func (p *Proxy) removeWaiter(w chan bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// scanEntry is the wire shape of one scan/results element.
type scanEntry struct {
	Address          string   `json:"address"`
	Name             string   `json:"name"`
	RSSI             int      `json:"rssi"`
	Services         []string `json:"services"`
	AddrType         int      `json:"addr_type"`
	ManufacturerID   *uint16  `json:"manufacturer_id"`
	ManufacturerData string   `json:"manufacturer_data"`
}

// Scan requests a scan cycle from the bridge and blocks until the result
// set arrives. The returned channel carries the full set and is closed.
func (p *Proxy) Scan(ctx context.Context) (<-chan scalelink.DeviceInfo, error) {
	if err := p.Ready(ctx); err != nil {
		return nil, err
	}

	resultsTopic := p.topic("scan/results")
	payload, err := p.request(ctx, requestSpec{
		publishTopic:  p.topic("scan/start"),
		payload:       []byte{},
		responseTopic: resultsTopic,
		timeout:       p.opts.ScanTimeout,
		cause:         "remote radio did not publish scan results (bridge busy or radio failing)",
	})
	if err != nil {
		return nil, err
	}

	var entries []scanEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("%w on %s: %v", transport.ErrMalformedMessage, resultsTopic, err)
	}

	ch := make(chan scalelink.DeviceInfo, len(entries))
	for _, e := range entries {
		dev := scalelink.DeviceInfo{
			Address:  e.Address,
			Name:     e.Name,
			RSSI:     e.RSSI,
			AddrType: e.AddrType,
		}
		for _, s := range e.Services {
			dev.Services = append(dev.Services, scalelink.NormalizeUUID(s))
		}
		if e.ManufacturerID != nil {
			dev.ManufacturerID = *e.ManufacturerID
			if data, err := hex.DecodeString(e.ManufacturerData); err == nil {
				dev.ManufacturerData = data
			}
		}
		ch <- dev
	}
	close(ch)

	p.logger.WithField("devices", len(entries)).Info("scan results received")
	return ch, nil
}

// connectedPayload is the wire shape of the connected message.
type connectedPayload struct {
	Chars []scalelink.Characteristic `json:"chars"`
}

// Connect asks the bridge to dial the device and discover its
// characteristic set.
func (p *Proxy) Connect(ctx context.Context, dev scalelink.DeviceInfo) (transport.Connection, error) {
	if err := p.Ready(ctx); err != nil {
		return nil, err
	}

	request, err := json.Marshal(map[string]any{
		"address":   dev.Address,
		"addr_type": dev.AddrType,
	})
	if err != nil {
		return nil, err
	}

	connectedTopic := p.topic("connected")
	payload, err := p.request(ctx, requestSpec{
		publishTopic:  p.topic("connect"),
		payload:       request,
		responseTopic: connectedTopic,
		timeout:       p.opts.ConnectTimeout,
		cause:         fmt.Sprintf("remote radio did not answer connect for %s (device out of range or gone)", dev.Address),
	})
	if err != nil {
		return nil, err
	}

	var connected connectedPayload
	if err := json.Unmarshal(payload, &connected); err != nil {
		return nil, fmt.Errorf("%w on %s: %v", transport.ErrMalformedMessage, connectedTopic, err)
	}

	c := &conn{
		proxy:   p,
		address: dev.Address,
		chars:   connected.Chars,
		closed:  make(chan error, 1),
	}
	c.abort = p.watch()
	go c.watchAbort()

	p.mu.Lock()
	p.active = c
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"chars":   len(connected.Chars),
	}).Info("bridge connected to device")
	return c, nil
}

// DirectConnect reports that, with a known target address, connecting first
// and matching by characteristics beats scanning: the bridge can dial an
// address it has not advertised this cycle.
func (p *Proxy) DirectConnect() bool {
	return true
}

// Beep asks the bridge for an audible cue.
func (p *Proxy) Beep(freqHz, durationMs, repeat int) error {
	payload, err := json.Marshal(map[string]int{
		"freq":        freqHz,
		"duration_ms": durationMs,
		"repeat":      repeat,
	})
	if err != nil {
		return err
	}
	return p.waitToken(context.Background(),
		p.client.Publish(p.topic("beep"), 0, false, payload), "broker unreachable")
}

// PublishMeasurement publishes a finished measurement for downstream
// consumers. Measurements are fleet-wide, not per bridge, so the topic
// sits directly under the prefix.
func (p *Proxy) PublishMeasurement(payload []byte) error {
	return p.waitToken(context.Background(),
		p.client.Publish(p.opts.TopicPrefix+"/measurements", 0, false, payload), "broker unreachable")
}

// PublishKnownScales retains the set of recognized scale addresses on the
// config topic so the bridge can give local feedback when one appears.
func (p *Proxy) PublishKnownScales(addresses []string) error {
	payload, err := json.Marshal(map[string][]string{"scales": addresses})
	if err != nil {
		return err
	}
	return p.waitToken(context.Background(),
		p.client.Publish(p.topic("config"), 0, true, payload), "broker unreachable")
}

// Close releases the broker session. The status/error watches are
// unsubscribed explicitly so a reused client carries nothing over.
func (p *Proxy) Close() error {
	p.mu.Lock()
	c := p.active
	p.mu.Unlock()
	if c != nil {
		_ = c.Disconnect()
	}
	_ = p.unsubscribe(p.topic("status"), p.topic("error"))
	p.client.Disconnect(250)
	return nil
}

// requestSpec describes one correlated request/response exchange.
type requestSpec struct {
	publishTopic  string
	payload       []byte
	responseTopic string
	timeout       time.Duration
	cause         string
}

// request subscribes to the response topic, publishes the request and waits
// for the correlated response, an abort (offline status, bridge error), the
// timeout or context cancellation. The response subscription and the abort
// watch are always removed before returning.
func (p *Proxy) request(ctx context.Context, spec requestSpec) ([]byte, error) {
	response := make(chan []byte, 1)
	err := p.subscribe(ctx, spec.responseTopic, func(_ mqtt.Client, msg mqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		select {
		case response <- payload:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = p.unsubscribe(spec.responseTopic) }()

	abort := p.watch()
	defer p.unwatch(abort)

	if err := p.waitToken(ctx, p.client.Publish(spec.publishTopic, 0, false, spec.payload), "broker unreachable"); err != nil {
		return nil, err
	}

	timer := time.NewTimer(spec.timeout)
	defer timer.Stop()
	select {
	case payload := <-response:
		return payload, nil
	case err := <-abort:
		return nil, err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s: %s", transport.ErrTimeout, spec.timeout, spec.cause)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Proxy) subscribe(ctx context.Context, topic string, handler mqtt.MessageHandler) error {
	return p.waitToken(ctx, p.client.Subscribe(topic, 0, handler), "broker unreachable")
}

func (p *Proxy) unsubscribe(topics ...string) error {
	token := p.client.Unsubscribe(topics...)
	token.WaitTimeout(2 * time.Second)
	return token.Error()
}

// waitToken bounds a paho token wait and folds broker failures into the
// error taxonomy.
func (p *Proxy) waitToken(ctx context.Context, token mqtt.Token, cause string) error {
	done := token.Done()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("%w: %s", transport.ErrTimeout, cause)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", cause, err)
	}
	return nil
}

// watch registers an abort channel signalled on offline status or bridge
// errors; unwatch must be called on every exit path.
func (p *Proxy) watch() chan error {
	ch := make(chan error, 1)
	p.mu.Lock()
	p.watchers = append(p.watchers, ch)
	p.mu.Unlock()
	return ch
}

func (p *Proxy) unwatch(ch chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.watchers {
		if w == ch {
			p.watchers = append(p.watchers[:i], p.watchers[i+1:]...)
			return
		}
	}
}

func (p *Proxy) abortAll(err error) {
	p.mu.Lock()
	watchers := append([]chan error(nil), p.watchers...)
	p.mu.Unlock()
	for _, w := range watchers {
		select {
		case w <- err:
		default:
		}
	}
}

// conn is one bridge-mediated GATT session.
type conn struct {
	proxy   *Proxy
	address string
	chars   []scalelink.Characteristic

	mu         sync.Mutex
	notifySubs []string

	abort     chan error
	closeOnce sync.Once
	failOnce  sync.Once
	closed    chan error
	done      bool
}

var _ transport.Connection = (*conn)(nil)

func (c *conn) watchAbort() {
	if err := <-c.abort; err != nil {
		c.fail(err)
	}
}

func (c *conn) Characteristics() []scalelink.Characteristic {
	return c.chars
}

func (c *conn) Subscribe(uuid string) (<-chan []byte, error) {
	norm := scalelink.NormalizeUUID(uuid)
	topic := c.proxy.topic("notify/" + norm)
	frames := make(chan []byte, 16)

	err := c.proxy.subscribe(context.Background(), topic, func(_ mqtt.Client, msg mqtt.Message) {
		frame := append([]byte(nil), msg.Payload()...)
		select {
		case frames <- frame:
		default:
			// Buffer full: drop the frame, fresher ones follow.
		}
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.notifySubs = append(c.notifySubs, topic)
	c.mu.Unlock()
	return frames, nil
}

func (c *conn) Write(uuid string, data []byte) error {
	topic := c.proxy.topic("write/" + scalelink.NormalizeUUID(uuid))
	return c.proxy.waitToken(context.Background(),
		c.proxy.client.Publish(topic, 0, false, data), "broker unreachable")
}

func (c *conn) Read(ctx context.Context, uuid string) ([]byte, error) {
	norm := scalelink.NormalizeUUID(uuid)
	return c.proxy.request(ctx, requestSpec{
		publishTopic:  c.proxy.topic("read/" + norm),
		payload:       []byte{},
		responseTopic: c.proxy.topic("read/" + norm + "/response"),
		timeout:       c.proxy.opts.RequestTimeout,
		cause:         fmt.Sprintf("remote radio did not answer read of %s", uuid),
	})
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

// Disconnect sends the disconnect command and tears down every topic
// handler this session registered, success or failure.
func (c *conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.done = true
		subs := c.notifySubs
		c.notifySubs = nil
		c.mu.Unlock()

		c.proxy.unwatch(c.abort)
		select {
		case c.abort <- nil: // release the abort watcher goroutine
		default:
		}

		if len(subs) > 0 {
			_ = c.proxy.unsubscribe(subs...)
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.proxy.opts.DisconnectTimeout)
		defer cancel()
		_, err = c.proxy.request(ctx, requestSpec{
			publishTopic:  c.proxy.topic("disconnect"),
			payload:       []byte{},
			responseTopic: c.proxy.topic("disconnected"),
			timeout:       c.proxy.opts.DisconnectTimeout,
			cause:         "remote radio did not confirm disconnect",
		})

		c.proxy.mu.Lock()
		if c.proxy.active == c {
			c.proxy.active = nil
		}
		c.proxy.mu.Unlock()

		c.proxy.logger.WithField("address", c.address).Debug("bridge session released")
	})
	return err
}
