package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodygraph/scalelink"
	"github.com/bodygraph/scalelink/pkg/transport"
)

// fakeToken is an already-completed paho token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishRecord struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient stands in for the broker: it records publishes, tracks
// subscription handlers, and lets tests inject inbound messages or wire up
// automatic responses keyed by publish topic.
type fakeClient struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []publishRecord
	responses map[string]func() (string, []byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handlers:  make(map[string]mqtt.MessageHandler),
		responses: make(map[string]func() (string, []byte)),
	}
}

func (f *fakeClient) IsConnected() bool       { return true }
func (f *fakeClient) IsConnectionOpen() bool  { return true }
func (f *fakeClient) Connect() mqtt.Token     { return newFakeToken(nil) }
func (f *fakeClient) Disconnect(quiesce uint) {}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	f.mu.Lock()
	f.published = append(f.published, publishRecord{topic: topic, payload: data, retained: retained})
	respond := f.responses[topic]
	f.mu.Unlock()
	if respond != nil {
		f.deliver(respond())
	}
	return newFakeToken(nil)
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.handlers[topic] = callback
	f.mu.Unlock()
	return newFakeToken(nil)
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	for topic := range filters {
		f.handlers[topic] = callback
	}
	f.mu.Unlock()
	return newFakeToken(nil)
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	f.mu.Unlock()
	return newFakeToken(nil)
}

func (f *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver invokes the handler registered for topic, as the broker would.
func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(f, &fakeMessage{topic: topic, payload: payload})
	}
}

// respondTo wires an automatic response to a publish on topic.
func (f *fakeClient) respondTo(topic string, responseTopic string, payload []byte) {
	f.mu.Lock()
	f.responses[topic] = func() (string, []byte) { return responseTopic, payload }
	f.mu.Unlock()
}

func (f *fakeClient) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeClient) publishedTo(topic string) []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishRecord
	for _, rec := range f.published {
		if rec.topic == topic {
			out = append(out, rec)
		}
	}
	return out
}

func newTestProxy(t *testing.T, fc *fakeClient, opts Options) *Proxy {
	t.Helper()
	opts.TopicPrefix = "blegw"
	opts.DeviceID = "hallway"
	p := NewWithClient(fc, opts, nil)
	require.NoError(t, p.Open(context.Background()))
	return p
}

func goOnline(fc *fakeClient) {
	fc.deliver("blegw/hallway/status", []byte("online"))
}

func TestReadyAfterOnlineStatus(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)

	require.NoError(t, p.Ready(context.Background()))
	// Cached after the first status, no further wait.
	require.NoError(t, p.Ready(context.Background()))
}

func TestReadyTimesOutWithoutStatus(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{LivenessTimeout: 50 * time.Millisecond})

	err := p.Ready(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrRadioUnavailable)
	assert.Contains(t, err.Error(), "no status")
}

func TestReadyTimeoutLeavesNoStaleWaiters(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{LivenessTimeout: 20 * time.Millisecond})

	for i := 0; i < 3; i++ {
		require.Error(t, p.Ready(context.Background()))
	}

	p.mu.Lock()
	waiting := len(p.waiters)
	p.mu.Unlock()
	assert.Zero(t, waiting, "timed-out liveness waits must deregister themselves")

	// A later status update still works and is not consumed by leftovers.
	goOnline(fc)
	require.NoError(t, p.Ready(context.Background()))
}

func TestReadyReportsRetainedOffline(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{LivenessTimeout: 50 * time.Millisecond})
	fc.deliver("blegw/hallway/status", []byte("offline"))

	err := p.Ready(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrRadioUnavailable)
	assert.Contains(t, err.Error(), "offline")
}

func TestScanParsesResults(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)

	fc.respondTo("blegw/hallway/scan/start", "blegw/hallway/scan/results", []byte(`[
		{"address":"C8:47:8C:11:22:33","name":"MIBFS","rssi":-61,
		 "services":["0000181b-0000-1000-8000-00805f9b34fb"],"addr_type":0,
		 "manufacturer_id":343,"manufacturer_data":"0226b20736"},
		{"address":"11:22:33:44:55:66","name":"","rssi":-80,"services":[],"addr_type":1}
	]`))

	ch, err := p.Scan(context.Background())
	require.NoError(t, err)

	var devices []scalelink.DeviceInfo
	for dev := range ch {
		devices = append(devices, dev)
	}
	require.Len(t, devices, 2)

	assert.Equal(t, "C8:47:8C:11:22:33", devices[0].Address)
	assert.Equal(t, "MIBFS", devices[0].Name)
	assert.Equal(t, -61, devices[0].RSSI)
	assert.True(t, devices[0].HasService("181b"))
	assert.Equal(t, uint16(343), devices[0].ManufacturerID)
	assert.Equal(t, []byte{0x02, 0x26, 0xb2, 0x07, 0x36}, devices[0].ManufacturerData)

	assert.Equal(t, 1, devices[1].AddrType)
	assert.Empty(t, devices[1].ManufacturerData)
}

func TestScanTimesOut(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{ScanTimeout: 50 * time.Millisecond})
	goOnline(fc)

	_, err := p.Scan(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Contains(t, err.Error(), "scan results")
}

func TestScanRejectsMalformedResults(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)
	fc.respondTo("blegw/hallway/scan/start", "blegw/hallway/scan/results", []byte("not json"))

	_, err := p.Scan(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrMalformedMessage)
}

func connectTestDevice(t *testing.T, fc *fakeClient, p *Proxy) transport.Connection {
	t.Helper()
	fc.respondTo("blegw/hallway/connect", "blegw/hallway/connected",
		[]byte(`{"chars":[{"uuid":"00002a9c-0000-1000-8000-00805f9b34fb","properties":["indicate"]},
		                  {"uuid":"00002a9d-0000-1000-8000-00805f9b34fb","properties":["notify"]}]}`))
	c, err := p.Connect(context.Background(), scalelink.DeviceInfo{Address: "C8:47:8C:11:22:33"})
	require.NoError(t, err)
	return c
}

func TestConnectDiscoversCharacteristics(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)

	c := connectTestDevice(t, fc, p)
	chars := c.Characteristics()
	require.Len(t, chars, 2)
	assert.Equal(t, "00002a9c-0000-1000-8000-00805f9b34fb", chars[0].UUID)
	assert.Equal(t, []string{"indicate"}, chars[0].Properties)

	published := fc.publishedTo("blegw/hallway/connect")
	require.Len(t, published, 1)
	assert.JSONEq(t, `{"address":"C8:47:8C:11:22:33","addr_type":0}`, string(published[0].payload))
}

func TestNotifyFramesFlow(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)
	c := connectTestDevice(t, fc, p)

	frames, err := c.Subscribe("2a9c")
	require.NoError(t, err)

	fc.deliver("blegw/hallway/notify/00002a9c00001000800000805f9b34fb", []byte{0x02, 0x26, 0xb2, 0x07})
	select {
	case frame := <-frames:
		assert.Equal(t, []byte{0x02, 0x26, 0xb2, 0x07}, frame)
	case <-time.After(time.Second):
		t.Fatal("notification frame never arrived")
	}
}

func TestReadRoundTrip(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)
	c := connectTestDevice(t, fc, p)

	fc.respondTo("blegw/hallway/read/00002a9c00001000800000805f9b34fb",
		"blegw/hallway/read/00002a9c00001000800000805f9b34fb/response", []byte{0xaa, 0xbb})

	data, err := c.Read(context.Background(), "2a9c")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, data)
}

func TestWritePublishesRawBytes(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)
	c := connectTestDevice(t, fc, p)

	require.NoError(t, c.Write("8a81", []byte{0x02, 0x01, 0x02, 0x03, 0x04}))
	published := fc.publishedTo("blegw/hallway/write/00008a8100001000800000805f9b34fb")
	require.Len(t, published, 1)
	assert.Equal(t, []byte{0x02, 0x01, 0x02, 0x03, 0x04}, published[0].payload)
}

func TestOfflineAbortsInFlightRead(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{RequestTimeout: 5 * time.Second})
	goOnline(fc)
	c := connectTestDevice(t, fc, p)

	go func() {
		time.Sleep(20 * time.Millisecond)
		fc.deliver("blegw/hallway/status", []byte("offline"))
	}()

	start := time.Now()
	_, err := c.Read(context.Background(), "2a9c")
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrDisconnected)
	assert.Less(t, time.Since(start), time.Second, "abort should beat the read timeout")

	select {
	case closeErr := <-c.Closed():
		assert.ErrorIs(t, closeErr, transport.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("session close never signalled")
	}
}

func TestBridgeErrorAbortsInFlightRequest(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{ScanTimeout: 5 * time.Second})
	goOnline(fc)

	go func() {
		time.Sleep(20 * time.Millisecond)
		fc.deliver("blegw/hallway/error", []byte("scan failed: radio busy"))
	}()

	_, err := p.Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radio busy")
}

func TestDisconnectTearsDownAllHandlers(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})
	goOnline(fc)
	baseline := fc.handlerCount() // status + error

	c := connectTestDevice(t, fc, p)
	_, err := c.Subscribe("2a9c")
	require.NoError(t, err)
	_, err = c.Subscribe("2a9d")
	require.NoError(t, err)

	fc.respondTo("blegw/hallway/disconnect", "blegw/hallway/disconnected", []byte{})
	require.NoError(t, c.Disconnect())
	// Idempotent.
	require.NoError(t, c.Disconnect())

	assert.Equal(t, baseline, fc.handlerCount(), "session handlers must not leak")
	require.Len(t, fc.publishedTo("blegw/hallway/disconnect"), 1)
}

func TestBeepAndKnownScales(t *testing.T) {
	fc := newFakeClient()
	p := newTestProxy(t, fc, Options{})

	require.NoError(t, p.Beep(2000, 150, 2))
	beeps := fc.publishedTo("blegw/hallway/beep")
	require.Len(t, beeps, 1)
	assert.JSONEq(t, `{"freq":2000,"duration_ms":150,"repeat":2}`, string(beeps[0].payload))

	require.NoError(t, p.PublishKnownScales([]string{"C8:47:8C:11:22:33"}))
	configs := fc.publishedTo("blegw/hallway/config")
	require.Len(t, configs, 1)
	assert.True(t, configs[0].retained, "config must be retained for a rebooting bridge")
	assert.JSONEq(t, `{"scales":["C8:47:8C:11:22:33"]}`, string(configs[0].payload))
}

func TestDirectConnectSupported(t *testing.T) {
	var tr transport.Transport = NewWithClient(newFakeClient(), Options{TopicPrefix: "blegw", DeviceID: "x"}, nil)
	dc, ok := tr.(transport.DirectConnector)
	require.True(t, ok)
	assert.True(t, dc.DirectConnect())
}
