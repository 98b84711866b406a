package plejd

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	testKey = CryptoKey{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}
	testKeyHex = "00112233445566778899aabbccddeeff"
	testMAC    = MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
)

// mockPeripheral implements Peripheral for testing.
type mockPeripheral struct {
	addr string
}

func (p mockPeripheral) Address() string { return p.addr }

// meshAdvert builds a scan result the way a Plejd node advertises itself.
func meshAdvert(name string, mac MAC, rssi int) ScanResult {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	for i := MACSize - 1; i >= 0; i-- {
		data = append(data, mac[i])
	}
	return ScanResult{
		Advertisement: Advertisement{
			Name:             name,
			ManufacturerData: map[uint16][]byte{ManufacturerID: data},
			RSSI:             rssi,
		},
		Peripheral: mockPeripheral{addr: mac.String()},
	}
}

type sessionWrite struct {
	uuid         string
	data         []byte
	withResponse bool
}

// mockSession implements Session and plays the gateway side of the
// handshake and ping exchange.
type mockSession struct {
	mu sync.Mutex

	challenge [ChallengeSize]byte
	pingDelta byte
	pingSent  byte

	connected    bool
	onNotify     func([]byte)
	subscribeErr error
	pingErr      error

	// dataErrs is consumed one entry per data write; nil entries succeed.
	dataErrs []error
	// blockData makes data writes wait for ctx cancellation.
	blockData bool

	writes       []sessionWrite
	disconnects  int
	unsubscribes int
}

func newMockSession() *mockSession {
	s := &mockSession{connected: true, pingDelta: 1}
	for i := range s.challenge {
		s.challenge[i] = byte(i)
	}
	return s
}

func (s *mockSession) Read(_ context.Context, uuid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch uuid {
	case AuthUUID:
		return append([]byte(nil), s.challenge[:]...), nil
	case PingUUID:
		if s.pingErr != nil {
			return nil, s.pingErr
		}
		return []byte{s.pingSent + s.pingDelta}, nil
	default:
		return nil, errors.New("unexpected read")
	}
}

func (s *mockSession) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return errors.New("not connected")
	}
	if uuid == PingUUID && len(data) == 1 {
		s.pingSent = data[0]
	}
	var err error
	if uuid == DataSendUUID && len(s.dataErrs) > 0 {
		err = s.dataErrs[0]
		s.dataErrs = s.dataErrs[1:]
	}
	block := uuid == DataSendUUID && s.blockData
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.writes = append(s.writes, sessionWrite{
		uuid:         uuid,
		data:         append([]byte(nil), data...),
		withResponse: withResponse,
	})
	s.mu.Unlock()
	return nil
}

func (s *mockSession) Subscribe(uuid string, fn func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	if uuid == DataReceiveUUID {
		s.onNotify = fn
	}
	return nil
}

func (s *mockSession) Unsubscribe(_ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes++
	s.onNotify = nil
	return nil
}

func (s *mockSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.connected = false
	return nil
}

func (s *mockSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// notify delivers an encrypted notification, as the gateway would.
func (s *mockSession) notify(plain []byte) {
	s.mu.Lock()
	fn := s.onNotify
	s.mu.Unlock()
	if fn != nil {
		fn(Transform(testKey, testMAC, plain))
	}
}

func (s *mockSession) getWrites(uuid string) []sessionWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sessionWrite
	for _, w := range s.writes {
		if w.uuid == uuid {
			out = append(out, w)
		}
	}
	return out
}

// dataFrames returns the decrypted frames written to the data endpoint.
func (s *mockSession) dataFrames() [][]byte {
	var out [][]byte
	for _, w := range s.getWrites(DataSendUUID) {
		out = append(out, Transform(testKey, testMAC, w.data))
	}
	return out
}

func (s *mockSession) getDisconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *mockSession) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu sync.Mutex

	results    []ScanResult
	scanErr    error
	connectErr error

	// prepare configures each new session before it is returned.
	prepare func(n int, s *mockSession)

	scans    int
	sessions []*mockSession
}

func newMockTransport(results ...ScanResult) *mockTransport {
	return &mockTransport{results: results}
}

func (t *mockTransport) Scan(ctx context.Context, _ time.Duration) ([]ScanResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scans++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.scanErr != nil {
		return nil, t.scanErr
	}
	return append([]ScanResult(nil), t.results...), nil
}

func (t *mockTransport) Connect(_ context.Context, _ Peripheral) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	s := newMockSession()
	if t.prepare != nil {
		t.prepare(len(t.sessions), s)
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *mockTransport) session(i int) *mockSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.sessions) {
		return nil
	}
	return t.sessions[i]
}

func (t *mockTransport) sessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *mockTransport) scanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scans
}

// mockAccount implements AccountService for testing.
type mockAccount struct {
	sites []Site
	err   error
	calls int
}

func (a *mockAccount) Sites(_ context.Context) ([]Site, error) {
	a.calls++
	return a.sites, a.err
}

// mockRecorder implements Recorder for testing.
type mockRecorder struct {
	mu           sync.Mutex
	events       map[EventKind]int
	unrecognized int
	writesOK     int
	writesFailed int
	reconnects   int
	states       []ConnectionState
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{events: make(map[EventKind]int)}
}

func (r *mockRecorder) EventReceived(kind EventKind) {
	r.mu.Lock()
	r.events[kind]++
	r.mu.Unlock()
}

func (r *mockRecorder) FrameUnrecognized() {
	r.mu.Lock()
	r.unrecognized++
	r.mu.Unlock()
}

func (r *mockRecorder) CommandWritten(err error) {
	r.mu.Lock()
	if err != nil {
		r.writesFailed++
	} else {
		r.writesOK++
	}
	r.mu.Unlock()
}

func (r *mockRecorder) Reconnected() {
	r.mu.Lock()
	r.reconnects++
	r.mu.Unlock()
}

func (r *mockRecorder) StateChanged(state ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func mustDecode(t *testing.T, frame string) []byte {
	t.Helper()
	raw, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame(%q) error: %v", frame, err)
	}
	return raw
}

func containsFrame(frames [][]byte, want []byte) bool {
	for _, f := range frames {
		if bytes.Equal(f, want) {
			return true
		}
	}
	return false
}

// mockMQTTClient implements MQTTClient and HealthPublisher for testing.
type mockMQTTClient struct {
	mu         sync.Mutex
	connected  bool
	published  []mockPublish
	handlers   map[string]func(topic string, payload []byte)
	publishErr error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func newMockMQTTClient() *mockMQTTClient {
	return &mockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *mockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *mockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTTClient) Disconnect(uint) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *mockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockMQTTClient) getPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

// onTopic returns the messages published to topic, oldest first.
func (m *mockMQTTClient) onTopic(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.getPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// simulateMessage delivers a message to the handler subscribed with filter.
func (m *mockMQTTClient) simulateMessage(filter, topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[filter]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// mockMesh implements MeshLink for testing.
type mockMesh struct {
	mu        sync.Mutex
	connected bool
	stats     SupervisorStats
	gateway   *GatewayCandidate
	site      *Site
}

func (m *mockMesh) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMesh) Stats() SupervisorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *mockMesh) Gateway() (GatewayCandidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gateway == nil {
		return GatewayCandidate{}, false
	}
	return *m.gateway, true
}

func (m *mockMesh) Site() (Site, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.site == nil {
		return Site{}, false
	}
	return *m.site, true
}

func (m *mockMesh) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// mockRunner implements CommandRunner for testing.
type mockRunner struct {
	mu   sync.Mutex
	cmds []Command
	err  error
}

func (r *mockRunner) Run(_ context.Context, cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cmds = append(r.cmds, cmds...)
	return nil
}

func (r *mockRunner) getCommands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.cmds))
	copy(out, r.cmds)
	return out
}

// mockEventWriter implements EventWriter for testing.
type mockEventWriter struct {
	mu     sync.Mutex
	points []string
}

func (w *mockEventWriter) WriteMeshEvent(kind, _, address string, _ map[string]any) {
	w.mu.Lock()
	w.points = append(w.points, kind+"@"+address)
	w.mu.Unlock()
}

func (w *mockEventWriter) getPoints() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.points))
	copy(out, w.points)
	return out
}

// mockTelemetrySink is an EventWriter that also reports reachability.
type mockTelemetrySink struct {
	mockEventWriter
	checkErr error
	checks   int
	deadline time.Time
}

func (w *mockTelemetrySink) HealthCheck(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checks++
	w.deadline, _ = ctx.Deadline()
	return w.checkErr
}

func (w *mockTelemetrySink) checkCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checks
}
