package mqttctrl

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Agrid-Dev/thermostage/internal/stage"
	"github.com/Agrid-Dev/thermostage/internal/testutil"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t fakeToken) Done() <-chan struct{} {
	if t.done == nil {
		t.done = make(chan struct{})
		close(t.done)
	}
	return t.done
}

func (t fakeToken) Wait() bool                       { return true }
func (t fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t fakeToken) Error() error                     { return t.err }

type publishCall struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	publishes []publishCall
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return fakeToken{} }
func (c *fakeClient) Disconnect(_ uint)      {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = append([]byte(nil), v...)
	case string:
		b = []byte(v)
	default:
		// shouldn't happen in our controller, but keep it safe
		tmp, _ := json.Marshal(v)
		b = tmp
	}
	c.publishes = append(c.publishes, publishCall{
		topic: topic, qos: qos, retain: retained, payload: b,
	})
	return fakeToken{}
}
func (c *fakeClient) Subscribe(_ string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(_ ...string) mqtt.Token       { return fakeToken{} }
func (c *fakeClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

// ---- tests ----
func newDefaultSvc() *testutil.FakeStageService {
	return testutil.NewFakeStageService()
}

func newTestController(t *testing.T, svc *testutil.FakeStageService) (*Controller, *fakeClient) {
	t.Helper()
	c, err := New(svc, Config{DeviceID: "stage1"})
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeClient{}
	c.client = fc
	return c, fc
}

func TestNewDefaults(t *testing.T) {
	svc := newDefaultSvc()
	c, err := New(svc, Config{DeviceID: "stage1"})
	if err != nil {
		t.Fatal(err)
	}

	if c.cfg.BrokerURL != "tcp://localhost:1883" {
		t.Fatalf("expected default BrokerURL, got %q", c.cfg.BrokerURL)
	}
	if c.cfg.BaseTopic != "thermostage/stage1" {
		t.Fatalf("expected default BaseTopic, got %q", c.cfg.BaseTopic)
	}
	if c.cfg.ClientID != "thermostage-stage1" {
		t.Fatalf("expected default ClientID, got %q", c.cfg.ClientID)
	}
	if c.cfg.PublishInterval != 1*time.Second {
		t.Fatalf("expected default PublishInterval, got %v", c.cfg.PublishInterval)
	}
}

func TestNewValidation(t *testing.T) {
	svc := newDefaultSvc()

	if _, err := New(svc, Config{}); err == nil {
		t.Fatal("expected error when DeviceID missing")
	}

	if _, err := New(svc, Config{DeviceID: "x", QoS: 2}); err == nil {
		t.Fatal("expected error when QoS > 1")
	}
}

func TestTopicJoin(t *testing.T) {
	svc := newDefaultSvc()
	c, err := New(svc, Config{DeviceID: "stage1", BaseTopic: "lab/stage1/"})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.topic("snapshot"); got != "lab/stage1/snapshot" {
		t.Fatalf("expected topic without double slashes, got %q", got)
	}
}

func TestDecodeValueStrict(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		v, err := decodeValueStrict[float64]([]byte(`{"value": 12.5}`))
		if err != nil {
			t.Fatal(err)
		}
		if v != 12.5 {
			t.Fatalf("expected 12.5, got %v", v)
		}
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := decodeValueStrict[bool]([]byte(`{}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := decodeValueStrict[string]([]byte(`{"value":"OPEN_LOOP","extra":1}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown nested field rejected", func(t *testing.T) {
		_, err := decodeValueStrict[stage.PID]([]byte(`{"value":{"band":1,"kp":2}}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := decodeValueStrict[string]([]byte(`{"value":`))
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOnMessage_IgnoresWrongPrefix(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "otherprefix/set/setpoint",
		payload: []byte(`{"value":30}`),
	})

	if svc.SetSetpointCalled {
		t.Fatal("expected SetSetpoint not called")
	}
	if len(fc.publishes) != 0 {
		t.Fatalf("expected no publish, got %d", len(fc.publishes))
	}
}

func TestOnMessage_Setpoint(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermostage/stage1/set/setpoint",
		payload: []byte(`{"value":23.5}`),
	})

	if !svc.SetSetpointCalled || svc.SetSetpointArg != 23.5 {
		t.Fatalf("expected SetSetpoint(23.5), got called=%v arg=%v", svc.SetSetpointCalled, svc.SetSetpointArg)
	}
	if len(fc.publishes) != 1 || fc.publishes[0].topic != "thermostage/stage1/snapshot" {
		t.Fatalf("expected snapshot republished, got %+v", fc.publishes)
	}
}

func TestOnMessage_PID(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermostage/stage1/set/pid",
		payload: []byte(`{"value":{"band":2,"t_integral":30,"t_derivative":1.5}}`),
	})

	want := stage.PID{Band: 2, TIntegral: 30, TDerivative: 1.5}
	if !svc.SetPIDCalled || svc.SetPIDArg != want {
		t.Fatalf("expected SetPID(%+v), got called=%v arg=%+v", want, svc.SetPIDCalled, svc.SetPIDArg)
	}
}

func TestOnMessage_Mode(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermostage/stage1/set/mode",
		payload: []byte(`{"value":"CLOSED_LOOP"}`),
	})

	if !svc.SetModeCalled || svc.SetModeArg != stage.ModeClosedLoop {
		t.Fatalf("expected SetMode(ClosedLoop), got called=%v arg=%v", svc.SetModeCalled, svc.SetModeArg)
	}
}

func TestOnMessage_ModeInvalid_PublishesError(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermostage/stage1/set/mode",
		payload: []byte(`{"value":"weird"}`),
	})

	if svc.SetModeCalled {
		t.Fatal("expected SetMode not called")
	}
	if len(fc.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fc.publishes))
	}
	p := fc.publishes[0]
	if p.topic != "thermostage/stage1/error" {
		t.Fatalf("expected error topic, got %q", p.topic)
	}
	var got errorDTO
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Field != "mode" || got.Error != `invalid mode: "weird"` {
		t.Fatalf("unexpected error payload %+v", got)
	}
}

func TestOnMessage_DACPeriodPolyfit(t *testing.T) {
	svc := newDefaultSvc()
	c, _ := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{topic: "thermostage/stage1/set/dac", payload: []byte(`{"value":-300}`)})
	c.onMessage(nil, fakeMessage{topic: "thermostage/stage1/set/period", payload: []byte(`{"value":250}`)})
	c.onMessage(nil, fakeMessage{topic: "thermostage/stage1/set/polyfit", payload: []byte(`{"value":true}`)})

	if svc.SetDACArg != -300 {
		t.Fatalf("expected SetDAC(-300), got %v", svc.SetDACArg)
	}
	if svc.SetPeriodArg != 250*time.Millisecond {
		t.Fatalf("expected SetPeriod(250ms), got %v", svc.SetPeriodArg)
	}
	if !svc.SetPolyfitArg {
		t.Fatal("expected SetPolyfit(true)")
	}
}

func TestOnMessage_PeriodOutOfRange(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermostage/stage1/set/period",
		payload: []byte(`{"value":288230376151711808}`),
	})

	if svc.SetPeriodCalled {
		t.Fatalf("SetPeriod should not be called, got %v", svc.SetPeriodArg)
	}
	if len(fc.publishes) != 1 || fc.publishes[0].topic != "thermostage/stage1/error" {
		t.Fatalf("expected error publish, got %+v", fc.publishes)
	}
}

func TestOnMessage_UnknownField(t *testing.T) {
	svc := newDefaultSvc()
	c, fc := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermostage/stage1/set/fan_speed",
		payload: []byte(`{"value":"high"}`),
	})

	if len(fc.publishes) != 1 || fc.publishes[0].topic != "thermostage/stage1/error" {
		t.Fatalf("expected error publish, got %+v", fc.publishes)
	}
}

func TestPublishSnapshot_PublishesJSON(t *testing.T) {
	svc := newDefaultSvc()
	svc.S.DAC = 812
	c, _ := New(svc, Config{DeviceID: "stage1", QoS: 1, RetainSnapshot: true})

	fc := &fakeClient{}
	c.client = fc

	c.publishSnapshot()

	if len(fc.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fc.publishes))
	}

	p := fc.publishes[0]
	if p.topic != "thermostage/stage1/snapshot" {
		t.Fatalf("expected snapshot topic, got %q", p.topic)
	}
	if p.qos != 1 || p.retain != true {
		t.Fatalf("expected qos=1 retain=true, got qos=%d retain=%v", p.qos, p.retain)
	}

	var got map[string]any
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatalf("invalid published json: %v payload=%s", err, string(p.payload))
	}
	if got["mode"] != "OPEN_LOOP" {
		t.Fatalf("expected mode=OPEN_LOOP, got %v", got["mode"])
	}
	if got["dac"] != 812.0 {
		t.Fatalf("expected dac=812, got %v", got["dac"])
	}
	if got["period_ms"] != 100.0 {
		t.Fatalf("expected period_ms=100, got %v", got["period_ms"])
	}
}

func TestOnMessage_ServiceError_IsPublished(t *testing.T) {
	svc := newDefaultSvc()
	svc.SetDACErr = stage.ErrWrongMode
	c, fc := newTestController(t, svc)

	c.onMessage(nil, fakeMessage{
		topic:   "thermostage/stage1/set/dac",
		payload: []byte(`{"value":25}`),
	})

	if !svc.SetDACCalled {
		t.Fatal("expected SetDAC called")
	}
	if len(fc.publishes) != 1 || !strings.Contains(string(fc.publishes[0].payload), "requires OPEN_LOOP") {
		t.Fatalf("expected wrong-mode error publish, got %+v", fc.publishes)
	}
}
