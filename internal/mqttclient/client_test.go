package mqttclient

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

// startBroker runs an embedded MQTT broker on a free local port.
func startBroker(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	srv := mochi.New(&mochi.Options{InlineClient: true})
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatal(err)
	}
	if err := srv.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return "tcp://" + addr
}

type capture struct {
	mu   sync.Mutex
	msgs map[string][]byte
	ch   chan string
}

func newCapture() *capture {
	return &capture{msgs: make(map[string][]byte), ch: make(chan string, 16)}
}

func (c *capture) handle(topic string, payload []byte) {
	c.mu.Lock()
	c.msgs[topic] = append([]byte(nil), payload...)
	c.mu.Unlock()
	c.ch <- topic
}

func (c *capture) wait(t *testing.T, topic string) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-c.ch:
			if got == topic {
				c.mu.Lock()
				defer c.mu.Unlock()
				return c.msgs[topic]
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestSubscribeReceivesSensorTopics(t *testing.T) {
	broker := startBroker(t)

	rec := newCapture()
	c, err := Connect(Options{
		BrokerURL: broker,
		ClientID:  "engine-test",
		Topics:    "sensors/+/motion,sensors/+/status",
		QoS:       1,
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	c.SetMessageHandler(rec.handle)

	if !c.IsConnected() {
		t.Fatal("client should report connected")
	}

	payload := []byte(`{"event":"motion_detected","sensorId":"s1","timestamp":1757000000}`)
	if err := c.Publish("sensors/s1/motion", false, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := rec.wait(t, "sensors/s1/motion")
	if string(got) != string(payload) {
		t.Errorf("payload = %s", got)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	broker := startBroker(t)

	rec := newCapture()
	c, err := Connect(Options{
		BrokerURL: broker,
		ClientID:  "engine-pub",
		Topics:    "sensors/bedroom-01/config",
		QoS:       1,
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	c.SetMessageHandler(rec.handle)

	cfg := []byte(`{"motionDebounceSeconds":60,"enabled":true}`)
	if err := c.Publish("sensors/bedroom-01/config", false, cfg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := rec.wait(t, "sensors/bedroom-01/config")
	if string(got) != string(cfg) {
		t.Errorf("payload = %s", got)
	}
}

func TestParseTopics(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"a,b", []string{"a", "b"}},
		{" a , b ", []string{"a", "b"}},
		{"", []string{"sensors/+/motion", "sensors/+/status", "sensors/+/register"}},
		{",,", []string{"sensors/+/motion", "sensors/+/status", "sensors/+/register"}},
	}
	for _, tt := range tests {
		got := parseTopics(tt.raw)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("parseTopics(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
