package udpif

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/muti-link/internal/eventloop"
	"github.com/postalsys/muti-link/internal/iface"
	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/metrics"
	"github.com/postalsys/muti-link/internal/scope"
)

type insertCall struct {
	key       iface.Key
	publicKey [iface.PublicKeySize]byte
	password  []byte
	i         iface.Interface
}

// fakeController records what interfaces ask of it.
type fakeController struct {
	registered []iface.Interface
	inserts    []insertCall
	insertErr  error
}

func (c *fakeController) RegisterInterface(i iface.Interface) {
	c.registered = append(c.registered, i)
}

func (c *fakeController) InsertEndpoint(key iface.Key, publicKey [iface.PublicKeySize]byte, password []byte, i iface.Interface) error {
	c.inserts = append(c.inserts, insertCall{key: key, publicKey: publicKey, password: password, i: i})
	return c.insertErr
}

type testEnv struct {
	loop    *eventloop.Loop
	scope   *scope.Scope
	ctrl    *fakeController
	metrics *metrics.Metrics
	logs    *bytes.Buffer
	logger  *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	loop, err := eventloop.New(nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	sc := scope.New()
	t.Cleanup(func() {
		sc.Close()
		loop.Close()
	})

	var logs bytes.Buffer
	return &testEnv{
		loop:    loop,
		scope:   sc,
		ctrl:    &fakeController{},
		metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		logs:    &logs,
		logger:  logging.NewLoggerWithWriter("debug", "text", &logs),
	}
}

func (e *testEnv) config(bind string) Config {
	return Config{
		Loop:        e.loop,
		BindAddress: bind,
		Scope:       e.scope,
		Controller:  e.ctrl,
		Logger:      e.logger,
		Metrics:     e.metrics,
	}
}

func (e *testEnv) newInterface(t *testing.T, bind string) *Interface {
	t.Helper()
	u, err := New(e.config(bind))
	if err != nil {
		t.Fatalf("New(%q): %v", bind, err)
	}
	return u
}

// openFDs counts the process's open descriptors.
func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot list open descriptors: %v", err)
	}
	return len(entries)
}
