package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Common test constants
const testLocalhost = "127.0.0.1"

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	t *testing.T
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.t.Logf("[DEBUG] "+format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.t.Logf("[INFO] "+format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.t.Logf("[WARN] "+format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.t.Logf("[ERROR] "+format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

// createTestContext creates a context with timeout for testing
func createTestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// createTestLogger creates a mock logger for testing
func createTestLogger(t *testing.T) *MockLogger {
	return &MockLogger{t: t}
}

// createBasicConfig creates a loopback-only configuration without DHT discovery
func createBasicConfig(processName string) Config {
	return Config{
		ProcessName:      processName,
		ListenAddresses:  []string{testLocalhost},
		Port:             0,
		DisableDiscovery: true,
	}
}

// createStartedNode builds and starts a node that is stopped when the test ends
func createStartedNode(ctx context.Context, t *testing.T, config Config) *Node {
	t.Helper()

	node, err := NewNode(ctx, createTestLogger(t), config)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := node.Stop(context.Background()); err != nil {
			t.Logf("Failed to stop %s in cleanup: %v", config.ProcessName, err)
		}
	})

	require.NoError(t, node.Start(ctx))

	return node
}

// connectNodes dials b from a and waits until both sides track the connection
func connectNodes(ctx context.Context, t *testing.T, a, b *Node) {
	t.Helper()

	require.NoError(t, a.host.Connect(ctx, b.AddrInfo()))
	require.Eventually(t, func() bool {
		return a.ConnectionCount() == 1 && b.ConnectionCount() == 1
	}, 5*time.Second, 20*time.Millisecond)
}

// recordingListener stores every event it receives
type recordingListener struct {
	mu       sync.Mutex
	enabled  int
	disabled int
	counts   []int32
	bytes    int
	order    []string
}

func (r *recordingListener) OnNetworkEnabled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled++
	r.order = append(r.order, "enabled")
}

func (r *recordingListener) OnNetworkDisabled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled++
	r.order = append(r.order, "disabled")
}

func (r *recordingListener) OnConnectionCountChanged(numConnections int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, numConnections)
}

func (r *recordingListener) OnBytesChanged(_, _ uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes++
}

func (r *recordingListener) snapshot() (enabled, disabled, bytes int, counts []int32, order []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.enabled, r.disabled, r.bytes, append([]int32(nil), r.counts...), append([]string(nil), r.order...)
}

func (r *recordingListener) lastCount() (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.counts) == 0 {
		return 0, false
	}

	return r.counts[len(r.counts)-1], true
}
