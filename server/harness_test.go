package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raxftp/server/internal/config"
	"github.com/raxftp/server/internal/datachan"
)

// testPortRangeCounter hands out disjoint 50-port PASV ranges to concurrent
// tests, avoiding bind collisions between test servers sharing a process.
var testPortRangeCounter atomic.Int32

func newLoopbackChannelRegistry() *datachan.Registry {
	base := 31000 + int(testPortRangeCounter.Add(1))*50
	return datachan.NewRegistry(base, base+50)
}

// testClient is a minimal control-connection driver used by this package's
// integration tests, in place of a full FTP client implementation: send one
// line, read one reply line.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTestServer(t *testing.T, srv *Server, ln net.Listener) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	tc := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	tc.expectCode(220)
	return tc
}

func (tc *testClient) send(line string) {
	tc.t.Helper()
	if _, err := tc.conn.Write([]byte(line + "\r\n")); err != nil {
		tc.t.Fatalf("write %q: %v", line, err)
	}
}

func (tc *testClient) readReply() (int, string) {
	tc.t.Helper()
	line, err := tc.r.ReadString('\n')
	if err != nil {
		tc.t.Fatalf("read reply: %v", err)
	}
	line = strings.TrimRight(line, "\r\n")
	var code int
	fmt.Sscanf(line, "%d", &code)
	return code, line
}

func (tc *testClient) sendAndExpect(line string, wantCode int) string {
	tc.t.Helper()
	tc.send(line)
	code, full := tc.readReply()
	if code != wantCode {
		tc.t.Fatalf("%s: got %q, want code %d", line, full, wantCode)
	}
	return full
}

func (tc *testClient) expectCode(wantCode int) string {
	tc.t.Helper()
	code, full := tc.readReply()
	if code != wantCode {
		tc.t.Fatalf("got %q, want code %d", full, wantCode)
	}
	return full
}

// login runs USER/PASS for the default alice account and asserts success.
func (tc *testClient) login() {
	tc.t.Helper()
	tc.sendAndExpect("USER alice", 331)
	tc.sendAndExpect("PASS alice123", 230)
}

// readAll reads from conn until EOF or the deadline, used to drain a data
// connection after a transfer.
func readAll(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return buf
}

// newTestServer builds a Server rooted at a fresh temp directory and starts
// serving on a loopback listener, returning the server and listener. The
// accept loop is stopped by a cancel func registered with t.Cleanup.
func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()

	startup := config.Startup{
		BindAddress:           "127.0.0.1",
		ControlPort:           0,
		DataPortMin:           0,
		DataPortMax:           0,
		ServerRoot:            t.TempDir(),
		BufferSize:            8192,
		ConnectionTimeoutSecs: 5,
		MaxRetries:            3,
		MaxCommandLength:      512,
		MaxDirectoryDepth:     3,
		MaxUsernameLength:     64,
	}
	runtime := config.NewSharedRuntime(config.Runtime{
		MaxClients:    10,
		MaxFileSizeMB: 100,
	})

	srv, err := NewServer(startup, runtime)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	// Each test gets its own PASV port range to avoid cross-test collisions.
	srv.channels = newLoopbackChannelRegistry()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(cancel)

	return srv, ln
}
