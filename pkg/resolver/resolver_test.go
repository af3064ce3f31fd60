package resolver

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() *logging.Logger {
	logger, _ := logging.New(&config.LoggingConfig{
		Level:  "error", // Suppress logs during tests
		Format: "text",
		Output: "stdout",
	})
	return logger
}

// startBootstrap runs a DNS server on loopback answering A queries from
// records. It returns the server address and a query counter.
func startBootstrap(t *testing.T, records map[string]string) (string, *atomic.Int32) {
	t.Helper()

	var queries atomic.Int32
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			queries.Add(1)
			resp := new(dns.Msg)
			resp.SetReply(req)

			q := req.Question[0]
			ip, ok := records[q.Name]
			if !ok || q.Qtype != dns.TypeA {
				resp.Rcode = dns.RcodeNameError
				_ = w.WriteMsg(resp)
				return
			}
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.ParseIP(ip),
			})
			_ = w.WriteMsg(resp)
		}),
	}

	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), &queries
}

func TestNew(t *testing.T) {
	logger := getTestLogger()

	tests := []struct {
		name    string
		servers []string
	}{
		{name: "with servers", servers: []string{"1.1.1.1:53", "8.8.8.8:53"}},
		{name: "without servers", servers: []string{}},
		{name: "nil servers", servers: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.servers, logger)
			require.NotNil(t, r)
			assert.Equal(t, len(tt.servers), len(r.Servers()))
		})
	}
}

func TestLookupHost_Bootstrap(t *testing.T) {
	addr, queries := startBootstrap(t, map[string]string{"doh.test.": "127.0.0.1"})
	r := New([]string{addr}, getTestLogger(), WithStrict())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := r.LookupHost(ctx, "doh.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)

	// Second lookup is served from the host cache.
	_, err = r.LookupHost(ctx, "doh.test")
	require.NoError(t, err)
	assert.Equal(t, int32(1), queries.Load())
}

func TestLookupHost_CacheExpiry(t *testing.T) {
	addr, queries := startBootstrap(t, map[string]string{"doh.test.": "127.0.0.1"})
	r := New([]string{addr}, getTestLogger(), WithStrict())

	now := time.Now()
	r.now = func() time.Time { return now }

	_, err := r.LookupHost(context.Background(), "doh.test")
	require.NoError(t, err)

	now = now.Add(301 * time.Second)
	_, err = r.LookupHost(context.Background(), "doh.test")
	require.NoError(t, err)
	assert.Equal(t, int32(2), queries.Load())
}

func TestLookupHost_IPLiteral(t *testing.T) {
	r := New([]string{"127.0.0.1:1"}, getTestLogger(), WithStrict())

	addrs, err := r.LookupHost(context.Background(), "192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", addrs[0].String())
}

func TestLookupHost_StrictFailure(t *testing.T) {
	addr, _ := startBootstrap(t, map[string]string{})
	r := New([]string{addr}, getTestLogger(), WithStrict(), WithQueryTimeout(500*time.Millisecond))

	_, err := r.LookupHost(context.Background(), "missing.test")
	assert.Error(t, err)
}

func TestLookupHost_TriesNextServer(t *testing.T) {
	empty, _ := startBootstrap(t, map[string]string{})
	good, _ := startBootstrap(t, map[string]string{"doh.test.": "127.0.0.2"})
	r := New([]string{empty, good}, getTestLogger(), WithStrict())

	addrs, err := r.LookupHost(context.Background(), "doh.test")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2", addrs[0].String())
}

func TestDialContext_InvalidAddress(t *testing.T) {
	r := New([]string{"127.0.0.1:1"}, getTestLogger())

	_, err := r.DialContext(context.Background(), "tcp", "invalid-address")
	assert.Error(t, err)
}

func TestNewHTTPClient_UsesBootstrap(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	_, port, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)

	addr, queries := startBootstrap(t, map[string]string{"doh.test.": "127.0.0.1"})
	r := New([]string{addr}, getTestLogger(), WithStrict())
	client := r.NewHTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	resp, err := client.Get("http://doh.test:" + port + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, int32(1), queries.Load())
}
