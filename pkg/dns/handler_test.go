package dns

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"phishwall/pkg/cache"
	"phishwall/pkg/config"
	"phishwall/pkg/forwarder"
	"phishwall/pkg/logging"
	"phishwall/pkg/policy"
	"phishwall/pkg/storage"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(&config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

// mockResponseWriter records whatever the handler writes.
type mockResponseWriter struct {
	remoteAddr net.Addr
	msg        *dns.Msg
	raw        []byte
	writes     int
}

func newMockWriter(ip string) *mockResponseWriter {
	return &mockResponseWriter{remoteAddr: &net.UDPAddr{IP: net.ParseIP(ip), Port: 53000}}
}

func (m *mockResponseWriter) RemoteAddr() net.Addr { return m.remoteAddr }

func (m *mockResponseWriter) Write(b []byte) (int, error) {
	m.raw = append([]byte(nil), b...)
	m.writes++
	return len(b), nil
}

func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	m.msg = msg
	m.writes++
	return nil
}

// reply returns the written message, unpacking raw writes.
func (m *mockResponseWriter) reply(t *testing.T) *dns.Msg {
	t.Helper()
	require.Equal(t, 1, m.writes, "expected exactly one reply")
	if m.msg != nil {
		return m.msg
	}
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(m.raw))
	return msg
}

// fakeResolver answers from a function and counts calls.
type fakeResolver struct {
	mu      sync.Mutex
	calls   int
	answer  func(query []byte) ([]byte, error)
	address string
}

func (f *fakeResolver) ResolveFrom(_ context.Context, query []byte) ([]byte, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	resp, err := f.answer(query)
	if err != nil {
		return nil, "", err
	}
	return resp, f.address, nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// answerWithA builds a resolver that answers every query with one A record.
func answerWithA(t *testing.T, ip string) *fakeResolver {
	return &fakeResolver{
		address: "https://doh.example/dns-query",
		answer: func(query []byte) ([]byte, error) {
			return packReply(t, query, func(req, resp *dns.Msg) {
				resp.Answer = append(resp.Answer, aRecord(req.Question[0].Name, net.ParseIP(ip).To4(), 300))
			}), nil
		},
	}
}

func packReply(t *testing.T, query []byte, fill func(req, resp *dns.Msg)) []byte {
	t.Helper()
	req := new(dns.Msg)
	require.NoError(t, req.Unpack(query))
	resp := new(dns.Msg)
	resp.SetReply(req)
	fill(req, resp)
	b, err := resp.Pack()
	require.NoError(t, err)
	return b
}

func packQuery(t *testing.T, domain string, qtype uint16, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

type denyAll struct{ calls int }

func (d *denyAll) Admit(context.Context, string) bool {
	d.calls++
	return false
}

type collectorFunc func(ctx context.Context, err error)

func (f collectorFunc) Collect(ctx context.Context, err error) { f(ctx, err) }

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	return policy.New(
		map[string]struct{}{"ads.blocked.test": {}},
		map[string]struct{}{"paypal.com": {}},
		80)
}

func newTestHandler(t *testing.T, res *fakeResolver) (*Handler, *cache.Cache) {
	t.Helper()
	pol := testPolicy(t)
	c, err := cache.New(&config.CacheConfig{MaxEntries: 100}, time.Minute, pol, testLogger(t))
	require.NoError(t, err)

	h := NewHandler()
	h.Logger = testLogger(t)
	h.Policy = pol
	h.Cache = c
	if res != nil {
		h.Resolver = res
	}
	return h, c
}

func TestHandle_MalformedIsDropped(t *testing.T) {
	res := answerWithA(t, "192.0.2.1")
	h, _ := newTestHandler(t, res)

	response := new(dns.Msg)
	response.SetQuestion("example.com.", dns.TypeA)
	response.Response = true
	packedResponse, err := response.Pack()
	require.NoError(t, err)

	noQuestion := new(dns.Msg)
	noQuestion.Id = 7
	packedNoQuestion, err := noQuestion.Pack()
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "garbage", raw: []byte{0xde, 0xad, 0xbe, 0xef}},
		{name: "empty", raw: nil},
		{name: "truncated header", raw: packQuery(t, "example.com", dns.TypeA, 1)[:7]},
		{name: "response bit", raw: packedResponse},
		{name: "no question", raw: packedNoQuestion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newMockWriter("192.0.2.10")
			err := h.Handle(context.Background(), w, tt.raw)
			assert.ErrorIs(t, err, ErrMalformedQuery)
			assert.Zero(t, w.writes, "malformed input must not be answered")
		})
	}
	assert.Zero(t, res.Calls())
}

func TestHandle_RateLimitedIsRefused(t *testing.T) {
	res := answerWithA(t, "192.0.2.1")
	h, _ := newTestHandler(t, res)
	limiter := &denyAll{}
	h.RateLimiter = limiter

	w := newMockWriter("10.0.0.5")
	require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "example.com", dns.TypeA, 0x1234)))

	reply := w.reply(t)
	assert.Equal(t, dns.RcodeRefused, reply.Rcode)
	assert.Equal(t, uint16(0x1234), reply.Id)
	assert.Empty(t, reply.Answer)
	assert.Equal(t, 1, limiter.calls)
	assert.Zero(t, res.Calls(), "refused queries never reach the upstream")
}

func TestHandle_BlockedIsSinkholed(t *testing.T) {
	res := answerWithA(t, "192.0.2.1")
	h, c := newTestHandler(t, res)

	w := newMockWriter("192.0.2.10")
	require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "ADS.Blocked.Test", dns.TypeA, 42)))

	reply := w.reply(t)
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
	assert.Equal(t, uint16(42), reply.Id)
	require.Len(t, reply.Answer, 1)
	a, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0", a.A.String())
	assert.Equal(t, uint32(60), a.Hdr.Ttl)

	assert.Zero(t, res.Calls())
	assert.Zero(t, c.Len(), "sinkhole answers are never cached")
	_, hit := c.Lookup("ads.blocked.test")
	assert.False(t, hit)
}

func TestHandle_BlockedNonAIsEmpty(t *testing.T) {
	h, _ := newTestHandler(t, answerWithA(t, "192.0.2.1"))

	w := newMockWriter("192.0.2.10")
	require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "ads.blocked.test", dns.TypeAAAA, 9)))

	reply := w.reply(t)
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
	assert.Empty(t, reply.Answer)
}

func TestHandle_PhishingIsSinkholed(t *testing.T) {
	res := answerWithA(t, "192.0.2.1")
	h, c := newTestHandler(t, res)
	stor := newMockStorage()
	h.QueryLogger = NewQueryLogger(stor, testLogger(t), nil, nil, 10, 1)

	w := newMockWriter("192.0.2.10")
	require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "paypa1.com", dns.TypeA, 5)))
	require.NoError(t, h.QueryLogger.Close())

	reply := w.reply(t)
	require.Len(t, reply.Answer, 1)
	assert.Equal(t, "0.0.0.0", reply.Answer[0].(*dns.A).A.String())
	assert.Zero(t, res.Calls())
	assert.Zero(t, c.Len())

	logs := stor.GetLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, storage.OutcomeBlocked, logs[0].Outcome)
	assert.Equal(t, "phishing", logs[0].Reason)
}

func TestHandle_PhishingLoggedOnce(t *testing.T) {
	res := answerWithA(t, "192.0.2.1")
	h, _ := newTestHandler(t, res)

	var buf bytes.Buffer
	h.Logger = logging.NewWithWriter(&buf, &config.LoggingConfig{Level: "debug", Format: "text"})

	w := newMockWriter("192.0.2.10")
	require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "paypa1.com", dns.TypeA, 5)))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "level=WARN"), out)
	assert.Contains(t, out, "Blocked phishing-like domain")
	assert.Contains(t, out, "client_ip=192.0.2.10")
	assert.Contains(t, out, "resembles=paypal.com")
}

func TestHandle_TrustedDomainIsNotPhishing(t *testing.T) {
	res := answerWithA(t, "192.0.2.1")
	h, _ := newTestHandler(t, res)

	w := newMockWriter("192.0.2.10")
	require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "paypal.com", dns.TypeA, 5)))

	reply := w.reply(t)
	require.Len(t, reply.Answer, 1)
	assert.Equal(t, "192.0.2.1", reply.Answer[0].(*dns.A).A.String())
	assert.Equal(t, 1, res.Calls())
}

func TestHandle_ForwardsVerbatimAndCaches(t *testing.T) {
	res := answerWithA(t, "93.184.216.34")
	h, c := newTestHandler(t, res)

	query := packQuery(t, "Example.com", dns.TypeA, 0xAAAA)
	w := newMockWriter("192.0.2.10")
	require.NoError(t, h.Handle(context.Background(), w, query))

	want, _, err := res.ResolveFrom(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, want, w.raw, "upstream bytes are relayed unchanged")
	assert.Nil(t, w.msg)

	ip, ok := c.Lookup("example.com")
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", ip.String())

	// A second query with a new id is answered from the cache.
	w2 := newMockWriter("192.0.2.11")
	require.NoError(t, h.Handle(context.Background(), w2, packQuery(t, "example.com", dns.TypeA, 0xBBBB)))

	reply := w2.reply(t)
	assert.Equal(t, uint16(0xBBBB), reply.Id)
	require.Len(t, reply.Answer, 1)
	assert.Equal(t, "93.184.216.34", reply.Answer[0].(*dns.A).A.String())
	assert.Equal(t, "example.com.", reply.Answer[0].Header().Name)
	assert.Equal(t, 2, res.Calls(), "one upstream call from the test itself, one from the handler")
}

func TestHandle_UpstreamFailureIsServFail(t *testing.T) {
	tests := []struct {
		err         error
		name        string
		wantCollect bool
	}{
		{
			name:        "status",
			err:         &forwarder.UpstreamError{Endpoint: "https://doh.example/dns-query", StatusCode: 503, Err: errors.New("unexpected status")},
			wantCollect: true,
		},
		{
			name:        "timeout",
			err:         context.DeadlineExceeded,
			wantCollect: true,
		},
		{
			name: "circuit open",
			err:  forwarder.ErrCircuitOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &fakeResolver{answer: func([]byte) ([]byte, error) { return nil, tt.err }}
			h, c := newTestHandler(t, res)

			var collected []error
			h.ErrColl = collectorFunc(func(_ context.Context, err error) { collected = append(collected, err) })

			w := newMockWriter("192.0.2.10")
			require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "example.com", dns.TypeA, 77)))

			reply := w.reply(t)
			assert.Equal(t, dns.RcodeServerFailure, reply.Rcode)
			assert.Equal(t, uint16(77), reply.Id)
			assert.Equal(t, 1, res.Calls(), "exactly one upstream attempt per datagram")
			assert.Zero(t, c.Len())
			assert.Equal(t, tt.wantCollect, len(collected) == 1)
		})
	}
}

func TestHandle_InvalidUpstreamAnswerIsForwardedNotCached(t *testing.T) {
	tests := []struct {
		answer func(t *testing.T, query []byte) []byte
		name   string
	}{
		{
			name: "no answers",
			answer: func(t *testing.T, query []byte) []byte {
				return packReply(t, query, func(_, resp *dns.Msg) { resp.Rcode = dns.RcodeNameError })
			},
		},
		{
			name: "cname only",
			answer: func(t *testing.T, query []byte) []byte {
				return packReply(t, query, func(req, resp *dns.Msg) {
					resp.Answer = append(resp.Answer, &dns.CNAME{
						Hdr:    dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
						Target: "elsewhere.example.",
					})
				})
			},
		},
		{
			name: "unparsable",
			answer: func(t *testing.T, query []byte) []byte {
				return []byte{query[0], query[1], 0x81, 0x80, 0xff}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent []byte
			res := &fakeResolver{answer: func(query []byte) ([]byte, error) {
				sent = tt.answer(t, query)
				return sent, nil
			}}
			h, c := newTestHandler(t, res)

			w := newMockWriter("192.0.2.10")
			require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "example.com", dns.TypeA, 3)))

			assert.Equal(t, sent, w.raw)
			assert.Equal(t, 1, w.writes)
			assert.Zero(t, c.Len())
		})
	}
}

func TestHandle_OnlyACached(t *testing.T) {
	res := &fakeResolver{answer: func(query []byte) ([]byte, error) {
		return packReply(t, query, func(req, resp *dns.Msg) {
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
				AAAA: net.ParseIP("2001:db8::1"),
			})
		}), nil
	}}
	h, c := newTestHandler(t, res)

	for i := 0; i < 2; i++ {
		w := newMockWriter("192.0.2.10")
		require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "example.com", dns.TypeAAAA, uint16(i))))
		assert.NotEmpty(t, w.raw)
	}

	assert.Zero(t, c.Len())
	assert.Equal(t, 2, res.Calls(), "non-A queries always go upstream")
}

func TestHandle_NoResolverIsServFail(t *testing.T) {
	h := NewHandler()

	w := newMockWriter("192.0.2.10")
	require.NoError(t, h.Handle(context.Background(), w, packQuery(t, "example.com", dns.TypeA, 1)))

	assert.Equal(t, dns.RcodeServerFailure, w.reply(t).Rcode)
}

func TestHandle_AuditRecord(t *testing.T) {
	res := answerWithA(t, "192.0.2.1")
	h, _ := newTestHandler(t, res)
	stor := newMockStorage()
	h.QueryLogger = NewQueryLogger(stor, testLogger(t), nil, nil, 10, 1)

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, newMockWriter("192.0.2.10"), packQuery(t, "Example.COM.", dns.TypeA, 1)))
	require.NoError(t, h.Handle(ctx, newMockWriter("192.0.2.10"), packQuery(t, "example.com", dns.TypeA, 2)))
	require.NoError(t, h.Handle(ctx, newMockWriter("192.0.2.10"), packQuery(t, "ads.blocked.test", dns.TypeA, 3)))
	require.ErrorIs(t, h.Handle(ctx, newMockWriter("192.0.2.10"), []byte{1, 2, 3}), ErrMalformedQuery)
	require.NoError(t, h.QueryLogger.Close())

	logs := stor.GetLogs()
	require.Len(t, logs, 3, "malformed datagrams produce no record")

	byOutcome := map[storage.Outcome]*storage.QueryLog{}
	for _, l := range logs {
		assert.Equal(t, "192.0.2.10", l.ClientIP)
		assert.False(t, l.Timestamp.IsZero())
		assert.Equal(t, "A", l.QueryType)
		byOutcome[l.Outcome] = l
	}

	require.Contains(t, byOutcome, storage.OutcomeForwarded)
	assert.Equal(t, "example.com", byOutcome[storage.OutcomeForwarded].Domain)
	assert.Equal(t, "https://doh.example/dns-query", byOutcome[storage.OutcomeForwarded].Upstream)

	require.Contains(t, byOutcome, storage.OutcomeCached)
	assert.True(t, byOutcome[storage.OutcomeCached].Cached)

	require.Contains(t, byOutcome, storage.OutcomeBlocked)
	assert.Equal(t, "blocklist", byOutcome[storage.OutcomeBlocked].Reason)
}

func TestClientIPFromAddr(t *testing.T) {
	tests := []struct {
		addr net.Addr
		name string
		want string
	}{
		{name: "nil", addr: nil, want: ""},
		{name: "udp4", addr: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 53}, want: "192.0.2.1"},
		{name: "udp4 in 16 bytes", addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 53}, want: "10.0.0.5"},
		{name: "udp6", addr: &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 53}, want: "2001:db8::1"},
		{name: "tcp", addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.2"), Port: 53}, want: "192.0.2.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clientIPFromAddr(tt.addr))
		})
	}
}

func TestFirstAAnswer(t *testing.T) {
	query := packQuery(t, "example.com", dns.TypeA, 1)

	withA := packReply(t, query, func(req, resp *dns.Msg) {
		resp.Answer = append(resp.Answer,
			&dns.CNAME{Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60}, Target: "cdn.example."},
			aRecord("cdn.example.", net.ParseIP("192.0.2.7").To4(), 60),
			aRecord("cdn.example.", net.ParseIP("192.0.2.8").To4(), 60),
		)
	})

	ip, ok := firstAAnswer(withA)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.7", ip)

	_, ok = firstAAnswer([]byte{0, 1})
	assert.False(t, ok)

	_, ok = firstAAnswer(packReply(t, query, func(*dns.Msg, *dns.Msg) {}))
	assert.False(t, ok)
}

func TestResponseRcode(t *testing.T) {
	query := packQuery(t, "example.com", dns.TypeA, 1)
	nx := packReply(t, query, func(_, resp *dns.Msg) { resp.Rcode = dns.RcodeNameError })

	assert.Equal(t, dns.RcodeNameError, responseRcode(nx))
	assert.Equal(t, -1, responseRcode([]byte{1}))
}
