package verifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startDNSServer serves the given zone records over UDP on loopback.
func startDNSServer(t *testing.T, records []string, nxdomain ...string) string {
	t.Helper()

	zone := map[string][]dns.RR{}
	for _, s := range records {
		rr, err := dns.NewRR(s)
		require.NoError(t, err, s)
		name := strings.ToLower(rr.Header().Name)
		zone[name] = append(zone[name], rr)
	}
	missing := map[string]bool{}
	for _, n := range nxdomain {
		missing[dns.Fqdn(n)] = true
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			name := strings.ToLower(q.Name)
			if missing[name] {
				m.SetRcode(r, dns.RcodeNameError)
				_ = w.WriteMsg(m)
				return
			}
			for _, rr := range zone[name] {
				if rr.Header().Rrtype == q.Qtype {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

// smtpScript drives a fake mail server. Replies are keyed by command verb;
// unlisted verbs get "250 OK".
type smtpScript struct {
	Banner  string
	Replies map[string]string
	// Stall makes the server go silent when it receives this verb ("BANNER" before greeting).
	Stall string
}

type smtpServer struct {
	Addr string
	Port int

	mu       sync.Mutex
	commands []string
}

func (s *smtpServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func startSMTPServer(t *testing.T, script smtpScript) *smtpServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	srv := &smtpServer{Addr: l.Addr().String(), Port: l.Addr().(*net.TCPAddr).Port}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn, script)
		}
	}()
	return srv
}

func (s *smtpServer) handle(conn net.Conn, script smtpScript) {
	defer conn.Close()
	stall := func() { _, _ = bufio.NewReader(conn).ReadString(0) }

	if script.Stall == "BANNER" {
		stall()
		return
	}
	banner := script.Banner
	if banner == "" {
		banner = "220 mx.test ESMTP ready"
	}
	fmt.Fprintf(conn, "%s\r\n", banner)

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		verb := strings.ToUpper(strings.Fields(line + " x")[0])
		if verb == script.Stall {
			stall()
			return
		}
		reply, ok := script.Replies[verb]
		if !ok {
			reply = "250 OK"
			if verb == "EHLO" {
				reply = "250-mx.test greets you\r\n250-PIPELINING\r\n250 8BITMIME"
			}
			if verb == "QUIT" {
				reply = "221 bye"
			}
		}
		fmt.Fprintf(conn, "%s\r\n", reply)
		if verb == "QUIT" {
			return
		}
	}
}

// mapDialer routes host names to fixed addresses or errors.
type mapDialer struct {
	routes map[string]string
	errs   map[string]error
	block  map[string]bool
}

func (d *mapDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, _ := net.SplitHostPort(addr)
	if d.block[host] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := d.errs[host]; ok {
		return nil, err
	}
	target, ok := d.routes[host]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, target)
}

func newTestProber(dialer ContextDialer, port int, step time.Duration) *Prober {
	return &Prober{
		Dialer:       dialer,
		Port:         port,
		StepTimeout:  step,
		SenderDomain: "probe.test",
		MaxHosts:     2,
	}
}

// fakeResolver serves canned answers to the orchestrator.
type fakeResolver struct {
	mu    sync.Mutex
	mx    map[string][]MailExchangeHost
	errs  map[string]error
	txt   map[string][]string
	calls map[string]int
}

func (f *fakeResolver) ResolveMX(_ context.Context, domain string) ([]MailExchangeHost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[domain]++
	if err := f.errs[domain]; err != nil {
		return nil, err
	}
	return f.mx[domain], nil
}

func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	recs, ok := f.txt[name]
	if !ok {
		return nil, &DNSError{Domain: name, Query: "TXT", Rcode: dns.RcodeNameError}
	}
	return recs, nil
}

func (f *fakeResolver) resolveCalls(domain string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[domain]
}

// fakeProber answers by local part and tracks per-domain concurrency.
type fakeProber struct {
	mu       sync.Mutex
	answers  map[string]ProbeOutcome
	fallback ProbeOutcome
	hook     func(ctx context.Context, addr EmailAddress) (ProbeOutcome, bool)

	probed      []string
	inflight    map[string]int
	maxInflight map[string]int
}

func (f *fakeProber) Probe(ctx context.Context, hosts []MailExchangeHost, addr EmailAddress) ProbeOutcome {
	f.mu.Lock()
	if f.inflight == nil {
		f.inflight, f.maxInflight = map[string]int{}, map[string]int{}
	}
	f.probed = append(f.probed, addr.String())
	f.inflight[addr.Domain]++
	if f.inflight[addr.Domain] > f.maxInflight[addr.Domain] {
		f.maxInflight[addr.Domain] = f.inflight[addr.Domain]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[addr.Domain]--
		f.mu.Unlock()
	}()

	if f.hook != nil {
		if out, ok := f.hook(ctx, addr); ok {
			return out
		}
	}
	time.Sleep(2 * time.Millisecond)
	if out, ok := f.answers[addr.LocalPart]; ok {
		out.Host = hosts[0].Host
		return out
	}
	out := f.fallback
	if out.Outcome == "" {
		out.Outcome = OutcomeRejected
		out.Code = 550
	}
	out.Host = hosts[0].Host
	return out
}

func (f *fakeProber) Probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probed...)
}

func (f *fakeProber) count(email string) int {
	n := 0
	for _, p := range f.Probed() {
		if p == email {
			n++
		}
	}
	return n
}
