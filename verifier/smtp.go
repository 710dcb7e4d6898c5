package verifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeRejected      Outcome = "rejected"
	OutcomeIndeterminate Outcome = "indeterminate"
	OutcomeDomainError   Outcome = "domain_error"
	OutcomeTimeout       Outcome = "timeout"
)

// ProbeOutcome is the classification of one RCPT probe.
type ProbeOutcome struct {
	Outcome Outcome `json:"outcome"`
	Code    int     `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
	Host    string  `json:"host,omitempty"`
	Stage   string  `json:"stage,omitempty"`
	Skipped bool    `json:"skipped,omitempty"`
}

// ContextDialer opens the transport connection for a probe.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Probe checks one address against the domain's mail hosts.
type Probe interface {
	Probe(ctx context.Context, hosts []MailExchangeHost, addr EmailAddress) ProbeOutcome
}

const fallbackHeloName = "localhost.localdomain"

// Prober runs the SMTP handshake up to RCPT TO. It never sends DATA.
type Prober struct {
	Dialer       ContextDialer
	Port         int
	StepTimeout  time.Duration
	SenderDomain string
	MaxHosts     int
	Logger       logrus.FieldLogger
}

// NewProber returns a prober dialing directly, or through a SOCKS5 proxy when
// proxyAddr is set (host:port).
func NewProber(senderDomain string, port int, stepTimeout time.Duration, maxHosts int, proxyAddr string) (*Prober, error) {
	var dialer ContextDialer = &net.Dialer{}
	if proxyAddr != "" {
		d, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: stepTimeout})
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", proxyAddr, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 proxy %s: dialer does not support contexts", proxyAddr)
		}
		dialer = cd
	}
	if port <= 0 {
		port = 25
	}
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Second
	}
	if maxHosts <= 0 {
		maxHosts = 2
	}
	return &Prober{
		Dialer:       dialer,
		Port:         port,
		StepTimeout:  stepTimeout,
		SenderDomain: senderDomain,
		MaxHosts:     maxHosts,
		Logger:       logrus.StandardLogger(),
	}, nil
}

// Probe tries hosts in order, moving to the next host only when the connection
// itself fails. Once a server answers, its verdict is final.
func (p *Prober) Probe(ctx context.Context, hosts []MailExchangeHost, addr EmailAddress) ProbeOutcome {
	if len(hosts) == 0 {
		return ProbeOutcome{Outcome: OutcomeDomainError, Message: "no mail hosts", Stage: stageConnect.String()}
	}
	if p.MaxHosts > 0 && len(hosts) > p.MaxHosts {
		hosts = hosts[:p.MaxHosts]
	}

	var last ProbeOutcome
	for _, h := range hosts {
		if ctx.Err() != nil {
			return ProbeOutcome{Outcome: OutcomeTimeout, Message: "verification budget exhausted", Host: h.Host, Stage: stageConnect.String()}
		}
		s := &session{p: p, ctx: ctx, host: h.Host, addr: addr}
		s.run()
		p.logger().WithFields(logrus.Fields{
			"host":    h.Host,
			"domain":  addr.Domain,
			"stage":   s.outcome.Stage,
			"code":    s.outcome.Code,
			"outcome": s.outcome.Outcome,
		}).Debug("smtp probe finished")
		if s.connected {
			return s.outcome
		}
		last = s.outcome
	}
	return last
}

func (p *Prober) logger() logrus.FieldLogger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

func (p *Prober) heloName(target string) string {
	name := NormalizeDomain(p.SenderDomain)
	if name == "" || name == target || strings.HasSuffix(target, "."+name) {
		return fallbackHeloName
	}
	return name
}

type stage int

const (
	stageConnect stage = iota
	stageGreet
	stageEHLO
	stageHELO
	stageMailFrom
	stageRcpt
	stageQuit
	stageDone
)

var stageNames = [...]string{"connect", "greet", "ehlo", "helo", "mail_from", "rcpt", "quit", "done"}

func (s stage) String() string { return stageNames[s] }

type stepFn func(*session) stage

var steps = [...]stepFn{
	stageConnect:  (*session).connect,
	stageGreet:    (*session).greet,
	stageEHLO:     (*session).ehlo,
	stageHELO:     (*session).helo,
	stageMailFrom: (*session).mailFrom,
	stageRcpt:     (*session).rcpt,
	stageQuit:     (*session).quit,
}

// session is one connection to one host.
type session struct {
	p    *Prober
	ctx  context.Context
	host string
	addr EmailAddress

	conn      net.Conn
	text      *textproto.Conn
	connected bool
	current   stage
	outcome   ProbeOutcome
}

func (s *session) run() {
	defer func() {
		if s.conn != nil {
			s.conn.Close()
		}
	}()
	for st := stageConnect; st != stageDone; {
		s.current = st
		st = steps[st](s)
	}
}

func (s *session) finish(o Outcome, code int, msg string) {
	s.outcome = ProbeOutcome{
		Outcome: o,
		Code:    code,
		Message: strings.TrimSpace(msg),
		Host:    s.host,
		Stage:   s.current.String(),
	}
}

// deadline arms the connection for one protocol step, never past the
// caller's own deadline.
func (s *session) deadline() time.Time {
	d := time.Now().Add(s.p.StepTimeout)
	if dl, ok := s.ctx.Deadline(); ok && dl.Before(d) {
		d = dl
	}
	return d
}

func (s *session) command(format string, args ...any) (int, string, error) {
	if err := s.conn.SetDeadline(s.deadline()); err != nil {
		return 0, "", err
	}
	if format != "" {
		if err := s.text.PrintfLine(format, args...); err != nil {
			return 0, "", err
		}
	}
	return s.text.ReadResponse(0)
}

// fail classifies a transport or protocol error at the current step.
func (s *session) fail(err error) stage {
	if isTimeout(err) {
		s.finish(OutcomeTimeout, 0, s.current.String()+" timed out")
		return stageDone
	}
	var perr textproto.ProtocolError
	if errors.As(err, &perr) {
		s.finish(OutcomeIndeterminate, 0, "malformed reply: "+perr.Error())
		return stageQuit
	}
	s.finish(OutcomeIndeterminate, 0, "connection lost: "+err.Error())
	return stageDone
}

func (s *session) connect() stage {
	dctx, cancel := context.WithDeadline(s.ctx, s.deadline())
	defer cancel()

	conn, err := s.p.Dialer.DialContext(dctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.p.Port)))
	if err != nil {
		if isTimeout(err) {
			s.finish(OutcomeTimeout, 0, "connect timed out")
		} else {
			s.finish(OutcomeDomainError, 0, err.Error())
		}
		return stageDone
	}
	s.conn = conn
	s.text = textproto.NewConn(conn)
	s.connected = true
	return stageGreet
}

func (s *session) greet() stage {
	code, msg, err := s.command("")
	if err != nil {
		return s.fail(err)
	}
	if code/100 != 2 {
		s.finish(OutcomeIndeterminate, code, msg)
		return stageQuit
	}
	return stageEHLO
}

func (s *session) ehlo() stage {
	code, _, err := s.command("EHLO %s", s.p.heloName(s.addr.Domain))
	if err != nil {
		return s.fail(err)
	}
	if code/100 != 2 {
		return stageHELO
	}
	return stageMailFrom
}

func (s *session) helo() stage {
	code, msg, err := s.command("HELO %s", s.p.heloName(s.addr.Domain))
	if err != nil {
		return s.fail(err)
	}
	if code/100 != 2 {
		s.finish(OutcomeIndeterminate, code, msg)
		return stageQuit
	}
	return stageMailFrom
}

func (s *session) mailFrom() stage {
	code, msg, err := s.command("MAIL FROM:<verify@%s>", s.p.heloName(s.addr.Domain))
	if err != nil {
		return s.fail(err)
	}
	if code/100 != 2 {
		s.finish(OutcomeIndeterminate, code, msg)
		return stageQuit
	}
	return stageRcpt
}

func (s *session) rcpt() stage {
	code, msg, err := s.command("RCPT TO:<%s>", s.addr.String())
	if err != nil {
		return s.fail(err)
	}
	s.finish(ClassifyRcpt(code), code, msg)
	return stageQuit
}

// quit is best-effort; the outcome is already settled.
func (s *session) quit() stage {
	if _, _, err := s.command("QUIT"); err != nil {
		s.p.logger().WithField("host", s.host).WithError(err).Debug("quit failed")
	}
	return stageDone
}

// ClassifyRcpt maps a RCPT TO reply code to an outcome. Temporary failures
// (greylisting) are indeterminate and never retried.
func ClassifyRcpt(code int) Outcome {
	switch code {
	case 250, 251:
		return OutcomeAccepted
	case 550, 551, 553:
		return OutcomeRejected
	default:
		return OutcomeIndeterminate
	}
}
