// Package sshpool multiplexes SSH transports across terminal sessions.
//
// Transports are pooled by (hostname, port, username) and reused: SSH
// multiplexes channels over one TCP connection, and the handshake dominates
// open latency, so every session to the same host/user shares the same
// transport and opens its own channel. A background reaper closes transports
// that have been idle past the configured timeout and no longer answer a
// keepalive probe. Channel-level failures never cascade to the transport:
// a dead shell on one session leaves its siblings connected.
package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opsdeck/shellgate/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// Key identifies one pooled transport.
type Key struct {
	Hostname string
	Port     int
	Username string
}

func (k Key) String() string {
	return k.Username + "@" + net.JoinHostPort(k.Hostname, strconv.Itoa(k.Port))
}

// Credential carries the cleartext secret for one Acquire call. The caller
// zeroes it after the transport is up; the pool never stores it.
type Credential struct {
	Password      string
	PrivateKeyPEM []byte
}

// Config tunes the pool. Zero values select the defaults.
type Config struct {
	Cap                int
	ConnectTimeout     time.Duration
	ChannelOpenTimeout time.Duration
	ProbeTimeout       time.Duration
	IdleTimeout        time.Duration
	ReaperInterval     time.Duration
	RetryAttempts      int
	RetryDelay         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cap <= 0 {
		c.Cap = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ChannelOpenTimeout <= 0 {
		c.ChannelOpenTimeout = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// entry is one pooled transport. The entry mutex serializes transport
// operations (channel opens, probes); lastUsed, healthy, channels and refs
// are guarded by the pool lock.
type entry struct {
	key    Key
	mu     sync.Mutex
	client *ssh.Client

	lastUsed time.Time
	healthy  bool
	channels int
	refs     int
}

// probe sends a keepalive round-trip with a short deadline.
func (e *entry) probe(timeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	client := e.client
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-time.After(timeout):
		return false
	}
}

// Pool is the process-wide SSH transport pool. Construct it explicitly and
// pass it into the gateway so tests can run isolated pools.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[Key]*entry

	nowFn func() time.Time

	stopOnce   sync.Once
	stop       chan struct{}
	reaperDone chan struct{}
}

// New creates a Pool and starts its idle reaper.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		entries:    make(map[Key]*entry),
		nowFn:      time.Now,
		stop:       make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go p.reaperLoop()
	return p
}

// Acquire returns a handle on a live transport for key, dialing a new one if
// none exists or the existing one fails its liveness probe. Transient network
// failures are retried with linear backoff; authentication failures never are.
func (p *Pool) Acquire(ctx context.Context, key Key, cred Credential) (*Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		conn, err := p.acquireOnce(ctx, key, cred)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.cfg.RetryAttempts {
			break
		}
		log.Printf("[pool] acquire %s attempt %d failed, retrying: %v", key, attempt, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * p.cfg.RetryDelay):
		}
	}
	return nil, lastErr
}

func (p *Pool) acquireOnce(ctx context.Context, key Key, cred Credential) (*Conn, error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()

	if ok {
		if e.probe(p.cfg.ProbeTimeout) {
			p.mu.Lock()
			if p.entries[key] == e {
				e.refs++
				e.healthy = true
				e.lastUsed = p.nowFn()
				p.mu.Unlock()
				return &Conn{pool: p, entry: e}, nil
			}
			p.mu.Unlock()
		} else {
			p.mu.Lock()
			e.healthy = false
			if p.entries[key] == e {
				delete(p.entries, key)
			}
			p.mu.Unlock()
			e.client.Close()
			log.Printf("[pool] %s failed liveness probe, replacing transport", key)
		}
	}

	if err := p.ensureCapacity(); err != nil {
		return nil, err
	}

	client, err := p.dial(ctx, key, cred)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.entries[key]; ok {
		// Lost a race with a concurrent Acquire; keep the established entry.
		existing.refs++
		existing.lastUsed = p.nowFn()
		p.mu.Unlock()
		client.Close()
		return &Conn{pool: p, entry: existing}, nil
	}
	e = &entry{
		key:      key,
		client:   client,
		lastUsed: p.nowFn(),
		healthy:  true,
		refs:     1,
	}
	p.entries[key] = e
	p.mu.Unlock()

	log.Printf("[pool] connected %s", key)
	return &Conn{pool: p, entry: e}, nil
}

// ensureCapacity evicts the oldest channel-free entry when the pool is full.
func (p *Pool) ensureCapacity() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) < p.cfg.Cap {
		return nil
	}

	var victim *entry
	for _, e := range p.entries {
		if e.channels > 0 {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	if victim == nil {
		return ErrPoolSaturated
	}
	delete(p.entries, victim.key)
	victim.client.Close()
	log.Printf("[pool] evicted idle transport %s", victim.key)
	return nil
}

func (p *Pool) dial(ctx context.Context, key Key, cred Credential) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if len(cred.PrivateKeyPEM) > 0 {
		signer, err := sshkeys.ParsePrivateKey(cred.PrivateKeyPEM)
		if err != nil {
			return nil, errors.Join(ErrAuth, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		auth = append(auth, ssh.Password(cred.Password))
	}

	cfg := &ssh.ClientConfig{
		User: key.Username,
		Auth: auth,
		// Host key verification is disabled by contract: the gateway fronts
		// lab hosts whose keys churn on reprovision.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.cfg.ConnectTimeout,
	}
	addr := net.JoinHostPort(key.Hostname, strconv.Itoa(key.Port))

	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	type handshake struct {
		client *ssh.Client
		err    error
	}
	done := make(chan handshake, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
		if err != nil {
			done <- handshake{err: err}
			return
		}
		done <- handshake{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case <-dctx.Done():
		netConn.Close()
		return nil, classifyDialError(dctx.Err())
	case h := <-done:
		if h.err != nil {
			netConn.Close()
			return nil, classifyDialError(h.err)
		}
		return h.client, nil
	}
}

// ForceClose closes the transport for key and removes it from the pool.
// Channels open over it surface read errors on next use. Returns whether an
// entry existed.
func (p *Pool) ForceClose(key Key) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	e.client.Close()
	log.Printf("[pool] force-closed transport %s", key)
	return true
}

// Stats summarizes pool occupancy.
type Stats struct {
	Transports int `json:"transports"`
	Channels   int `json:"channels"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Transports: len(p.entries)}
	for _, e := range p.entries {
		s.Channels += e.channels
	}
	return s
}

// CloseAll stops the reaper and closes every pooled transport.
func (p *Pool) CloseAll() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.reaperDone

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.client.Close()
	}
	if len(entries) > 0 {
		log.Printf("[pool] closed all %d transport(s)", len(entries))
	}
}

// SetNowFunc overrides the clock. Tests only.
func (p *Pool) SetNowFunc(fn func() time.Time) {
	p.nowFn = fn
}

func (p *Pool) reaperLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle closes transports idle past IdleTimeout whose probe fails. The
// pool lock is never held across a probe.
func (p *Pool) reapIdle() {
	cutoff := p.nowFn().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var candidates []*entry
	for _, e := range p.entries {
		if e.channels == 0 && e.lastUsed.Before(cutoff) {
			candidates = append(candidates, e)
		}
	}
	p.mu.Unlock()

	for _, e := range candidates {
		if e.probe(p.cfg.ProbeTimeout) {
			continue
		}
		p.mu.Lock()
		live := p.entries[e.key] == e
		if live {
			delete(p.entries, e.key)
		}
		p.mu.Unlock()
		if live {
			e.client.Close()
			log.Printf("[pool] reaped idle transport %s", e.key)
		}
	}
}

// touch refreshes an entry's last-used time.
func (p *Pool) touch(e *entry) {
	p.mu.Lock()
	if t := p.nowFn(); t.After(e.lastUsed) {
		e.lastUsed = t
	}
	p.mu.Unlock()
}

// Conn is a caller's handle on a pooled transport.
type Conn struct {
	pool  *Pool
	entry *entry

	releaseOnce sync.Once
}

// Key returns the transport's pool key.
func (c *Conn) Key() Key {
	return c.entry.key
}

// Release drops the handle's logical reference. The transport stays pooled
// for reuse, subject to idle reaping. Idempotent.
func (c *Conn) Release() {
	c.releaseOnce.Do(func() {
		c.pool.mu.Lock()
		c.entry.refs--
		c.entry.lastUsed = c.pool.nowFn()
		c.pool.mu.Unlock()
	})
}

// OpenShell opens a PTY-backed shell channel over the transport.
func (c *Conn) OpenShell(ctx context.Context, cols, rows int) (*ShellChannel, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	done := make(chan shellResult, 1)
	go func() {
		sc, err := c.openShellLocked(cols, rows)
		done <- shellResult{sc: sc, err: err}
	}()

	timer := time.NewTimer(c.pool.cfg.ChannelOpenTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		go discardShell(done)
		return nil, errors.Join(ErrChannelOpen, ctx.Err())
	case <-timer.C:
		go discardShell(done)
		return nil, fmt.Errorf("%w: open timed out after %s", ErrChannelOpen, c.pool.cfg.ChannelOpenTimeout)
	case r := <-done:
		if r.err != nil {
			return nil, errors.Join(ErrChannelOpen, r.err)
		}
		c.pool.mu.Lock()
		c.entry.channels++
		c.entry.lastUsed = c.pool.nowFn()
		c.pool.mu.Unlock()
		return r.sc, nil
	}
}

type shellResult struct {
	sc  *ShellChannel
	err error
}

// discardShell reaps the outcome of an abandoned open so a late success does
// not leak its session.
func discardShell(done <-chan shellResult) {
	if r := <-done; r.sc != nil {
		r.sc.session.Close()
	}
}

func (c *Conn) openShellLocked(cols, rows int) (*ShellChannel, error) {
	c.entry.mu.Lock()
	defer c.entry.mu.Unlock()

	session, err := c.entry.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &ShellChannel{
		pool:    c.pool,
		entry:   c.entry,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

// ExecResult is the captured outcome of a one-shot command channel.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Exec runs one command over a fresh channel on the same transport and
// captures its output and exit code. The context deadline bounds execution;
// on expiry the channel is closed and ctx.Err() returned.
func (c *Conn) Exec(ctx context.Context, command string) (*ExecResult, error) {
	c.entry.mu.Lock()
	session, err := c.entry.client.NewSession()
	c.entry.mu.Unlock()
	if err != nil {
		return nil, errors.Join(ErrChannelOpen, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	case err := <-done:
		c.pool.touch(c.entry)
		res := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("exec %q: %w", command, err)
	}
}

// ShellChannel is one PTY-backed shell over a pooled transport. Closing the
// channel never closes the transport.
type ShellChannel struct {
	pool    *Pool
	entry   *entry
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
}

// Read reads remote terminal output. Blocks until data, EOF, or channel
// close; Close unblocks pending reads.
func (sc *ShellChannel) Read(p []byte) (int, error) {
	return sc.stdout.Read(p)
}

// Write forwards input bytes to the remote PTY.
func (sc *ShellChannel) Write(p []byte) (int, error) {
	return sc.stdin.Write(p)
}

// Resize changes the remote PTY dimensions.
func (sc *ShellChannel) Resize(cols, rows uint16) error {
	return sc.session.WindowChange(int(rows), int(cols))
}

// Close tears down the channel and releases its slot on the entry.
// Idempotent.
func (sc *ShellChannel) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		err = sc.session.Close()
		sc.pool.mu.Lock()
		sc.entry.channels--
		if t := sc.pool.nowFn(); t.After(sc.entry.lastUsed) {
			sc.entry.lastUsed = t
		}
		sc.pool.mu.Unlock()
	})
	return err
}
