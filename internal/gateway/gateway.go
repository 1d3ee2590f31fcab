// Package gateway composes the registry, SSH pool, policy store and audit
// sink behind one facade. Transport handlers call only this package; no other
// layer touches more than one subsystem.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/opsdeck/shellgate/internal/audit"
	"github.com/opsdeck/shellgate/internal/crypto"
	"github.com/opsdeck/shellgate/internal/database"
	"github.com/opsdeck/shellgate/internal/logutil"
	"github.com/opsdeck/shellgate/internal/policy"
	"github.com/opsdeck/shellgate/internal/pump"
	"github.com/opsdeck/shellgate/internal/registry"
	"github.com/opsdeck/shellgate/internal/sshpool"
	"gorm.io/gorm"
)

// Config tunes the facade.
type Config struct {
	OutputChunkBytes int
	ExecTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutputChunkBytes <= 0 {
		c.OutputChunkBytes = 4096
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	return c
}

// Gateway owns the wiring between sessions, transports, pooled SSH
// connections, policy and audit.
type Gateway struct {
	db       *gorm.DB
	cipher   *crypto.Cipher
	pool     *sshpool.Pool
	reg      *registry.Registry
	policies *policy.Store
	sink     audit.Sink
	cfg      Config
}

func New(db *gorm.DB, cipher *crypto.Cipher, pool *sshpool.Pool, reg *registry.Registry, policies *policy.Store, sink audit.Sink, cfg Config) *Gateway {
	return &Gateway{
		db:       db,
		cipher:   cipher,
		pool:     pool,
		reg:      reg,
		policies: policies,
		sink:     sink,
		cfg:      cfg.withDefaults(),
	}
}

// OpenParams describes an open (or reopen) request from a transport.
type OpenParams struct {
	UserID   string
	TenantID string
	HostID   uint
	// SessionID non-empty rebinds an existing inactive session.
	SessionID   string
	TransportID string
	ClientIP    string
	Cols, Rows  uint16

	// Output delivers terminal bytes to the browser transport.
	Output func(data []byte) error
	// Closed is invoked once when the session's pump shuts down.
	Closed func(reason string)
}

// Open establishes a live shell for a transport: resolves the host, registers
// (or rebinds) the session, acquires a pooled transport, opens a PTY channel
// and starts the pump. Credentials are decrypted only for the Acquire call
// and zeroed immediately after.
func (g *Gateway) Open(ctx context.Context, p OpenParams) (*registry.Session, error) {
	var (
		s     *registry.Session
		fresh bool
		err   error
	)
	if p.SessionID != "" {
		s, err = g.reg.Rebind(p.SessionID, p.TransportID, p.UserID)
		if err != nil {
			return nil, err
		}
	} else {
		host, herr := g.resolveHost(p.TenantID, p.HostID)
		if herr != nil {
			return nil, herr
		}
		s, err = g.reg.Create(registry.CreateParams{
			UserID:      p.UserID,
			TenantID:    p.TenantID,
			HostID:      host.ID,
			Hostname:    host.Hostname,
			Port:        host.Port,
			Username:    host.Username,
			TransportID: p.TransportID,
			ClientIP:    p.ClientIP,
			Cols:        p.Cols,
			Rows:        p.Rows,
		})
		if err != nil {
			return nil, err
		}
		fresh = true
	}

	if err := g.attach(ctx, s, p); err != nil {
		if fresh {
			g.reg.Terminate(s.ID, "connect failed")
		}
		// A failed rebind leaves the session inactive for another attempt.
		return nil, err
	}
	return s, nil
}

// attach dials (or reuses) the pooled transport for the session's host, opens
// a shell channel and wires a pump onto the session.
func (g *Gateway) attach(ctx context.Context, s *registry.Session, p OpenParams) error {
	host, err := g.hostByID(s.HostID)
	if err != nil {
		return err
	}

	cred, err := g.credential(host)
	if err != nil {
		return err
	}
	key := sshpool.Key{Hostname: s.Hostname, Port: s.Port, Username: s.Username}
	conn, err := g.pool.Acquire(ctx, key, cred)
	crypto.Zero(cred.PrivateKeyPEM)
	if err != nil {
		return err
	}

	cols, rows := p.Cols, p.Rows
	if cols == 0 || rows == 0 {
		cols, rows = s.Size()
	}
	ch, err := conn.OpenShell(ctx, int(cols), int(rows))
	if err != nil {
		conn.Release()
		return err
	}

	pmp := pump.New(pump.Config{
		Session: s,
		Channel: ch,
		Exec:    conn,
		Policy:  g.policyFor(s.TenantID, s.HostID),
		Sink:    g.sink,
		Output:  p.Output,
		Closed: func(reason string) {
			conn.Release()
			switch reason {
			case pump.ReasonRemoteClosed, pump.ReasonSSHWrite:
				g.reg.Terminate(s.ID, reason)
			}
			if p.Closed != nil {
				p.Closed(reason)
			}
		},
		ChunkBytes: g.cfg.OutputChunkBytes,
	})
	if cols > 0 && rows > 0 {
		s.SetSize(cols, rows)
	}
	s.Activate(pmp)
	pmp.Start()

	log.Printf("[gateway] session %s attached to %s", s.ID, key)
	return nil
}

// policyFor resolves the effective rule set per evaluation. Resolution
// failures fall back to the engine denylist so a database hiccup cannot lift
// restrictions.
func (g *Gateway) policyFor(tenantID string, hostID uint) pump.PolicyFunc {
	return func() *policy.RuleSet {
		rs, err := g.policies.Effective(tenantID, hostID)
		if err != nil {
			log.Printf("[gateway] policy resolve failed for tenant %s host %d: %v", logutil.SanitizeForLog(tenantID), hostID, err)
			return &policy.RuleSet{
				Mode:         policy.ModeDenylist,
				DenyPatterns: g.policies.Sentinel(),
				Active:       true,
			}
		}
		return rs
	}
}

// Input forwards browser input bytes into a session's pump.
func (g *Gateway) Input(sessionID string, data []byte) error {
	d, err := g.driver(sessionID)
	if err != nil {
		return err
	}
	return d.Input(data)
}

// InputByTransport is Input keyed by the browser transport.
func (g *Gateway) InputByTransport(transportID string, data []byte) error {
	s := g.reg.LookupByTransport(transportID)
	if s == nil {
		return registry.ErrNotFound
	}
	d := s.Driver()
	if d == nil {
		return ErrNoDriver
	}
	return d.Input(data)
}

// Resize applies new PTY dimensions to a session.
func (g *Gateway) Resize(sessionID string, cols, rows uint16) error {
	d, err := g.driver(sessionID)
	if err != nil {
		return err
	}
	return d.Resize(cols, rows)
}

// Execute runs one non-interactive command on the session's transport,
// subject to policy, and returns the audited record.
func (g *Gateway) Execute(ctx context.Context, sessionID, command string) (registry.CommandRecord, error) {
	d, err := g.driver(sessionID)
	if err != nil {
		return registry.CommandRecord{}, err
	}
	return d.ExecuteOnce(ctx, command, g.cfg.ExecTimeout)
}

// CloseSession terminates a session on user request.
func (g *Gateway) CloseSession(sessionID, reason string) bool {
	if reason == "" {
		reason = "closed by user"
	}
	return g.reg.Terminate(sessionID, reason)
}

// OnTransportGone detaches a departed browser transport. The session stays
// inactive for the reconnection grace window.
func (g *Gateway) OnTransportGone(transportID string) {
	g.reg.OnTransportGone(transportID)
}

// TerminateForHost terminates every session on a host (host removed or
// disabled).
func (g *Gateway) TerminateForHost(hostID uint, reason string) int {
	return g.reg.TerminateForHost(hostID, reason)
}

// TerminateForUser terminates every session a user holds.
func (g *Gateway) TerminateForUser(userID, reason string) int {
	return g.reg.TerminateForUser(userID, reason)
}

// Sessions lists session snapshots for a tenant.
func (g *Gateway) Sessions(tenantID string) []registry.Info {
	return g.reg.List(tenantID)
}

// Session returns one session, tenant-checked.
func (g *Gateway) Session(tenantID, sessionID string) *registry.Session {
	s := g.reg.Lookup(sessionID)
	if s == nil || (tenantID != "" && s.TenantID != tenantID) {
		return nil
	}
	return s
}

// History returns a session's command history (live or recently terminated).
func (g *Gateway) History(sessionID string) []registry.CommandRecord {
	return g.reg.History(sessionID)
}

// Stats bundles registry and pool occupancy for the health surface.
type Stats struct {
	Sessions registry.Stats `json:"sessions"`
	Pool     sshpool.Stats  `json:"pool"`
}

func (g *Gateway) Stats() Stats {
	return Stats{Sessions: g.reg.Stats(), Pool: g.pool.Stats()}
}

func (g *Gateway) driver(sessionID string) (registry.Driver, error) {
	s := g.reg.Lookup(sessionID)
	if s == nil {
		return nil, registry.ErrNotFound
	}
	d := s.Driver()
	if d == nil {
		return nil, ErrNoDriver
	}
	return d, nil
}

func (g *Gateway) resolveHost(tenantID string, hostID uint) (*database.Host, error) {
	var host database.Host
	err := g.db.Where("id = ? AND tenant_id = ?", hostID, tenantID).First(&host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load host %d: %w", hostID, err)
	}
	if !host.Enabled {
		return nil, ErrHostDisabled
	}
	return &host, nil
}

func (g *Gateway) hostByID(hostID uint) (*database.Host, error) {
	var host database.Host
	err := g.db.First(&host, hostID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load host %d: %w", hostID, err)
	}
	if !host.Enabled {
		return nil, ErrHostDisabled
	}
	return &host, nil
}

// credential decrypts the host's stored secret for one Acquire call.
func (g *Gateway) credential(host *database.Host) (sshpool.Credential, error) {
	switch host.AuthMethod {
	case "key":
		pem, err := g.cipher.Decrypt(host.EncryptedKey)
		if err != nil {
			return sshpool.Credential{}, fmt.Errorf("decrypt key for host %d: %w", host.ID, err)
		}
		return sshpool.Credential{PrivateKeyPEM: []byte(pem)}, nil
	default:
		pw, err := g.cipher.Decrypt(host.EncryptedPassword)
		if err != nil {
			return sshpool.Credential{}, fmt.Errorf("decrypt password for host %d: %w", host.ID, err)
		}
		return sshpool.Credential{Password: pw}, nil
	}
}
