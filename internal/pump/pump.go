// Package pump moves bytes between one browser transport and one SSH shell
// channel, enforcing command policy at submission boundaries and emitting an
// audit record per submission.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opsdeck/shellgate/internal/audit"
	"github.com/opsdeck/shellgate/internal/logutil"
	"github.com/opsdeck/shellgate/internal/policy"
	"github.com/opsdeck/shellgate/internal/registry"
	"github.com/opsdeck/shellgate/internal/sshpool"
)

const (
	// MaxInputMessageSize bounds one browser input frame.
	MaxInputMessageSize = 64 * 1024
	// MaxCols and MaxRows bound resize requests.
	MaxCols = 500
	MaxRows = 200

	defaultChunkBytes = 4096
	defaultQueueSize  = 64

	// maxCaptureBytes bounds the output/error captures kept on a command
	// record, matching the audit sink's storage bound.
	maxCaptureBytes = 8 * 1024

	// stopJoinTimeout bounds how long Stop waits for the forwarders.
	stopJoinTimeout = 2 * time.Second
)

var (
	ErrInputTooLarge  = errors.New("input frame too large")
	ErrBadDimensions  = errors.New("invalid terminal dimensions")
	ErrStopped        = errors.New("pump stopped")
	ErrBlockedByRules = errors.New("command blocked by policy")
)

// Close reasons the pump reports on its own initiative. The gateway inspects
// these to decide whether the session itself is dead or only the browser side.
const (
	ReasonRemoteClosed   = "remote channel closed"
	ReasonSSHWrite       = "ssh write failed"
	ReasonTransportWrite = "transport write failed"
)

// Channel is the PTY shell channel the pump drives. *sshpool.ShellChannel
// satisfies it; tests substitute pipes.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
}

// Executor runs one-shot commands on the session's transport.
// *sshpool.Conn satisfies it.
type Executor interface {
	Exec(ctx context.Context, command string) (*sshpool.ExecResult, error)
}

// PolicyFunc resolves the rule set in force at evaluation time. Called per
// submission so policy changes apply to live sessions.
type PolicyFunc func() *policy.RuleSet

// Config wires one pump. Session, Channel and Output are required.
type Config struct {
	Session *registry.Session
	Channel Channel
	Exec    Executor
	Policy  PolicyFunc
	Sink    audit.Sink
	// Output delivers remote terminal bytes (and synthetic block notices)
	// to the browser transport.
	Output func(data []byte) error
	// Closed is invoked once when the pump shuts down, with a reason.
	Closed func(reason string)

	ChunkBytes int
	QueueSize  int
}

// Pump is the per-session I/O forwarder pair. Create with New, then Start.
type Pump struct {
	cfg  Config
	sess *registry.Session

	inputQ chan []byte

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	closedOnce sync.Once
}

func New(cfg Config) *Pump {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Policy == nil {
		cfg.Policy = func() *policy.RuleSet { return nil }
	}
	return &Pump{
		cfg:    cfg,
		sess:   cfg.Session,
		inputQ: make(chan []byte, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the input and output forwarders.
func (p *Pump) Start() {
	p.wg.Add(2)
	go p.inputLoop()
	go p.outputLoop()
}

// Input enqueues one browser input frame. Never blocks on the SSH channel;
// backpressure is the bounded queue.
func (p *Pump) Input(data []byte) error {
	if len(data) > MaxInputMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(data))
	}
	select {
	case <-p.stop:
		return ErrStopped
	case p.inputQ <- data:
		return nil
	}
}

// Resize validates and applies new PTY dimensions.
func (p *Pump) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > MaxCols || rows > MaxRows {
		return fmt.Errorf("%w: %dx%d", ErrBadDimensions, cols, rows)
	}
	p.sess.SetSize(cols, rows)
	p.sess.TouchActivity()
	return p.cfg.Channel.Resize(cols, rows)
}

// Stop halts the forwarders, closes the shell channel, and waits briefly for
// the goroutines to drain. Idempotent; safe to call from the registry reaper.
func (p *Pump) Stop(reason string) {
	p.halt()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		log.Printf("[pump] session %s: forwarders still draining after %s", p.sess.ID, stopJoinTimeout)
	}

	p.notifyClosed(reason)
}

// halt signals shutdown and closes the channel, which unblocks the output
// forwarder's pending read. Called internally by the forwarders; they must
// not call Stop, which joins on them.
func (p *Pump) halt() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.cfg.Channel.Close()
	})
}

func (p *Pump) notifyClosed(reason string) {
	p.closedOnce.Do(func() {
		if p.cfg.Closed != nil {
			p.cfg.Closed(reason)
		}
	})
}

func (p *Pump) inputLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case data := <-p.inputQ:
			p.handleInput(data)
		}
	}
}

// handleInput forwards one input frame. Frames inside a line pass straight
// through so interactive editing stays responsive; a frame ending in CR or LF
// is a submission boundary, and only there is the accumulated line evaluated.
// On a block, the boundary frame is withheld from the channel so the remote
// shell never sees the newline that would execute the line.
func (p *Pump) handleInput(data []byte) {
	if len(data) == 0 {
		return
	}
	p.sess.TouchActivity()
	p.sess.AppendBuffer(data)

	last := data[len(data)-1]
	if last != '\r' && last != '\n' {
		if _, err := p.cfg.Channel.Write(data); err != nil {
			log.Printf("[pump] session %s: ssh write failed: %v", p.sess.ID, err)
			p.halt()
			go p.notifyClosed(ReasonSSHWrite)
		}
		return
	}

	line := strings.TrimRight(string(p.sess.TakeBuffer()), "\r\n")
	dec := policy.Evaluate(p.cfg.Policy(), line)
	if !dec.Allowed {
		p.emitBlocked(dec.Reason)
		p.record(line, audit.StatusBlocked, dec.Reason, "", "", nil, 0)
		return
	}

	if _, err := p.cfg.Channel.Write(data); err != nil {
		log.Printf("[pump] session %s: ssh write failed: %v", p.sess.ID, err)
		p.halt()
		go p.notifyClosed(ReasonSSHWrite)
		return
	}
	if strings.TrimSpace(line) != "" {
		p.record(line, audit.StatusSuccess, "", "", "", nil, 0)
	}
}

// emitBlocked paints the block notice into the terminal stream in red. The
// notice travels only to the browser; nothing reaches the SSH channel.
func (p *Pump) emitBlocked(reason string) {
	frame := fmt.Sprintf("\x1b[31m[blocked] %s\x1b[0m\r\n", reason)
	if err := p.cfg.Output([]byte(frame)); err != nil {
		log.Printf("[pump] session %s: transport write failed: %v", p.sess.ID, err)
	}
}

func (p *Pump) outputLoop() {
	defer p.wg.Done()
	buf := make([]byte, p.cfg.ChunkBytes)
	for {
		n, err := p.cfg.Channel.Read(buf)
		if n > 0 {
			p.sess.TouchActivity()
			out := make([]byte, n)
			copy(out, buf[:n])
			if werr := p.cfg.Output(out); werr != nil {
				log.Printf("[pump] session %s: transport write failed: %v", p.sess.ID, werr)
				p.halt()
				go p.notifyClosed(ReasonTransportWrite)
				return
			}
		}
		if err != nil {
			select {
			case <-p.stop:
				// halt closed the channel under us; whoever initiated the
				// stop owns the close notification.
			default:
				log.Printf("[pump] session %s: remote channel closed: %v", p.sess.ID, err)
				p.halt()
				go p.notifyClosed(ReasonRemoteClosed)
			}
			return
		}
	}
}

// ExecuteOnce runs one non-interactive command over a fresh channel on the
// session's transport, applying policy first and auditing the outcome either
// way. A policy block returns the record alongside ErrBlockedByRules.
func (p *Pump) ExecuteOnce(ctx context.Context, command string, timeout time.Duration) (registry.CommandRecord, error) {
	p.sess.TouchActivity()
	start := time.Now()

	dec := policy.Evaluate(p.cfg.Policy(), command)
	if !dec.Allowed {
		rec := p.record(command, audit.StatusBlocked, dec.Reason, "", "", nil, time.Since(start))
		return rec, fmt.Errorf("%w: %s", ErrBlockedByRules, dec.Reason)
	}

	if p.cfg.Exec == nil {
		return registry.CommandRecord{}, errors.New("no executor attached")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := p.cfg.Exec.Exec(ctx, command)
	dur := time.Since(start)
	if err != nil {
		rec := p.record(command, audit.StatusFailed, "", "", err.Error(), nil, dur)
		return rec, err
	}

	status := audit.StatusSuccess
	if res.ExitCode != 0 {
		status = audit.StatusFailed
	}
	exit := res.ExitCode
	rec := p.record(command, status, "", string(res.Stdout), string(res.Stderr), &exit, dur)
	return rec, nil
}

// record appends to the session history and hands the audit sink a record.
func (p *Pump) record(command string, status audit.Status, blockReason, output, errCapture string, exitCode *int, dur time.Duration) registry.CommandRecord {
	now := time.Now()
	rec := registry.CommandRecord{
		SessionID:     p.sess.ID,
		CommandText:   command,
		Status:        status,
		BlockReason:   blockReason,
		OutputCapture: logutil.Truncate(output, maxCaptureBytes),
		ErrorCapture:  logutil.Truncate(errCapture, maxCaptureBytes),
		ExitCode:      exitCode,
		ExecutedAt:    now,
		Duration:      dur,
	}
	p.sess.AppendHistory(rec)

	if p.cfg.Sink != nil {
		err := p.cfg.Sink.Append(audit.Record{
			ID:            uuid.New().String(),
			TenantID:      p.sess.TenantID,
			UserID:        p.sess.UserID,
			HostID:        p.sess.HostID,
			SessionID:     p.sess.ID,
			CommandText:   command,
			Status:        status,
			BlockReason:   blockReason,
			OutputCapture: output,
			ErrorCapture:  errCapture,
			ExitCode:      exitCode,
			ExecutedAt:    now,
			Duration:      dur,
			IPAddress:     p.sess.ClientIP,
		})
		if err != nil {
			log.Printf("[pump] session %s: audit append failed: %v", p.sess.ID, err)
		}
	}
	return rec
}
