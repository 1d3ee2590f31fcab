package pump

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsdeck/shellgate/internal/audit"
	"github.com/opsdeck/shellgate/internal/policy"
	"github.com/opsdeck/shellgate/internal/registry"
	"github.com/opsdeck/shellgate/internal/sshpool"
)

// fakeChannel records what the pump writes and serves remote output from a
// pipe the test feeds.
type fakeChannel struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu        sync.Mutex
	written   []byte
	resizes   [][2]uint16
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	r, w := io.Pipe()
	return &fakeChannel{outR: r, outW: w}
}

func (c *fakeChannel) Read(p []byte) (int, error) { return c.outR.Read(p) }

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *fakeChannel) Resize(cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes = append(c.resizes, [2]uint16{cols, rows})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.outW.Close()
		c.outR.Close()
	})
	return nil
}

func (c *fakeChannel) writtenBytes() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.written)
}

type captureSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (s *captureSink) Append(rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *captureSink) snapshot() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

type fakeExec struct {
	res *sshpool.ExecResult
	err error

	mu   sync.Mutex
	cmds []string
}

func (e *fakeExec) Exec(ctx context.Context, command string) (*sshpool.ExecResult, error) {
	e.mu.Lock()
	e.cmds = append(e.cmds, command)
	e.mu.Unlock()
	return e.res, e.err
}

type outputCollector struct {
	mu  sync.Mutex
	buf []byte
}

func (o *outputCollector) write(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf = append(o.buf, data...)
	return nil
}

func (o *outputCollector) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.buf)
}

type testRig struct {
	pump   *Pump
	sess   *registry.Session
	ch     *fakeChannel
	sink   *captureSink
	out    *outputCollector
	exec   *fakeExec
	closed chan string
}

func denyRM() *policy.RuleSet {
	return &policy.RuleSet{
		Mode:         policy.ModeDenylist,
		DenyPatterns: []string{"rm", "mkfs*"},
		Active:       true,
	}
}

func newRig(t *testing.T, rs *policy.RuleSet) *testRig {
	t.Helper()

	reg := registry.New(registry.Config{ReaperInterval: time.Hour})
	t.Cleanup(reg.Close)
	sess, err := reg.Create(registry.CreateParams{
		UserID: "u1", TenantID: "acme", HostID: 1,
		Hostname: "db01", Port: 22, Username: "ops",
		ClientIP: "10.0.0.9", Cols: 80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rig := &testRig{
		sess:   sess,
		ch:     newFakeChannel(),
		sink:   &captureSink{},
		out:    &outputCollector{},
		exec:   &fakeExec{res: &sshpool.ExecResult{}},
		closed: make(chan string, 4),
	}
	rig.pump = New(Config{
		Session: sess,
		Channel: rig.ch,
		Exec:    rig.exec,
		Policy:  func() *policy.RuleSet { return rs },
		Sink:    rig.sink,
		Output:  rig.out.write,
		Closed:  func(reason string) { rig.closed <- reason },
	})
	sess.Activate(rig.pump)
	rig.pump.Start()
	t.Cleanup(func() { rig.pump.Stop("test done") })
	return rig
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestAllowedSubmissionForwardedAndAudited(t *testing.T) {
	rig := newRig(t, denyRM())

	rig.pump.Input([]byte("ls"))
	rig.pump.Input([]byte(" -la\r"))

	waitFor(t, "bytes on channel", func() bool { return rig.ch.writtenBytes() == "ls -la\r" })
	waitFor(t, "audit record", func() bool { return len(rig.sink.snapshot()) == 1 })

	rec := rig.sink.snapshot()[0]
	if rec.CommandText != "ls -la" {
		t.Errorf("CommandText = %q, want %q", rec.CommandText, "ls -la")
	}
	if rec.Status != audit.StatusSuccess {
		t.Errorf("Status = %s, want success", rec.Status)
	}
	if rec.ExitCode != nil {
		t.Error("interactive submission has an exit code")
	}
	if rec.SessionID != rig.sess.ID || rec.TenantID != "acme" || rec.IPAddress != "10.0.0.9" {
		t.Errorf("record identity fields = %+v", rec)
	}

	hist := rig.sess.History()
	if len(hist) != 1 || hist[0].CommandText != "ls -la" {
		t.Errorf("history = %v", hist)
	}
}

func TestBlockedSubmissionNeverReachesChannel(t *testing.T) {
	rig := newRig(t, denyRM())

	rig.pump.Input([]byte("rm -rf /tmp/x\r"))

	waitFor(t, "blocked audit record", func() bool { return len(rig.sink.snapshot()) == 1 })

	if got := rig.ch.writtenBytes(); got != "" {
		t.Errorf("channel received %q, want nothing", got)
	}
	want := "\x1b[31m[blocked] command 'rm' matched deny rule 'rm'\x1b[0m\r\n"
	if rig.out.String() != want {
		t.Errorf("browser output = %q, want %q", rig.out.String(), want)
	}

	rec := rig.sink.snapshot()[0]
	if rec.Status != audit.StatusBlocked {
		t.Errorf("Status = %s, want blocked", rec.Status)
	}
	if rec.BlockReason != "command 'rm' matched deny rule 'rm'" {
		t.Errorf("BlockReason = %q", rec.BlockReason)
	}
	if rec.ExitCode != nil {
		t.Error("blocked record has an exit code")
	}
}

func TestMidlineFramesPassBeforeBoundaryBlock(t *testing.T) {
	rig := newRig(t, denyRM())

	// Frames inside the line are forwarded as typed; only the boundary frame
	// of a blocked line is withheld.
	rig.pump.Input([]byte("rm "))
	waitFor(t, "midline bytes", func() bool { return rig.ch.writtenBytes() == "rm " })

	rig.pump.Input([]byte("-rf /\r"))
	waitFor(t, "blocked record", func() bool { return len(rig.sink.snapshot()) == 1 })

	if got := rig.ch.writtenBytes(); got != "rm " {
		t.Errorf("channel received %q, want only the midline frame", got)
	}
	rec := rig.sink.snapshot()[0]
	if rec.CommandText != "rm -rf /" {
		t.Errorf("audited command = %q, want the reassembled line", rec.CommandText)
	}
}

func TestBlankSubmissionForwardedNotAudited(t *testing.T) {
	rig := newRig(t, denyRM())

	rig.pump.Input([]byte("\r"))
	waitFor(t, "newline on channel", func() bool { return rig.ch.writtenBytes() == "\r" })

	time.Sleep(20 * time.Millisecond)
	if n := len(rig.sink.snapshot()); n != 0 {
		t.Errorf("blank submission produced %d audit record(s)", n)
	}
	if n := len(rig.sess.History()); n != 0 {
		t.Errorf("blank submission produced %d history record(s)", n)
	}
}

func TestRemoteOutputForwarded(t *testing.T) {
	rig := newRig(t, denyRM())

	before := rig.sess.LastActivity()
	time.Sleep(2 * time.Millisecond)
	rig.ch.outW.Write([]byte("motd: welcome\r\n"))

	waitFor(t, "output delivered", func() bool {
		return strings.Contains(rig.out.String(), "motd: welcome")
	})
	if !rig.sess.LastActivity().After(before) {
		t.Error("remote output did not touch activity")
	}
}

func TestRemoteCloseStopsPumpWithReason(t *testing.T) {
	rig := newRig(t, denyRM())

	rig.ch.outW.Close()

	select {
	case reason := <-rig.closed:
		if reason != ReasonRemoteClosed {
			t.Errorf("close reason = %q, want %q", reason, ReasonRemoteClosed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("closed callback not invoked after remote close")
	}

	waitFor(t, "input rejected", func() bool {
		return errors.Is(rig.pump.Input([]byte("x")), ErrStopped)
	})
}

func TestResizeValidatesAndRecords(t *testing.T) {
	rig := newRig(t, denyRM())

	if err := rig.pump.Resize(0, 24); !errors.Is(err, ErrBadDimensions) {
		t.Errorf("Resize(0, 24) = %v, want ErrBadDimensions", err)
	}
	if err := rig.pump.Resize(MaxCols+1, 24); !errors.Is(err, ErrBadDimensions) {
		t.Errorf("oversize resize = %v, want ErrBadDimensions", err)
	}

	if err := rig.pump.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	rig.ch.mu.Lock()
	defer rig.ch.mu.Unlock()
	if len(rig.ch.resizes) != 1 || rig.ch.resizes[0] != [2]uint16{120, 40} {
		t.Errorf("resizes = %v, want [[120 40]]", rig.ch.resizes)
	}
	cols, rows := rig.sess.Size()
	if cols != 120 || rows != 40 {
		t.Errorf("session size = %dx%d, want 120x40", cols, rows)
	}
}

func TestOversizeInputRejected(t *testing.T) {
	rig := newRig(t, denyRM())
	err := rig.pump.Input(make([]byte, MaxInputMessageSize+1))
	if !errors.Is(err, ErrInputTooLarge) {
		t.Errorf("Input error = %v, want ErrInputTooLarge", err)
	}
}

func TestExecuteOnceSuccessAndFailure(t *testing.T) {
	rig := newRig(t, denyRM())

	rig.exec.res = &sshpool.ExecResult{Stdout: []byte("ok\n"), ExitCode: 0}
	rec, err := rig.pump.ExecuteOnce(context.Background(), "uptime", time.Second)
	if err != nil {
		t.Fatalf("ExecuteOnce: %v", err)
	}
	if rec.Status != audit.StatusSuccess || rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Errorf("record = %+v, want success exit 0", rec)
	}
	if rec.OutputCapture != "ok\n" {
		t.Errorf("returned record output = %q, want %q", rec.OutputCapture, "ok\n")
	}

	rig.exec.res = &sshpool.ExecResult{Stderr: []byte("boom\n"), ExitCode: 2}
	rec, err = rig.pump.ExecuteOnce(context.Background(), "false", time.Second)
	if err != nil {
		t.Fatalf("ExecuteOnce nonzero: %v", err)
	}
	if rec.Status != audit.StatusFailed || rec.ExitCode == nil || *rec.ExitCode != 2 {
		t.Errorf("record = %+v, want failed exit 2", rec)
	}
	if rec.ErrorCapture != "boom\n" {
		t.Errorf("returned record error = %q, want %q", rec.ErrorCapture, "boom\n")
	}

	recs := rig.sink.snapshot()
	if len(recs) != 2 {
		t.Fatalf("audit records = %d, want 2", len(recs))
	}
	if recs[0].OutputCapture != "ok\n" || recs[1].ErrorCapture != "boom\n" {
		t.Errorf("captures = %q / %q", recs[0].OutputCapture, recs[1].ErrorCapture)
	}
}

func TestExecuteOncePolicyBlock(t *testing.T) {
	rig := newRig(t, denyRM())

	rec, err := rig.pump.ExecuteOnce(context.Background(), "rm -rf /", time.Second)
	if !errors.Is(err, ErrBlockedByRules) {
		t.Fatalf("error = %v, want ErrBlockedByRules", err)
	}
	if rec.Status != audit.StatusBlocked || rec.ExitCode != nil {
		t.Errorf("record = %+v, want blocked without exit code", rec)
	}

	rig.exec.mu.Lock()
	defer rig.exec.mu.Unlock()
	if len(rig.exec.cmds) != 0 {
		t.Errorf("blocked command still executed: %v", rig.exec.cmds)
	}
}

func TestExecuteOnceExecErrorAudited(t *testing.T) {
	rig := newRig(t, denyRM())
	rig.exec.res = nil
	rig.exec.err = errors.New("channel open failed")

	_, err := rig.pump.ExecuteOnce(context.Background(), "uptime", time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	waitFor(t, "failed audit record", func() bool { return len(rig.sink.snapshot()) == 1 })
	rec := rig.sink.snapshot()[0]
	if rec.Status != audit.StatusFailed || rec.ErrorCapture == "" {
		t.Errorf("record = %+v, want failed with error capture", rec)
	}
}

func TestStopIsIdempotentAndNotifiesOnce(t *testing.T) {
	rig := newRig(t, denyRM())

	rig.pump.Stop("closed by user")
	rig.pump.Stop("again")

	time.Sleep(50 * time.Millisecond)
	if n := len(rig.closed); n != 1 {
		t.Fatalf("closed notifications = %d, want exactly one", n)
	}
	if reason := <-rig.closed; reason != "closed by user" {
		t.Errorf("close reason = %q, want the first Stop's reason", reason)
	}
}
