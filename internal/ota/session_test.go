package ota

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atc-ota/atc-ota-server/internal/models"
)

// fakeConn implements Conn for session tests
type fakeConn struct {
	payloadLimit   int
	supportsResume bool

	beginErr  error
	commitErr error

	// failAttempts fails the first n WriteChunk calls with failErr
	failAttempts int
	failErr      error

	mu        sync.Mutex
	writes    [][]byte
	attempts  int
	committed bool
	aborted   bool
	closed    bool
}

func (c *fakeConn) PayloadLimit() int    { return c.payloadLimit }
func (c *fakeConn) SupportsResume() bool { return c.supportsResume }

func (c *fakeConn) Begin(ctx context.Context) error { return c.beginErr }

func (c *fakeConn) WriteChunk(ctx context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if c.attempts <= c.failAttempts {
		return c.failErr
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	c.writes = append(c.writes, chunk)
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return c.commitErr
	}
	c.committed = true
	return nil
}

func (c *fakeConn) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	for _, w := range c.writes {
		buf.Write(w)
	}
	return buf.Bytes()
}

// fakeTransport hands out a prepared connection
type fakeTransport struct {
	conn       *fakeConn
	connectErr error
}

func (t *fakeTransport) Connect(ctx context.Context, addr models.MACAddress) (Conn, error) {
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.conn, nil
}

func testArtifact(size int) *models.FirmwareArtifact {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return &models.FirmwareArtifact{
		Release: &models.FirmwareRelease{Source: models.SourcePVVX, Version: "4.5"},
		Data:    data,
	}
}

func testOptions() Options {
	return Options{
		ChunkCeiling:    244,
		ChunkRetries:    3,
		ConnectTimeout:  time.Second,
		AckTimeout:      200 * time.Millisecond,
		FinalizeTimeout: time.Second,
	}
}

func testMAC() models.MACAddress {
	return models.MACAddress{0xa4, 0xc1, 0x38, 0x01, 0x02, 0x03}
}

func TestSessionCompletes(t *testing.T) {
	const total = 50000
	conn := &fakeConn{payloadLimit: 20}
	transport := &fakeTransport{conn: conn}
	artifact := testArtifact(total)

	var events []ProgressEvent
	session := NewSession(transport, testMAC(), artifact, testOptions(), func(ev ProgressEvent) {
		events = append(events, ev)
	})

	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if session.State() != StateCompleted {
		t.Errorf("State() = %s, want COMPLETED", session.State())
	}
	if !conn.committed {
		t.Error("commit was not sent")
	}
	if !conn.closed {
		t.Error("connection was not closed")
	}

	// every chunk is exactly the payload limit, sent in order
	if len(conn.writes) != total/20 {
		t.Fatalf("wrote %d chunks, want %d", len(conn.writes), total/20)
	}
	for _, w := range conn.writes {
		if len(w) != 20 {
			t.Fatalf("chunk of %d bytes, want 20", len(w))
		}
	}
	if !bytes.Equal(conn.sentData(), artifact.Data) {
		t.Error("transferred bytes do not match the artifact")
	}

	// progress reaches 1.0 exactly once during the transfer
	full := 0
	for _, ev := range events {
		if ev.State == StateTransferring && ev.Progress == 1.0 {
			full++
		}
	}
	if full != 1 {
		t.Errorf("progress hit 1.0 %d times during transfer, want exactly 1", full)
	}

	// offsets never decrease
	last := -1
	for _, ev := range events {
		if ev.State != StateTransferring {
			continue
		}
		if ev.Sent <= last {
			t.Fatalf("acknowledged offset went from %d to %d", last, ev.Sent)
		}
		last = ev.Sent
	}
}

func TestSessionChunkCeiling(t *testing.T) {
	// a large negotiated payload is still capped
	conn := &fakeConn{payloadLimit: 512}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(2440), testOptions(), nil)

	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(conn.writes) != 10 {
		t.Fatalf("wrote %d chunks, want 10", len(conn.writes))
	}
	if len(conn.writes[0]) != 244 {
		t.Errorf("chunk size %d, want 244", len(conn.writes[0]))
	}
}

func TestSessionShortFinalChunk(t *testing.T) {
	conn := &fakeConn{payloadLimit: 100}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(250), testOptions(), nil)

	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(conn.writes) != 3 {
		t.Fatalf("wrote %d chunks, want 3", len(conn.writes))
	}
	if len(conn.writes[2]) != 50 {
		t.Errorf("final chunk %d bytes, want 50", len(conn.writes[2]))
	}
}

func TestSessionRetriesChunk(t *testing.T) {
	conn := &fakeConn{
		payloadLimit: 100,
		failAttempts: 2,
		failErr:      ErrWriteTimeout,
	}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(300), testOptions(), nil)

	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// two failed attempts, then the same chunk lands and the rest follow
	if len(conn.writes) != 3 {
		t.Fatalf("wrote %d chunks, want 3", len(conn.writes))
	}
	if !bytes.Equal(conn.sentData(), session.artifact.Data) {
		t.Error("transferred bytes do not match the artifact")
	}
}

func TestSessionRetryBudgetExhausted(t *testing.T) {
	conn := &fakeConn{
		payloadLimit: 100,
		failAttempts: 100,
		failErr:      ErrWriteTimeout,
	}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(300), testOptions(), nil)

	err := session.Run(context.Background())

	var cte *ChunkTransferError
	if !errors.As(err, &cte) {
		t.Fatalf("Run() error = %v, want ChunkTransferError", err)
	}
	if cte.Offset != 0 {
		t.Errorf("failed offset = %d, want 0", cte.Offset)
	}
	if session.State() != StateFailed {
		t.Errorf("State() = %s, want FAILED", session.State())
	}
}

func TestSessionConnectionLost(t *testing.T) {
	conn := &fakeConn{
		payloadLimit: 100,
		failAttempts: 1,
		failErr:      ErrDisconnected,
	}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(300), testOptions(), nil)

	err := session.Run(context.Background())
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Run() error = %v, want ErrConnectionLost", err)
	}
	if session.State() != StateFailed {
		t.Errorf("State() = %s, want FAILED", session.State())
	}
}

func TestSessionConnectFailure(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("device not in range")}
	session := NewSession(transport, testMAC(), testArtifact(300), testOptions(), nil)

	err := session.Run(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Run() error = %v, want ErrConnectionFailed", err)
	}
}

func TestSessionNegotiationFailure(t *testing.T) {
	conn := &fakeConn{payloadLimit: 0}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(300), testOptions(), nil)

	err := session.Run(context.Background())
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("Run() error = %v, want ErrNegotiationFailed", err)
	}
}

func TestSessionCommitRejected(t *testing.T) {
	conn := &fakeConn{payloadLimit: 100, commitErr: ErrVerificationRejected}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(300), testOptions(), nil)

	err := session.Run(context.Background())
	if !errors.Is(err, ErrVerificationRejected) {
		t.Fatalf("Run() error = %v, want ErrVerificationRejected", err)
	}
}

func TestSessionCancel(t *testing.T) {
	conn := &fakeConn{payloadLimit: 100}
	var session *Session
	session = NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(1000), testOptions(), func(ev ProgressEvent) {
		// cancel once the transfer is under way; the session must
		// observe it at the next suspension point
		if ev.State == StateTransferring && ev.Sent >= 300 {
			session.Cancel()
		}
	})

	err := session.Run(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if session.State() != StateCancelled {
		t.Errorf("State() = %s, want CANCELLED", session.State())
	}
	if !conn.aborted {
		t.Error("abort was not attempted")
	}
	if conn.committed {
		t.Error("cancelled session must not commit")
	}
	if len(conn.writes) >= 10 {
		t.Errorf("transfer kept going after cancel: %d chunks", len(conn.writes))
	}
}

func TestSessionContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	conn := &fakeConn{payloadLimit: 100}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(1000), testOptions(), func(ev ProgressEvent) {
		if ev.State == StateTransferring && ev.Sent >= 300 {
			cancel()
		}
	})

	err := session.Run(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
}

func TestSessionResumeIgnoredWithoutSupport(t *testing.T) {
	conn := &fakeConn{payloadLimit: 100, supportsResume: false}
	opts := testOptions()
	opts.ResumeOffset = 500

	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(1000), opts, nil)
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// the transport cannot resume, so the full image is sent
	if got := len(conn.sentData()); got != 1000 {
		t.Errorf("sent %d bytes, want 1000", got)
	}
}

func TestSessionResumeHonored(t *testing.T) {
	conn := &fakeConn{payloadLimit: 100, supportsResume: true}
	opts := testOptions()
	opts.ResumeOffset = 500

	artifact := testArtifact(1000)
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), artifact, opts, nil)
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := len(conn.sentData()); got != 500 {
		t.Errorf("sent %d bytes, want 500", got)
	}
	if !bytes.Equal(conn.sentData(), artifact.Data[500:]) {
		t.Error("resumed transfer did not send the trailing bytes")
	}
}

func TestSessionBeginErrorTolerated(t *testing.T) {
	// devices entering OTA mode implicitly may not ack the start command
	conn := &fakeConn{payloadLimit: 100, beginErr: errors.New("not supported")}
	session := NewSession(&fakeTransport{conn: conn}, testMAC(), testArtifact(300), testOptions(), nil)

	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if session.State() != StateCompleted {
		t.Errorf("State() = %s, want COMPLETED", session.State())
	}
}
