package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Transport errors.
var (
	// ErrConnectFailed indicates the engine process could not be started or
	// its pipes could not be wired.
	ErrConnectFailed = errors.New("bridge: engine process unreachable")

	// ErrClosed indicates a send on a transport whose connection has ended.
	ErrClosed = errors.New("bridge: transport closed")
)

// Transport is a bidirectional message channel to the speech engine.
// Implementations must be safe for concurrent use.
//
// The transport closing (engine exit, stdio pipe breaking, explicit Close)
// is signalled by closing Done and then Messages. Done is the sole source of
// truth for connection loss; a failed Send or Ping by itself is not.
type Transport interface {
	// Send serialises and delivers one message. Returns ErrClosed (wrapped)
	// once the transport is closed.
	Send(m Outbound) error

	// Messages returns the stream of decoded inbound messages. The channel
	// is closed after the transport disconnects.
	Messages() <-chan Inbound

	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}

	// Close tears the connection down. Safe to call multiple times.
	Close() error
}

// exitGrace is how long Close waits for the engine to exit on its own after
// stdin closes before killing it.
const exitGrace = 5 * time.Second

// ProcessTransport runs the speech engine as a child process and frames
// messages over its stdin/stdout, mirroring how a browser talks to a
// native-messaging host.
type ProcessTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// grace overrides exitGrace, for tests.
	grace time.Duration

	msgs chan Inbound
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	doneOnce  sync.Once
}

var _ Transport = (*ProcessTransport)(nil)

// StartProcess launches the engine command and begins decoding its stdout.
// ctx bounds the child process lifetime: cancelling it kills the engine.
// Returns an error wrapping [ErrConnectFailed] if the process cannot start.
func StartProcess(ctx context.Context, command string, args ...string) (*ProcessTransport, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrConnectFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrConnectFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrConnectFailed, command, err)
	}

	t := &ProcessTransport{
		cmd:   cmd,
		stdin: stdin,
		msgs:  make(chan Inbound, 64),
		done:  make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t, nil
}

// Send implements [Transport].
func (t *ProcessTransport) Send(m Outbound) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: send %s", ErrClosed, m.Kind())
	default:
	}

	payload, err := MarshalOutbound(m)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := WriteFrame(t.stdin, payload); err != nil {
		return fmt.Errorf("bridge: send %s: %w", m.Kind(), err)
	}
	return nil
}

// Messages implements [Transport].
func (t *ProcessTransport) Messages() <-chan Inbound { return t.msgs }

// Done implements [Transport].
func (t *ProcessTransport) Done() <-chan struct{} { return t.done }

// Close implements [Transport]. It closes the engine's stdin (the engine
// treats EOF as shutdown) and reaps the process. An engine that ignores the
// EOF is killed after a grace period, so Close never hangs on a wedged
// engine.
func (t *ProcessTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()

		grace := t.grace
		if grace <= 0 {
			grace = exitGrace
		}
		exited := make(chan struct{})
		go func() {
			// readLoop observes the stdout close and finishes; Wait reaps.
			_ = t.cmd.Wait()
			close(exited)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			slog.Warn("engine ignored shutdown, killing", "pid", t.cmd.Process.Pid)
			_ = t.cmd.Process.Kill()
			<-exited
		}
		t.markDone()
	})
	return nil
}

// markDone closes done exactly once.
func (t *ProcessTransport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// readLoop decodes frames from the engine's stdout until the stream ends,
// then signals disconnection.
func (t *ProcessTransport) readLoop(stdout io.Reader) {
	defer close(t.msgs)
	defer t.markDone()

	for {
		frame, err := ReadFrame(stdout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("engine transport read failed", "err", err)
			}
			return
		}

		msg, err := UnmarshalInbound(frame)
		if err != nil {
			var unknown *ErrUnknownMessage
			if errors.As(err, &unknown) {
				slog.Warn("engine sent unknown message type", "type", unknown.Type)
				continue
			}
			slog.Warn("engine sent undecodable frame", "err", err)
			continue
		}

		select {
		case t.msgs <- msg:
		case <-t.done:
			return
		}
	}
}
