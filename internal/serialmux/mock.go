package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/battery.report/internal/timeutil"
)

var errPortClosed = errors.New("serial port closed")

// ReplayPort emits fixture lines as if a sensor were attached, one line per
// interval. Commands written to it are recorded. It backs dev mode when no
// hardware is present.
type ReplayPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	commands bytes.Buffer
	done     chan struct{}
	once     sync.Once
}

// NewReplayPort starts replaying lines on clock ticks. With loop set the
// fixture restarts after the last line; otherwise the port reaches EOF.
func NewReplayPort(lines []string, interval time.Duration, loop bool, clock timeutil.Clock) *ReplayPort {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, done: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			return
		}
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			if i == len(lines) {
				if !loop {
					return
				}
				i = 0
			}
			select {
			case <-p.done:
				return
			case <-ticker.C():
			}
			line := strings.TrimRight(lines[i], "\r\n") + "\n"
			if _, err := w.Write([]byte(line)); err != nil {
				return
			}
		}
	}()
	return p
}

// NewReplaySerialMux wraps a ReplayPort in a mux.
func NewReplaySerialMux(lines []string, interval time.Duration, loop bool) *SerialMux[*ReplayPort] {
	return NewSerialMux(NewReplayPort(lines, interval, loop, nil))
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return 0, errPortClosed
	default:
	}
	return p.commands.Write(b)
}

// Commands returns everything written to the port.
func (p *ReplayPort) Commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.String()
}

func (p *ReplayPort) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.done)
		p.mu.Unlock()
		p.r.Close()
	})
	return nil
}

// TestableSerialPort is an in-memory port with injectable failures.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// ReadError and WriteError are returned once by the next call.
	ReadError  error
	WriteError error
	// ShortWrite makes Write report one byte less than it was given.
	ShortWrite bool
	CloseError error
	Closed     bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a port whose reads block until data is
// added or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for !t.Closed && t.ReadBuffer.Len() == 0 && t.ReadError == nil {
		t.readCond.Wait()
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.Closed {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err := t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData makes data available to blocked and future reads.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailRead makes the next read return err, waking a blocked reader.
func (t *TestableSerialPort) FailRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
