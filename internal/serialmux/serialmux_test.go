package serialmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/battery.report/internal/monitoring"
	"github.com/banshee-data/battery.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestMonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("B1,12.40,-2.0\r\n\n  \nB2,12.10,1.5\n"))

	assert.Equal(t, "B1,12.40,-2.0", recv(t, a))
	assert.Equal(t, "B2,12.10,1.5", recv(t, a))
	assert.Equal(t, "B1,12.40,-2.0", recv(t, b))
	assert.Equal(t, "B2,12.10,1.5", recv(t, b))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
}

func TestMonitorReturnsReadError(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	boom := errors.New("device disconnected")
	port.FailRead(boom)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
}

func TestCloseStopsMonitorCleanly(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	require.NoError(t, mux.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")
	assert.True(t, port.Closed)

	// Subscribing after close yields a closed channel.
	_, late := mux.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	id, ch := mux.Subscribe()

	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	// Unknown IDs are ignored.
	mux.Unsubscribe(id)
}

func TestSlowSubscriberDropsLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	for i := 0; i < SubscriberBuffer+10; i++ {
		mux.broadcast("line")
	}

	assert.Len(t, ch, SubscriberBuffer)
	assert.Equal(t, int64(10), mux.Dropped())
}

func TestSendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("START"))
	require.NoError(t, mux.SendCommand("RATE=1\n"))
	assert.Equal(t, "START\nRATE=1\n", string(port.GetWrittenData()))

	port.WriteError = errors.New("io")
	assert.Error(t, mux.SendCommand("X"))

	port.ShortWrite = true
	assert.ErrorIs(t, mux.SendCommand("STOP"), ErrWriteFailed)
}

func TestReplaySerialMuxEmitsFixtureLines(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	port := NewReplayPort([]string{"B1,12.6,0", "B1,12.5,-1\r\n"}, time.Second, false, clock)
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Second)
	assert.Equal(t, "B1,12.6,0", recv(t, ch))
	clock.Advance(time.Second)
	assert.Equal(t, "B1,12.5,-1", recv(t, ch))

	// Without looping the port reaches EOF after the last line.
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return at EOF")
	}

	require.NoError(t, mux.SendCommand("PING"))
	assert.Equal(t, "PING\n", port.Commands())
	require.NoError(t, mux.Close())
}

func TestPortOptionsNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"explicit", PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}, PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}, false},
		{"negative baud", PortOptions{BaudRate: -5}, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"bad data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"bad stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"bad parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		StopBits: serial.TwoStopBits,
		Parity:   serial.OddParity,
	}, mode)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	_, err = PortOptions{Parity: "?"}.SerialMode()
	assert.Error(t, err)
}
