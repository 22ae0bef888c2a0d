package schedule

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/bleswitch/internal/ble"
)

type countingSender struct {
	calls atomic.Int32
	err   error
}

func (s *countingSender) SendCommand() error {
	s.calls.Add(1)
	return s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse(t *testing.T) {
	valid := []string{"0 7 * * 1-5", "*/15 * * * *", "@hourly", "@every 30m", "90s", "250ms"}
	for _, spec := range valid {
		_, err := Parse(spec)
		assert.NoError(t, err, spec)
	}

	invalid := []string{"", "every morning", "0 7 * *", "-5s", "0s"}
	for _, spec := range invalid {
		_, err := Parse(spec)
		assert.Error(t, err, spec)
	}
}

func TestParseDurationIsConstantDelay(t *testing.T) {
	sched, err := Parse("250ms")
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(250*time.Millisecond), sched.Next(base))
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := New([]string{"@hourly", "nonsense"}, &countingSender{}, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonsense")
}

func TestSchedulerFires(t *testing.T) {
	sender := &countingSender{}
	s, err := New([]string{"20ms"}, sender, discardLogger())
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	s.Start()
	s.Start()
	require.Eventually(t, func() bool { return sender.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	after := sender.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, sender.calls.Load(), "no firings after Stop")
}

func TestSchedulerNext(t *testing.T) {
	s, err := New([]string{"@every 2m", "@every 1m"}, &countingSender{}, discardLogger())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return !s.Next().IsZero() }, time.Second, 10*time.Millisecond)
	assert.WithinDuration(t, time.Now().Add(time.Minute), s.Next(), 5*time.Second)
}

func TestSchedulerEmpty(t *testing.T) {
	s, err := New(nil, &countingSender{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Next().IsZero())
	s.Stop()
}

func TestFireToleratesErrors(t *testing.T) {
	for _, err := range []error{nil, ble.ErrNotReady, errors.New("write failed")} {
		sender := &countingSender{err: err}
		s, newErr := New(nil, sender, discardLogger())
		require.NoError(t, newErr)

		s.fire("@hourly")
		assert.Equal(t, int32(1), sender.calls.Load())
	}
}

func TestFireLogsOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "[SCHEDULE] command issued"},
		{ble.ErrNotReady, "[SCHEDULE] skipped, switch not connected"},
		{errors.New("write failed"), "[SCHEDULE] command failed"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		s, err := New(nil, &countingSender{err: tt.err}, logger)
		require.NoError(t, err)

		s.fire("30m")
		assert.Contains(t, buf.String(), tt.want)
		assert.Contains(t, buf.String(), "schedule=30m")
		assert.NotContains(t, buf.String(), "command sent")
	}
}
