package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

type memStore struct {
	saved []*core.Alert
}

func (m *memStore) SaveAlert(_ context.Context, a *core.Alert) error {
	m.saved = append(m.saved, a)
	return nil
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNormalize(t *testing.T) {
	a, err := Normalize(core.Alert{Type: core.AlertCircuitOpened})
	require.NoError(t, err)
	assert.Equal(t, core.SeverityCritical, a.Severity)

	a, err = Normalize(core.Alert{Type: core.AlertCircuitOpened, Severity: core.SeverityInfo})
	require.NoError(t, err)
	assert.Equal(t, core.SeverityInfo, a.Severity)

	_, err = Normalize(core.Alert{Type: "nope"})
	assert.ErrorIs(t, err, core.ErrUnknownAlertType)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.RaiseAlert(context.Background(), core.Alert{
		Type:     core.AlertSourceCooldown,
		EntityID: "source-ca-gov",
		Message:  "source cooled down",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"alert_type":"source_cooldown"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestStoreSink(t *testing.T) {
	store := &memStore{}
	sink := NewStoreSink(store)

	require.NoError(t, sink.RaiseAlert(context.Background(), core.Alert{Type: core.AlertDLQEscalated, EntityID: "dl-1"}))
	require.Len(t, store.saved, 1)
	assert.Equal(t, core.SeverityWarning, store.saved[0].Severity)

	assert.Error(t, sink.RaiseAlert(context.Background(), core.Alert{Type: "bogus"}))
	assert.Len(t, store.saved, 1)
}

func TestMulti_AttemptsAllSinks(t *testing.T) {
	var calls int
	failing := SinkFunc(func(context.Context, core.Alert) error {
		calls++
		return errors.New("boom")
	})
	ok := SinkFunc(func(context.Context, core.Alert) error {
		calls++
		return nil
	})

	err := Multi(failing, nil, ok).RaiseAlert(context.Background(), core.Alert{Type: core.AlertSchedulerStale})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w)

	err := sink.RaiseAlert(context.Background(), core.Alert{
		Type:     core.AlertConflictUnresolved,
		EntityID: "vat-standard-rate",
		Message:  "two regulations disagree",
		Details:  map[string]any{"values": []string{"0.20", "0.21"}},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "conflict_unresolved:vat-standard-rate", string(w.msgs[0].Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "warning", decoded["severity"])
	assert.Equal(t, "two regulations disagree", decoded["message"])

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	err := NewKafkaSinkWithWriter(w).RaiseAlert(context.Background(), core.Alert{Type: core.AlertSchedulerStale})
	assert.EqualError(t, err, "broker down")
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitCSV(" a:9092, ,b:9092 "))
}
