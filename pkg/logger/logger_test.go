package logger

import (
	"reflect"
	"sync"
	"testing"
)

type recordedCall struct {
	level   string
	message string
	keyvals []any
}

type recordingLogger struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *recordingLogger) record(level, message string, keyvals []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{level: level, message: message, keyvals: keyvals})
}

func (r *recordingLogger) Log(m string, kv ...any)   { r.record("log", m, kv) }
func (r *recordingLogger) Debug(m string, kv ...any) { r.record("debug", m, kv) }
func (r *recordingLogger) Info(m string, kv ...any)  { r.record("info", m, kv) }
func (r *recordingLogger) Warn(m string, kv ...any)  { r.record("warn", m, kv) }
func (r *recordingLogger) Error(m string, kv ...any) { r.record("error", m, kv) }
func (r *recordingLogger) Fatal(m string, kv ...any) { r.record("fatal", m, kv) }

func TestDispatchToAllInstances(t *testing.T) {
	first := &recordingLogger{}
	second := &recordingLogger{}
	Init(first, second)
	t.Cleanup(func() { Init() })

	Info("[Test] hello", "key", 1)
	Log("[Test] plain", "key", 2)
	Warn("[Test] warn")

	want := []recordedCall{
		{level: "info", message: "[Test] hello", keyvals: []any{"key", 1}},
		{level: "log", message: "[Test] plain", keyvals: []any{"key", 2}},
		{level: "warn", message: "[Test] warn", keyvals: nil},
	}
	for _, l := range []*recordingLogger{first, second} {
		if !reflect.DeepEqual(l.calls, want) {
			t.Fatalf("unexpected calls: got %#v, want %#v", l.calls, want)
		}
	}
}

func TestNoInstancesIsSafe(t *testing.T) {
	Init()
	Info("dropped")
	Error("dropped", "err", "x")
}
