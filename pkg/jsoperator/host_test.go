package jsoperator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var eventOpts = cmp.Options{
	cmp.Transformer("Parameters", func(m operator.Metadata) []operator.Parameter { return m.Parameters() }),
	cmpopts.EquateEmpty(),
}

func writeOperator(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func newTestInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	interp, err := NewInterpreter(InterpreterConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, interp.Close())
	})
	return interp
}

// recorder is a native global collecting the values operators pass to record()
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) record(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) Values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func input(id string, data []byte) operator.InputEvent {
	return operator.InputEvent{InputID: id, Data: data}
}

// feed returns a closed input channel holding evs
func feed(evs ...operator.IncomingEvent) chan operator.IncomingEvent {
	ch := make(chan operator.IncomingEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

// collect reads events until the terminal one and fails if anything follows it
func collect(t *testing.T, events *operator.EventChannel) []operator.OperatorEvent {
	t.Helper()
	var out []operator.OperatorEvent
	for {
		select {
		case ev := <-events.Events():
			out = append(out, ev)
			if operator.IsTerminal(ev) {
				select {
				case extra := <-events.Events():
					t.Fatalf("unexpected event after terminal event: %#v", extra)
				case <-time.After(20 * time.Millisecond):
				}
				return out
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for terminal event, got %d events", len(out))
			return out
		}
	}
}

func runHost(t *testing.T, interp *Interpreter, cfg HostConfig, inputs <-chan operator.IncomingEvent) []operator.OperatorEvent {
	t.Helper()
	events := operator.NewEventChannel(64)
	host, err := NewHost(interp, cfg, events, inputs)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- host.Run(context.Background()) }()

	out := collect(t, events)
	require.NoError(t, <-done)
	return out
}

func terminal(t *testing.T, evs []operator.OperatorEvent) operator.OperatorEvent {
	t.Helper()
	require.NotEmpty(t, evs)
	count := 0
	for _, ev := range evs {
		if operator.IsTerminal(ev) {
			count++
		}
	}
	require.Equal(t, 1, count, "expected exactly one terminal event")
	return evs[len(evs)-1]
}

func errorOf(t *testing.T, evs []operator.OperatorEvent) error {
	t.Helper()
	require.Len(t, evs, 1)
	ev, ok := evs[0].(operator.ErrorEvent)
	require.True(t, ok, "expected ErrorEvent, got %#v", evs[0])
	require.Error(t, ev.Err)
	return ev.Err
}

const incrementOperator = `
class Operator {
  on_input(input, send_output) {
    send_output("out", new Uint8Array([input.data[0] + 1]), null);
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`

func TestHostConcreteScenario(t *testing.T) {
	interp := newTestInterpreter(t)
	path := writeOperator(t, t.TempDir(), "increment.js", incrementOperator)

	evs := runHost(t, interp, HostConfig{NodeID: "node", OperatorID: "op", Source: path},
		feed(input("a", []byte("1"))))

	want := []operator.OperatorEvent{
		operator.OutputEvent{OutputID: "out", Data: []byte("2")},
		operator.FinishedEvent{Reason: operator.InputsClosed},
	}
	if diff := cmp.Diff(want, evs, eventOpts); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestHostInputsClosed(t *testing.T) {
	interp := newTestInterpreter(t)
	rec := &recorder{}
	path := writeOperator(t, t.TempDir(), "count.js", `
class Operator {
  on_input(input) {
    record(input.id);
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)

	var inputs []operator.IncomingEvent
	for _, id := range []string{"a", "b", "c", "d"} {
		inputs = append(inputs, input(id, []byte(id)))
	}
	evs := runHost(t, interp, HostConfig{Source: path, Globals: map[string]any{"record": rec.record}}, feed(inputs...))

	assert.Equal(t, []operator.OperatorEvent{operator.FinishedEvent{Reason: operator.InputsClosed}}, evs)
	assert.Equal(t, []string{"a", "b", "c", "d"}, rec.Values())
}

func TestHostNoInputs(t *testing.T) {
	interp := newTestInterpreter(t)
	path := writeOperator(t, t.TempDir(), "increment.js", incrementOperator)

	evs := runHost(t, interp, HostConfig{Source: path}, feed())
	assert.Equal(t, []operator.OperatorEvent{operator.FinishedEvent{Reason: operator.InputsClosed}}, evs)
}

func TestHostStopIsImmediate(t *testing.T) {
	tests := []struct {
		name   string
		status string
		reason operator.StopReason
	}{
		{name: "stop", status: "Status.STOP", reason: operator.ExplicitStop},
		{name: "stop all", status: "Status.STOP_ALL", reason: operator.ExplicitStopAll},
		{name: "stop as number", status: "1", reason: operator.ExplicitStop},
		{name: "stop all as enum object", status: "{ value: 2 }", reason: operator.ExplicitStopAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := newTestInterpreter(t)
			rec := &recorder{}
			path := writeOperator(t, t.TempDir(), "stopper.js", `
class Operator {
  on_input(input) {
    record(input.id);
    return `+tt.status+`;
  }
}
module.exports = { Operator };
`)
			in := feed(input("a", nil), input("b", nil), input("c", nil))
			evs := runHost(t, interp, HostConfig{Source: path, Globals: map[string]any{"record": rec.record}}, in)

			assert.Equal(t, []operator.OperatorEvent{operator.FinishedEvent{Reason: tt.reason}}, evs)
			assert.Equal(t, []string{"a"}, rec.Values())
			assert.Len(t, in, 2, "queued inputs must not be dispatched")
		})
	}
}

func TestHostInvalidStatus(t *testing.T) {
	interp := newTestInterpreter(t)
	rec := &recorder{}
	path := writeOperator(t, t.TempDir(), "five.js", `
class Operator {
  on_input(input) {
    record(input.id);
    return 5;
  }
}
module.exports = { Operator };
`)

	evs := runHost(t, interp, HostConfig{Source: path, Globals: map[string]any{"record": rec.record}},
		feed(input("a", nil), input("b", nil)))

	err := errorOf(t, evs)
	assert.ErrorIs(t, err, derrors.ErrInvalidStatus)
	assert.Contains(t, err.Error(), "invalid status `5`")
	kind, ok := derrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, derrors.ProtocolFault, kind)
	assert.Equal(t, []string{"a"}, rec.Values())
}

func TestHostInvalidReturnValue(t *testing.T) {
	tests := []struct {
		name   string
		result string
	}{
		{name: "undefined", result: "undefined"},
		{name: "string", result: `"continue"`},
		{name: "fraction", result: "0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := newTestInterpreter(t)
			path := writeOperator(t, t.TempDir(), "bad.js", `
class Operator {
  on_input() { return `+tt.result+`; }
}
module.exports = { Operator };
`)
			err := errorOf(t, runHost(t, interp, HostConfig{Source: path}, feed(input("a", nil))))
			assert.ErrorIs(t, err, derrors.ErrInvalidReturnValue)
		})
	}
}

func TestHostOutputsInCallOrder(t *testing.T) {
	interp := newTestInterpreter(t)
	path := writeOperator(t, t.TempDir(), "fanout.js", `
class Operator {
  on_input(input, send_output) {
    for (let i = 0; i < 5; i++) {
      send_output("out" + i, utf8.encode(String(i)), { index: i });
    }
    return Status.STOP;
  }
}
module.exports = { Operator };
`)

	evs := runHost(t, interp, HostConfig{Source: path}, feed(input("a", nil)))

	var want []operator.OperatorEvent
	for i, s := range []string{"0", "1", "2", "3", "4"} {
		want = append(want, operator.OutputEvent{
			OutputID: "out" + s,
			Metadata: operator.NewMetadata(operator.Parameter{Key: "index", Value: int64(i)}),
			Data:     []byte(s),
		})
	}
	want = append(want, operator.FinishedEvent{Reason: operator.ExplicitStop})

	if diff := cmp.Diff(want, evs, eventOpts); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestHostMissingSource(t *testing.T) {
	interp := newTestInterpreter(t)
	missing := filepath.Join(t.TempDir(), "nope", "missing.js")

	err := errorOf(t, runHost(t, interp, HostConfig{Source: missing}, feed(input("a", nil))))
	assert.ErrorIs(t, err, derrors.ErrNoFile)
	assert.True(t, derrors.IsStartup(err))
	assert.Contains(t, err.Error(), missing)
}

func TestHostStartupFaults(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr error
		wantMsg string
	}{
		{
			name:    "syntax error",
			src:     "class Operator { on_input( {",
			wantErr: derrors.ErrImportFailed,
		},
		{
			name:    "missing dependency",
			src:     `const dep = require("./does-not-exist"); module.exports = { Operator: class {} };`,
			wantErr: derrors.ErrImportFailed,
			wantMsg: "does-not-exist",
		},
		{
			name:    "no entry point",
			src:     "module.exports = { Other: class {} };",
			wantErr: derrors.ErrNoEntryPoint,
			wantMsg: "no Operator entry point found",
		},
		{
			name:    "entry point is not a class",
			src:     "module.exports = { Operator: 42 };",
			wantErr: derrors.ErrNoEntryPoint,
		},
		{
			name:    "constructor throws",
			src:     `class Operator { constructor() { throw new Error("bad config"); } } module.exports = { Operator };`,
			wantErr: derrors.ErrInstantiateFailed,
			wantMsg: "bad config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := newTestInterpreter(t)
			path := writeOperator(t, t.TempDir(), "op.js", tt.src)

			err := errorOf(t, runHost(t, interp, HostConfig{Source: path}, feed(input("a", nil))))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, derrors.IsStartup(err))
			assert.Contains(t, err.Error(), "error in JavaScript operator at")
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestHostHandlerException(t *testing.T) {
	interp := newTestInterpreter(t)
	path := writeOperator(t, t.TempDir(), "thrower.js", `
function fail(id) {
  throw new Error("boom on " + id);
}

class Operator {
  on_input(input, send_output) {
    send_output("before", new Uint8Array([1]));
    fail(input.id);
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)

	evs := runHost(t, interp, HostConfig{Source: path}, feed(input("a", nil), input("b", nil)))
	require.Len(t, evs, 2)
	assert.Equal(t, "before", evs[0].(operator.OutputEvent).OutputID)

	ev, ok := evs[1].(operator.ErrorEvent)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, derrors.ErrHandlerFailed)
	kind, _ := derrors.KindOf(ev.Err)
	assert.Equal(t, derrors.HandlerFault, kind)
	assert.Contains(t, ev.Err.Error(), "boom on a")
	assert.Contains(t, ev.Err.Error(), "thrower.js")

	var jsErr *JSError
	require.True(t, errors.As(ev.Err, &jsErr))
	assert.NotEmpty(t, jsErr.StackTrace)
}

func TestHostMissingInputHandler(t *testing.T) {
	interp := newTestInterpreter(t)
	path := writeOperator(t, t.TempDir(), "inert.js", "module.exports = { Operator: class {} };")

	err := errorOf(t, runHost(t, interp, HostConfig{Source: path}, feed(input("a", nil))))
	assert.ErrorIs(t, err, derrors.ErrHandlerFailed)
	assert.Contains(t, err.Error(), "no on_input method")
}

func TestHostStopEventIsNoop(t *testing.T) {
	interp := newTestInterpreter(t)
	path := writeOperator(t, t.TempDir(), "increment.js", incrementOperator)

	evs := runHost(t, interp, HostConfig{Source: path},
		feed(operator.StopEvent{}, input("a", []byte{9}), operator.StopEvent{}))

	want := []operator.OperatorEvent{
		operator.OutputEvent{OutputID: "out", Data: []byte{10}},
		operator.FinishedEvent{Reason: operator.InputsClosed},
	}
	if diff := cmp.Diff(want, evs, eventOpts); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestHostInputWithoutPayload(t *testing.T) {
	interp := newTestInterpreter(t)
	rec := &recorder{}
	path := writeOperator(t, t.TempDir(), "kinds.js", `
class Operator {
  on_input(input) {
    record(input.data === undefined ? "none" : "len=" + input.data.length);
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)

	runHost(t, interp, HostConfig{Source: path, Globals: map[string]any{"record": rec.record}},
		feed(input("a", nil), input("b", []byte{}), input("c", []byte("xyz"))))
	assert.Equal(t, []string{"none", "len=0", "len=3"}, rec.Values())
}

func TestHostMetadataMutationStaysInSession(t *testing.T) {
	interp := newTestInterpreter(t)
	rec := &recorder{}
	path := writeOperator(t, t.TempDir(), "mutate.js", `
class Operator {
  on_input(input) {
    record(input.metadata.nested.k);
    input.metadata.nested.k = "mutated";
    input.metadata.nested.list[0] = "changed";
    input.metadata.label = "changed";
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)

	nested := map[string]any{"k": "orig", "list": []any{"a"}}
	md := operator.NewMetadata(
		operator.Parameter{Key: "nested", Value: nested},
		operator.Parameter{Key: "label", Value: "orig"},
	)
	in := operator.InputEvent{InputID: "a", Metadata: md}

	// the same metadata fanned out twice must look pristine both times
	evs := runHost(t, interp, HostConfig{Source: path, Globals: map[string]any{"record": rec.record}},
		feed(in, in))
	assert.Equal(t, []operator.OperatorEvent{operator.FinishedEvent{Reason: operator.InputsClosed}}, evs)

	assert.Equal(t, []string{"orig", "orig"}, rec.Values())
	assert.Equal(t, map[string]any{"k": "orig", "list": []any{"a"}}, nested)
	label, _ := md.Get("label")
	assert.Equal(t, "orig", label)
}

func TestHostOutOfRangeStatus(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{expr: "2 ** 64", want: "invalid status `1.8446744073709552e+19`"},
		{expr: "1e300", want: "invalid status `1e+300`"},
		{expr: "-(2 ** 70)", want: "invalid status `-1.1805916207174113e+21`"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			interp := newTestInterpreter(t)
			path := writeOperator(t, t.TempDir(), "big.js", `
class Operator {
  on_input() {
    return `+tt.expr+`;
  }
}
module.exports = { Operator };
`)

			err := errorOf(t, runHost(t, interp, HostConfig{Source: path}, feed(input("a", nil))))
			assert.ErrorIs(t, err, derrors.ErrInvalidStatus)
			assert.Contains(t, err.Error(), tt.want)
			kind, _ := derrors.KindOf(err)
			assert.Equal(t, derrors.ProtocolFault, kind)
		})
	}
}

func TestHostNativePanicIsContained(t *testing.T) {
	interp := newTestInterpreter(t)
	dir := t.TempDir()

	bad := writeOperator(t, dir, "bad.js", `
class Operator {
  on_input(input, send_output) {
    send_output("first", new Uint8Array([1]));
    explode();
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)
	good := writeOperator(t, dir, "good.js", incrementOperator)

	explode := func(goja.FunctionCall) goja.Value { panic("native fault") }

	siblingIn := make(chan operator.IncomingEvent)
	siblingEvents := operator.NewEventChannel(16)
	sibling, err := NewHost(interp, HostConfig{Source: good}, siblingEvents, siblingIn)
	require.NoError(t, err)
	siblingDone := make(chan error, 1)
	go func() { siblingDone <- sibling.Run(context.Background()) }()

	siblingIn <- input("before", []byte{1})

	evs := runHost(t, interp, HostConfig{Source: bad, Globals: map[string]any{"explode": explode}},
		feed(input("a", nil), input("b", nil)))
	require.Len(t, evs, 2)
	assert.Equal(t, "first", evs[0].(operator.OutputEvent).OutputID)
	p, ok := evs[1].(operator.PanicEvent)
	require.True(t, ok, "expected PanicEvent, got %#v", evs[1])
	assert.Equal(t, "native fault", p.Value)
	assert.NotEmpty(t, p.Stack)

	siblingIn <- input("after", []byte{2})
	close(siblingIn)

	want := []operator.OperatorEvent{
		operator.OutputEvent{OutputID: "out", Data: []byte{2}},
		operator.OutputEvent{OutputID: "out", Data: []byte{3}},
		operator.FinishedEvent{Reason: operator.InputsClosed},
	}
	if diff := cmp.Diff(want, collect(t, siblingEvents), eventOpts); diff != "" {
		t.Errorf("sibling events mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, <-siblingDone)

	// the interpreter stays usable
	evs = runHost(t, interp, HostConfig{Source: good}, feed(input("x", []byte{0})))
	assert.Len(t, evs, 2)
}

func TestHostDoesNotHoldLockWhileSending(t *testing.T) {
	interp := newTestInterpreter(t)
	dir := t.TempDir()
	blocked := writeOperator(t, dir, "blocked.js", `
class Operator {
  on_input(input, send_output) {
    entered();
    send_output("out", new Uint8Array([1]));
    return Status.STOP;
  }
}
module.exports = { Operator };
`)
	good := writeOperator(t, dir, "good.js", incrementOperator)

	entered := make(chan struct{})
	var once sync.Once
	blockedEvents := operator.NewEventChannel(0)
	host, err := NewHost(interp, HostConfig{
		Source:  blocked,
		Globals: map[string]any{"entered": func() { once.Do(func() { close(entered) }) }},
	}, blockedEvents, feed(input("a", nil)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- host.Run(context.Background()) }()
	<-entered

	// the blocked host waits on its unbuffered channel; siblings must still run
	finished := make(chan []operator.OperatorEvent, 1)
	go func() {
		finished <- runHost(t, interp, HostConfig{Source: good}, feed(input("x", []byte{0})))
	}()
	select {
	case evs := <-finished:
		assert.Len(t, evs, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("sibling host blocked while another host was sending")
	}

	evs := collect(t, blockedEvents)
	assert.Len(t, evs, 2)
	require.NoError(t, <-done)
}

func TestHostReceiverGone(t *testing.T) {
	interp := newTestInterpreter(t)
	rec := &recorder{}
	path := writeOperator(t, t.TempDir(), "caught.js", `
class Operator {
  on_input(input, send_output) {
    try {
      send_output("out", new Uint8Array([1]));
    } catch (e) {
      record(String(e));
    }
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)

	events := operator.NewEventChannel(4)
	events.Hangup()
	host, err := NewHost(interp, HostConfig{Source: path, Globals: map[string]any{"record": rec.record}},
		events, feed(input("a", nil)))
	require.NoError(t, err)

	err = host.Run(context.Background())
	assert.ErrorIs(t, err, derrors.ErrReceiverGone)

	values := rec.Values()
	require.Len(t, values, 1)
	assert.Contains(t, values[0], "failed to send output to runtime")
}

func TestHostUncaughtBridgeFaults(t *testing.T) {
	tests := []struct {
		name     string
		call     string
		wantErr  error
		wantKind derrors.Kind
	}{
		{
			name:     "invalid metadata",
			call:     `send_output("out", new Uint8Array([1]), { watermark: "soon" })`,
			wantErr:  derrors.ErrInvalidMetadata,
			wantKind: derrors.ProtocolFault,
		},
		{
			name:     "metadata not an object",
			call:     `send_output("out", new Uint8Array([1]), 7)`,
			wantErr:  derrors.ErrInvalidMetadata,
			wantKind: derrors.ProtocolFault,
		},
		{
			name:     "data not bytes",
			call:     `send_output("out", { nope: true })`,
			wantErr:  derrors.ErrInvalidData,
			wantKind: derrors.ProtocolFault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := newTestInterpreter(t)
			path := writeOperator(t, t.TempDir(), "bridge.js", `
class Operator {
  on_input(input, send_output) {
    `+tt.call+`;
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)
			err := errorOf(t, runHost(t, interp, HostConfig{Source: path}, feed(input("a", nil))))
			assert.ErrorIs(t, err, tt.wantErr)
			kind, ok := derrors.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestHostTraceContextRewritten(t *testing.T) {
	const src = `
class Operator {
  on_input(input, send_output) {
    send_output("out", new Uint8Array(0), { ctx: input.metadata.open_telemetry_context });
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	inbound := tracing.SerializeContext(parent)
	require.NotEmpty(t, inbound)

	in := func() chan operator.IncomingEvent {
		return feed(operator.InputEvent{
			InputID:  "a",
			Metadata: operator.NewMetadata(operator.Parameter{Key: operator.KeyOpenTelemetryContext, Value: inbound}),
		})
	}
	outputCtx := func(t *testing.T, evs []operator.OperatorEvent) string {
		require.Len(t, evs, 2)
		v, ok := evs[0].(operator.OutputEvent).Metadata.Get("ctx")
		require.True(t, ok)
		return v.(string)
	}

	t.Run("disabled", func(t *testing.T) {
		interp := newTestInterpreter(t)
		path := writeOperator(t, t.TempDir(), "trace.js", src)
		evs := runHost(t, interp, HostConfig{Source: path}, in())
		assert.Equal(t, "", outputCtx(t, evs))
	})

	t.Run("child span", func(t *testing.T) {
		interp := newTestInterpreter(t)
		path := writeOperator(t, t.TempDir(), "trace.js", src)
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())

		evs := runHost(t, interp, HostConfig{Source: path, Tracer: tp.Tracer("test")}, in())
		got := outputCtx(t, evs)
		assert.NotEqual(t, inbound, got)
		assert.True(t, strings.HasPrefix(got, "traceparent:00-"+traceID.String()+"-"), got)
		assert.NotContains(t, got, spanID.String())
	})
}

func TestHostDropHook(t *testing.T) {
	interp := newTestInterpreter(t)
	rec := &recorder{}
	dir := t.TempDir()
	globals := map[string]any{"record": rec.record}

	path := writeOperator(t, dir, "dropper.js", `
class Operator {
  on_input(input) { return input.id === "fail" ? 9 : Status.CONTINUE; }
  drop() { record("dropped"); throw new Error("ignored"); }
}
module.exports = { Operator };
`)

	evs := runHost(t, interp, HostConfig{Source: path, Globals: globals}, feed(input("a", nil)))
	assert.Equal(t, []operator.OperatorEvent{operator.FinishedEvent{Reason: operator.InputsClosed}}, evs)
	assert.Equal(t, []string{"dropped"}, rec.Values())

	// not called after a fault
	errorOf(t, runHost(t, interp, HostConfig{Source: path, Globals: globals}, feed(input("fail", nil))))
	assert.Equal(t, []string{"dropped"}, rec.Values())
}

func TestHostRequiresModules(t *testing.T) {
	interp := newTestInterpreter(t)
	dir := t.TempDir()
	writeOperator(t, dir, "lib/math.js", `exports.double = (x) => x * 2;`)
	writeOperator(t, dir, "lib/settings.json", `{"output": "doubled"}`)
	path := writeOperator(t, dir, "main.js", `
const { double } = require("./lib/math");
const settings = require("./lib/settings.json");

class Operator {
  on_input(input, send_output) {
    send_output(settings.output, new Uint8Array([double(input.data[0])]));
    return Status.CONTINUE;
  }
}
module.exports = { Operator };
`)

	evs := runHost(t, interp, HostConfig{Source: path}, feed(input("a", []byte{21})))
	want := []operator.OperatorEvent{
		operator.OutputEvent{OutputID: "doubled", Data: []byte{42}},
		operator.FinishedEvent{Reason: operator.InputsClosed},
	}
	if diff := cmp.Diff(want, evs, eventOpts); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestHostClosedInterpreter(t *testing.T) {
	interp, err := NewInterpreter(InterpreterConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, interp.Close())

	path := writeOperator(t, t.TempDir(), "increment.js", incrementOperator)
	err = errorOf(t, runHost(t, interp, HostConfig{Source: path}, feed()))
	assert.ErrorIs(t, err, derrors.ErrInterpreterClosed)
}

type fakeRecorder struct {
	mu       sync.Mutex
	inputs   int
	outputs  int
	outcomes []string
}

func (f *fakeRecorder) InputDispatched(string, string, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs++
}

func (f *fakeRecorder) OutputEmitted(string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs++
}

func (f *fakeRecorder) Terminated(_, _, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func TestHostMetrics(t *testing.T) {
	interp := newTestInterpreter(t)
	path := writeOperator(t, t.TempDir(), "increment.js", incrementOperator)
	rec := &fakeRecorder{}

	runHost(t, interp, HostConfig{Source: path, Metrics: rec},
		feed(input("a", []byte{1}), input("b", []byte{2})))

	assert.Equal(t, 2, rec.inputs)
	assert.Equal(t, 2, rec.outputs)
	assert.Equal(t, []string{"inputs_closed"}, rec.outcomes)
}

func TestNewHostValidation(t *testing.T) {
	interp := newTestInterpreter(t)
	events := operator.NewEventChannel(1)
	inputs := make(chan operator.IncomingEvent)

	_, err := NewHost(nil, HostConfig{Source: "x.js"}, events, inputs)
	assert.Error(t, err)
	_, err = NewHost(interp, HostConfig{Source: "x.js"}, nil, inputs)
	assert.Error(t, err)
	_, err = NewHost(interp, HostConfig{Source: "x.js"}, events, nil)
	assert.Error(t, err)
	_, err = NewHost(interp, HostConfig{}, events, inputs)
	assert.Error(t, err)

	h, err := NewHost(interp, HostConfig{Source: "x.js"}, events, inputs)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
}
