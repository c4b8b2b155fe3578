package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := Startup("no JavaScript file exists at /ops/a.js", ErrNoFile)
	want := "[startup_fault] no JavaScript file exists at /ops/a.js: no JavaScript file exists"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := NewError(ProtocolFault, "invalid on_input return", nil)
	if bare.Error() != "[protocol_fault] invalid on_input return" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   Kind
		wantOK bool
	}{
		{name: "startup", err: Startup("x", ErrImportFailed), want: StartupFault, wantOK: true},
		{name: "protocol", err: Protocol("x", ErrInvalidStatus), want: ProtocolFault, wantOK: true},
		{name: "handler", err: Handler("x", ErrHandlerFailed), want: HandlerFault, wantOK: true},
		{name: "wrapped", err: fmt.Errorf("error in JavaScript operator at a.js: %w", Handler("x", nil)), want: HandlerFault, wantOK: true},
		{name: "plain", err: errors.New("plain"), wantOK: false},
		{name: "nil", err: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := KindOf(tt.err)
			if ok != tt.wantOK || kind != tt.want {
				t.Errorf("KindOf() = (%q, %v), want (%q, %v)", kind, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Startup("failed to import module `op`", fmt.Errorf("%w: %w", ErrImportFailed, errors.New("SyntaxError"))))

	if !errors.Is(err, ErrImportFailed) {
		t.Error("expected ErrImportFailed in chain")
	}
	if !IsStartup(err) {
		t.Error("expected startup fault")
	}
	if IsReceiverGone(err) {
		t.Error("unexpected receiver gone")
	}
	if !IsReceiverGone(Handler("could not emit output `out`", ErrReceiverGone)) {
		t.Error("expected receiver gone")
	}
}
