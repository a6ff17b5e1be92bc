package errors

import (
	"fmt"
	"io"
	"testing"
)

func TestEBuildsFields(t *testing.T) {
	err := E(Op("ot.Compose"), Component("ot"), KindInvalid, "length mismatch")
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("E returned %T, want *Error", err)
	}
	if e.Op != "ot.Compose" || e.Component != "ot" || e.Kind != KindInvalid {
		t.Errorf("unexpected fields: %+v", e)
	}
	if e.Err == nil || e.Err.Error() != "length mismatch" {
		t.Errorf("unexpected cause: %v", e.Err)
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "full",
			err:  E(Op("client.connect"), Component("client/engine"), KindTransport, "dial failed"),
			want: "client.connect [client/engine] <transport>: dial failed",
		},
		{
			name: "op only",
			err:  E(Op("server.applyEdit"), "bad revision"),
			want: "server.applyEdit: bad revision",
		},
		{
			name: "empty",
			err:  E(),
			want: "unknown error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindPropagation(t *testing.T) {
	inner := E(Op("storage.Load"), KindStorage, io.ErrUnexpectedEOF)
	outer := E(Op("server.loadDocument"), inner)

	// Wrapping an *Error without an explicit Kind inherits the inner Kind.
	if got := KindOf(outer); got != KindStorage {
		t.Errorf("KindOf(outer) = %v, want KindStorage", got)
	}
	if !IsKind(outer, KindStorage) {
		t.Error("IsKind(outer, KindStorage) = false, want true")
	}
	if !Is(outer, io.ErrUnexpectedEOF) {
		t.Error("errors.Is failed to find the root cause")
	}
}

func TestKindOverride(t *testing.T) {
	inner := E(KindTransport, "socket closed")
	outer := E(Op("client.run"), KindDesync, inner)
	if got := KindOf(outer); got != KindDesync {
		t.Errorf("KindOf(outer) = %v, want KindDesync", got)
	}
	// The transport kind is still visible deeper in the chain.
	if !IsKind(outer, KindTransport) {
		t.Error("IsKind(outer, KindTransport) = false, want true")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(E(Op("client.dial"), KindTransport, "connection refused")) {
		t.Error("transport errors should be retryable")
	}
	if IsRetryable(E(Op("client.applyHistory"), KindProtocol, "gapped history")) {
		t.Error("protocol violations must not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors are not retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestWrapOpComponentNil(t *testing.T) {
	if err := WrapOpComponent(nil, "op", "component"); err != nil {
		t.Errorf("WrapOpComponent(nil) = %v, want nil", err)
	}
	if err := WrapOpComponentKind(nil, "op", "component", KindStorage); err != nil {
		t.Errorf("WrapOpComponentKind(nil) = %v, want nil", err)
	}
}
