package msgsock

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry()
	register := func(name string, arity int, fn Procedure) {
		if err := r.Register(name, arity, fn); err != nil {
			t.Fatalf("Register %s failed: %v", name, err)
		}
	}
	register("hello", 0, func([]any) (any, error) { return "hello friend", nil })
	register("echo", 1, func(args []any) (any, error) { return args[0], nil })
	register("count", Variadic, func(args []any) (any, error) { return len(args), nil })
	register("fail", 0, func([]any) (any, error) { return nil, errors.New("it broke") })
	register("panic", 0, func([]any) (any, error) { panic("boom") })
	return r
}

func TestRegistry_Register_Invalid(t *testing.T) {
	r := NewRegistry()
	noop := func([]any) (any, error) { return nil, nil }

	if err := r.Register("", 0, noop); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register("x", 0, nil); err == nil {
		t.Error("nil procedure accepted")
	}
	if err := r.Register("x", -2, noop); err == nil {
		t.Error("negative arity accepted")
	}
	if err := r.Register("x", 0, noop); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("x", 1, noop); !errors.Is(err, ErrDuplicateProcedure) {
		t.Errorf("expected ErrDuplicateProcedure, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	r := newTestRegistry(t)

	want := []string{"count", "echo", "fail", "hello", "panic"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}

func TestRegistry_Call(t *testing.T) {
	r := newTestRegistry(t)

	if out, err := r.Call("hello", nil); err != nil || out != "hello friend" {
		t.Errorf("hello = %v, %v", out, err)
	}
	if out, err := r.Call("echo", []any{"x"}); err != nil || out != "x" {
		t.Errorf("echo = %v, %v", out, err)
	}
	if out, err := r.Call("count", []any{1, 2, 3}); err != nil || out != 3 {
		t.Errorf("count = %v, %v", out, err)
	}
	if out, err := r.Call("count", nil); err != nil || out != 0 {
		t.Errorf("count() = %v, %v", out, err)
	}
}

func TestRegistry_Call_Errors(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Call("missing", nil); !errors.Is(err, ErrUnknownProcedure) {
		t.Errorf("expected ErrUnknownProcedure, got %v", err)
	}
	if _, err := r.Call("echo", []any{1, 2}); !errors.Is(err, ErrArity) {
		t.Errorf("expected ErrArity, got %v", err)
	}
	if _, err := r.Call("fail", nil); err == nil || err.Error() != "it broke" {
		t.Errorf("expected procedure error, got %v", err)
	}
	if _, err := r.Call("panic", nil); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected recovered panic, got %v", err)
	}
}

func TestRegistry_Invoke(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name    string
		req     Message
		want    any
		wantErr string
	}{
		{"no args", Message{KeyFunc: "hello"}, "hello friend", ""},
		{"with args", Message{KeyFunc: "echo", KeyArgs: []any{"hey"}}, "hey", ""},
		{"byte strings", Message{KeyFunc: []byte("echo"), KeyArgs: []any{[]byte("raw")}}, "raw", ""},
		{"unknown", Message{KeyFunc: "nope"}, nil, "unknown procedure"},
		{"arity", Message{KeyFunc: "hello", KeyArgs: []any{1}}, nil, "wrong number of arguments"},
		{"bad func", Message{KeyFunc: 42}, nil, "malformed call request"},
		{"missing func", Message{"greet": "hi"}, nil, "malformed call request"},
		{"bad args", Message{KeyFunc: "echo", KeyArgs: "x"}, nil, "malformed call request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.Invoke(tt.req)
			if tt.wantErr != "" {
				msg, _ := resp[KeyError].(string)
				if !strings.Contains(msg, tt.wantErr) {
					t.Errorf("error = %q, want it to mention %q", msg, tt.wantErr)
				}
				if _, ok := resp[KeyReturn]; ok {
					t.Error("failed call carries a return value")
				}
				return
			}
			if resp[KeyReturn] != tt.want {
				t.Errorf("return = %v, want %v", resp[KeyReturn], tt.want)
			}
		})
	}
}

func TestRegistry_Invoke_EchoesID(t *testing.T) {
	r := newTestRegistry(t)

	resp := r.Invoke(Message{KeyFunc: "hello", KeyID: "abc"})
	if resp[KeyID] != "abc" {
		t.Errorf("id = %v, want abc", resp[KeyID])
	}

	resp = r.Invoke(Message{KeyFunc: "hello"})
	if _, ok := resp[KeyID]; ok {
		t.Error("response has an id the request did not carry")
	}
}

type replyRecorder struct {
	mu      sync.Mutex
	replies map[PeerID][]Message
	sent    bool
	err     error
}

func (r *replyRecorder) Send(peer PeerID, m Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replies == nil {
		r.replies = make(map[PeerID][]Message)
	}
	r.replies[peer] = append(r.replies[peer], m)
	return r.sent, r.err
}

func TestRegistry_Handler(t *testing.T) {
	r := newTestRegistry(t)
	rec := &replyRecorder{sent: true}
	logger := &mockLogger{}
	h := r.Handler(rec, logger)

	peer := PeerID{Host: "127.0.0.1", Port: 4000}
	h.HandleEntry(context.Background(), Entry{Peer: peer, Message: Message{KeyFunc: "echo", KeyArgs: []any{"x"}}})
	h.HandleEntry(context.Background(), Entry{Peer: peer, Message: Message{KeyFunc: "nope"}})
	h.HandleEntry(context.Background(), Entry{Peer: peer})

	replies := rec.replies[peer]
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if replies[0][KeyReturn] != "x" {
		t.Errorf("first reply = %v", replies[0])
	}
	if _, ok := replies[1][KeyError]; !ok {
		t.Errorf("second reply = %v, want an error", replies[1])
	}
	if !logger.has("info", "request failed") {
		t.Error("failed request not logged")
	}
	if !logger.has("debug", "peer disconnected") {
		t.Error("sentinel not logged")
	}
}

func TestRegistry_Handler_ReplyFailures(t *testing.T) {
	r := newTestRegistry(t)
	peer := PeerID{Host: "127.0.0.1", Port: 4001}
	req := Entry{Peer: peer, Message: Message{KeyFunc: "hello"}}

	logger := &mockLogger{}
	r.Handler(&replyRecorder{err: errors.New("broken pipe")}, logger).HandleEntry(context.Background(), req)
	if !logger.has("warn", "reply failed") {
		t.Error("send error not logged")
	}

	logger = &mockLogger{}
	r.Handler(&replyRecorder{}, logger).HandleEntry(context.Background(), req)
	if !logger.has("debug", "reply dropped, peer gone") {
		t.Error("dropped reply not logged")
	}
}

func TestParseResponse(t *testing.T) {
	if out, err := parseResponse("f", Message{KeyReturn: nil}); err != nil || out != nil {
		t.Errorf("nil return = %v, %v", out, err)
	}

	_, err := parseResponse("f", Message{KeyError: "nope"})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	if remote.Procedure != "f" || remote.Message != "nope" {
		t.Errorf("RemoteError = %+v", remote)
	}

	if _, err := parseResponse("f", Message{}); !errors.Is(err, ErrBadResponse) {
		t.Errorf("expected ErrBadResponse, got %v", err)
	}
}
