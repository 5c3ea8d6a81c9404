package msgsock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Keys of remote call requests and responses.
//
// A request is {"func": name, "args": [...], "id": id}. The response carries
// either "return" or "error" and echoes "id" when the request had one.
const (
	KeyFunc   = "func"
	KeyArgs   = "args"
	KeyID     = "id"
	KeyReturn = "return"
	KeyError  = "error"
)

// Variadic registers a procedure that accepts any number of arguments.
const Variadic = -1

// Remote call errors.
var (
	ErrUnknownProcedure   = errors.New("unknown procedure")
	ErrArity              = errors.New("wrong number of arguments")
	ErrBadRequest         = errors.New("malformed call request")
	ErrBadResponse        = errors.New("malformed call response")
	ErrDuplicateProcedure = errors.New("procedure already registered")
)

// Procedure is a named function callable by remote peers.
type Procedure func(args []any) (any, error)

// RemoteError is a failure reported by the peer that ran a procedure.
type RemoteError struct {
	Procedure string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Procedure, e.Message)
}

type procedure struct {
	arity int
	fn    Procedure
}

// Registry maps procedure names to functions and validates calls before
// running them.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]procedure
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]procedure)}
}

// Register adds fn under name. arity is the exact number of arguments fn
// accepts, or Variadic.
func (r *Registry) Register(name string, arity int, fn Procedure) error {
	if name == "" || fn == nil || arity < Variadic {
		return errors.Errorf("invalid procedure %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procs[name]; ok {
		return errors.Wrap(ErrDuplicateProcedure, name)
	}
	r.procs[name] = procedure{arity: arity, fn: fn}
	return nil
}

// Names returns the registered procedure names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the procedure registered under name after checking the argument
// count. A panicking procedure is reported as an error.
func (r *Registry) Call(name string, args []any) (result any, err error) {
	r.mu.RLock()
	p, ok := r.procs[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(ErrUnknownProcedure, name)
	}
	if p.arity != Variadic && len(args) != p.arity {
		return nil, errors.Wrapf(ErrArity, "%s takes %d, got %d", name, p.arity, len(args))
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("%s panicked: %v", name, rec)
		}
	}()
	return p.fn(args)
}

// Invoke decodes a request message, runs it and builds the response message.
func (r *Registry) Invoke(req Message) Message {
	resp := Message{}
	if id, ok := req[KeyID]; ok {
		resp[KeyID] = id
	}

	name, args, err := parseRequest(req)
	if err == nil {
		var out any
		out, err = r.Call(name, args)
		if err == nil {
			resp[KeyReturn] = out
			return resp
		}
	}

	resp[KeyError] = err.Error()
	return resp
}

// Replier sends a message to a peer. *Server implements it.
type Replier interface {
	Send(peer PeerID, m Message) (bool, error)
}

// Handler returns a Handler that answers every request entry through rep.
// Disconnect sentinels are ignored.
func (r *Registry) Handler(rep Replier, logger Logger) Handler {
	if logger == nil {
		logger = defaultLogger()
	}

	return HandlerFunc(func(ctx context.Context, e Entry) {
		if e.Closed() {
			logger.Debug("peer disconnected", "peer", e.Peer)
			return
		}

		logger.Debug("handling request", "peer", e.Peer, "func", e.Message[KeyFunc])
		resp := r.Invoke(e.Message)
		if msg, ok := resp[KeyError]; ok {
			logger.Info("request failed", "peer", e.Peer, "error", msg)
		}

		sent, err := rep.Send(e.Peer, resp)
		switch {
		case err != nil:
			logger.Warn("reply failed", "peer", e.Peer, "error", err)
		case !sent:
			logger.Debug("reply dropped, peer gone", "peer", e.Peer)
		}
	})
}

// parseRequest extracts the procedure name and arguments. Byte strings, which
// some peers send for text, are converted to strings.
func parseRequest(req Message) (string, []any, error) {
	var name string
	switch f := req[KeyFunc].(type) {
	case string:
		name = f
	case []byte:
		name = string(f)
	default:
		return "", nil, errors.Wrapf(ErrBadRequest, "%q must be a string", KeyFunc)
	}

	var args []any
	switch a := req[KeyArgs].(type) {
	case nil:
	case []any:
		args = make([]any, len(a))
		for i, v := range a {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			args[i] = v
		}
	default:
		return "", nil, errors.Wrapf(ErrBadRequest, "%q must be a list", KeyArgs)
	}

	return name, args, nil
}

// parseResponse turns a response message into a result or error.
func parseResponse(name string, resp Message) (any, error) {
	if msg, ok := resp[KeyError]; ok {
		return nil, &RemoteError{Procedure: name, Message: fmt.Sprint(msg)}
	}
	out, ok := resp[KeyReturn]
	if !ok {
		return nil, errors.Wrapf(ErrBadResponse, "no %q or %q key", KeyReturn, KeyError)
	}
	return out, nil
}
