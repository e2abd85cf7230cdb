// Package driver is the boundary to the controller drivers. A Client speaks
// one controller type's wire protocol; the Dispatcher selects the client of
// the owning controller and bounds every call with a deadline.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/upll/pkg/capability"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
	"github.com/openfroyo/upll/pkg/telemetry"
)

// Option2 is the secondary read flag.
type Option2 string

const (
	Option2None       Option2 = ""
	Option2Statistics Option2 = "statistics"
)

// DefaultTimeout bounds a driver call when none is configured.
const DefaultTimeout = 30 * time.Second

// Request is one driver RPC. Env carries controller-local names.
type Request struct {
	Operation engine.Operation
	Datastore engine.Datastore
	Option1   engine.ReadOption
	Option2   Option2
	Owner     keyval.Ownership
	Env       *keyval.Envelope
}

// Response is the reply to a Request. Envs holds the rows returned by
// reads, in controller-local names.
type Response struct {
	Result engine.ResultCode
	Envs   []*keyval.Envelope

	// Err explains a non-success Result when the dispatcher produced it.
	Err error
}

// Client sends requests to controllers of one type.
type Client interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Send implements Client.
func (f ClientFunc) Send(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Dispatcher routes requests to the client of the owning controller.
type Dispatcher struct {
	inventory *capability.Inventory
	timeout   time.Duration
	logger    zerolog.Logger
	tel       *telemetry.Telemetry

	mu      sync.RWMutex
	byType  map[capability.ControllerType]Client
	byCtrlr map[string]Client
}

// NewDispatcher creates a dispatcher. A zero timeout selects DefaultTimeout.
// tel may be nil.
func NewDispatcher(inv *capability.Inventory, timeout time.Duration, logger zerolog.Logger, tel *telemetry.Telemetry) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		inventory: inv,
		timeout:   timeout,
		logger:    logger.With().Str("component", "driver").Logger(),
		tel:       tel,
		byType:    make(map[capability.ControllerType]Client),
		byCtrlr:   make(map[string]Client),
	}
}

// Register sets the client for every controller of a type.
func (d *Dispatcher) Register(ctype capability.ControllerType, c Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byType[ctype] = c
}

// RegisterController sets the client of one controller, overriding its type's client.
func (d *Dispatcher) RegisterController(id string, c Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byCtrlr[id] = c
}

func (d *Dispatcher) client(id string) (Client, error) {
	ctrl, err := d.inventory.Lookup(id)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.byCtrlr[id]; ok {
		return c, nil
	}
	if c, ok := d.byType[ctrl.Type]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no driver registered for controller %s of type %s", id, ctrl.Type)
}

// Send delivers req to the owning controller and waits at most the
// configured timeout, or the earlier deadline of ctx. It never fails: an
// unknown controller, a transport error or an expired deadline yields a
// CTRLR_DISCONNECTED response.
func (d *Dispatcher) Send(ctx context.Context, req Request) Response {
	controller := req.Owner.Controller
	keyType := ""
	if req.Env != nil {
		keyType = string(req.Env.Key.Type)
	}

	var resp Response
	callErr := d.tel.RecordDriverOperation(ctx, controller, string(req.Operation), keyType, codeLabel, func(ctx context.Context) error {
		resp = d.send(ctx, req)
		if resp.Result.IsSuccess() {
			return nil
		}
		if resp.Err != nil {
			return resp.Err
		}
		return engine.Errorf(resp.Result, "controller %s answered %s", controller, resp.Result)
	})

	if callErr != nil {
		logger := telemetry.WithController(d.logger, controller, req.Owner.Domain)
		logger.Warn().
			Str("operation", string(req.Operation)).
			Str("key_type", keyType).
			Str("result", string(resp.Result)).
			Err(callErr).
			Msg("Driver call failed")
	}
	return resp
}

func codeLabel(err error) string {
	return string(engine.CodeOf(err))
}

type reply struct {
	resp Response
	err  error
}

func (d *Dispatcher) send(ctx context.Context, req Request) Response {
	c, err := d.client(req.Owner.Controller)
	if err != nil {
		return disconnected(req, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan reply, 1)
	go func() {
		resp, err := c.Send(ctx, req)
		done <- reply{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var ee *engine.EngineError
			if errors.As(r.err, &ee) {
				return Response{Result: ee.Code, Err: r.err}
			}
			return disconnected(req, r.err)
		}
		if r.resp.Result == "" {
			r.resp.Result = engine.CodeSuccess
		}
		if !r.resp.Result.IsSuccess() && r.resp.Err == nil {
			r.resp.Err = engine.Errorf(r.resp.Result, "controller %s rejected %s", req.Owner.Controller, req.Operation)
		}
		return r.resp

	case <-ctx.Done():
		return disconnected(req, ctx.Err())
	}
}

func disconnected(req Request, cause error) Response {
	e := engine.NewError(engine.CodeCtrlrDisconnected, fmt.Sprintf("controller %s unreachable", req.Owner.Controller), cause).
		WithOperation(req.Operation).
		WithDetail("controller", req.Owner.Controller)
	if req.Env != nil {
		e = e.WithKey(req.Env.Key.Type, req.Env.Key.Path())
	}
	return Response{Result: engine.CodeCtrlrDisconnected, Err: e}
}
