// Package drivertest provides an in-memory controller driver for tests.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/upll/pkg/driver"
	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/keyval"
)

type entry struct {
	controller string
	key        string
}

// Fake is a programmable driver.Client. Writes succeed unless a result or
// error was set for the controller or for one key of it. Reads return the
// state rows seeded with SetState below the requested key.
type Fake struct {
	mu      sync.Mutex
	results map[entry]engine.ResultCode
	errs    map[string]error
	delays  map[string]time.Duration
	state   map[string][]*keyval.Envelope
	calls   []driver.Request
}

// New creates a fake driver.
func New() *Fake {
	return &Fake{
		results: make(map[entry]engine.ResultCode),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
		state:   make(map[string][]*keyval.Envelope),
	}
}

// SetResult sets the result every request to controller answers with.
func (f *Fake) SetResult(controller string, code engine.ResultCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[entry{controller: controller}] = code
}

// SetKeyResult sets the result of requests to controller for one key.
func (f *Fake) SetKeyResult(controller string, key keyval.Key, code engine.ResultCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[entry{controller: controller, key: key.String()}] = code
}

// SetError makes every request to controller fail at the transport.
func (f *Fake) SetError(controller string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[controller] = err
}

// SetDelay delays every reply of controller.
func (f *Fake) SetDelay(controller string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[controller] = d
}

// SetState replaces the rows controller reports on reads. Keys are
// controller-local.
func (f *Fake) SetState(controller string, envs ...*keyval.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[controller] = keyval.CloneAll(envs)
}

// Reset clears programmed results and recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = make(map[entry]engine.ResultCode)
	f.errs = make(map[string]error)
	f.delays = make(map[string]time.Duration)
	f.calls = nil
}

// Calls returns every request received, in arrival order.
func (f *Fake) Calls() []driver.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the requests received by one controller.
func (f *Fake) CallsFor(controller string) []driver.Request {
	var out []driver.Request
	for _, c := range f.Calls() {
		if c.Owner.Controller == controller {
			out = append(out, c)
		}
	}
	return out
}

// Send implements driver.Client.
func (f *Fake) Send(ctx context.Context, req driver.Request) (driver.Response, error) {
	f.mu.Lock()
	recorded := req
	if req.Env != nil {
		recorded.Env = req.Env.Clone()
	}
	f.calls = append(f.calls, recorded)
	ctrl := req.Owner.Controller
	delay := f.delays[ctrl]
	err := f.errs[ctrl]
	code := f.resultLocked(req)
	rows := f.readLocked(req)
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return driver.Response{}, ctx.Err()
		}
	}
	if err != nil {
		return driver.Response{}, err
	}
	if !code.IsSuccess() {
		return driver.Response{Result: code}, nil
	}
	return driver.Response{Result: engine.CodeSuccess, Envs: rows}, nil
}

func (f *Fake) resultLocked(req driver.Request) engine.ResultCode {
	ctrl := req.Owner.Controller
	if req.Env != nil {
		if code, ok := f.results[entry{controller: ctrl, key: req.Env.Key.String()}]; ok {
			return code
		}
	}
	if code, ok := f.results[entry{controller: ctrl}]; ok {
		return code
	}
	return engine.CodeSuccess
}

func (f *Fake) readLocked(req driver.Request) []*keyval.Envelope {
	if !req.Operation.IsRead() || req.Env == nil {
		return nil
	}
	var out []*keyval.Envelope
	for _, env := range f.state[req.Owner.Controller] {
		if env.Key.Type == req.Env.Key.Type && env.Key.HasPrefix(req.Env.Key.Parts) {
			out = append(out, env.Clone())
		}
	}
	return out
}
