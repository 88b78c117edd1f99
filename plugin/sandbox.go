package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"
)

// CapabilityHostLog is the single hostcall exposed by the default registry.
// A capability not present in a manifest's CapabilitySet is never linked
// into the instance, regardless of what the registry supports: the sandbox
// is deny-by-default.
const CapabilityHostLog = "host_log"

// HostcallPolicy gates which hostcalls, if any, are linked into an
// instance for one Invoke call. Enabled is a process-wide switch (config
// PluginConfig.HostcallsEnabled); Capabilities is the invoked manifest's
// CapabilitySet. A hostcall is linked only when Enabled is true and its
// name appears in Capabilities: both gates must pass, so a manifest
// cannot opt itself into hostcalls a deployment has disabled, and an
// enabled deployment still only grants what a manifest declares.
type HostcallPolicy struct {
	Enabled      bool
	Capabilities []string
}

// Allows reports whether capability may be linked under p.
func (p HostcallPolicy) Allows(capability string) bool {
	if !p.Enabled {
		return false
	}
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ErrExportNotFound is returned when the requested export is missing from
// the instantiated module; the module is never executed in this case.
var ErrExportNotFound = errors.New("plugin: export not found")

// Result is the outcome of a successful Invoke.
type Result struct {
	Values []wasmtime.Val
}

// Runner executes verified WebAssembly modules under hard resource caps.
// All invocations served by one Runner share a single Engine and its
// background epoch incrementer; each Invoke call still gets its own Store,
// Linker, and Instance, so invocations never share sandboxed memory.
type Runner struct {
	engine    *wasmtime.Engine
	epochTick time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRunner returns a Runner whose background goroutine increments the
// shared engine's epoch counter every tick. Invocations compute their
// per-call epoch deadline as a tick count derived from their own timeout,
// so one incrementer can serve invocations with different timeouts.
func NewRunner(tick time.Duration) *Runner {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)

	r := &Runner{
		engine:    wasmtime.NewEngineWithConfig(cfg),
		epochTick: tick,
		stop:      make(chan struct{}),
	}
	go r.incrementEpochForever()
	return r
}

// Close stops the background epoch incrementer. A Runner must not be
// invoked again after Close.
func (r *Runner) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runner) incrementEpochForever() {
	ticker := time.NewTicker(r.epochTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.engine.IncrementEpoch()
		case <-r.stop:
			return
		}
	}
}

// Invoke runs export on the module described by moduleBytes with the given
// params, under the fuel, timeout, and memory limits in limits, with
// hostcalls gated by hostcalls. On sandbox-imposed failure, the returned
// error is suffixed with "(fuel exhausted)" or "(timeout/epoch
// interruption)" depending on which resource was observed depleted when
// the call failed. When ctx is canceled during the call, Invoke advances
// the shared engine epoch by one tick, which moves this call's deadline one
// tick closer; it does not stop the call immediately.
func (r *Runner) Invoke(ctx context.Context, moduleBytes []byte, export string, limits ResourceLimits, hostcalls HostcallPolicy, params []wasmtime.Val) (Result, error) {
	limits = limits.WithDefaults()

	store := wasmtime.NewStore(r.engine)

	storeLimits := wasmtime.NewStoreLimitsBuilder().
		MemorySize(limits.MemoryCapBytes).
		Build()
	store.Limiter(storeLimits)

	if err := store.SetFuel(limits.FuelBudget); err != nil {
		return Result{}, fmt.Errorf("plugin: set fuel: %w", err)
	}
	deadlineTicks := uint64(time.Duration(limits.TimeoutMillis)*time.Millisecond/r.epochTick) + 1
	store.SetEpochDeadline(deadlineTicks)

	module, err := wasmtime.NewModule(r.engine, moduleBytes)
	if err != nil {
		return Result{}, fmt.Errorf("plugin: compile module: %w", err)
	}

	linker := wasmtime.NewLinker(r.engine)
	if err := linker.DefineWasi(); err != nil {
		return Result{}, fmt.Errorf("plugin: define wasi: %w", err)
	}
	// No preopened filesystem, no network, no environment passthrough: the
	// zero-value WasiConfig grants nothing beyond stdio to /dev/null.
	store.SetWasi(wasmtime.NewWasiConfig())

	if err := registerHostcalls(linker, store, hostcalls); err != nil {
		return Result{}, fmt.Errorf("plugin: register hostcalls: %w", err)
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return Result{}, classifyFailure(store, err)
	}

	fn := instance.GetFunc(store, export)
	if fn == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrExportNotFound, export)
	}

	cancelOnCtx := watchContext(ctx, r.engine)
	defer cancelOnCtx()

	raw, err := fn.Call(store, valsToAny(params)...)
	if err != nil {
		return Result{}, classifyFailure(store, err)
	}

	return Result{Values: anyToVals(raw)}, nil
}

// watchContext increments engine's epoch once if ctx is canceled before the
// call returns, returning a function to stop watching once it has.
func watchContext(ctx context.Context, engine *wasmtime.Engine) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			engine.IncrementEpoch()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// classifyFailure enriches a sandbox failure with a deterministic suffix
// derived from remaining fuel: "(fuel exhausted)" when fuel is exactly
// zero, "(timeout/epoch interruption)" otherwise.
func classifyFailure(store *wasmtime.Store, cause error) error {
	if fuel, err := store.GetFuel(); err == nil && fuel == 0 {
		return fmt.Errorf("%w (fuel exhausted)", cause)
	}
	return fmt.Errorf("%w (timeout/epoch interruption)", cause)
}

// registerHostcalls links the default hostcall registry into linker,
// restricted to what hostcalls allows. host_log is the only hostcall the
// registry knows; it is linked only when hostcalls.Enabled and
// CapabilityHostLog is present in hostcalls.Capabilities. Anything not
// linked here is simply absent from the instance's imports: a module that
// calls an unlinked hostcall fails to instantiate rather than executing
// with a stub.
func registerHostcalls(linker *wasmtime.Linker, store *wasmtime.Store, hostcalls HostcallPolicy) error {
	if !hostcalls.Allows(CapabilityHostLog) {
		return nil
	}
	return linker.DefineFunc(store, "env", CapabilityHostLog, func(caller *wasmtime.Caller, ptr int32, length int32) int32 {
		if ptr < 0 || length < 0 {
			return -1
		}
		mem := caller.GetExport("memory")
		if mem == nil || mem.Memory() == nil {
			return -1
		}
		data := mem.Memory().UnsafeData(caller)
		start, end := int(ptr), int(ptr)+int(length)
		if start > len(data) || end > len(data) || end < start {
			return -1
		}
		_ = data[start:end] // validated in-bounds slice; logging itself is host-side policy
		return 0
	})
}

func valsToAny(vals []wasmtime.Val) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func anyToVals(raw any) []wasmtime.Val {
	switch v := raw.(type) {
	case nil:
		return nil
	case []wasmtime.Val:
		return v
	case wasmtime.Val:
		return []wasmtime.Val{v}
	case int32:
		return []wasmtime.Val{wasmtime.ValI32(v)}
	default:
		return nil
	}
}
