package skill

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	bufferClampBytes = 1 << 20 // 1 MiB
	schedulerTick    = 100 * time.Millisecond
)

var dangerousRequireModules = map[string]bool{
	"child_process": true, "node:child_process": true,
	"net": true, "node:net": true, "dgram": true, "dns": true,
}

var fsRequireModules = map[string]bool{
	"fs": true, "node:fs": true, "fs/promises": true, "node:fs/promises": true,
}

// AnalyzeDynamic executes code inside a goja.Runtime whose globals are
// replaced with trapped, deeply-frozen stand-ins, bounded by timeout. It
// never lets the candidate reach a real network socket, filesystem
// handle, or process control surface.
func AnalyzeDynamic(ctx context.Context, code string, timeout time.Duration) DynamicResult {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	rt := goja.New()
	sb := &sandbox{rt: rt}
	sb.install()

	wrapped := `"use strict"; void function() { ` + code + ` }();`

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in sandboxed execution: %v", r)
			}
		}()
		_, err := rt.RunString(wrapped)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		rt.Interrupt("execution timed out")
		sb.suspicious = append(sb.suspicious, "Execution timed out - possible infinite loop")
		runErr = <-done
	case <-ctx.Done():
		rt.Interrupt("context cancelled")
		runErr = <-done
	}
	_ = runErr // a thrown trap error is expected and already recorded by the trap itself

	// goja has no microtask queue or exposed Promise; there is nothing to
	// await beyond a nominal scheduler tick, kept for parity with the
	// documented "~100ms settle" step of the original design.
	time.Sleep(schedulerTick)

	elapsed := time.Since(start)

	safe := len(sb.suspicious) == 0 && len(sb.network) == 0 && len(sb.fsAttempts) == 0
	return DynamicResult{
		Safe:               safe,
		SuspiciousBehavior: sb.suspicious,
		NetworkAttempts:    sb.network,
		FSAttempts:         sb.fsAttempts,
		ExecutionTimeMs:    float64(elapsed.Microseconds()) / 1000.0,
		MemoryUsed:         len(code), // advisory proxy only; goja exposes no heap accounting
	}
}

// sandbox owns the mutable trap state observed during one execution.
type sandbox struct {
	rt         *goja.Runtime
	network    []string
	fsAttempts []string
	suspicious []string
}

func (sb *sandbox) install() {
	rt := sb.rt

	_ = rt.Set("fetch", sb.trapFetch)
	_ = rt.Set("require", sb.trapRequire)
	_ = rt.Set("setTimeout", sb.trapSetTimeout)
	_ = rt.Set("setInterval", sb.trapSetInterval)

	_ = rt.Set("process", sb.buildProcess())
	_ = rt.Set("Buffer", sb.buildBuffer())
	_ = rt.Set("console", sb.buildConsole())

	// Promise is intentionally left unset: code that schedules async
	// work through it would outlive this synchronous analysis pass.
	sb.freezeGlobals()
}

func (sb *sandbox) trapFetch(call goja.FunctionCall) goja.Value {
	url := call.Argument(0).String()
	sb.network = append(sb.network, url)
	resp := sb.rt.NewObject()
	_ = resp.Set("status", 403)
	_ = resp.Set("ok", false)
	return resp
}

func (sb *sandbox) trapRequire(call goja.FunctionCall) goja.Value {
	mod := call.Argument(0).String()

	if fsRequireModules[mod] {
		sb.fsAttempts = append(sb.fsAttempts, mod)
		return sb.fsTrapModule(mod)
	}
	if dangerousRequireModules[mod] {
		sb.suspicious = append(sb.suspicious, "Attempted to require dangerous module: "+mod)
		panic(sb.rt.NewTypeError("module not available: " + mod))
	}
	return sb.rt.NewObject()
}

// fsTrapModule returns a deep trap: every property access is recorded and
// every invocation throws, so `fs.readFileSync(...)` both logs the
// attempt and never succeeds.
func (sb *sandbox) fsTrapModule(mod string) goja.Value {
	obj := sb.rt.NewObject()
	proxyHandler := sb.rt.NewObject()
	_ = proxyHandler.Set("get", func(call goja.FunctionCall) goja.Value {
		prop := call.Argument(1).String()
		sb.fsAttempts = append(sb.fsAttempts, mod+"."+prop)
		fn, _ := sb.rt.RunString(`(function() { throw new Error("fs access denied"); })`)
		return fn
	})
	proxyCtor, ok := goja.AssertFunction(sb.rt.GlobalObject().Get("Proxy"))
	if ok {
		if v, err := proxyCtor(goja.Undefined(), obj, proxyHandler); err == nil {
			return v
		}
	}
	return obj
}

func (sb *sandbox) buildProcess() *goja.Object {
	rt := sb.rt
	proc := rt.NewObject()

	envHandler := rt.NewObject()
	_ = envHandler.Set("get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(1).String()
		sb.suspicious = append(sb.suspicious, "Attempted to access process.env."+name)
		return goja.Undefined()
	})
	if proxyCtor, ok := goja.AssertFunction(rt.GlobalObject().Get("Proxy")); ok {
		if env, err := proxyCtor(goja.Undefined(), rt.NewObject(), envHandler); err == nil {
			_ = proc.Set("env", env)
		}
	}

	_ = proc.Set("exit", func(goja.FunctionCall) goja.Value {
		sb.suspicious = append(sb.suspicious, "Attempted to call process.exit()")
		return goja.Undefined()
	})

	return proc
}

func (sb *sandbox) trapSetTimeout(call goja.FunctionCall) goja.Value {
	ms := int(call.Argument(1).ToInteger())
	if ms > 1000 {
		sb.suspicious = append(sb.suspicious, fmt.Sprintf("setTimeout with %dms delay", ms))
	}
	if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
		_, _ = fn(goja.Undefined())
	}
	return sb.rt.ToValue(0)
}

func (sb *sandbox) trapSetInterval(call goja.FunctionCall) goja.Value {
	ms := int(call.Argument(1).ToInteger())
	sb.suspicious = append(sb.suspicious, fmt.Sprintf("setInterval with %dms delay", ms))
	return sb.rt.ToValue(0)
}

func (sb *sandbox) buildBuffer() *goja.Object {
	rt := sb.rt
	buf := rt.NewObject()

	_ = buf.Set("alloc", func(size int) goja.Value {
		clamped := size
		if clamped > bufferClampBytes {
			sb.suspicious = append(sb.suspicious, fmt.Sprintf("Buffer.alloc(%d) clamped to 1MiB", size))
			clamped = bufferClampBytes
		}
		return rt.ToValue(make([]byte, clamped))
	})
	_ = buf.Set("from", func(input string) goja.Value {
		if len(input) > bufferClampBytes {
			sb.suspicious = append(sb.suspicious, "Buffer.from(...) result clamped to 1MiB")
			input = input[:bufferClampBytes]
		}
		return rt.ToValue([]byte(input))
	})
	return buf
}

func (sb *sandbox) buildConsole() *goja.Object {
	c := sb.rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"log", "warn", "error", "info", "debug"} {
		_ = c.Set(name, noop)
	}
	return c
}

// freezeGlobals deep-freezes the global object and every own-value object
// reachable from it, blocking prototype-pollution attempts against the
// trapped surface itself.
func (sb *sandbox) freezeGlobals() {
	_, err := sb.rt.RunString(`
		(function deepFreeze(obj, seen) {
			if (obj === null || typeof obj !== "object" && typeof obj !== "function") return;
			if (seen.indexOf(obj) !== -1) return;
			seen.push(obj);
			Object.getOwnPropertyNames(obj).forEach(function(name) {
				var desc = Object.getOwnPropertyDescriptor(obj, name);
				if (desc && "value" in desc) {
					deepFreeze(desc.value, seen);
				}
			});
			Object.freeze(obj);
		})(this, []);
	`)
	// Freezing is best-effort hardening, not a correctness requirement; a
	// failure here does not relax any trap already installed.
	_ = err
}
