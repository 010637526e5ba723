package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/metrics"
)

// entryPoints are tried in order; the first defined function is called.
var entryPoints = []string{"scrape", "run", "main"}

// errTimeout is the interrupt value used when the execution deadline passes.
var errTimeout = errors.New("execution timed out")

// Execute runs the crawler's entry point with kwargs in a fresh VM. The call
// is bounded by ctx and the configured execution timeout.
func (r *Registry) Execute(ctx context.Context, name string, kwargs map[string]any) Result {
	d, ok := r.Get(name)
	if !ok {
		return failure(CodeNotFound, "crawler %q not found", name)
	}
	if !d.Enabled {
		return failure(CodeNotEnabled, "crawler %q is disabled", name)
	}
	h, ok := r.Load(name)
	if !ok {
		return failure(CodeLoadFailed, "crawler %q could not be loaded", name)
	}

	logger := r.logger.With(zap.String("crawler", name), zap.Int("version", h.Version))
	start := time.Now()
	output, code, err := r.run(ctx, h, kwargs)
	elapsed := time.Since(start)

	if err != nil {
		outcome := "failed"
		if errors.Is(err, errTimeout) {
			outcome = "timeout"
		}
		metrics.ObservePluginExecution(outcome, elapsed)
		logger.Warn("crawler execution failed", zap.String("code", string(code)), zap.Duration("elapsed", elapsed), zap.Error(err))
		res := failure(code, "%v", err)
		res.Crawler = &d
		return res
	}

	metrics.ObservePluginExecution("success", elapsed)
	logger.Info("crawler executed", zap.Duration("elapsed", elapsed))
	res := success(fmt.Sprintf("crawler %q executed", name), &d)
	res.Output = output
	return res
}

// run never panics; a Go panic inside the VM becomes execution_failed.
func (r *Registry) run(ctx context.Context, h *Handle, kwargs map[string]any) (output any, code ErrorCode, err error) {
	defer func() {
		if p := recover(); p != nil {
			output, code, err = nil, CodeExecutionFailed, fmt.Errorf("crawler panicked: %v", p)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecTimeout)
	defer cancel()

	vm := r.newVM(execCtx, h.Name)
	stop := context.AfterFunc(execCtx, func() {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			vm.Interrupt(errTimeout)
			return
		}
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if _, err := vm.RunProgram(h.program); err != nil {
		return nil, CodeExecutionFailed, unwrapInterrupt(err)
	}

	var entry goja.Callable
	for _, name := range entryPoints {
		if fn, ok := goja.AssertFunction(vm.Get(name)); ok {
			entry = fn
			break
		}
	}
	if entry == nil {
		return nil, CodeMissingEntryPoint, fmt.Errorf("crawler %q defines none of %s", h.Name, strings.Join(entryPoints, ", "))
	}

	if kwargs == nil {
		kwargs = map[string]any{}
	}
	value, err := entry(goja.Undefined(), vm.ToValue(kwargs))
	if err != nil {
		return nil, CodeExecutionFailed, unwrapInterrupt(err)
	}
	out, err := export(value)
	if err != nil {
		return nil, CodeExecutionFailed, err
	}
	return out, "", nil
}

// dryRun runs the top level once in a throwaway VM so load errors surface
// before the first execution.
func (r *Registry) dryRun(name string, program *goja.Program) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ExecTimeout)
	defer cancel()
	vm := r.newVM(ctx, name)
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(errTimeout) })
	defer stop()
	if _, err := vm.RunProgram(program); err != nil {
		return unwrapInterrupt(err)
	}
	return nil
}

// newVM builds a runtime exposing only the granted host functions.
func (r *Registry) newVM(ctx context.Context, name string) *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	logger := r.logger.With(zap.String("crawler", name))

	_ = vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		logger.Info("crawler log", zap.String("message", strings.Join(parts, " ")))
		return goja.Undefined()
	})

	if r.cfg.AllowFetch {
		_ = vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
			target := call.Argument(0).String()
			resp, err := r.deps.Client.FetchOnce(ctx, crawler.FetchRequest{
				URL:      target,
				Identity: r.deps.Identities.Pick(),
				Delay:    r.cfg.FetchDelay,
			})
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("fetch %s: %w", target, err)))
			}
			return vm.ToValue(map[string]any{
				"status": resp.StatusCode,
				"body":   string(resp.Body),
				"url":    resp.URL,
			})
		})
	}
	return vm
}

// export converts a JS return value to plain Go data, settling promises
// that have already resolved.
func export(value goja.Value) (any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	if p, ok := value.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return export(p.Result())
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("crawler promise rejected: %s", p.Result().String())
		default:
			return nil, fmt.Errorf("crawler returned a promise that never settled")
		}
	}
	return value.Export(), nil
}

func unwrapInterrupt(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && cause != nil {
			return cause
		}
		return fmt.Errorf("crawler interrupted: %v", interrupted.Value())
	}
	return err
}
