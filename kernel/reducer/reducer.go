// Package reducer hosts deterministic WASM modules — reducers (§4.4) and
// cap enforcers (§4.9, §6) — behind a single pure `stdin bytes -> stdout
// bytes` ABI, executed through github.com/tetratelabs/wazero (a pure-Go
// WASM runtime, an out-of-pack dependency: no example repo embeds WASM
// modules, so wazero is adopted as the ecosystem-standard cgo-free choice).
// The sandbox is grounded on Mindburn-Labs-helm's WASISandbox: WASI wired
// deny-by-default (no filesystem, no network, no ambient authority, no
// random source, no wall clock), memory bounded by a page ceiling, CPU time
// bounded by the caller's context deadline — a reducer/enforcer module gets
// exactly its declared inputs and nothing else, matching the kernel
// invariant that these modules are pure functions of their ABI envelope.
package reducer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store"
)

// Options configures a Host's sandbox ceilings.
type Options struct {
	// MemoryLimitBytes bounds a module instance's linear memory. Zero uses
	// wazero's own default (no explicit ceiling).
	MemoryLimitBytes uint64
}

// Host compiles and runs WASM modules fetched from a content-addressed
// store by their module hash. Compiled modules are cached by hash since a
// world invokes the same reducer/enforcer repeatedly across its lifetime;
// each invocation still gets a fresh module instance (and thus fresh
// linear memory) since wazero instances are not safe to reuse across
// concurrent or sequential calls that must not observe each other's state.
type Host struct {
	runtime wazero.Runtime
	store   store.BlobStore
	modCfg  wazero.ModuleConfig

	mu       sync.Mutex
	compiled map[schema.Hash]wazero.CompiledModule
}

// NewHost constructs a Host backed by blobs fetched from s.
func NewHost(ctx context.Context, s store.BlobStore, opts Options) (*Host, error) {
	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if opts.MemoryLimitBytes > 0 {
		pages := uint32(opts.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		rtCfg = rtCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("reducer: instantiate WASI: %w", err)
	}
	return &Host{
		runtime: r,
		store:   s,
		modCfg: wazero.NewModuleConfig().
			WithName("agentos-module").
			WithStartFunctions("_start"),
		compiled: make(map[schema.Hash]wazero.CompiledModule),
	}, nil
}

// Close releases the underlying wazero runtime and every cached compiled
// module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// RunPure invokes the module at moduleHash with input on stdin, returning
// its stdout bytes. Any stderr output is treated as a deterministic module
// failure (§4.4's "panic/trap aborts the step"): the module is assumed to
// write diagnostics to stderr only on fault, never for ordinary output.
func (h *Host) RunPure(ctx context.Context, moduleHash schema.Hash, input []byte) ([]byte, error) {
	compiled, err := h.compiledModule(ctx, moduleHash)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cfg := h.modCfg.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := h.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, kernelerr.Wrap(kernelerr.ReducerFailure, "module execution timed out", ctx.Err())
		}
		return nil, kernelerr.Wrap(kernelerr.ReducerFailure, "module instantiation failed", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return nil, kernelerr.Newf(kernelerr.ReducerFailure, "module %x trapped: %s", moduleHash[:8], stderr.String())
	}
	return stdout.Bytes(), nil
}

func (h *Host) compiledModule(ctx context.Context, moduleHash schema.Hash) (wazero.CompiledModule, error) {
	h.mu.Lock()
	if c, ok := h.compiled[moduleHash]; ok {
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	wasmBytes, err := h.store.Get(ctx, moduleHash)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.UnknownSchema, fmt.Sprintf("module %x", moduleHash[:8]), err)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.ReducerFailure, "module compilation failed", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.compiled[moduleHash]; ok {
		_ = compiled.Close(ctx)
		return c, nil
	}
	h.compiled[moduleHash] = compiled
	return compiled, nil
}
