package canister

import (
	"context"

	"github.com/tetratelabs/wazero"
)

// Engine owns what canister runtimes share: the compilation cache.
type Engine struct {
	cache wazero.CompilationCache
}

func NewEngine() *Engine {
	return &Engine{cache: wazero.NewCompilationCache()}
}

func (e *Engine) runtimeConfig() wazero.RuntimeConfig {
	return wazero.NewRuntimeConfig().WithCompilationCache(e.cache)
}

// Close releases cached compilations. Runtimes created from the engine must
// be closed first.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}
