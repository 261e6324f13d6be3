// Copyright 2024 The MAMBO-V Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UzL-ITS/MAMBO-V/pkg/riscv"
)

func TestDispatchBalancesPushedRegs(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(PreInst, "spiller", func(ctx *Context) error {
		ctx.Push(riscv.RegMask(riscv.X5))
		return nil
	})

	w := riscv.NewWriter(nil, 0)
	ctx := &Context{Writer: w}
	r.Dispatch(PreInst, ctx)

	assert.EqualValues(t, 0, ctx.PushedRegs, "core must clear PushedRegs after balancing")
	assert.Greater(t, w.Len(), 0, "a push and a balancing pop were emitted")
}

func TestDispatchReplaceOnlyOnPreInst(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(PreInst, "skip", func(ctx *Context) error {
		ctx.Replace = true
		return nil
	})

	ctx := &Context{Writer: riscv.NewWriter(nil, 0)}
	r.Dispatch(PreInst, ctx)
	assert.True(t, ctx.Replace)
}

func TestDispatchConflictingReplaceKeepsFirst(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(PreInst, "first", func(ctx *Context) error {
		ctx.Replace = true
		return nil
	})
	r.Register(PreInst, "second", func(ctx *Context) error {
		ctx.Replace = true
		return nil
	})

	ctx := &Context{Writer: riscv.NewWriter(nil, 0)}
	r.Dispatch(PreInst, ctx)
	assert.True(t, ctx.Replace)
}

func TestDispatchOrdersCallbacksByRegistration(t *testing.T) {
	r := NewRegistry(nil)
	var order []string
	r.Register(PostInst, "a", func(ctx *Context) error { order = append(order, "a"); return nil })
	r.Register(PostInst, "b", func(ctx *Context) error { order = append(order, "b"); return nil })

	r.Dispatch(PostInst, &Context{Writer: riscv.NewWriter(nil, 0)})
	require.Equal(t, []string{"a", "b"}, order)
}

func TestWatchFunction(t *testing.T) {
	r := NewRegistry(nil)
	r.WatchFunction("malloc", 0x401000)
	addr, ok := r.WatchedFunction("malloc")
	require.True(t, ok)
	assert.EqualValues(t, 0x401000, addr)

	name, ok := r.FunctionNameAt(0x401000)
	require.True(t, ok)
	assert.Equal(t, "malloc", name)
}

func TestPluginErrorIsLoggedNotPropagated(t *testing.T) {
	r := NewRegistry(nil)
	called := false
	r.Register(PreInst, "faulty", func(ctx *Context) error {
		called = true
		return assert.AnError
	})
	assert.NotPanics(t, func() {
		r.Dispatch(PreInst, &Context{Writer: riscv.NewWriter(nil, 0)})
	})
	assert.True(t, called)
}
