// Copyright 2024 The mujit Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Command mujit demonstrates the code generator end to end: build a
// module, emit a function, link it into executable memory, and call
// straight into it.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mujit.dev/mujit"
	"mujit.dev/mujit/mem"
)

var log = logrus.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mujit",
		Short:         "Demonstrations of the mujit JIT code generator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", level, err)
		}
		log.SetLevel(parsed)
		return nil
	}
	root.AddCommand(newHelloCmd(), newSumCmd(), newAckermannCmd())
	return root
}

// guard times fn and logs its outcome with logrus, the way every
// demonstration command reports a failed build, link or call. The
// core never panics — every operation returns a *mujit.ContractError
// or *mujit.ResourceError through the ordinary error path — so this
// has nothing to recover from; it just gives every command the same
// logging and timing wrapper.
func guard(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		log.WithError(err).WithField("command", name).Error("mujit operation failed")
	}
	log.WithField("command", name).WithField("elapsed", time.Since(start)).Debug("done")
	return err
}

func newHelloCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hello",
		Short: "Build a function that imports and calls a host print function, and run it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return guard("hello", runHello)
		},
	}
}

// dumpDebug logs a function's hexdump-formatted listing at debug
// level, the way the original demonstration driver calls
// x86_64_debug_dump right after linking, before ever calling into the
// result.
func dumpDebug(fn *mujit.Function) {
	d := fn.DebugDump()
	log.WithField("function", d.Name).WithField("blocks", d.Blocks).Debug("\n" + d.Hex)
}

// runHello declares libc's printf as an imported host function —
// standing in for it with hostPuts (mem.HostPutsAddr), since a
// statically linked Go binary has no libc mapped into it to resolve a
// real printf symbol against — and has the generated "hello" function
// call it directly, passing a pointer to a host-owned byte buffer and
// its length, the way helloworld.c's own main() calls out to printf.
func runHello() error {
	msg := []byte("Hello, World!\n")

	mod := mujit.NewModule()
	puts := mod.ImportFunction("puts", mem.HostPutsAddr())

	fn, marker, err := mod.DeclareFunction("hello", nil)
	if err != nil {
		return err
	}

	target := fn.ImmediateFunction(puts)
	ptr := fn.ImmediateInt64(int64(uintptr(unsafe.Pointer(&msg[0]))))
	length := fn.ImmediateInt64(int64(len(msg)))
	argTypes := []mujit.Type{mujit.I64, mujit.I64}
	if _, err := fn.Call(target, []mujit.VReg{ptr, length}, mujit.Void, argTypes); err != nil {
		return err
	}
	if _, err := fn.Ret(fn.ImmediateVoid(), mujit.Void); err != nil {
		return err
	}
	if err := fn.FinalizeFunction(); err != nil {
		return err
	}

	linked, err := mod.Link()
	if err != nil {
		return err
	}
	defer linked.Close()
	dumpDebug(fn)

	entry, ok := linked.Entry(marker)
	if !ok {
		return fmt.Errorf("mujit: entry for %q not found after link", "hello")
	}

	mujit.Call(entry)
	runtime.KeepAlive(msg)
	return nil
}

func newSumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sum N",
		Short: "Build a recursive sum-to-N function and call it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid N %q: %w", args[0], err)
			}
			return guard("sum", func() error { return runSum(n) })
		},
	}
}

// buildSum emits sum(n) = n == 0 ? 0 : n + sum(n-1), exercising a
// self-recursive near call and a two-way block join on the same
// predecessor snapshot.
func buildSum(mod *mujit.Module) (*mujit.Function, int, error) {
	fn, marker, err := mod.DeclareFunction("sum", []mujit.Type{mujit.I64})
	if err != nil {
		return nil, 0, err
	}

	n, err := fn.Arg(0)
	if err != nil {
		return nil, 0, err
	}
	zero := fn.ImmediateInt64(0)
	one := fn.ImmediateInt64(1)

	baseCase := fn.LabelMarker()

	entrySnap, err := fn.BranchIfEqual(baseCase, n, zero)
	if err != nil {
		return nil, 0, err
	}

	// n != 0: n + sum(n - 1).
	if err := fn.BeginBB(entrySnap); err != nil {
		return nil, 0, err
	}
	nMinus1, err := fn.Sub(n, one)
	if err != nil {
		return nil, 0, err
	}
	self := fn.ImmediateFunction(marker)
	recursed, err := fn.Call(self, []mujit.VReg{nMinus1}, mujit.I64, []mujit.Type{mujit.I64})
	if err != nil {
		return nil, 0, err
	}
	result, err := fn.Add(n, recursed)
	if err != nil {
		return nil, 0, err
	}
	if _, err := fn.Ret(result, mujit.I64); err != nil {
		return nil, 0, err
	}

	// n == 0: return 0.
	if err := fn.BeginBB(entrySnap); err != nil {
		return nil, 0, err
	}
	if err := fn.Label(baseCase); err != nil {
		return nil, 0, err
	}
	if _, err := fn.Ret(zero, mujit.I64); err != nil {
		return nil, 0, err
	}

	if err := fn.FinalizeFunction(); err != nil {
		return nil, 0, err
	}
	return fn, marker, nil
}

func runSum(n int64) error {
	mod := mujit.NewModule()
	fn, marker, err := buildSum(mod)
	if err != nil {
		return err
	}

	linked, err := mod.Link()
	if err != nil {
		return err
	}
	defer linked.Close()
	dumpDebug(fn)

	entry, ok := linked.Entry(marker)
	if !ok {
		return fmt.Errorf("mujit: entry for %q not found after link", "sum")
	}

	result := mujit.Call(entry, n)
	fmt.Printf("sum(%d) = %d\n", n, result)
	return nil
}

func newAckermannCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ackermann M N",
		Short: "Build the Ackermann function and call it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid M %q: %w", args[0], err)
			}
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid N %q: %w", args[1], err)
			}
			return guard("ackermann", func() error { return runAckermann(m, n) })
		},
	}
}

// buildAckermann emits the textbook three-case Ackermann function,
// exercising two self-recursive calls composed within a single block
// and a three-way join on two predecessor snapshots.
func buildAckermann(mod *mujit.Module) (*mujit.Function, int, error) {
	fn, marker, err := mod.DeclareFunction("ackermann", []mujit.Type{mujit.I64, mujit.I64})
	if err != nil {
		return nil, 0, err
	}

	m, err := fn.Arg(0)
	if err != nil {
		return nil, 0, err
	}
	n, err := fn.Arg(1)
	if err != nil {
		return nil, 0, err
	}
	zero := fn.ImmediateInt64(0)
	one := fn.ImmediateInt64(1)

	mZero := fn.LabelMarker()
	nZero := fn.LabelMarker()

	mSnap, err := fn.BranchIfEqual(mZero, m, zero)
	if err != nil {
		return nil, 0, err
	}

	// m != 0.
	if err := fn.BeginBB(mSnap); err != nil {
		return nil, 0, err
	}
	nSnap, err := fn.BranchIfEqual(nZero, n, zero)
	if err != nil {
		return nil, 0, err
	}

	// m != 0, n != 0: ackermann(m - 1, ackermann(m, n - 1)).
	if err := fn.BeginBB(nSnap); err != nil {
		return nil, 0, err
	}
	nMinus1, err := fn.Sub(n, one)
	if err != nil {
		return nil, 0, err
	}
	innerTarget := fn.ImmediateFunction(marker)
	inner, err := fn.Call(innerTarget, []mujit.VReg{m, nMinus1}, mujit.I64, []mujit.Type{mujit.I64, mujit.I64})
	if err != nil {
		return nil, 0, err
	}
	mMinus1, err := fn.Sub(m, one)
	if err != nil {
		return nil, 0, err
	}
	outerTarget := fn.ImmediateFunction(marker)
	outer, err := fn.Call(outerTarget, []mujit.VReg{mMinus1, inner}, mujit.I64, []mujit.Type{mujit.I64, mujit.I64})
	if err != nil {
		return nil, 0, err
	}
	if _, err := fn.Ret(outer, mujit.I64); err != nil {
		return nil, 0, err
	}

	// m != 0, n == 0: ackermann(m - 1, 1).
	if err := fn.BeginBB(nSnap); err != nil {
		return nil, 0, err
	}
	if err := fn.Label(nZero); err != nil {
		return nil, 0, err
	}
	mMinus1b, err := fn.Sub(m, one)
	if err != nil {
		return nil, 0, err
	}
	selfTarget := fn.ImmediateFunction(marker)
	res, err := fn.Call(selfTarget, []mujit.VReg{mMinus1b, one}, mujit.I64, []mujit.Type{mujit.I64, mujit.I64})
	if err != nil {
		return nil, 0, err
	}
	if _, err := fn.Ret(res, mujit.I64); err != nil {
		return nil, 0, err
	}

	// m == 0: n + 1.
	if err := fn.BeginBB(mSnap); err != nil {
		return nil, 0, err
	}
	if err := fn.Label(mZero); err != nil {
		return nil, 0, err
	}
	res2, err := fn.Add(n, one)
	if err != nil {
		return nil, 0, err
	}
	if _, err := fn.Ret(res2, mujit.I64); err != nil {
		return nil, 0, err
	}

	if err := fn.FinalizeFunction(); err != nil {
		return nil, 0, err
	}
	return fn, marker, nil
}

func runAckermann(m, n int64) error {
	mod := mujit.NewModule()
	fn, marker, err := buildAckermann(mod)
	if err != nil {
		return err
	}

	linked, err := mod.Link()
	if err != nil {
		return err
	}
	defer linked.Close()
	dumpDebug(fn)

	entry, ok := linked.Entry(marker)
	if !ok {
		return fmt.Errorf("mujit: entry for %q not found after link", "ackermann")
	}

	result := mujit.Call(entry, m, n)
	fmt.Printf("ackermann(%d, %d) = %d\n", m, n, result)
	return nil
}
