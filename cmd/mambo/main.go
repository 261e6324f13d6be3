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

// Command mambo is the single invocation form of the translation
// engine: mambo <guest> [args...]. It wires up the plugin registry,
// the optional tracer, and a Thread for the guest's entry point, then
// resolves that entry point into the code cache.
//
// ELF image loading, argv/auxv setup, and the ptrace attach loop that
// would hand a real child process's control flow to the resolved
// fragment are all out of scope here, the same external-collaborator
// boundary spec.md draws around image loading: the guest file is read
// as flat machine code at --base, not parsed as an ELF image. What
// this entry point exercises end to end is everything from that
// boundary inward: scanning, dispatch, linking, and (when --trace-out
// is set) the tracer plugin's call-out emission.
package main

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/UzL-ITS/MAMBO-V/pkg/engine"
	"github.com/UzL-ITS/MAMBO-V/pkg/plugin"
	"github.com/UzL-ITS/MAMBO-V/pkg/scanner"
	"github.com/UzL-ITS/MAMBO-V/plugin/tracer"
)

var (
	flagEntry          string
	flagBase           string
	flagDispatcher     string
	flagSyscallWrapper string
	flagTraceOut       string
	flagRecorderAddr   string
	flagBBSlots        int
	flagHashCapacity   int
	flagLogLevel       string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mambo <guest> [args...]",
		Short: "RISC-V 64 dynamic binary modification engine",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMambo,
	}
	flags := pflag.NewFlagSet("mambo", pflag.ContinueOnError)
	flags.StringVar(&flagEntry, "entry", "0x0", "guest entry point, relative to --base")
	flags.StringVar(&flagBase, "base", "0x10000", "guest image load base address")
	flags.StringVar(&flagDispatcher, "dispatcher", "0x1000", "host dispatcher re-entry address")
	flags.StringVar(&flagSyscallWrapper, "syscall-wrapper", "0x1000", "host syscall passthrough address")
	flags.StringVar(&flagTraceOut, "trace-out", "", "register the tracer plugin and create this file; no records are written to it (tracer disabled if empty)")
	flags.StringVar(&flagRecorderAddr, "recorder-addr", "0x0", "host trampoline address the tracer plugin calls out to")
	flags.IntVar(&flagBBSlots, "bb-slots", 4096, "basic-block code cache slot count")
	flags.IntVar(&flagHashCapacity, "hash-capacity", 1<<16, "SPC/TPC hash table capacity")
	flags.StringVar(&flagLogLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	cmd.Flags().AddFlagSet(flags)
	return cmd
}

func runMambo(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(flagLogLevel)
	if err != nil {
		return errors.Wrap(err, "mambo: invalid --log-level")
	}
	log.SetLevel(level)

	guestPath := args[0]
	guestArgs := args[1:]
	log.WithField("args", guestArgs).Debug("mambo: guest arguments recorded, exec path not implemented")

	image, err := os.ReadFile(guestPath)
	if err != nil {
		return errors.Wrapf(err, "mambo: read guest image %s", guestPath)
	}

	base, err := parseHex(flagBase)
	if err != nil {
		return errors.Wrap(err, "mambo: --base")
	}
	entryOff, err := parseHex(flagEntry)
	if err != nil {
		return errors.Wrap(err, "mambo: --entry")
	}
	dispatcherAddr, err := parseHex(flagDispatcher)
	if err != nil {
		return errors.Wrap(err, "mambo: --dispatcher")
	}
	syscallWrapperAddr, err := parseHex(flagSyscallWrapper)
	if err != nil {
		return errors.Wrap(err, "mambo: --syscall-wrapper")
	}

	regs := plugin.NewRegistry(log)

	if flagTraceOut != "" {
		if err := registerTracer(regs, log); err != nil {
			return err
		}
	}

	eng := engine.New(regs, log)
	guestMem := scanner.NewGuestMemory(image, base)
	cfg := scanner.Config{DispatcherAddr: dispatcherAddr, SyscallWrapperAddr: syscallWrapperAddr}

	th, err := eng.NewThread(os.Getpid(), flagBBSlots, flagHashCapacity, cfg, guestMem)
	if err != nil {
		return errors.Wrap(err, "mambo: allocate thread")
	}
	defer th.Close()

	entry := base + entryOff
	tpc, err := th.Dispatcher.Resolve(entry)
	if err != nil {
		return errors.Wrapf(err, "mambo: translate entry point %#x", entry)
	}

	log.WithFields(logrus.Fields{
		"entry": entry,
		"tpc":   tpc,
	}).Info("mambo: entry point resolved into the code cache")
	return nil
}

// registerTracer opens --trace-out and wires the tracer plugin to
// flagRecorderAddr, the host trampoline that turns a call-out into a
// trace.Entry. There is no such trampoline in this process (nothing
// here bridges translated RISC-V back into Go), so --recorder-addr is
// left to the caller to supply once an execution layer provides one;
// this only exercises the plugin's code-emission side.
func registerTracer(regs *plugin.Registry, log *logrus.Logger) error {
	recorderAddr, err := parseHex(flagRecorderAddr)
	if err != nil {
		return errors.Wrap(err, "mambo: --recorder-addr")
	}
	f, err := os.Create(flagTraceOut)
	if err != nil {
		return errors.Wrapf(err, "mambo: open --trace-out %s", flagTraceOut)
	}
	f.Close()

	tr := tracer.New(recorderAddr)
	tr.Register(regs)
	log.WithField("recorder", recorderAddr).Debug("mambo: tracer plugin registered")
	return nil
}

func parseHex(s string) (uint64, error) {
	s = trimHexPrefix(s)
	return strconv.ParseUint(s, 16, 64)
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
