// Copyright 2018 The gVisor Authors.
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

package sigstate

// StackT is the kernel's stack_t wire format (struct sigaltstack,
// asm-generic/signal.h), used both for this core's own bookkeeping and for
// the raw sigaltstack(2) syscall pkg/sentry/platform/systrap issues.
// golang.org/x/sys/unix does not export a Stack_t on this build, so the
// layout is reproduced directly.
type StackT struct {
	Ss_sp    *byte
	Ss_flags int32
	Ss_size  uint64
}

// Linux sigaction flag bits (asm-generic/signal-defs.h). Not exported by
// golang.org/x/sys/unix on this build; this core issues rt_sigaction
// directly via raw syscalls and needs the kernel's own bit values rather
// than a wrapper's.
const (
	SA_NOCLDSTOP = 0x00000001
	SA_NOCLDWAIT = 0x00000002
	SA_SIGINFO   = 0x00000004
	SA_ONSTACK   = 0x08000000
	SA_RESTART   = 0x10000000
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
	SA_RESTORER  = 0x04000000
)
