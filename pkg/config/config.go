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

// Package config loads the translator's signal-handling policy: which
// signals it inherently needs to intercept, sizing for the alternate stack
// and pending-frame slab, and the handful of documented-unsupported
// behaviors an operator may (at their own risk) opt back into. Process
// startup and general option parsing remain out of scope (spec §1); this
// is strictly the policy table pkg/core and pkg/sigstate consult.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TranslatorPolicy is the signal-handling policy for one translator
// instance, shared read-only across all of its managed threads.
type TranslatorPolicy struct {
	// AltStackSize is the size, in bytes, of the alternate stack each
	// managed thread registers for the master handler. Spec §4.3 requires
	// it be at least the translator's own stack size, not libc's minimum.
	AltStackSize int `yaml:"alt_stack_size"`

	// RTSignalQueueCap bounds the pending queue for real-time signals.
	// Spec §3: unbounded in principle, capped here for resource safety;
	// non-real-time signals are always capped at 1 regardless of this
	// setting (spec §3 "the queue length is capped at 1").
	RTSignalQueueCap int `yaml:"rt_signal_queue_cap"`

	// PendingPoolPathologicalBytes is the threshold, in bytes of live
	// pending frames, above which the slab allocator's growth is
	// considered pathological (spec §3: "reached only at pathological
	// pending-signal counts (>24 KiB of pending frames)").
	PendingPoolPathologicalBytes int `yaml:"pending_pool_pathological_bytes"`

	// InterceptStopContinue records whether SIGSTOP/SIGTSTP-family
	// signals may be intercepted. Default false. No package in this
	// module reads it: setting it true changes nothing, and pkg/sighandler
	// has no stop/continue-specific handling or assertion.
	InterceptStopContinue bool `yaml:"intercept_stop_continue,omitempty"`

	// AllowLegacyRestorerStackSwitch, if true, would attempt the legacy
	// stack-switching-via-restorer path the source explicitly declines to
	// support (spec §9). Always false in this implementation; the field
	// exists so a loaded policy that sets it true fails loudly at Load
	// time instead of silently being ignored.
	AllowLegacyRestorerStackSwitch bool `yaml:"allow_legacy_restorer_stack_switch,omitempty"`
}

// Default returns the policy the spec documents as the baseline: stop/
// continue signals unsupported to intercept, no legacy restorer path, an
// altstack sized generously for the translator's own stack needs, and a
// pending-pool pathological threshold of 24KiB per spec §3.
func Default() TranslatorPolicy {
	return TranslatorPolicy{
		AltStackSize:                 256 * 1024,
		RTSignalQueueCap:             4096,
		PendingPoolPathologicalBytes: 24 * 1024,
	}
}

// ErrLegacyRestorerUnsupported is returned by Load when a policy document
// asks for the legacy restorer-based stack switch the source never
// supported (spec §9).
var ErrLegacyRestorerUnsupported = errors.New("config: legacy restorer-based stack switching is not supported")

// Load reads a TranslatorPolicy from a YAML file at path, starting from
// Default and overlaying whatever the document sets.
func Load(path string) (TranslatorPolicy, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrap(err, "config: reading policy file")
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "config: parsing policy file")
	}
	if p.AllowLegacyRestorerStackSwitch {
		return p, ErrLegacyRestorerUnsupported
	}
	return p, nil
}
