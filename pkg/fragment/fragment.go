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

// Package fragment defines the code-cache/fragment-store collaborator
// boundary (spec §1, §6) and the TranslationInfo table that the fault
// translator consults when present (spec §3, §4.2).
package fragment

import "sort"

// Flag is a bitmask of per-fragment properties.
type Flag uint32

const (
	IsTrace Flag = 1 << iota
	SelfmodSandboxed
	WasDeleted
	HasSyscall
	Shared
	CoarseGrain
)

// Fragment is an opaque handle to a translated unit of application code
// living in the code cache. The core never looks inside it directly; all
// access goes through Store.
type Fragment interface {
	// Flags returns this fragment's flag bits.
	Flags() Flag

	// Tag returns the application PC this fragment was built from (its
	// entry point in application terms).
	Tag() uint64

	// TranslationInfo returns this fragment's optional TranslationInfo
	// table, if one was recorded when the fragment was built.
	TranslationInfo() (*TranslationInfo, bool)
}

// Store is the code-cache / fragment-store external collaborator (spec
// §1, §6): fragment_pclookup, fcache_entry_pc, in_fcache,
// recreate_fragment_ilist, fragment_selfmod_copy_pc.
type Store interface {
	// PCLookup returns the fragment containing cache PC pc, if any.
	PCLookup(pc uint64) (Fragment, bool)

	// EntryPC returns a fragment's cache entry point.
	EntryPC(f Fragment) uint64

	// InFcache reports whether pc lies inside the code cache at all
	// (not necessarily inside a live fragment).
	InFcache(pc uint64) bool

	// RecreateIlist rebuilds f's instruction list from the code cache (or,
	// for a selfmod fragment, from its stored copy), for translation when
	// no TranslationInfo table was recorded. Rebuilding requires
	// serialization against concurrent fragment flush (spec §5's
	// thread_initexit_lock); callers are responsible for holding that gate.
	RecreateIlist(pc uint64) (Ilist, error)

	// SelfmodCopyPC returns the address of the stored copy of a selfmod
	// fragment's original application code, used to rebase translations
	// when the live app memory may have since been modified.
	SelfmodCopyPC(f Fragment) (uintptr, bool)
}

// Ilist is a fragment's reconstructed instruction list, walked forward by
// the fault translator from the fragment's entry point.
type Ilist interface {
	// Len returns the number of instructions.
	Len() int
	// At returns the cache-offset-ordered instruction at index i, together
	// with its encoded length and attached translation PC.
	At(i int) (length int, translationPC uint64, ourMangling bool)
}

// ChangePointFlag describes how a TranslationInfo entry's application PC
// relates to the following entry's.
type ChangePointFlag uint8

const (
	// Identical means consecutive cache instructions all translate to the
	// same application PC (e.g. inside a mangling region).
	Identical ChangePointFlag = iota
	// Contiguous means cache stride equals application stride: the
	// application PC advances by the decoded cache instruction length.
	Contiguous
)

// EntryFlag is a bitmask of per-change-point flags, orthogonal to
// ChangePointFlag.
type EntryFlag uint32

const (
	OurMangling EntryFlag = 1 << iota
	InCleanCall
)

// ChangePoint is one entry in a TranslationInfo table (spec §3).
type ChangePoint struct {
	CacheOffset uint64
	AppPC       uint64
	Stride      ChangePointFlag
	Flags       EntryFlag
}

// TranslationInfo is the compact per-fragment translation table from spec
// §3: entries sorted by CacheOffset, interpolated between according to
// Stride. It may outlive the fragment's original application code (spec
// invariant 5).
type TranslationInfo struct {
	entries []ChangePoint
}

// NewTranslationInfo builds a TranslationInfo from change points, which
// must already be sorted by CacheOffset (the builder, i.e. the code
// generator, is expected to emit them in order).
func NewTranslationInfo(entries []ChangePoint) *TranslationInfo {
	return &TranslationInfo{entries: entries}
}

// Lookup returns the application PC corresponding to cache offset off,
// and whether off fell inside this fragment's recorded range.
func (t *TranslationInfo) Lookup(off uint64) (appPC uint64, flags EntryFlag, ok bool) {
	if len(t.entries) == 0 {
		return 0, 0, false
	}
	// Find the last entry whose CacheOffset <= off.
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].CacheOffset > off
	}) - 1
	if idx < 0 {
		return 0, 0, false
	}
	e := t.entries[idx]
	switch e.Stride {
	case Identical:
		return e.AppPC, e.Flags, true
	case Contiguous:
		return e.AppPC + (off - e.CacheOffset), e.Flags, true
	default:
		return e.AppPC, e.Flags, true
	}
}

// Entries exposes the raw change points, for the fault translator's
// forward walk (spec §4.2: "iterate through the table, advancing ...
// between change points").
func (t *TranslationInfo) Entries() []ChangePoint { return t.entries }
