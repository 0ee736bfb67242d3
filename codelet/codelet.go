// Package codelet classifies an instruction pointer against the
// interpreter's generated-code address table: either a specific named
// codelet (method entry, a return variant, a typed exception thrower,
// ...), ordinary bytecode dispatch code (tagged with the bytecode it
// dispatches), or illegal (not interpreter code at all, meaning the
// driver should look it up as JIT code instead).
package codelet

import (
	"bytes"
	"fmt"
	"sort"
)

// Kind names one codelet category. The JVM installs a fixed set of
// these as part of interpreter generation; only dispatch rows repeat
// once per bytecode.
type Kind int

const (
	KindIllegal Kind = iota
	KindBytecode
	KindMethodEntry
	KindReturnInvoke
	KindReturnInvokeInterface
	KindReturnInvokeDynamic
	KindDeopt
	KindDeoptReexecuteReturn
	KindEarlyRet
	KindThrowException
	KindRethrowException
	KindRemoveActivation
	KindRemoveActivationPreservingException
	KindThrowArithmeticException
	KindThrowArrayIndexOutOfBounds
	KindThrowArrayStoreException
	KindThrowClassCastException
	KindThrowNullPointerException
	KindThrowStackOverflowError
	KindJitCodeEntry
	KindJitCodeOSREntry
	KindJitCode
)

func (k Kind) String() string {
	names := [...]string{
		"illegal", "bytecode", "method_entry", "return_invoke",
		"return_invokeinterface", "return_invokedynamic", "deopt",
		"deopt_reexecute_return", "earlyret", "throw_exception",
		"rethrow_exception", "remove_activation",
		"remove_activation_preserving_exception",
		"throw_arithmetic_exception", "throw_array_index_out_of_bounds",
		"throw_array_store_exception", "throw_class_cast_exception",
		"throw_null_pointer_exception", "throw_stack_overflow_error",
		"jitcode_entry", "jitcode_osr_entry", "jitcode",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// namedOrder is the tie-break order this classifier checks named
// codelet kinds in before falling back to dispatch-row lookup. The
// source JVM doesn't document a canonical priority for overlapping
// codelet regions (they shouldn't overlap in practice); this order is
// this decoder's own, chosen so specific/rare kinds are checked before
// registering a match as a coarser one.
var namedOrder = []Kind{
	KindMethodEntry,
	KindReturnInvoke, KindReturnInvokeInterface, KindReturnInvokeDynamic,
	KindDeopt, KindDeoptReexecuteReturn, KindEarlyRet,
	KindThrowException, KindRethrowException,
	KindRemoveActivation, KindRemoveActivationPreservingException,
	KindThrowArithmeticException, KindThrowArrayIndexOutOfBounds,
	KindThrowArrayStoreException, KindThrowClassCastException,
	KindThrowNullPointerException, KindThrowStackOverflowError,
	KindJitCodeEntry, KindJitCodeOSREntry, KindJitCode,
}

// Slot is one address range belonging to a codelet.
type Slot struct{ Start, End uint64 }

func (s Slot) contains(ip uint64) bool { return ip >= s.Start && ip < s.End }

// DispatchRow is the address range of the generated dispatch code for
// one bytecode.
type DispatchRow struct {
	Start, End uint64
	Code       byte
}

// Info is the parsed form of a codelet_info dump frame: every named
// codelet's address slots plus the per-bytecode dispatch table.
type Info struct {
	Named    map[Kind][]Slot
	Dispatch []DispatchRow
}

// Result is the outcome of classifying one instruction pointer.
type Result struct {
	Kind Kind
	Code byte // valid only when Kind == KindBytecode
}

// Table is the process-wide (per-Driver, in this decoder's
// one-index-per-partition design) codelet address table. It is
// installed exactly once; later installs must describe the same
// table, or the decode is treated as fatally confused.
type Table struct {
	installed bool
	raw       []byte // the raw codelet_info payload, for exact-match re-install checks
	info      Info
	dispatch  []DispatchRow // info.Dispatch sorted by Start
}

// Install sets the table from a codelet_info frame. If a table is
// already installed, raw must match byte-for-byte or Install returns
// an error: a mismatch means two codelet_info frames disagree about
// the running interpreter's own generated code, which is a fatal
// decode error rather than something to reconcile.
func (t *Table) Install(raw []byte, info Info) error {
	if t.installed {
		if !bytes.Equal(t.raw, raw) {
			return fmt.Errorf("codelet: codelet_info re-installed with different contents")
		}
		return nil
	}
	dispatch := append([]DispatchRow(nil), info.Dispatch...)
	sort.Slice(dispatch, func(i, j int) bool { return dispatch[i].Start < dispatch[j].Start })

	t.raw = append([]byte(nil), raw...)
	t.info = info
	t.dispatch = dispatch
	t.installed = true
	return nil
}

// Installed reports whether codelet_info has been processed yet. Until
// it has, Classify reports every IP as illegal, so the driver records
// a decode_error for every IP outside a JIT section.
func (t *Table) Installed() bool { return t.installed }

// Classify matches ip against the installed table.
func (t *Table) Classify(ip uint64) Result {
	if !t.installed {
		return Result{Kind: KindIllegal}
	}
	for _, k := range namedOrder {
		for _, s := range t.info.Named[k] {
			if s.contains(ip) {
				return Result{Kind: k}
			}
		}
	}
	i := sort.Search(len(t.dispatch), func(i int) bool { return t.dispatch[i].End > ip })
	if i < len(t.dispatch) && t.dispatch[i].Start <= ip && ip < t.dispatch[i].End {
		return Result{Kind: KindBytecode, Code: t.dispatch[i].Code}
	}
	return Result{Kind: KindIllegal}
}
