// Package parse implements the raw-event parser from spec.md §4.8: it
// reconstructs per-thread call/USDT stacks from the compact textual stream,
// pairs entry/exit events under corruption and sampling, computes
// exclusive/inclusive times, and emits profile resources. Leaf (bottom)
// time is accumulated per thread and probe; no per-depth aggregate table
// is kept.
package parse

import (
	"strconv"
	"strings"
)

// RecordType enumerates the raw record kinds (spec.md §3, ported from
// original_source/.../values.py). On the wire each kind is written as its
// name token (FUNC_BEGIN, ..., PROCESS_END), which ParseLine maps to these
// values.
type RecordType int

const (
	FuncBegin RecordType = iota
	FuncEnd
	UsdtBegin
	UsdtEnd
	UsdtSingle
	ThreadBegin
	ThreadEnd
	ProcessBegin
	ProcessEnd
	Corrupt
)

func (t RecordType) String() string {
	switch t {
	case FuncBegin:
		return "FUNC_BEGIN"
	case FuncEnd:
		return "FUNC_END"
	case UsdtBegin:
		return "USDT_BEGIN"
	case UsdtEnd:
		return "USDT_END"
	case UsdtSingle:
		return "USDT_SINGLE"
	case ThreadBegin:
		return "THREAD_BEGIN"
	case ThreadEnd:
		return "THREAD_END"
	case ProcessBegin:
		return "PROCESS_BEGIN"
	case ProcessEnd:
		return "PROCESS_END"
	default:
		return "CORRUPT"
	}
}

// RawRecord is one decoded line before probe-id resolution and sequencing.
// Head field layout (spec.md §3):
//
//	FUNC_BEGIN/END, USDT_BEGIN/END, USDT_SINGLE:  type tid timestamp
//	THREAD_BEGIN/END:                              type tid pid timestamp
//	PROCESS_BEGIN/END:                             type tid pid ppid timestamp
type RawRecord struct {
	Type      RecordType
	TID       int
	Timestamp int64
	PID       int
	PPID      int
	ProbeID   string // raw id token: integer in compact mode, probe name in verbose mode
}

var typeByToken = map[string]RecordType{
	"FUNC_BEGIN":    FuncBegin,
	"FUNC_END":      FuncEnd,
	"USDT_BEGIN":    UsdtBegin,
	"USDT_END":      UsdtEnd,
	"USDT_SINGLE":   UsdtSingle,
	"THREAD_BEGIN":  ThreadBegin,
	"THREAD_END":    ThreadEnd,
	"PROCESS_BEGIN": ProcessBegin,
	"PROCESS_END":   ProcessEnd,
}

// ParseLine decodes one raw line. Any malformed line -- wrong field count,
// non-numeric field, unknown type token -- yields a single CORRUPT record
// rather than an error, so the caller can continue parsing (spec.md §4.8,
// "Corruption tolerance").
func ParseLine(line string) RawRecord {
	head, id, ok := strings.Cut(line, ";")
	if !ok {
		return RawRecord{Type: Corrupt}
	}
	fields := strings.Fields(head)
	if len(fields) < 3 {
		return RawRecord{Type: Corrupt}
	}
	typ, known := typeByToken[fields[0]]
	if !known {
		return RawRecord{Type: Corrupt}
	}

	atoi := func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil
	}
	atoi64 := func(s string) (int64, bool) {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}

	switch typ {
	case FuncBegin, FuncEnd, UsdtBegin, UsdtEnd, UsdtSingle:
		if len(fields) != 3 {
			return RawRecord{Type: Corrupt}
		}
		tid, ok1 := atoi(fields[1])
		ts, ok2 := atoi64(fields[2])
		if !ok1 || !ok2 {
			return RawRecord{Type: Corrupt}
		}
		return RawRecord{Type: typ, TID: tid, Timestamp: ts, ProbeID: strings.TrimSpace(id)}

	case ThreadBegin, ThreadEnd:
		if len(fields) != 4 {
			return RawRecord{Type: Corrupt}
		}
		tid, ok1 := atoi(fields[1])
		pid, ok2 := atoi(fields[2])
		ts, ok3 := atoi64(fields[3])
		if !ok1 || !ok2 || !ok3 {
			return RawRecord{Type: Corrupt}
		}
		return RawRecord{Type: typ, TID: tid, PID: pid, Timestamp: ts, ProbeID: strings.TrimSpace(id)}

	case ProcessBegin, ProcessEnd:
		if len(fields) != 5 {
			return RawRecord{Type: Corrupt}
		}
		tid, ok1 := atoi(fields[1])
		pid, ok2 := atoi(fields[2])
		ppid, ok3 := atoi(fields[3])
		ts, ok4 := atoi64(fields[4])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return RawRecord{Type: Corrupt}
		}
		return RawRecord{Type: typ, TID: tid, PID: pid, PPID: ppid, Timestamp: ts, ProbeID: strings.TrimSpace(id)}
	}
	return RawRecord{Type: Corrupt}
}
