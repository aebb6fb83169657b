// Package profile turns a stream of parsed trace records into resources and
// folds those resources into a profile object without blocking the parser.
package profile

// Resource is one observed interval: a function call, a paired USDT hit, or
// a thread/process lifetime. The shape matches spec.md §3 "Resource".
type Resource struct {
	Amount    int64  // exit - entry, nanoseconds
	Timestamp int64  // entry timestamp, nanoseconds
	UID       string // symbolic name, or "entry#exit" for paired USDT
	TID       int
	Type      string // always "mixed"
	Subtype   string // always "time delta"
	Location  string // owning image base name
	Workload  string
	CallOrder uint64 // the entry record's per-(tid,uid) seq
	Exclusive int64  // inclusive minus summed callee time

	// Process/thread resources reuse this shape with UID set to a
	// reserved marker and PID/PPID populated.
	PID  int
	PPID int
	IsProcess bool
}

// Reserved UID markers for thread/process resources (spec.md §3).
const (
	ThreadResourceUID  = "!ThreadResource"
	ProcessResourceUID = "!ProcessResource"
)

const (
	ResourceType    = "mixed"
	ResourceSubtype = "time delta"
)

func NewCallResource(workload, location, uid string, tid int, entryTS, exitTS int64, callOrder uint64, calleeTime int64) Resource {
	amount := exitTS - entryTS
	excl := amount - calleeTime
	if excl < 0 {
		excl = 0
	}
	if excl > amount {
		excl = amount
	}
	return Resource{
		Amount:    amount,
		Timestamp: entryTS,
		UID:       uid,
		TID:       tid,
		Type:      ResourceType,
		Subtype:   ResourceSubtype,
		Location:  location,
		Workload:  workload,
		CallOrder: callOrder,
		Exclusive: excl,
	}
}

func NewThreadResource(workload, location string, tid int, start, end int64) Resource {
	return Resource{
		Amount:    end - start,
		Timestamp: start,
		UID:       ThreadResourceUID,
		TID:       tid,
		Type:      ResourceType,
		Subtype:   ResourceSubtype,
		Location:  location,
		Workload:  workload,
		Exclusive: end - start,
	}
}

func NewProcessResource(workload, location string, tid, pid, ppid int, start, end int64) Resource {
	r := NewThreadResource(workload, location, tid, start, end)
	r.UID = ProcessResourceUID
	r.PID = pid
	r.PPID = ppid
	r.IsProcess = true
	return r
}
