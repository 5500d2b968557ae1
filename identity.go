package blockplan

import (
	"sync/atomic"
)

// deviceIDCounter backs NextDeviceID. It is process-wide and only ever
// increments, so an ID observed anywhere in the process is never handed out
// a second time, even after the device it named has been removed.
var deviceIDCounter atomic.Int64

// NextDeviceID returns a process-unique, monotonically increasing device ID.
//
// This function is the single source of truth for device identity:
//   - IDs are assigned once, at device construction, and never reused.
//   - Completed actions and external callbacks that hold a device reference
//     can detect staleness by comparing IDs instead of pointers: if the tree
//     now maps that name to a different ID, the reference is stale.
//   - IDs carry no meaning beyond ordering; the human-meaningful identifier
//     is the device name, which may change (renumbered partitions, loop
//     devices), and the UUID, which may be absent.
//
// # Example
//
//	a := blockplan.NextDeviceID()
//	b := blockplan.NextDeviceID()
//	// b > a (guaranteed, process-wide)
func NextDeviceID() int64 {
	return deviceIDCounter.Add(1)
}
