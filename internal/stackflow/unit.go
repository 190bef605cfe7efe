package stackflow

import (
	"github.com/ChuLiYu/stackflow/pkg/types"
)

// ErrNotImplemented is what BaseUnit returns from every hook. The runtime
// replies to it with code -18 and leaves task state alone.
var ErrNotImplemented error = types.ErrNotImplemented

// Unit is the hook contract a unit process implements. Every hook runs on the
// dispatcher goroutine, one at a time.
//
// Reply rules applied by the runtime:
//   - a non-nil error is sent to the caller as an error body; errors that are
//     not a types.ErrorBody become code -1
//   - Setup, Pause, Link, Unlink and Exit returning nil are acknowledged with
//     code 0
//   - Work returning nil sends nothing; the unit answers through its channel
//   - TaskInfo's object and data are sent as returned
//
// A Setup error releases the freshly registered work id. An Exit returning
// nil releases the work id and closes the task's channel.
type Unit interface {
	Setup(workID, object, data string) error
	Pause(workID, object, data string) error
	Work(workID, object, data string) error
	Link(workID, object, data string) error
	Unlink(workID, object, data string) error
	Exit(workID, object, data string) error
	TaskInfo(workID, object, data string) (string, any, error)
}

// Initializer is implemented by units that want a SYS_INIT callback once the
// runtime is serving.
type Initializer interface {
	Init() error
}

// BaseUnit implements every hook as "not implemented". Embed it and override
// the hooks the unit supports; the embedded runtime pointer is set by New.
type BaseUnit struct {
	sf *StackFlow
}

func (b *BaseUnit) attach(sf *StackFlow) { b.sf = sf }

// StackFlow returns the runtime the unit is attached to.
func (b *BaseUnit) StackFlow() *StackFlow { return b.sf }

func (*BaseUnit) Setup(string, string, string) error  { return ErrNotImplemented }
func (*BaseUnit) Pause(string, string, string) error  { return ErrNotImplemented }
func (*BaseUnit) Work(string, string, string) error   { return ErrNotImplemented }
func (*BaseUnit) Link(string, string, string) error   { return ErrNotImplemented }
func (*BaseUnit) Unlink(string, string, string) error { return ErrNotImplemented }
func (*BaseUnit) Exit(string, string, string) error   { return ErrNotImplemented }

func (*BaseUnit) TaskInfo(string, string, string) (string, any, error) {
	return "", nil, ErrNotImplemented
}

type attacher interface {
	attach(sf *StackFlow)
}
