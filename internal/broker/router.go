package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ChuLiYu/stackflow/internal/worker"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

// routing header of a client request. Pointers tell a missing field from an
// empty one.
type header struct {
	RequestID *string `json:"request_id"`
	WorkID    *string `json:"work_id"`
	Action    *string `json:"action"`
}

// Dispatch routes one framed client message from line comID.
//
//   - invalid JSON, or a missing request_id/work_id/action: -2
//   - action "inference": published on the task's inference port with
//     zmq_com set to the line's URL (-4 when that fails)
//   - work id unit "sys": the sys.<action> table (-3 when unknown)
//   - anything else: forwarded to the unit over RPC (-9 when that fails)
//
// Dispatch is safe for concurrent use by several lines.
func (b *Broker) Dispatch(comID int, msg []byte) {
	var h header
	if err := json.Unmarshal(msg, &h); err != nil || h.RequestID == nil || h.WorkID == nil || h.Action == nil {
		log.Warn("json format error", "com", comID, "msg", truncate(msg))
		b.metrics.RecordRequest("invalid")
		b.replyError(comID, "0", types.SysUnit, types.ErrJSONFormat)
		return
	}
	requestID, workID, action := *h.RequestID, *h.WorkID, *h.Action
	if workID == "" {
		workID = types.SysUnit
	}
	unit := types.UnitOf(workID)

	switch {
	case action == "inference":
		b.metrics.RecordRequest("inference")
		if err := b.pushInference(comID, workID, msg); err != nil {
			log.Warn("inference push failed", "work_id", workID, "error", err)
			b.replyError(comID, requestID, workID, types.ErrInferencePush)
		}

	case unit == types.SysUnit:
		b.metrics.RecordRequest("sys")
		b.runSys(comID, action, msg)

	default:
		b.metrics.RecordRequest("unit")
		if unit == "" {
			return
		}
		if err := b.callUnit(comID, unit, action, msg); err != nil {
			log.Warn("unit call failed", "unit", unit, "action", action, "error", err)
			b.replyError(comID, requestID, workID, types.ErrUnitCall)
		}
	}
}

// pushInference adds zmq_com to the request and publishes it on the task's
// inference port.
func (b *Broker) pushInference(comID int, workID string, msg []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return err
	}
	com, err := json.Marshal(b.ComURL(comID))
	if err != nil {
		return err
	}
	fields["zmq_com"] = com
	out, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return b.reg.Publish(workID, out)
}

// callUnit hands the raw request to the unit together with the line's URL.
func (b *Broker) callUnit(comID int, unit, action string, msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.UnitCallTimeout)
	defer cancel()
	start := time.Now()
	_, err := b.caller.Call(ctx, unit, action, b.ComURL(comID), string(msg))
	b.metrics.ObserveRPC(time.Since(start))
	return err
}

// runSys executes a sys.* action inline or on the worker pool.
func (b *Broker) runSys(comID int, name string, msg []byte) {
	var req types.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		b.replyError(comID, "0", types.SysUnit, types.ErrJSONFormat)
		return
	}
	if req.WorkID == "" {
		req.WorkID = types.SysUnit
	}
	c := &call{b: b, comID: comID, req: req}

	act, ok := b.actions["sys."+name]
	if !ok {
		c.status(types.ErrActionMatch)
		return
	}
	if !act.slow {
		if err := act.fn(context.Background(), c); err != nil {
			c.status(types.AsErrorBody(err, types.CodeReset))
		}
		return
	}

	err := b.pool.Submit(worker.Task{
		ID:      req.RequestID,
		Payload: c,
		Timeout: b.cfg.TaskTimeout,
		Run: func(ctx context.Context) (any, error) {
			return nil, act.fn(ctx, c)
		},
	})
	if err != nil {
		log.Warn("sys action rejected", "action", name, "error", err)
		c.status(types.ErrNotAvailable)
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
