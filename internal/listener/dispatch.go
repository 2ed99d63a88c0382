package listener

import (
	"github.com/duskrelay/beacon/internal/errs"
	"github.com/duskrelay/beacon/internal/frame"
	"github.com/duskrelay/beacon/internal/ids"
	"github.com/duskrelay/beacon/internal/pipeline"
	"github.com/duskrelay/beacon/internal/session"
	"github.com/duskrelay/beacon/internal/task"
)

// TaskDispatcher implements task.Dispatcher by sealing a task.Kind +
// payload into a wire frame under the target agent's locked-in cipher and
// handing it to that agent's outbound queue (§4.4's "dispatch" sequence:
// look up agent, serialize into a frame with the agent's AEAD context,
// call the owning listener's send). It is the only place task.Engine
// touches anything session- or crypto-shaped.
type TaskDispatcher struct {
	Sessions *session.Registry
}

// Dispatch implements task.Dispatcher.
func (d *TaskDispatcher) Dispatch(agent ids.AgentID, taskID ids.TaskID, kind task.Kind, payload []byte) error {
	a, ok := d.Sessions.Lookup(agent)
	if !ok {
		return errs.New(errs.NotFound, "listener.TaskDispatcher.Dispatch", "agent gone")
	}
	cipher := a.Cipher()
	if cipher == nil {
		return errs.New(errs.Send, "listener.TaskDispatcher.Dispatch", "no cipher installed for agent yet")
	}

	body := frame.EncodeTaskDispatch(frame.TaskDispatch{
		TaskKind: byte(kind),
		TaskID:   taskID.Bytes(),
		Payload:  payload,
	})

	wire, err := pipeline.EncodeStreamLocked(cipher, frame.KindTaskDispatch, agent.Bytes(), body)
	if err != nil {
		return err
	}
	return a.SendOutbound(wire)
}
