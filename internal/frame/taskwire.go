package frame

import (
	"encoding/binary"

	"github.com/duskrelay/beacon/internal/errs"
)

// TaskDispatch is the plaintext payload of a KindTaskDispatch frame: which
// task kind to run, the task's ID (so the agent's result frame can carry
// it back), and the opaque payload bytes the task engine never interprets
// (§4.4: "opaque payload bytes").
type TaskDispatch struct {
	TaskKind byte
	TaskID   [16]byte
	Payload  []byte
}

// EncodeTaskDispatch serializes a TaskDispatch payload.
func EncodeTaskDispatch(t TaskDispatch) []byte {
	out := make([]byte, 0, 1+16+len(t.Payload))
	out = append(out, t.TaskKind)
	out = append(out, t.TaskID[:]...)
	out = append(out, t.Payload...)
	return out
}

// DecodeTaskDispatch parses a TaskDispatch payload.
func DecodeTaskDispatch(buf []byte) (TaskDispatch, error) {
	if len(buf) < 1+16 {
		return TaskDispatch{}, errs.New(errs.Protocol, "frame.DecodeTaskDispatch", "truncated task dispatch")
	}
	var t TaskDispatch
	t.TaskKind = buf[0]
	copy(t.TaskID[:], buf[1:17])
	t.Payload = append([]byte(nil), buf[17:]...)
	return t, nil
}

// TaskResult is the plaintext payload of a KindTaskResult frame: the
// TaskID it answers (§4.4: "result intake... payload carries TaskID"),
// whether the task succeeded, and either the result bytes or an error
// string.
type TaskResult struct {
	TaskID  [16]byte
	Success bool
	Result  []byte
	Error   string
}

// EncodeTaskResult serializes a TaskResult payload.
func EncodeTaskResult(r TaskResult) []byte {
	out := make([]byte, 0, 16+1+4+len(r.Result)+len(r.Error))
	out = append(out, r.TaskID[:]...)
	if r.Success {
		out = append(out, 1)
		out = binary.BigEndian.AppendUint32(out, uint32(len(r.Result)))
		out = append(out, r.Result...)
	} else {
		out = append(out, 0)
		out = binary.BigEndian.AppendUint32(out, uint32(len(r.Error)))
		out = append(out, r.Error...)
	}
	return out
}

// DecodeTaskResult parses a TaskResult payload.
func DecodeTaskResult(buf []byte) (TaskResult, error) {
	if len(buf) < 16+1+4 {
		return TaskResult{}, errs.New(errs.Protocol, "frame.DecodeTaskResult", "truncated task result")
	}
	var r TaskResult
	copy(r.TaskID[:], buf[:16])
	r.Success = buf[16] != 0
	n := int(binary.BigEndian.Uint32(buf[17:21]))
	rest := buf[21:]
	if len(rest) < n {
		return TaskResult{}, errs.New(errs.Protocol, "frame.DecodeTaskResult", "truncated task result body")
	}
	if r.Success {
		r.Result = append([]byte(nil), rest[:n]...)
	} else {
		r.Error = string(rest[:n])
	}
	return r, nil
}
