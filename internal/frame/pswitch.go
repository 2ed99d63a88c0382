package frame

import (
	"encoding/binary"

	"github.com/duskrelay/beacon/internal/errs"
)

// ProtocolSwitchMagic is the literal 4-byte magic inside a ProtocolSwitch
// payload (§6), distinct from the frame-level magic byte in the header.
const ProtocolSwitchMagic = "PSWC"

// domainFieldSize is the fixed, zero-padded width of the domain field.
const domainFieldSize = 256

// ProtocolSwitch flag bits (§6).
const (
	PSwitchImmediate byte = 1 << 0
	PSwitchFallback  byte = 1 << 1
	PSwitchTemporary byte = 1 << 2
	PSwitchForced    byte = 1 << 3
)

// ProtocolSwitch is the decoded form of the built-in ProtocolSwitch task
// payload (§6):
//
//	magic("PSWC")[4] proto[1] port[2] domain[256] timeout_ms[4] flags[1]
const protocolSwitchWireSize = 4 + 1 + 2 + domainFieldSize + 4 + 1

type ProtocolSwitch struct {
	Proto     byte // transport kind the agent should switch to
	Port      uint16
	Domain    string // used only when Proto is DNS; empty otherwise
	TimeoutMS uint32
	Flags     byte
}

// EncodeProtocolSwitch serializes ps into its fixed-width wire form.
func EncodeProtocolSwitch(ps ProtocolSwitch) ([]byte, error) {
	if len(ps.Domain) > domainFieldSize {
		return nil, errs.New(errs.InvalidArgument, "frame.EncodeProtocolSwitch", "domain exceeds 256 bytes")
	}
	out := make([]byte, protocolSwitchWireSize)
	copy(out[0:4], ProtocolSwitchMagic)
	out[4] = ps.Proto
	binary.BigEndian.PutUint16(out[5:7], ps.Port)
	copy(out[7:7+domainFieldSize], ps.Domain) // remaining bytes stay zero-padded
	binary.BigEndian.PutUint32(out[7+domainFieldSize:11+domainFieldSize], ps.TimeoutMS)
	out[11+domainFieldSize] = ps.Flags
	return out, nil
}

// DecodeProtocolSwitch parses the fixed-width wire form produced by
// EncodeProtocolSwitch.
func DecodeProtocolSwitch(buf []byte) (ProtocolSwitch, error) {
	if len(buf) != protocolSwitchWireSize {
		return ProtocolSwitch{}, errs.New(errs.Protocol, "frame.DecodeProtocolSwitch", "unexpected payload size")
	}
	if string(buf[0:4]) != ProtocolSwitchMagic {
		return ProtocolSwitch{}, errs.New(errs.Protocol, "frame.DecodeProtocolSwitch", "bad ProtocolSwitch magic")
	}
	domainRaw := buf[7 : 7+domainFieldSize]
	end := len(domainRaw)
	for end > 0 && domainRaw[end-1] == 0 {
		end--
	}
	return ProtocolSwitch{
		Proto:     buf[4],
		Port:      binary.BigEndian.Uint16(buf[5:7]),
		Domain:    string(domainRaw[:end]),
		TimeoutMS: binary.BigEndian.Uint32(buf[7+domainFieldSize : 11+domainFieldSize]),
		Flags:     buf[11+domainFieldSize],
	}, nil
}

func (ps ProtocolSwitch) Immediate() bool { return ps.Flags&PSwitchImmediate != 0 }
func (ps ProtocolSwitch) Fallback() bool  { return ps.Flags&PSwitchFallback != 0 }
func (ps ProtocolSwitch) Temporary() bool { return ps.Flags&PSwitchTemporary != 0 }
func (ps ProtocolSwitch) Forced() bool    { return ps.Flags&PSwitchForced != 0 }
