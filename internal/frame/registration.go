package frame

import (
	"encoding/binary"

	"github.com/duskrelay/beacon/internal/errs"
)

// Registration is the plaintext payload carried in the first frame a new
// agent sends, before any session key exists (§6: "First frame from a new
// agent carries (hostname, username, OS version, supported-modules list,
// requested heartbeat interval) in a fixed layout"). The spec names the
// fields but not their wire encoding; this package picks
// length-prefixed (u16) strings and a u16-counted module list, matching
// the length-prefixed convention the rest of the wire format already uses
// (u32 frame length, u16 fragment id) rather than fixed-width fields that
// would need their own truncation policy.
type Registration struct {
	Hostname             string
	Username             string
	OSVersion            string
	SupportedModules     []string
	HeartbeatIntervalSec uint32
}

func putString(out []byte, s string) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...)
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, errs.New(errs.Protocol, "frame.getString", "truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, errs.New(errs.Protocol, "frame.getString", "truncated string")
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeRegistration serializes a Registration payload.
func EncodeRegistration(r Registration) []byte {
	var out []byte
	out = putString(out, r.Hostname)
	out = putString(out, r.Username)
	out = putString(out, r.OSVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(len(r.SupportedModules)))
	for _, m := range r.SupportedModules {
		out = putString(out, m)
	}
	out = binary.BigEndian.AppendUint32(out, r.HeartbeatIntervalSec)
	return out
}

// DecodeRegistration parses a Registration payload produced by
// EncodeRegistration.
func DecodeRegistration(buf []byte) (Registration, error) {
	var r Registration
	var err error

	r.Hostname, buf, err = getString(buf)
	if err != nil {
		return Registration{}, err
	}
	r.Username, buf, err = getString(buf)
	if err != nil {
		return Registration{}, err
	}
	r.OSVersion, buf, err = getString(buf)
	if err != nil {
		return Registration{}, err
	}
	if len(buf) < 2 {
		return Registration{}, errs.New(errs.Protocol, "frame.DecodeRegistration", "truncated module count")
	}
	count := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	r.SupportedModules = make([]string, count)
	for i := 0; i < count; i++ {
		r.SupportedModules[i], buf, err = getString(buf)
		if err != nil {
			return Registration{}, err
		}
	}
	if len(buf) < 4 {
		return Registration{}, errs.New(errs.Protocol, "frame.DecodeRegistration", "truncated heartbeat interval")
	}
	r.HeartbeatIntervalSec = binary.BigEndian.Uint32(buf[:4])
	return r, nil
}

// RegistrationReply is the server's answer to a Registration: the assigned
// AgentID, the negotiated cipher's magic byte, and the raw session key the
// agent should use to build its own AEAD context under that cipher.
type RegistrationReply struct {
	AgentID     [16]byte
	CipherMagic byte
	SessionKey  []byte
}

// EncodeRegistrationReply serializes a RegistrationReply.
func EncodeRegistrationReply(r RegistrationReply) []byte {
	out := make([]byte, 0, 16+1+2+len(r.SessionKey))
	out = append(out, r.AgentID[:]...)
	out = append(out, r.CipherMagic)
	out = binary.BigEndian.AppendUint16(out, uint16(len(r.SessionKey)))
	out = append(out, r.SessionKey...)
	return out
}

// DecodeRegistrationReply parses a RegistrationReply produced by
// EncodeRegistrationReply.
func DecodeRegistrationReply(buf []byte) (RegistrationReply, error) {
	if len(buf) < 16+1+2 {
		return RegistrationReply{}, errs.New(errs.Protocol, "frame.DecodeRegistrationReply", "truncated reply header")
	}
	var r RegistrationReply
	copy(r.AgentID[:], buf[:16])
	r.CipherMagic = buf[16]
	keyLen := int(binary.BigEndian.Uint16(buf[17:19]))
	buf = buf[19:]
	if len(buf) < keyLen {
		return RegistrationReply{}, errs.New(errs.Protocol, "frame.DecodeRegistrationReply", "truncated session key")
	}
	r.SessionKey = append([]byte(nil), buf[:keyLen]...)
	return r, nil
}
