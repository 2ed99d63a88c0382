package fragment

import "github.com/duskrelay/beacon/internal/errs"

// MaxFragments is the largest fragment count a single frame can be split
// into — n is a single byte on the wire (§3: "n <= 255").
const MaxFragments = 255

// Split divides msg into fragments no larger than maxPayload bytes each,
// returning the wire-encoded fragments (header + body) ready to send, all
// sharing fragmentID and the given compressed flag. Returns
// errs.BufferTooSmall if msg would need more than MaxFragments pieces.
func Split(msg []byte, fragmentID uint16, maxPayload int, compressed bool) ([][]byte, error) {
	if maxPayload <= 0 {
		return nil, errs.New(errs.InvalidArgument, "fragment.Split", "maxPayload must be positive")
	}
	n := (len(msg) + maxPayload - 1) / maxPayload
	if n == 0 {
		n = 1 // an empty message still produces exactly one (empty) fragment
	}
	if n > MaxFragments {
		return nil, errs.New(errs.BufferTooSmall, "fragment.Split", "message requires more than 255 fragments at this MTU")
	}

	var flags byte
	if compressed {
		flags |= FlagCompressed
	}

	out := make([][]byte, 0, n)
	for idx := 0; idx < n; idx++ {
		start := idx * maxPayload
		end := start + maxPayload
		if end > len(msg) {
			end = len(msg)
		}
		h := Header{
			FragmentID: fragmentID,
			Idx:        uint8(idx),
			N:          uint8(n),
			Flags:      flags,
		}
		out = append(out, Encode(h, msg[start:end]))
	}
	return out, nil
}
