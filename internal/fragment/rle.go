package fragment

import "github.com/duskrelay/beacon/internal/errs"

// RLE compression (§4.2). Wire grammar:
//
//	0x00 length(u8, >=4) value(u8)   -- a run of `length` copies of `value`
//	0x00 0x00                        -- an escaped literal 0x00 byte
//	any other byte                   -- a literal byte, copied through
//
// The encoder only ever emits a run for sequences of four or more identical
// bytes; shorter runs are copied through as literals, with each literal
// 0x00 (including runs of 0x00 shorter than four) escaped. This resolves the ambiguity the spec
// flags in §9 ("a literal 0x00 byte run of < 4 conflicts with the run
// marker"): every literal 0x00 byte is escaped as "00 00", so the decoder
// never has to guess whether a lone 0x00 starts a run or stands for itself.
const (
	rleMarker  byte = 0x00
	minRunLen       = 4
	maxRunLen       = 255
)

// Compress applies the RLE codec to src. The caller (framing's outbound
// pipeline) is responsible for comparing len(result) to len(src) and
// falling back to the uncompressed form when compression did not help.
func Compress(src []byte) []byte {
	out := make([]byte, 0, len(src))
	i := 0
	for i < len(src) {
		b := src[i]
		runLen := 1
		for i+runLen < len(src) && src[i+runLen] == b && runLen < maxRunLen {
			runLen++
		}
		if runLen >= minRunLen {
			out = append(out, rleMarker, byte(runLen), b)
			i += runLen
			continue
		}
		if b == rleMarker {
			// Escape every literal 0x00, one byte at a time, regardless of
			// whether it happens to be part of a short run.
			for j := 0; j < runLen; j++ {
				out = append(out, rleMarker, rleMarker)
			}
			i += runLen
			continue
		}
		out = append(out, b)
		i++
	}
	return out
}

// Decompress reverses Compress. It returns errs.CompressionInvalid on any
// malformed marker sequence (truncated run, run length below the minimum
// the encoder ever produces, or a dangling marker at end of input).
func Decompress(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	i := 0
	for i < len(src) {
		b := src[i]
		if b != rleMarker {
			out = append(out, b)
			i++
			continue
		}
		if i+1 >= len(src) {
			return nil, errs.New(errs.CompressionInvalid, "fragment.Decompress", "dangling marker byte")
		}
		if src[i+1] == rleMarker {
			// Escaped literal 0x00.
			out = append(out, 0x00)
			i += 2
			continue
		}
		if i+2 >= len(src) {
			return nil, errs.New(errs.CompressionInvalid, "fragment.Decompress", "truncated run")
		}
		length := src[i+1]
		value := src[i+2]
		if length < minRunLen {
			return nil, errs.New(errs.CompressionInvalid, "fragment.Decompress", "run length below minimum")
		}
		for k := byte(0); k < length; k++ {
			out = append(out, value)
		}
		i += 3
	}
	return out, nil
}

// CompressIfShorter returns (compressed, true) when RLE actually shrinks
// src, otherwise (src, false) unchanged — the outbound pipeline only sets
// the compressed flag in the former case (§4.2: "the encoder emits a run
// only when length >= 4; if the encoded output is not shorter than the
// input, the frame is sent uncompressed").
func CompressIfShorter(src []byte) ([]byte, bool) {
	compressed := Compress(src)
	if len(compressed) < len(src) {
		return compressed, true
	}
	return src, false
}
