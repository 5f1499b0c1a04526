package p2p

import (
	"encoding/binary"
	"fmt"
	"math"
)

// envWriter builds a canonical, deterministic byte encoding of an Envelope:
// fixed-width integers and length-prefixed byte strings in explicit field
// order, never encoding/json (whose object key order is only deterministic
// for structs by accident of Go's own field order, and breaks down the
// moment a map sneaks into a payload).
type envWriter struct{ buf []byte }

func (w *envWriter) byte(b byte) { w.buf = append(w.buf, b) }

func (w *envWriter) bytes(b []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	w.buf = append(w.buf, length[:]...)
	w.buf = append(w.buf, b...)
}

func (w *envWriter) str(s string) { w.bytes([]byte(s)) }

func (w *envWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *envWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *envWriter) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *envWriter) strs(list []string) {
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(list)))
	w.buf = append(w.buf, count[:]...)
	for _, s := range list {
		w.str(s)
	}
}

type envReader struct{ buf []byte }

func (r *envReader) byte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, fmt.Errorf("p2p: truncated envelope: expected a byte")
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *envReader) bytes() ([]byte, error) {
	if len(r.buf) < 4 {
		return nil, fmt.Errorf("p2p: truncated envelope: expected a length prefix")
	}
	n := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	if uint64(len(r.buf)) < uint64(n) {
		return nil, fmt.Errorf("p2p: truncated envelope: field shorter than its length prefix")
	}
	out := append([]byte(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	return out, nil
}

func (r *envReader) str() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *envReader) u64() (uint64, error) {
	if len(r.buf) < 8 {
		return 0, fmt.Errorf("p2p: truncated envelope: expected a uint64")
	}
	v := binary.BigEndian.Uint64(r.buf[:8])
	r.buf = r.buf[8:]
	return v, nil
}

func (r *envReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *envReader) f64() (float64, error) {
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *envReader) strs() ([]string, error) {
	if len(r.buf) < 4 {
		return nil, fmt.Errorf("p2p: truncated envelope: expected a string count")
	}
	n := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// EncodeEnvelope renders payload as a canonical {type_tag, fields...}
// record: one leading EnvelopeKind byte, then payload's fields in the
// explicit order declared below. Two calls with equal payloads always
// produce identical bytes.
func EncodeEnvelope(payload EnvelopePayload) ([]byte, error) {
	w := &envWriter{}
	w.byte(byte(payload.envelopeKind()))

	switch v := payload.(type) {
	case MeshJobAnnouncement:
		w.str(v.JobID)
		w.str(v.Creator)
		w.bytes(v.Spec)
		w.u64(v.CostMana)
		w.u64(v.BudgetMana)
		w.strs(v.RequiredCapabilities)
		w.i64(v.CreatedAtUnixNano)
	case BidSubmission:
		w.str(v.JobID)
		w.str(v.Executor)
		w.u64(v.PriceMana)
		w.strs(v.Capabilities)
		w.f64(v.Availability)
		w.u64(v.LamportTS)
		w.bytes(v.Signature)
	case JobAssignmentNotification:
		w.str(v.JobID)
		w.str(v.Executor)
	case SubmitReceipt:
		w.str(v.JobID)
		w.str(v.Executor)
		w.bytes(v.ResultCID)
		w.i64(v.TimestampUnixNano)
		w.bytes(v.Signature)
	case GossipSubPayload:
		w.str(v.Topic)
		w.bytes(v.Payload)
	default:
		return nil, fmt.Errorf("p2p: encode envelope: unsupported payload type %T", payload)
	}
	return w.buf, nil
}

// DecodeEnvelope parses the output of EncodeEnvelope back into an Envelope
// whose Payload carries the concrete variant selected by the leading
// type_tag byte.
func DecodeEnvelope(data []byte) (Envelope, error) {
	r := &envReader{buf: data}
	tag, err := r.byte()
	if err != nil {
		return Envelope{}, err
	}

	switch EnvelopeKind(tag) {
	case EnvelopeMeshJobAnnouncement:
		var v MeshJobAnnouncement
		if v.JobID, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.Creator, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.Spec, err = r.bytes(); err != nil {
			return Envelope{}, err
		}
		if v.CostMana, err = r.u64(); err != nil {
			return Envelope{}, err
		}
		if v.BudgetMana, err = r.u64(); err != nil {
			return Envelope{}, err
		}
		if v.RequiredCapabilities, err = r.strs(); err != nil {
			return Envelope{}, err
		}
		if v.CreatedAtUnixNano, err = r.i64(); err != nil {
			return Envelope{}, err
		}
		return Envelope{Payload: v}, nil
	case EnvelopeBidSubmission:
		var v BidSubmission
		if v.JobID, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.Executor, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.PriceMana, err = r.u64(); err != nil {
			return Envelope{}, err
		}
		if v.Capabilities, err = r.strs(); err != nil {
			return Envelope{}, err
		}
		if v.Availability, err = r.f64(); err != nil {
			return Envelope{}, err
		}
		if v.LamportTS, err = r.u64(); err != nil {
			return Envelope{}, err
		}
		if v.Signature, err = r.bytes(); err != nil {
			return Envelope{}, err
		}
		return Envelope{Payload: v}, nil
	case EnvelopeJobAssignmentNotification:
		var v JobAssignmentNotification
		if v.JobID, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.Executor, err = r.str(); err != nil {
			return Envelope{}, err
		}
		return Envelope{Payload: v}, nil
	case EnvelopeSubmitReceipt:
		var v SubmitReceipt
		if v.JobID, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.Executor, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.ResultCID, err = r.bytes(); err != nil {
			return Envelope{}, err
		}
		if v.TimestampUnixNano, err = r.i64(); err != nil {
			return Envelope{}, err
		}
		if v.Signature, err = r.bytes(); err != nil {
			return Envelope{}, err
		}
		return Envelope{Payload: v}, nil
	case EnvelopeGossipSub:
		var v GossipSubPayload
		if v.Topic, err = r.str(); err != nil {
			return Envelope{}, err
		}
		if v.Payload, err = r.bytes(); err != nil {
			return Envelope{}, err
		}
		return Envelope{Payload: v}, nil
	default:
		return Envelope{}, fmt.Errorf("p2p: decode envelope: unknown type_tag 0x%x", tag)
	}
}
