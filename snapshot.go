package dkimsignd

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Snapshot is the point-in-time introspection summary C9c exposes: shape of
// the key store plus cumulative request counters, for an external monitor to
// poll without reaching into the daemon's internals.
type Snapshot struct {
	GeneratedAt          time.Time
	Domains              int
	Selectors            int
	WildcardDeclarations int
	RequestsTotal        int64
	ChooseKeyTotal       int64
	SignTotal            int64
	SignFailuresTotal    int64
}

const snapshotFieldCount = 8

// MarshalMsg appends the MessagePack encoding of the snapshot to b.
func (s *Snapshot) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, snapshotFieldCount)
	o = msgp.AppendString(o, "generated_at")
	o = msgp.AppendTime(o, s.GeneratedAt)
	o = msgp.AppendString(o, "domains")
	o = msgp.AppendInt(o, s.Domains)
	o = msgp.AppendString(o, "selectors")
	o = msgp.AppendInt(o, s.Selectors)
	o = msgp.AppendString(o, "wildcard_declarations")
	o = msgp.AppendInt(o, s.WildcardDeclarations)
	o = msgp.AppendString(o, "requests_total")
	o = msgp.AppendInt64(o, s.RequestsTotal)
	o = msgp.AppendString(o, "choose_key_total")
	o = msgp.AppendInt64(o, s.ChooseKeyTotal)
	o = msgp.AppendString(o, "sign_total")
	o = msgp.AppendInt64(o, s.SignTotal)
	o = msgp.AppendString(o, "sign_failures_total")
	o = msgp.AppendInt64(o, s.SignFailuresTotal)
	return o, nil
}

// UnmarshalMsg decodes a MessagePack-encoded snapshot, for the rare consumer
// (chiefly this package's own tests) that reads the bytes back in Go rather
// than with an external msgpack client.
func (s *Snapshot) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, msgp.WrapError(err)
	}

	for i := uint32(0); i < sz; i++ {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, msgp.WrapError(err)
		}

		switch msgp.UnsafeString(field) {
		case "generated_at":
			s.GeneratedAt, bts, err = msgp.ReadTimeBytes(bts)
		case "domains":
			s.Domains, bts, err = msgp.ReadIntBytes(bts)
		case "selectors":
			s.Selectors, bts, err = msgp.ReadIntBytes(bts)
		case "wildcard_declarations":
			s.WildcardDeclarations, bts, err = msgp.ReadIntBytes(bts)
		case "requests_total":
			s.RequestsTotal, bts, err = msgp.ReadInt64Bytes(bts)
		case "choose_key_total":
			s.ChooseKeyTotal, bts, err = msgp.ReadInt64Bytes(bts)
		case "sign_total":
			s.SignTotal, bts, err = msgp.ReadInt64Bytes(bts)
		case "sign_failures_total":
			s.SignFailuresTotal, bts, err = msgp.ReadInt64Bytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, msgp.WrapError(err)
		}
	}

	return bts, nil
}

// Msgsize returns an upper bound on the encoded size of the snapshot,
// letting callers preallocate the output buffer.
func (s *Snapshot) Msgsize() int {
	return 1 + 8*(msgp.StringPrefixSize+16) + msgp.TimeSize + 3*msgp.IntSize + 4*msgp.Int64Size
}
