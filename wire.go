package instill

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire encoding of the protocol messages and durable records. Everything
// that crosses an RPC or hits a store is protowire-framed so that stores
// and peers built at different versions can skip unknown fields.

type wireMessage interface {
	appendTo(b []byte) []byte
	unmarshal(b []byte) error
}

func marshalWire(m wireMessage) []byte {
	return m.appendTo(nil)
}

func skipField(b []byte, num protowire.Number, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeUint64(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func (id *LogId) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, id.Term)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, id.Index)
	return b
}

func (id *LogId) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			id.Term = v
			b = b[n:]
		case 2:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			id.Index = v
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (e *LogEntry) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Term)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Index)
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	return b
}

func (e *LogEntry) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			e.Term = v
			b = b[n:]
		case 2:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			e.Index = v
			b = b[n:]
		case 3:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			e.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (s *HardState) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Term)
	if s.VotedFor != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s.VotedFor)
	}
	return b
}

func (s *HardState) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			s.Term = v
			b = b[n:]
		case 2:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			s.VotedFor = string(v)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *Membership) appendTo(b []byte) []byte {
	for _, v := range m.Voters {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	for _, l := range m.Learners {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, l)
	}
	return b
}

func (m *Membership) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			m.Voters = append(m.Voters, string(v))
			b = b[n:]
		case 2:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			m.Learners = append(m.Learners, string(v))
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (m *SnapshotMeta) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.SnapshotId)
	if m.LastLogId != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.LastLogId.appendTo(nil))
	}
	return b
}

func (m *SnapshotMeta) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			m.SnapshotId = string(v)
			b = b[n:]
		case 2:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			var id LogId
			if err := id.unmarshal(v); err != nil {
				return err
			}
			m.LastLogId = &id
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

func (r *InstallSnapshotRequest) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Term)
	if r.LeaderId != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.LeaderId)
	}
	if r.Meta != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Meta.appendTo(nil))
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Offset)
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(r.Done))
	return b
}

func (r *InstallSnapshotRequest) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			r.Term = v
			b = b[n:]
		case 2:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			r.LeaderId = string(v)
			b = b[n:]
		case 3:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			var meta SnapshotMeta
			if err := meta.unmarshal(v); err != nil {
				return err
			}
			r.Meta = &meta
			b = b[n:]
		case 4:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			r.Offset = v
			b = b[n:]
		case 5:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			r.Data = append([]byte(nil), v...)
			b = b[n:]
		case 6:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			r.Done = v != 0
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	if r.Meta == nil {
		return fmt.Errorf("install snapshot request without metadata")
	}
	return nil
}

func (r *InstallSnapshotResponse) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Term)
	if r.LastApplied != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.LastApplied.appendTo(nil))
	}
	return b
}

func (r *InstallSnapshotResponse) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeUint64(b)
			if err != nil {
				return err
			}
			r.Term = v
			b = b[n:]
		case 2:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			var id LogId
			if err := id.unmarshal(v); err != nil {
				return err
			}
			r.LastApplied = &id
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// snapshotPayload is the on-the-wire and on-disk shape of snapshot data: a
// state machine image prefixed with the membership it was taken under.
type snapshotPayload struct {
	Membership *Membership
	Data       []byte
}

func (p *snapshotPayload) appendTo(b []byte) []byte {
	if p.Membership != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Membership.appendTo(nil))
	}
	if len(p.Data) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Data)
	}
	return b
}

func (p *snapshotPayload) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			var m Membership
			if err := m.unmarshal(v); err != nil {
				return err
			}
			p.Membership = &m
			b = b[n:]
		case 2:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			p.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// EncodeSnapshotPayload frames a state machine image together with the
// membership it was taken under, for transfer as snapshot data.
func EncodeSnapshotPayload(membership *Membership, data []byte) []byte {
	p := snapshotPayload{Membership: membership, Data: data}
	return p.appendTo(nil)
}

// DecodeSnapshotPayload is the inverse of EncodeSnapshotPayload.
func DecodeSnapshotPayload(b []byte) (*Membership, []byte, error) {
	var p snapshotPayload
	if err := p.unmarshal(b); err != nil {
		return nil, nil, err
	}
	return p.Membership, p.Data, nil
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
