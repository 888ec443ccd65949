// Package proto encodes the messages exchanged by replication sessions.
// Every message starts with a type byte; per-object records are length
// prefixed so a receiver can skip an object it cannot apply.
package proto

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/trace"
	"github.com/amerkoleci/rbfx/internal/wire"
)

// MaxDatagramSize bounds a single unreliable message.
const MaxDatagramSize = 1200

// ErrUnknownMessage reports an unrecognised type byte.
var ErrUnknownMessage = errors.New("proto: unknown message type")

// MessageType tags a message on the wire.
type MessageType uint8

const (
	TypeHello MessageType = iota + 1
	TypeReliableFrame
	TypeUnreliableFrame
	TypeFeedback
	TypeResyncRequest
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeReliableFrame:
		return "reliable"
	case TypeUnreliableFrame:
		return "unreliable"
	case TypeFeedback:
		return "feedback"
	case TypeResyncRequest:
		return "resync"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// RecordType tags a record of a reliable frame.
type RecordType uint8

const (
	RecordSnapshot RecordType = iota + 1
	RecordDelta
	RecordRemove
	// RecordReset tells the client to drop every object before the
	// snapshots that follow.
	RecordReset
)

// Message is implemented by every message type.
type Message interface {
	Type() MessageType
	encode(w *wire.Writer)
}

// Hello is the first reliable message from the server.
type Hello struct {
	Peer     replica.PeerID
	Session  uuid.UUID
	TickRate uint32
	Frame    trace.Frame
}

// Record is one object entry of a reliable frame.
type Record struct {
	Type     RecordType
	ObjectID replica.ObjectID
	// Kind and Owned are only carried by snapshots.
	Kind    replica.Kind
	Owned   bool
	Payload []byte
}

// ReliableFrame carries snapshots, deltas and removals produced in one
// server frame. It is applied atomically by the client.
type ReliableFrame struct {
	Frame   trace.Frame
	Records []Record
}

// ObjectPayload is one object entry of an unreliable message.
type ObjectPayload struct {
	ObjectID replica.ObjectID
	Payload  []byte
}

// UnreliableFrame carries server unreliable deltas for one frame.
type UnreliableFrame struct {
	Frame   trace.Frame
	Records []ObjectPayload
}

// Feedback carries client feedback for owned objects.
type Feedback struct {
	Frame   trace.Frame
	Records []ObjectPayload
}

// ResyncRequest asks the server to reset and re-snapshot everything.
type ResyncRequest struct {
	Frame  trace.Frame
	Reason string
}

func (*Hello) Type() MessageType           { return TypeHello }
func (*ReliableFrame) Type() MessageType   { return TypeReliableFrame }
func (*UnreliableFrame) Type() MessageType { return TypeUnreliableFrame }
func (*Feedback) Type() MessageType        { return TypeFeedback }
func (*ResyncRequest) Type() MessageType   { return TypeResyncRequest }

// Encode serialises msg including its type byte.
func Encode(msg Message) []byte {
	w := wire.NewWriter(64)
	w.WriteUint8(uint8(msg.Type()))
	msg.encode(w)
	return w.Bytes()
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	r := wire.NewReader(data)
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	var msg interface {
		Message
		decode(r *wire.Reader) error
	}
	switch MessageType(tag) {
	case TypeHello:
		msg = &Hello{}
	case TypeReliableFrame:
		msg = &ReliableFrame{}
	case TypeUnreliableFrame:
		msg = &UnreliableFrame{}
	case TypeFeedback:
		msg = &Feedback{}
	case TypeResyncRequest:
		msg = &ResyncRequest{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, tag)
	}
	if err := msg.decode(r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MessageType(tag), err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("decode %s: %w: %d trailing bytes", MessageType(tag), wire.ErrMalformed, r.Remaining())
	}
	return msg, nil
}

func (m *Hello) encode(w *wire.Writer) {
	w.WriteUvarint(uint64(m.Peer))
	w.WriteRaw(m.Session[:])
	w.WriteUvarint(uint64(m.TickRate))
	w.WriteUvarint(uint64(m.Frame))
}

func (m *Hello) decode(r *wire.Reader) error {
	peer, err := r.ReadUint32()
	if err != nil {
		return err
	}
	for i := range m.Session {
		if m.Session[i], err = r.ReadUint8(); err != nil {
			return err
		}
	}
	rate, err := r.ReadUint32()
	if err != nil {
		return err
	}
	frame, err := r.ReadUint32()
	if err != nil {
		return err
	}
	m.Peer, m.TickRate, m.Frame = replica.PeerID(peer), rate, trace.Frame(frame)
	return nil
}

func (m *ReliableFrame) encode(w *wire.Writer) {
	w.WriteUvarint(uint64(m.Frame))
	w.WriteUvarint(uint64(len(m.Records)))
	for _, rec := range m.Records {
		w.WriteUint8(uint8(rec.Type))
		w.WriteUvarint(uint64(rec.ObjectID))
		if rec.Type == RecordSnapshot {
			w.WriteUint8(uint8(rec.Kind))
			w.WriteBool(rec.Owned)
		}
		w.WriteBytes(rec.Payload)
	}
}

func (m *ReliableFrame) decode(r *wire.Reader) error {
	frame, count, err := readHeader(r)
	if err != nil {
		return err
	}
	m.Frame = frame
	m.Records = make([]Record, 0, count)
	for i := 0; i < count; i++ {
		var rec Record
		tag, err := r.ReadUint8()
		if err != nil {
			return err
		}
		rec.Type = RecordType(tag)
		if rec.Type < RecordSnapshot || rec.Type > RecordReset {
			return fmt.Errorf("%w: record type %d", wire.ErrMalformed, tag)
		}
		id, err := r.ReadUint32()
		if err != nil {
			return err
		}
		rec.ObjectID = replica.ObjectID(id)
		if rec.Type == RecordSnapshot {
			kind, err := r.ReadUint8()
			if err != nil {
				return err
			}
			if rec.Owned, err = r.ReadBool(); err != nil {
				return err
			}
			rec.Kind = replica.Kind(kind)
		}
		if rec.Payload, err = r.ReadBytes(); err != nil {
			return err
		}
		m.Records = append(m.Records, rec)
	}
	return nil
}

func encodePayloads(w *wire.Writer, frame trace.Frame, records []ObjectPayload) {
	w.WriteUvarint(uint64(frame))
	w.WriteUvarint(uint64(len(records)))
	for _, rec := range records {
		w.WriteUvarint(uint64(rec.ObjectID))
		w.WriteBytes(rec.Payload)
	}
}

func decodePayloads(r *wire.Reader) (trace.Frame, []ObjectPayload, error) {
	frame, count, err := readHeader(r)
	if err != nil {
		return 0, nil, err
	}
	records := make([]ObjectPayload, 0, count)
	for i := 0; i < count; i++ {
		id, err := r.ReadUint32()
		if err != nil {
			return 0, nil, err
		}
		payload, err := r.ReadBytes()
		if err != nil {
			return 0, nil, err
		}
		records = append(records, ObjectPayload{ObjectID: replica.ObjectID(id), Payload: payload})
	}
	return frame, records, nil
}

func readHeader(r *wire.Reader) (trace.Frame, int, error) {
	frame, err := r.ReadUint32()
	if err != nil {
		return 0, 0, err
	}
	count, err := r.ReadUvarint()
	if err != nil {
		return 0, 0, err
	}
	// Each record takes at least one byte.
	if count > uint64(r.Remaining()) {
		return 0, 0, fmt.Errorf("%w: %d records in %d bytes", wire.ErrMalformed, count, r.Remaining())
	}
	return trace.Frame(frame), int(count), nil
}

func (m *UnreliableFrame) encode(w *wire.Writer) { encodePayloads(w, m.Frame, m.Records) }

func (m *UnreliableFrame) decode(r *wire.Reader) (err error) {
	m.Frame, m.Records, err = decodePayloads(r)
	return err
}

func (m *Feedback) encode(w *wire.Writer) { encodePayloads(w, m.Frame, m.Records) }

func (m *Feedback) decode(r *wire.Reader) (err error) {
	m.Frame, m.Records, err = decodePayloads(r)
	return err
}

func (m *ResyncRequest) encode(w *wire.Writer) {
	w.WriteUvarint(uint64(m.Frame))
	w.WriteString(m.Reason)
}

func (m *ResyncRequest) decode(r *wire.Reader) error {
	frame, err := r.ReadUint32()
	if err != nil {
		return err
	}
	reason, err := r.ReadString()
	if err != nil {
		return err
	}
	m.Frame, m.Reason = trace.Frame(frame), reason
	return nil
}
