package proto

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/amerkoleci/rbfx/internal/trace"
)

// messageOverhead is the type byte plus the largest frame and count varints.
const messageOverhead = 1 + 5 + 5

// SplitUnreliable packs records into as few UnreliableFrame datagrams as fit
// within maxSize bytes each. A record that does not fit on its own is sent
// alone in an oversized datagram.
func SplitUnreliable(frame trace.Frame, records []ObjectPayload, maxSize int) [][]byte {
	return split(records, maxSize, func(batch []ObjectPayload) Message {
		return &UnreliableFrame{Frame: frame, Records: batch}
	})
}

// SplitFeedback is SplitUnreliable for client feedback.
func SplitFeedback(frame trace.Frame, records []ObjectPayload, maxSize int) [][]byte {
	return split(records, maxSize, func(batch []ObjectPayload) Message {
		return &Feedback{Frame: frame, Records: batch}
	})
}

func split(records []ObjectPayload, maxSize int, build func([]ObjectPayload) Message) [][]byte {
	if len(records) == 0 {
		return nil
	}
	var out [][]byte
	start, size := 0, messageOverhead
	for i, rec := range records {
		n := recordSize(rec)
		if i > start && size+n > maxSize {
			out = append(out, Encode(build(records[start:i])))
			start, size = i, messageOverhead
		}
		size += n
	}
	return append(out, Encode(build(records[start:])))
}

func recordSize(rec ObjectPayload) int {
	return protowire.SizeVarint(uint64(rec.ObjectID)) + protowire.SizeBytes(len(rec.Payload))
}
