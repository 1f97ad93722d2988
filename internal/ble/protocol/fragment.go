package protocol

import "fmt"

// FragmentPrefixSize is the little-endian "remaining total length" written at
// the start of every fragment except the last.
const FragmentPrefixSize = 2

// Chunk is one packet payload produced by Split.
type Chunk struct {
	Data     []byte // includes the length prefix when Fragment is true
	Fragment bool
}

// Split slices data into packet payloads of at most limit bytes each. Every
// chunk but the last carries a 2-byte prefix holding the number of bytes still
// to be sent, counted from the start of that chunk's data. Empty data yields a
// single empty chunk.
func Split(data []byte, limit int) ([]Chunk, error) {
	if limit <= FragmentPrefixSize {
		return nil, fmt.Errorf("protocol: packet data limit %d too small", limit)
	}
	if limit > MaxPayload {
		limit = MaxPayload
	}

	var chunks []Chunk
	for len(data) > limit {
		n := limit - FragmentPrefixSize
		remaining := len(data)
		if remaining > 0xffff {
			return nil, fmt.Errorf("protocol: payload of %d bytes exceeds fragment length prefix", remaining)
		}
		buf := make([]byte, FragmentPrefixSize+n)
		buf[0] = byte(remaining)
		buf[1] = byte(remaining >> 8)
		copy(buf[FragmentPrefixSize:], data[:n])
		chunks = append(chunks, Chunk{Data: buf, Fragment: true})
		data = data[n:]
	}

	last := make([]byte, len(data))
	copy(last, data)
	return append(chunks, Chunk{Data: last}), nil
}

// Message is a reassembled logical message.
type Message struct {
	Class   Class
	Subtype uint8
	Data    []byte
}

// Reassembler turns a stream of notifications into logical messages. It checks
// the receive sequence, decodes each packet and accumulates fragments. It holds
// at most one message in progress and is owned by a single goroutine.
type Reassembler struct {
	expected uint8
	pending  bool
	typ      Type
	buf      []byte
}

// NewReassembler creates a reassembler expecting sequence 0 first.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed processes one raw notification. It returns the completed message, or
// nil while more fragments are needed. Any error discards the message in
// progress; a sequence error resynchronises on the received sequence.
func (r *Reassembler) Feed(raw []byte, c Cipher) (*Message, error) {
	if len(raw) < HeaderSize {
		r.Reset()
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(raw))
	}

	seq := raw[2]
	if seq != r.expected {
		want := r.expected
		r.expected = seq + 1
		r.Reset()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSequence, seq, want)
	}
	r.expected++

	pkt, err := Decode(raw, c)
	if err != nil {
		r.Reset()
		return nil, err
	}

	if r.pending && pkt.Type != r.typ {
		r.Reset()
		return nil, fmt.Errorf("%w: type %s interrupts fragmented %s", ErrInvalidPacket, pkt.Type, r.typ)
	}

	data := pkt.Payload
	if pkt.FrameControl.Has(FlagFragment) {
		if len(data) < FragmentPrefixSize {
			r.Reset()
			return nil, fmt.Errorf("%w: fragment without length prefix", ErrInvalidPacket)
		}
		r.pending = true
		r.typ = pkt.Type
		r.buf = append(r.buf, data[FragmentPrefixSize:]...)
		return nil, nil
	}

	full := append(r.buf, data...)
	msg := &Message{
		Class:   pkt.Type.Class(),
		Subtype: pkt.Type.Subtype(),
		Data:    full,
	}
	r.buf = nil
	r.pending = false
	return msg, nil
}

// Pending reports whether a fragmented message is in progress.
func (r *Reassembler) Pending() bool { return r.pending }

// Reset drops any partially reassembled message. The sequence state is kept.
func (r *Reassembler) Reset() {
	r.pending = false
	r.typ = 0
	r.buf = nil
}
