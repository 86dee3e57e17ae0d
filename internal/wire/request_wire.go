package wire

import (
	"time"
)

// RequestWire is the client-to-server message wire of one session. The
// client is the single producer (whole framed messages), the worker the
// single consumer.
type RequestWire struct {
	ring *Ring

	// consumer-side scratch for a payload that straddles the wrap point;
	// reused across messages to keep the read path allocation-free once warm
	scratch []byte
}

// NewRequestWire wraps a ring as a request wire
func NewRequestWire(ring *Ring) *RequestWire {
	return &RequestWire{ring: ring}
}

// Capacity returns the wire capacity
func (w *RequestWire) Capacity() uint64 { return w.ring.Capacity() }

// Close closes the wire, releasing parked peers
func (w *RequestWire) Close() { w.ring.SetClosed() }

// Write frames and sends one whole message. The header becomes visible to
// the consumer only after the payload bytes are in place. Producer side.
func (w *RequestWire) Write(idx uint16, payload []byte, deadline time.Time) error {
	length := uint64(len(payload))
	if length > w.ring.Capacity()-MessageHeaderSize {
		return ErrTooLarge
	}
	total := MessageHeaderSize + length
	if err := w.ring.WaitToWrite(total, deadline); err != nil {
		return err
	}

	pushed := w.ring.pushed()
	w.ring.writeInBuffer(pushed+MessageHeaderSize, payload)

	var hdr [MessageHeaderSize]byte
	MessageHeader{Idx: idx, Length: uint16(length)}.put(hdr[:])
	w.ring.writeInBuffer(pushed, hdr[:])

	w.ring.addPushed(total)
	w.ring.commitPushedValid()
	w.ring.NotifyReader()
	return nil
}

// Terminate sends the zero-length session-end sentinel. Producer side.
func (w *RequestWire) Terminate(deadline time.Time) error {
	return w.Write(TerminateRequest, nil, deadline)
}

// Peek waits for a complete header and returns it without consuming the
// message. Consumer side. A header whose length cannot fit the ring is
// fatal and reports ErrCorrupt.
func (w *RequestWire) Peek(deadline time.Time) (MessageHeader, error) {
	if err := w.ring.WaitForData(MessageHeaderSize, deadline); err != nil {
		return MessageHeader{}, err
	}
	var buf [MessageHeaderSize]byte
	w.ring.peekBytes(buf[:], 0)
	hdr := decodeMessageHeader(buf[:])
	if uint64(hdr.Length) > w.ring.Capacity()-MessageHeaderSize {
		return MessageHeader{}, ErrCorrupt
	}
	// whole messages are flushed in one commit, so the payload is already valid
	return hdr, nil
}

// ReadPoint returns the consume position identifying the current message
func (w *RequestWire) ReadPoint() uint64 {
	return w.ring.poped()
}

// Payload returns the current message's payload as a contiguous slice. A
// payload that straddles the wrap point is reassembled into an owned
// scratch buffer valid until Dispose.
func (w *RequestWire) Payload(hdr MessageHeader) []byte {
	length := uint64(hdr.Length)
	if length == 0 {
		return nil
	}
	if view, ok := w.ring.view(w.ring.poped()+MessageHeaderSize, length); ok {
		return view
	}
	if uint64(cap(w.scratch)) < length {
		w.scratch = make([]byte, length)
	}
	w.scratch = w.scratch[:length]
	w.ring.readFromBuffer(w.scratch, w.ring.poped()+MessageHeaderSize)
	return w.scratch
}

// Dispose consumes the message at readPoint and wakes a parked producer.
// Messages must be disposed in arrival order.
func (w *RequestWire) Dispose(hdr MessageHeader, readPoint uint64) error {
	if w.ring.poped() != readPoint {
		return ErrProtocol
	}
	w.ring.addPoped(MessageHeaderSize + uint64(hdr.Length))
	w.ring.NotifyWriter()
	return nil
}
