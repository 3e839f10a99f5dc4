package limelight

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func videoPacket(seq uint16, frame uint32, flags uint8, shard, dataShards int, data []byte) *rtp.Packet {
	hdr := make([]byte, nvVideoHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(seq)<<8)
	binary.LittleEndian.PutUint32(hdr[4:8], frame)
	hdr[8] = flags | flagContainsPicData
	fec := uint32(dataShards)<<22 | uint32(shard)<<12
	binary.LittleEndian.PutUint32(hdr[12:16], fec)

	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: seq},
		Payload: append(hdr, data...),
	}
}

func frameHeader(lastPayloadLen int, frameType byte) []byte {
	h := make([]byte, frameHeaderSize)
	h[0] = 0x01
	binary.LittleEndian.PutUint16(h[1:3], uint16(lastPayloadLen))
	h[3] = frameType
	return h
}

func collect() (*[]*DecodeUnit, func(*DecodeUnit)) {
	var units []*DecodeUnit
	return &units, func(u *DecodeUnit) { units = append(units, u) }
}

func TestDepacketizerAssemblesFrameInOrder(t *testing.T) {
	units, emit := collect()
	d := newDepacketizer(emit)
	now := time.Now()

	first := append(frameHeader(0, 2), []byte("aaaa")...)
	d.process(videoPacket(1, 10, flagSOF, 0, 3, first), now)
	d.process(videoPacket(2, 10, 0, 1, 3, []byte("bbbb")), now)
	d.process(videoPacket(3, 10, flagEOF, 2, 3, []byte("cc")), now)

	if len(*units) != 1 {
		t.Fatalf("emitted %d units, want 1", len(*units))
	}
	u := (*units)[0]
	if u.FrameNumber != 10 || u.FrameType != FrameTypeIDR {
		t.Errorf("unit = frame %d type %v, want 10 idr", u.FrameNumber, u.FrameType)
	}
	if u.FullLength != 10 {
		t.Errorf("FullLength = %d, want 10", u.FullLength)
	}

	var joined []byte
	for _, f := range u.Fragments {
		joined = append(joined, f.Data...)
	}
	if !bytes.Equal(joined, []byte("aaaabbbbcc")) {
		t.Errorf("payload = %q", joined)
	}
}

func TestDepacketizerTrimsLastPacketPadding(t *testing.T) {
	units, emit := collect()
	d := newDepacketizer(emit)

	// single packet frame: header + "xyz" + padding
	payload := append(frameHeader(frameHeaderSize+3, 1), []byte("xyz\x00\x00\x00")...)
	d.process(videoPacket(1, 1, flagSOF|flagEOF, 0, 1, payload), time.Now())

	if len(*units) != 1 {
		t.Fatalf("emitted %d units, want 1", len(*units))
	}
	if got := (*units)[0].Fragments[0].Data; string(got) != "xyz" {
		t.Errorf("payload = %q, want xyz", got)
	}
	if (*units)[0].FrameType != FrameTypePFrame {
		t.Errorf("frame type = %v, want p", (*units)[0].FrameType)
	}
}

func TestDepacketizerDropsIncompleteFrame(t *testing.T) {
	units, emit := collect()
	d := newDepacketizer(emit)
	now := time.Now()

	d.process(videoPacket(1, 5, flagSOF, 0, 3, frameHeader(0, 1)), now)
	// shard 1 lost
	d.process(videoPacket(3, 5, flagEOF, 2, 3, []byte("zz")), now)
	d.process(videoPacket(4, 6, flagSOF|flagEOF, 0, 1, []byte("ok")), now)

	if len(*units) != 1 || (*units)[0].FrameNumber != 6 {
		t.Fatalf("units = %+v, want only frame 6", *units)
	}
	if got := d.droppedFrames.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestDepacketizerIgnoresStaleAndParity(t *testing.T) {
	units, emit := collect()
	d := newDepacketizer(emit)
	now := time.Now()

	d.process(videoPacket(1, 8, flagSOF|flagEOF, 0, 1, []byte("new")), now)
	d.process(videoPacket(2, 7, flagSOF|flagEOF, 0, 1, []byte("old")), now)
	d.process(videoPacket(3, 9, flagSOF, 0, 1, []byte("p")), now)
	d.process(videoPacket(4, 9, flagEOF, 1, 1, []byte("parity")), now)

	if len(*units) != 1 || (*units)[0].FrameNumber != 8 {
		t.Fatalf("units = %+v, want only frame 8", *units)
	}
}

func TestDepacketizerCopiesPayload(t *testing.T) {
	units, emit := collect()
	d := newDepacketizer(emit)

	pkt := videoPacket(1, 1, flagSOF|flagEOF, 0, 1, []byte("abc"))
	d.process(pkt, time.Now())
	for i := range pkt.Payload {
		pkt.Payload[i] = 0
	}

	if got := (*units)[0].Fragments[0].Data; string(got) != "abc" {
		t.Errorf("fragment aliases receive buffer: %q", got)
	}
}
