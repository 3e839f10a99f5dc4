package limelight

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const (
	videoRecvTimeout    = 100 * time.Millisecond
	firstFrameTimeout   = 10 * time.Second
	videoPingInterval   = 500 * time.Millisecond
	videoRecvBufPackets = 2048

	nvVideoHeaderSize = 16
	frameHeaderSize   = 8
	maxRTPHeaderSize  = 16

	flagContainsPicData = 0x1
	flagEOF             = 0x2
	flagSOF             = 0x4
)

var (
	ErrNoVideoTraffic = errors.New("no video received from host")
	ErrNoVideoFrame   = errors.New("no complete video frame received from host")
)

// nvVideoHeader is the per-packet header following the RTP header.
type nvVideoHeader struct {
	StreamPacketIndex uint32
	FrameIndex        uint32
	Flags             uint8
	MultiFecFlags     uint8
	MultiFecBlocks    uint8
	FecInfo           uint32
}

func parseNVVideoHeader(b []byte) (nvVideoHeader, bool) {
	if len(b) < nvVideoHeaderSize {
		return nvVideoHeader{}, false
	}
	return nvVideoHeader{
		StreamPacketIndex: binary.LittleEndian.Uint32(b[0:4]),
		FrameIndex:        binary.LittleEndian.Uint32(b[4:8]),
		Flags:             b[8],
		MultiFecFlags:     b[10],
		MultiFecBlocks:    b[11],
		FecInfo:           binary.LittleEndian.Uint32(b[12:16]),
	}, true
}

func (h nvVideoHeader) shardIndex() int { return int((h.FecInfo & 0x3FF000) >> 12) }
func (h nvVideoHeader) dataShards() int { return int((h.FecInfo & 0xFFC00000) >> 22) }

type frameAssembly struct {
	frameIndex     uint32
	frameType      FrameType
	fragments      []Fragment
	size           int
	nextShard      int
	lastPayloadLen int
	start          time.Time
}

// depacketizer rebuilds frames from video packets. Frames are emitted
// strictly in frame-index order; incomplete or stale frames are dropped.
type depacketizer struct {
	current       *frameAssembly
	lastCompleted uint32
	haveCompleted bool
	emit          func(*DecodeUnit)

	droppedFrames atomic.Uint64
	totalFrames   atomic.Uint64
}

func newDepacketizer(emit func(*DecodeUnit)) *depacketizer {
	return &depacketizer{emit: emit}
}

// process consumes one RTP packet. The payload is copied, so the caller may
// reuse its receive buffer.
func (d *depacketizer) process(pkt *rtp.Packet, now time.Time) {
	hdr, ok := parseNVVideoHeader(pkt.Payload)
	if !ok {
		return
	}

	// Parity shards are only useful for recovery
	if shards := hdr.dataShards(); shards > 0 && hdr.shardIndex() >= shards {
		return
	}

	if d.haveCompleted && int32(hdr.FrameIndex-d.lastCompleted) <= 0 {
		return
	}

	if d.current != nil && d.current.frameIndex != hdr.FrameIndex {
		d.dropCurrent()
	}

	sof := hdr.Flags&flagSOF != 0
	eof := hdr.Flags&flagEOF != 0

	if d.current == nil {
		if !sof {
			return
		}
		d.current = &frameAssembly{
			frameIndex: hdr.FrameIndex,
			frameType:  FrameTypePFrame,
			start:      now,
		}
	}
	fa := d.current

	if hdr.dataShards() > 0 {
		if hdr.shardIndex() != fa.nextShard {
			d.dropCurrent()
			return
		}
		fa.nextShard++
	}

	data := pkt.Payload[nvVideoHeaderSize:]
	headered := false
	if sof && len(data) >= frameHeaderSize && data[0] == 0x01 {
		headered = true
		fa.lastPayloadLen = int(binary.LittleEndian.Uint16(data[1:3]))
		if data[3] == 2 {
			fa.frameType = FrameTypeIDR
		}
	}
	if eof && fa.lastPayloadLen > 0 && fa.lastPayloadLen <= len(data) {
		data = data[:fa.lastPayloadLen]
	}
	if headered {
		data = data[frameHeaderSize:]
	}

	if len(data) > 0 {
		fa.fragments = append(fa.fragments, Fragment{Data: append([]byte(nil), data...)})
		fa.size += len(data)
	}

	if !eof {
		return
	}

	d.current = nil
	d.lastCompleted = fa.frameIndex
	d.haveCompleted = true
	d.totalFrames.Add(1)

	d.emit(&DecodeUnit{
		FrameNumber: fa.frameIndex,
		FrameType:   fa.frameType,
		FullLength:  fa.size,
		Fragments:   fa.fragments,
		ReceiveTime: fa.start,
	})
}

func (d *depacketizer) dropCurrent() {
	if d.current == nil {
		return
	}
	d.current = nil
	d.droppedFrames.Add(1)
	d.totalFrames.Add(1)
}

// videoStream receives the host's video packets and submits completed
// frames directly from its receive goroutine.
type videoStream struct {
	log         zerolog.Logger
	conn        *net.UDPConn
	remote      *net.UDPAddr
	pingPayload string
	packetSize  int

	depack    *depacketizer
	submit    func(*DecodeUnit) int
	terminate func(error)

	gotData  bool
	gotFrame bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newVideoStream(log zerolog.Logger, remote *net.UDPAddr, pingPayload string, packetSize int,
	submit func(*DecodeUnit) int, terminate func(error)) *videoStream {
	v := &videoStream{
		log:         log,
		remote:      remote,
		pingPayload: pingPayload,
		packetSize:  packetSize,
		submit:      submit,
		terminate:   terminate,
	}
	v.depack = newDepacketizer(v.deliver)
	return v
}

func (v *videoStream) deliver(unit *DecodeUnit) {
	v.gotFrame = true
	if ret := v.submit(unit); ret != DrOK {
		v.log.Debug().Uint32("frame", unit.FrameNumber).Int("ret", ret).Msg("decoder rejected frame")
	}
}

func (v *videoStream) start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	_ = conn.SetReadBuffer(videoRecvBufPackets * (v.packetSize + maxRTPHeaderSize))
	v.conn = conn

	ctx, v.cancel = context.WithCancel(ctx)
	v.wg.Add(2)
	go v.receiveLoop(ctx)
	go v.pingLoop(ctx)
	return nil
}

// stop returns once the receive goroutine has exited.
func (v *videoStream) stop() {
	if v.cancel != nil {
		v.cancel()
	}
	if v.conn != nil {
		v.conn.Close()
	}
	v.wg.Wait()
}

func (v *videoStream) receiveLoop(ctx context.Context) {
	defer v.wg.Done()

	buf := make([]byte, v.packetSize+maxRTPHeaderSize+nvVideoHeaderSize)
	started := time.Now()
	var pkt rtp.Packet

	for {
		if ctx.Err() != nil {
			return
		}

		_ = v.conn.SetReadDeadline(time.Now().Add(videoRecvTimeout))
		n, _, err := v.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if !v.gotData && time.Since(started) > firstFrameTimeout {
					v.terminate(ErrNoVideoTraffic)
					return
				}
				continue
			}
			if ctx.Err() == nil {
				v.terminate(err)
			}
			return
		}

		if !v.gotData {
			v.gotData = true
			started = time.Now()
		}
		if !v.gotFrame && time.Since(started) > firstFrameTimeout {
			v.terminate(ErrNoVideoFrame)
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		v.depack.process(&pkt, time.Now())
	}
}

// pingLoop keeps the host's video sender pointed at our socket.
func (v *videoStream) pingLoop(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(videoPingInterval)
	defer ticker.Stop()

	var seq uint32
	for {
		var ping []byte
		if v.pingPayload != "" {
			seq++
			ping = binary.BigEndian.AppendUint32([]byte(v.pingPayload), seq)
		} else {
			ping = []byte("PING")
		}
		if _, err := v.conn.WriteToUDP(ping, v.remote); err != nil && ctx.Err() == nil {
			v.log.Debug().Err(err).Msg("video ping failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
