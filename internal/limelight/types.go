// Package limelight is the streaming-protocol side of a session: the stream
// configuration handed to the host, the decode units it delivers, and the
// callback table a client supplies to receive them.
package limelight

import (
	"context"
	"time"
)

// VideoFormat is a codec support flag as negotiated with the host.
type VideoFormat int

const (
	VideoFormatH264       VideoFormat = 0x0001 // H.264 High Profile
	VideoFormatH265       VideoFormat = 0x0100 // HEVC Main Profile
	VideoFormatH265Main10 VideoFormat = 0x0200 // HEVC Main10 Profile
	VideoFormatAV1Main8   VideoFormat = 0x1000 // AV1 Main 8-bit
	VideoFormatAV1Main10  VideoFormat = 0x2000 // AV1 Main 10-bit

	VideoFormatMaskH264 VideoFormat = 0x000F
	VideoFormatMaskH265 VideoFormat = 0x0F00
	VideoFormatMaskAV1  VideoFormat = 0xF000
)

// String returns the codec family name.
func (f VideoFormat) String() string {
	switch {
	case f&VideoFormatMaskAV1 != 0:
		return "av1"
	case f&VideoFormatMaskH265 != 0:
		return "hevc"
	case f&VideoFormatMaskH264 != 0:
		return "h264"
	default:
		return "unknown"
	}
}

// AudioConfiguration packs channel count and mask the way the host expects.
type AudioConfiguration int

const (
	AudioConfigStereo     AudioConfiguration = 0x000302CA
	AudioConfig51Surround AudioConfiguration = 0x003F06CA
	AudioConfig71Surround AudioConfiguration = 0x063F08CA
)

// ChannelCount extracts the channel count.
func (a AudioConfiguration) ChannelCount() int {
	return (int(a) >> 8) & 0xFF
}

// ChannelMask extracts the channel mask.
func (a AudioConfiguration) ChannelMask() int {
	return (int(a) >> 16) & 0xFFFF
}

// StreamingLocation tells the host whether the client is on the local network.
type StreamingLocation int

const (
	StreamingLocal  StreamingLocation = 0
	StreamingRemote StreamingLocation = 1
	StreamingAuto   StreamingLocation = 2
)

// Colorspace is the encoder's color matrix.
type Colorspace int

const (
	ColorspaceRec601  Colorspace = 0
	ColorspaceRec709  Colorspace = 1
	ColorspaceRec2020 Colorspace = 2
)

// ColorRange selects limited or full range output.
type ColorRange int

const (
	ColorRangeLimited ColorRange = 0
	ColorRangeFull    ColorRange = 1
)

// StreamConfiguration holds the negotiated stream parameters.
type StreamConfiguration struct {
	Width      int
	Height     int
	FPS        int
	Bitrate    int // Kbps
	PacketSize int

	StreamingRemotely     StreamingLocation
	AudioConfiguration    AudioConfiguration
	SupportedVideoFormats VideoFormat
	Colorspace            Colorspace
	ColorRange            ColorRange

	// Remote input key material, generated per launch
	RemoteInputAesKey []byte
	RemoteInputAesIV  []byte
}

// ServerInformation describes the host the connection is started against.
type ServerInformation struct {
	Address                string
	AppVersion             string
	GfeVersion             string
	RtspSessionURL         string
	ServerCodecModeSupport uint32
}

// FrameType tags a decode unit.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypePFrame
	FrameTypeIDR
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeIDR:
		return "idr"
	case FrameTypePFrame:
		return "p"
	default:
		return "unknown"
	}
}

// Fragment is one network-delivered piece of a frame.
type Fragment struct {
	Data []byte
}

// DecodeUnit is one frame of compressed video as delivered by the network,
// split into fragments in delivery order. FullLength is the reassembled size.
type DecodeUnit struct {
	FrameNumber uint32
	FrameType   FrameType
	FullLength  int
	Fragments   []Fragment
	ReceiveTime time.Time
}

// Decoder-renderer return codes
const (
	DrOK      = 0
	DrNeedIDR = -1
)

// DecoderRenderer is the callback table a client supplies to StartConnection.
// SubmitDecodeUnit is called from the connection's receive goroutine, one
// unit at a time and in arrival order.
type DecoderRenderer interface {
	// Setup prepares decoding for the negotiated format.
	Setup(format VideoFormat, width, height, redrawRate int, flags int) error

	// Cleanup releases everything Setup acquired. It may be called more than once.
	Cleanup()

	// SubmitDecodeUnit consumes one frame.
	SubmitDecodeUnit(unit *DecodeUnit) int
}

// Stage is a step of connection establishment.
type Stage int

const (
	StageNone Stage = iota
	StagePlatformInit
	StageNameResolution
	StageRTSPHandshake
	StageVideoStreamInit
	StageVideoStreamStart
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StagePlatformInit:
		return "platform initialization"
	case StageNameResolution:
		return "name resolution"
	case StageRTSPHandshake:
		return "RTSP handshake"
	case StageVideoStreamInit:
		return "video stream initialization"
	case StageVideoStreamStart:
		return "video stream start"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ConnectionListener receives connection lifecycle events.
type ConnectionListener interface {
	StageStarting(stage Stage)
	StageComplete(stage Stage)
	StageFailed(stage Stage, err error)
	ConnectionStarted()
	// ConnectionTerminated reports an unrequested end of the stream. err is
	// nil for a graceful termination by the host.
	ConnectionTerminated(err error)
}

// Connection is a streaming connection to a host.
type Connection interface {
	// Start performs the handshake and begins delivering decode units to
	// decoder. It returns once the stream is running.
	Start(ctx context.Context, server ServerInformation, config StreamConfiguration,
		decoder DecoderRenderer, listener ConnectionListener) error

	// Stop ends the stream. No SubmitDecodeUnit call is in flight or will be
	// made once Stop returns. Safe to call when Start failed or never ran.
	Stop()
}
