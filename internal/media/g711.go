package media

import "fmt"

// SampleRate is the G.711 narrow-band sampling rate.
const SampleRate = 8000

// SamplesPerFrame is the sample count in one 20ms packet at 8 kHz. RTP
// timestamps advance by exactly this much per packet.
const SamplesPerFrame = 160

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// A-law segment upper bounds in the 13-bit magnitude domain.
var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// ULawSilence is the µ-law encoding of a zero sample, used to pad frames.
const ULawSilence = 0xFF

var (
	ulawDecodeTable [256]int16
	alawDecodeTable [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawDecodeTable[i] = decodeULawSample(byte(i))
		alawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

// DecodePayload converts a G.711 RTP payload into 16-bit PCM samples.
func DecodePayload(payload []byte, payloadType int) ([]int16, error) {
	var table *[256]int16
	switch payloadType {
	case PayloadPCMU:
		table = &ulawDecodeTable
	case PayloadPCMA:
		table = &alawDecodeTable
	default:
		return nil, fmt.Errorf("unsupported payload type %d", payloadType)
	}
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = table[b]
	}
	return out, nil
}

// EncodePayload converts 16-bit PCM samples into a G.711 RTP payload.
func EncodePayload(samples []int16, payloadType int) ([]byte, error) {
	var encode func(int16) byte
	switch payloadType {
	case PayloadPCMU:
		encode = encodeULawSample
	case PayloadPCMA:
		encode = encodeALawSample
	default:
		return nil, fmt.Errorf("unsupported payload type %d", payloadType)
	}
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encode(s)
	}
	return out, nil
}

func decodeULawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + ulawBias) << exponent
	magnitude -= ulawBias
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func encodeULawSample(sample int16) byte {
	var sign byte
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	mask := int32(0x4000)
	for exponent > 0 && s&mask == 0 {
		exponent--
		mask >>= 1
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | byte(exponent<<4) | mantissa)
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	t := int16(aval&0x0F) << 4
	seg := (aval >> 4) & 0x07
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	// Sign bit set means positive in A-law.
	if aval&0x80 != 0 {
		return t
	}
	return -t
}

func encodeALawSample(sample int16) byte {
	mask := byte(0xD5)
	s := int32(sample) >> 3
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}

	seg := 8
	for i, end := range alawSegEnd {
		if s <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}

	aval := byte(seg) << 4
	if seg < 2 {
		aval |= byte(s>>1) & 0x0F
	} else {
		aval |= byte(s>>seg) & 0x0F
	}
	return aval ^ mask
}
