package media

// The voice platform consumes and produces 48 kHz mono PCM while the
// telephone leg runs at 8 kHz, so every frame crosses a 1:6 rate boundary.
// Linear interpolation up and block averaging down are adequate for
// narrow-band speech that already passed through G.711.

const rateRatio = 48000 / SampleRate // 6

// Upsample8to48 expands 8 kHz samples to 48 kHz by linear interpolation.
func Upsample8to48(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, len(in)*rateRatio)
	for i := 0; i < len(in); i++ {
		cur := int32(in[i])
		next := cur
		if i+1 < len(in) {
			next = int32(in[i+1])
		}
		for j := 0; j < rateRatio; j++ {
			out[i*rateRatio+j] = int16(cur + (next-cur)*int32(j)/rateRatio)
		}
	}
	return out
}

// Downsample48to8 reduces 48 kHz samples to 8 kHz by averaging each block
// of six samples, which doubles as a crude anti-aliasing filter.
func Downsample48to8(in []int16) []int16 {
	n := len(in) / rateRatio
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for j := 0; j < rateRatio; j++ {
			sum += int32(in[i*rateRatio+j])
		}
		out[i] = int16(sum / rateRatio)
	}
	return out
}

// pcmToBytes serializes samples as little-endian 16-bit PCM, the platform
// frame byte format.
func pcmToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// bytesToPCM parses little-endian 16-bit PCM bytes. A trailing odd byte is
// ignored.
func bytesToPCM(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return out
}
