package mp4

// HvccNaluArray is one parameter-set array inside an hvcC box.
type HvccNaluArray struct {
	ArrayCompleteness uint8 // 1 bit
	NalUnitType       uint8 // 6 bits
	Nalus             [][]byte
}

// HvccBox represents the HEVC configuration box, carried by both hev1 and
// hvc1 sample entries.
type HvccBox struct {
	GeneralProfileSpace               uint8 // 2 bits
	GeneralTierFlag                   uint8 // 1 bit
	GeneralProfileIdc                 uint8 // 5 bits
	GeneralProfileCompatibilityFlags  uint32
	GeneralConstraintIndicatorFlags   uint64 // low 48 bits significant
	GeneralLevelIdc                   uint8
	MinSpatialSegmentationIdc         uint16 // 12 bits
	ParallelismType                   uint8  // 2 bits
	ChromaFormatIdc                   uint8  // 2 bits
	BitDepthLumaMinus8                uint8  // 3 bits
	BitDepthChromaMinus8               uint8  // 3 bits
	AvgFrameRate                      uint16
	ConstantFrameRate                 uint8 // 2 bits
	NumTemporalLayers                 uint8 // 3 bits
	TemporalIdNested                  uint8 // 1 bit
	LengthSizeMinus1                  uint8 // 2 bits
	Arrays                            []HvccNaluArray
}

const hvccConfigurationVersion = 1

func decodeHvcC(box *Box, buf []byte, start, end int) error {
	b := buf[start:end]
	if len(b) < 23 {
		return newError(InvalidData, "hvcC box too short")
	}
	if b[0] != hvccConfigurationVersion {
		return newErrorf(InvalidData, "unsupported hvcC configuration version: %d", b[0])
	}
	h := &HvccBox{
		GeneralProfileSpace:              b[1] >> 6,
		GeneralTierFlag:                  (b[1] >> 5) & 0x1,
		GeneralProfileIdc:                b[1] & 0x1f,
		GeneralProfileCompatibilityFlags: be.Uint32(b[2:6]),
		GeneralLevelIdc:                  b[12],
		MinSpatialSegmentationIdc:        be.Uint16(b[13:15]) & 0x0fff,
		ParallelismType:                  b[15] & 0x3,
		ChromaFormatIdc:                  b[16] & 0x3,
		BitDepthLumaMinus8:               b[17] & 0x7,
		BitDepthChromaMinus8:             b[18] & 0x7,
		AvgFrameRate:                     be.Uint16(b[19:21]),
		ConstantFrameRate:                b[21] >> 6,
		NumTemporalLayers:                (b[21] >> 3) & 0x7,
		TemporalIdNested:                 (b[21] >> 2) & 0x1,
		LengthSizeMinus1:                 b[21] & 0x3,
	}
	var cif uint64
	for i := 0; i < 6; i++ {
		cif = cif<<8 | uint64(b[6+i])
	}
	h.GeneralConstraintIndicatorFlags = cif

	numArrays := int(b[22])
	ptr := 23
	for i := 0; i < numArrays; i++ {
		if ptr+3 > len(b) {
			return newError(InvalidData, "hvcC array header truncated")
		}
		arr := HvccNaluArray{
			ArrayCompleteness: b[ptr] >> 7,
			NalUnitType:       b[ptr] & 0x3f,
		}
		naluCount := int(be.Uint16(b[ptr+1 : ptr+3]))
		ptr += 3
		for j := 0; j < naluCount; j++ {
			if ptr+2 > len(b) {
				return newError(InvalidData, "hvcC nalu length truncated")
			}
			l := int(be.Uint16(b[ptr : ptr+2]))
			ptr += 2
			if ptr+l > len(b) {
				return newError(InvalidData, "hvcC nalu data exceeds payload")
			}
			nalu := make([]byte, l)
			copy(nalu, b[ptr:ptr+l])
			arr.Nalus = append(arr.Nalus, nalu)
			ptr += l
		}
		h.Arrays = append(h.Arrays, arr)
	}
	box.HvccBox = h
	return nil
}

func encodeHvcC(box *Box, buf []byte, offset int) int {
	b := buf[offset:]
	h := box.HvccBox
	b[0] = hvccConfigurationVersion
	b[1] = (h.GeneralProfileSpace&0x3)<<6 | (h.GeneralTierFlag&0x1)<<5 | h.GeneralProfileIdc&0x1f
	be.PutUint32(b[2:6], h.GeneralProfileCompatibilityFlags)
	for i := 0; i < 6; i++ {
		b[6+i] = byte(h.GeneralConstraintIndicatorFlags >> uint(8*(5-i)))
	}
	b[12] = h.GeneralLevelIdc
	be.PutUint16(b[13:15], 0xf000|h.MinSpatialSegmentationIdc&0x0fff)
	b[15] = 0b1111_1100 | h.ParallelismType&0x3
	b[16] = 0b1111_1100 | h.ChromaFormatIdc&0x3
	b[17] = 0b1111_1000 | h.BitDepthLumaMinus8&0x7
	b[18] = 0b1111_1000 | h.BitDepthChromaMinus8&0x7
	be.PutUint16(b[19:21], h.AvgFrameRate)
	b[21] = (h.ConstantFrameRate&0x3)<<6 | (h.NumTemporalLayers&0x7)<<3 | (h.TemporalIdNested&0x1)<<2 | h.LengthSizeMinus1&0x3
	b[22] = byte(len(h.Arrays))
	ptr := 23
	for _, arr := range h.Arrays {
		b[ptr] = (arr.ArrayCompleteness&0x1)<<7 | arr.NalUnitType&0x3f
		be.PutUint16(b[ptr+1:ptr+3], uint16(len(arr.Nalus)))
		ptr += 3
		for _, nalu := range arr.Nalus {
			be.PutUint16(b[ptr:ptr+2], uint16(len(nalu)))
			ptr += 2
			copy(b[ptr:], nalu)
			ptr += len(nalu)
		}
	}
	return ptr
}

func encodingLengthHvcC(box *Box) int {
	n := 23
	for _, arr := range box.HvccBox.Arrays {
		n += 3
		for _, nalu := range arr.Nalus {
			n += 2 + len(nalu)
		}
	}
	return n
}

// VpccBox represents the VP8/VP9 codec configuration box (vpcC).
type VpccBox struct {
	Profile                 uint8
	Level                   uint8
	BitDepth                uint8 // 4 bits
	ChromaSubsampling       uint8 // 3 bits
	VideoFullRangeFlag      uint8 // 1 bit
	ColourPrimaries         uint8
	TransferCharacteristics uint8
	MatrixCoefficients      uint8
	CodecInitializationData []byte
}

func decodeVpcC(box *Box, buf []byte, start, end int) error {
	b := buf[start:end]
	if len(b) < 8 {
		return newError(InvalidData, "vpcC box too short")
	}
	v := &VpccBox{
		Profile:                 b[0],
		Level:                   b[1],
		BitDepth:                b[2] >> 4,
		ChromaSubsampling:       (b[2] >> 1) & 0x7,
		VideoFullRangeFlag:      b[2] & 0x1,
		ColourPrimaries:         b[3],
		TransferCharacteristics: b[4],
		MatrixCoefficients:      b[5],
	}
	l := int(be.Uint16(b[6:8]))
	if 8+l > len(b) {
		return newError(InvalidData, "vpcC codec initialization data exceeds payload")
	}
	v.CodecInitializationData = make([]byte, l)
	copy(v.CodecInitializationData, b[8:8+l])
	box.VpccBox = v
	return nil
}

func encodeVpcC(box *Box, buf []byte, offset int) int {
	b := buf[offset:]
	v := box.VpccBox
	b[0] = v.Profile
	b[1] = v.Level
	b[2] = (v.BitDepth&0xf)<<4 | (v.ChromaSubsampling&0x7)<<1 | v.VideoFullRangeFlag&0x1
	b[3] = v.ColourPrimaries
	b[4] = v.TransferCharacteristics
	b[5] = v.MatrixCoefficients
	be.PutUint16(b[6:8], uint16(len(v.CodecInitializationData)))
	copy(b[8:], v.CodecInitializationData)
	return 8 + len(v.CodecInitializationData)
}

func encodingLengthVpcC(box *Box) int {
	return 8 + len(box.VpccBox.CodecInitializationData)
}

// Av1cBox represents the AV1 codec configuration box (av1C).
type Av1cBox struct {
	SeqProfile                  uint8 // 3 bits
	SeqLevelIdx0                uint8 // 5 bits
	SeqTier0                    uint8 // 1 bit
	HighBitdepth                uint8 // 1 bit
	TwelveBit                   uint8 // 1 bit
	Monochrome                  uint8 // 1 bit
	ChromaSubsamplingX          uint8 // 1 bit
	ChromaSubsamplingY          uint8 // 1 bit
	ChromaSamplePosition        uint8 // 2 bits
	InitialPresentationDelay    uint8 // 0 means absent, else delay = value
	ConfigOBUs                  []byte
}

const (
	av1cMarker  = 1
	av1cVersion = 1
)

func decodeAv1C(box *Box, buf []byte, start, end int) error {
	b := buf[start:end]
	if len(b) < 4 {
		return newError(InvalidData, "av1C box too short")
	}
	marker := b[0] >> 7
	version := b[0] & 0x7f
	if marker != av1cMarker {
		return newError(InvalidData, "unexpected av1C marker")
	}
	if version != av1cVersion {
		return newErrorf(InvalidData, "unsupported av1C version: %d", version)
	}
	a := &Av1cBox{
		SeqProfile:            b[1] >> 5,
		SeqLevelIdx0:          b[1] & 0x1f,
		SeqTier0:              b[2] >> 7,
		HighBitdepth:          (b[2] >> 6) & 0x1,
		TwelveBit:             (b[2] >> 5) & 0x1,
		Monochrome:            (b[2] >> 4) & 0x1,
		ChromaSubsamplingX:    (b[2] >> 3) & 0x1,
		ChromaSubsamplingY:    (b[2] >> 2) & 0x1,
		ChromaSamplePosition:  b[2] & 0x3,
	}
	if b[3]>>4&0x1 == 1 {
		a.InitialPresentationDelay = (b[3] & 0xf) + 1
	}
	a.ConfigOBUs = make([]byte, len(b)-4)
	copy(a.ConfigOBUs, b[4:])
	box.Av1cBox = a
	return nil
}

func encodeAv1C(box *Box, buf []byte, offset int) int {
	b := buf[offset:]
	a := box.Av1cBox
	b[0] = av1cMarker<<7 | av1cVersion
	b[1] = (a.SeqProfile&0x7)<<5 | a.SeqLevelIdx0&0x1f
	b[2] = (a.SeqTier0&0x1)<<7 | (a.HighBitdepth&0x1)<<6 | (a.TwelveBit&0x1)<<5 |
		(a.Monochrome&0x1)<<4 | (a.ChromaSubsamplingX&0x1)<<3 | (a.ChromaSubsamplingY&0x1)<<2 |
		a.ChromaSamplePosition&0x3
	if a.InitialPresentationDelay > 0 {
		b[3] = 0b1001_0000 | (a.InitialPresentationDelay-1)&0xf
	} else {
		b[3] = 0
	}
	copy(b[4:], a.ConfigOBUs)
	return 4 + len(a.ConfigOBUs)
}

func encodingLengthAv1C(box *Box) int {
	return 4 + len(box.Av1cBox.ConfigOBUs)
}

// DopsBox represents the Opus specific box (dOps).
type DopsBox struct {
	OutputChannelCount uint8
	PreSkip            uint16
	InputSampleRate    uint32
	OutputGain         int16
}

func decodeDOps(box *Box, buf []byte, start, end int) error {
	b := buf[start:end]
	if len(b) < 11 {
		return newError(InvalidData, "dOps box too short")
	}
	if b[0] != 0 {
		return newErrorf(InvalidData, "unsupported dOps version: %d", b[0])
	}
	if b[10] != 0 {
		return newError(Unsupported, "ChannelMappingFamily != 0 in dOps box is not supported")
	}
	box.DopsBox = &DopsBox{
		OutputChannelCount: b[1],
		PreSkip:            be.Uint16(b[2:4]),
		InputSampleRate:    be.Uint32(b[4:8]),
		OutputGain:         int16(be.Uint16(b[8:10])),
	}
	return nil
}

func encodeDOps(box *Box, buf []byte, offset int) int {
	b := buf[offset:]
	d := box.DopsBox
	b[0] = 0
	b[1] = d.OutputChannelCount
	be.PutUint16(b[2:4], d.PreSkip)
	be.PutUint32(b[4:8], d.InputSampleRate)
	be.PutUint16(b[8:10], uint16(d.OutputGain))
	b[10] = 0 // ChannelMappingFamily
	return 11
}

func encodingLengthDOps(_ *Box) int { return 11 }

// FlacMetadataBlock is one block of a dfLa box.
type FlacMetadataBlock struct {
	LastMetadataBlockFlag uint8 // 1 bit
	BlockType             uint8 // 7 bits
	BlockData             []byte
}

const flacBlockTypeStreamInfo = 0

// DflaBox represents the FLAC specific box (dfLa).
type DflaBox struct {
	MetadataBlocks []FlacMetadataBlock
}

func decodeDfLa(box *Box, buf []byte, start, end int) error {
	b := buf[start:end]
	d := &DflaBox{}
	ptr := 0
	for {
		if ptr+4 > len(b) {
			return newError(InvalidData, "dfLa metadata block header truncated")
		}
		blk := FlacMetadataBlock{
			LastMetadataBlockFlag: b[ptr] >> 7,
			BlockType:             b[ptr] & 0x7f,
		}
		length := int(b[ptr+1])<<16 | int(b[ptr+2])<<8 | int(b[ptr+3])
		ptr += 4
		if ptr+length > len(b) {
			return newError(InvalidData, "dfLa metadata block data exceeds payload")
		}
		blk.BlockData = make([]byte, length)
		copy(blk.BlockData, b[ptr:ptr+length])
		ptr += length
		d.MetadataBlocks = append(d.MetadataBlocks, blk)
		if blk.LastMetadataBlockFlag == 1 {
			break
		}
	}
	if ptr != len(b) {
		return newErrorf(InvalidData, "unexpected data after last metadata block (%d bytes remaining)", len(b)-ptr)
	}
	if len(d.MetadataBlocks) == 0 {
		return newError(InvalidData, "dfLa box must contain at least one metadata block (STREAMINFO)")
	}
	if d.MetadataBlocks[0].BlockType != flacBlockTypeStreamInfo {
		return newError(InvalidData, "first metadata block in dfLa must be STREAMINFO (block_type=0)")
	}
	box.DflaBox = d
	return nil
}

func encodeDfLa(box *Box, buf []byte, offset int) int {
	b := buf[offset:]
	ptr := 0
	for _, blk := range box.DflaBox.MetadataBlocks {
		b[ptr] = (blk.LastMetadataBlockFlag&0x1)<<7 | blk.BlockType&0x7f
		length := len(blk.BlockData)
		b[ptr+1] = byte(length >> 16)
		b[ptr+2] = byte(length >> 8)
		b[ptr+3] = byte(length)
		ptr += 4
		copy(b[ptr:], blk.BlockData)
		ptr += length
	}
	return ptr
}

func encodingLengthDfLa(box *Box) int {
	n := 0
	for _, blk := range box.DflaBox.MetadataBlocks {
		n += 4 + len(blk.BlockData)
	}
	return n
}

// checkFlacBlockLength returns InvalidData when n does not fit the 24-bit
// length field of a FLAC metadata block.
func checkFlacBlockLength(n int) error {
	if n > 0xff_ffff {
		return newErrorf(InvalidData, "FLAC metadata block data is too large (max 16777215 bytes): %d", n)
	}
	return nil
}

func init() {
	codecs[TypeHvcC] = &codec{decodeHvcC, encodeHvcC, encodingLengthHvcC}
	codecs[TypeVpcC] = &codec{decodeVpcC, encodeVpcC, encodingLengthVpcC}
	codecs[TypeAv1C] = &codec{decodeAv1C, encodeAv1C, encodingLengthAv1C}
	codecs[TypeDOps] = &codec{decodeDOps, encodeDOps, encodingLengthDOps}
	codecs[TypeDfLa] = &codec{decodeDfLa, encodeDfLa, encodingLengthDfLa}

	// hev1/hvc1/vp08/vp09/av01 share the same visual sample entry prefix
	// layout as avc1; Opus/fLaC share the audio sample entry prefix layout
	// as mp4a. The generic decode/encode already walks trailing children
	// by recursive box dispatch, so the hvcC/vpcC/av1C/dOps/dfLa codecs
	// above are reached automatically once registered.
	codecs[TypeHev1] = &codec{decodeVisual, encodeVisual, encodingLengthVisual}
	codecs[TypeHvc1] = &codec{decodeVisual, encodeVisual, encodingLengthVisual}
	codecs[TypeVp08] = &codec{decodeVisual, encodeVisual, encodingLengthVisual}
	codecs[TypeVp09] = &codec{decodeVisual, encodeVisual, encodingLengthVisual}
	codecs[TypeAv01] = &codec{decodeVisual, encodeVisual, encodingLengthVisual}
	codecs[TypeOpus] = &codec{decodeAudio, encodeAudio, encodingLengthAudio}
	codecs[TypeFLaC] = &codec{decodeAudio, encodeAudio, encodingLengthAudio}
}
