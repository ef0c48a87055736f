package sampletable

import mp4 "github.com/gomp4/isobmff"

const hexChars = "0123456789abcdef"

// codecBuf accumulates a codec identifier string in a fixed-size buffer,
// mirroring the teacher's track/track.go fixed 24-byte codec buffer instead
// of building the string with allocating concatenation.
type codecBuf struct {
	buf [40]byte
	n   int
}

func (c *codecBuf) str(s string) { c.n += copy(c.buf[c.n:], s) }

func (c *codecBuf) b(v byte) {
	c.buf[c.n] = v
	c.n++
}

func (c *codecBuf) hexByte(v byte) {
	c.b(hexChars[v>>4])
	c.b(hexChars[v&0x0f])
}

// hex writes v in hex with no leading zeros (at least one digit).
func (c *codecBuf) hex(v uint32) {
	if v == 0 {
		c.b('0')
		return
	}
	var tmp [8]byte
	n := 0
	for v > 0 {
		tmp[n] = hexChars[v&0xf]
		v >>= 4
		n++
	}
	for n > 0 {
		n--
		c.b(tmp[n])
	}
}

func (c *codecBuf) decimal(v int) {
	if v < 0 {
		v = 0
	}
	var tmp [8]byte
	n := 0
	for {
		tmp[n] = byte('0' + v%10)
		v /= 10
		n++
		if v == 0 {
			break
		}
	}
	for n > 0 {
		n--
		c.b(tmp[n])
	}
}

// decimal2 writes v zero-padded to 2 digits.
func (c *codecBuf) decimal2(v int) {
	if v < 0 {
		v = 0
	}
	if v > 99 {
		v = 99
	}
	c.b(byte('0' + v/10))
	c.b(byte('0' + v%10))
}

func (c *codecBuf) String() string { return string(c.buf[:c.n]) }

// CodecString derives a short codec identifier (e.g. "avc1.64001e",
// "mp4a.40.2", "hev1.1.6.L93.90", "vp09.02.10.10.1.09.16.09.1",
// "av01.0.04M.08", "opus", "flac") from a decoded sample description box.
// It is informational only, useful to a caller inspecting track metadata
// without re-walking the sample entry's children itself; demux/demux.go's
// TrackInfo.CodecString exposes it for the current track. Returns "" for a
// sample entry type this package does not recognize.
func CodecString(entry *mp4.Box) string {
	if entry == nil {
		return ""
	}
	// A decoded sample entry keeps its child boxes in Visual/Audio.Children;
	// a hand-built one may use the Children map instead.
	child := func(t mp4.BoxType) *mp4.Box {
		if b := entry.Child(t); b != nil {
			return b
		}
		var kids []*mp4.Box
		if entry.Visual != nil {
			kids = entry.Visual.Children
		} else if entry.Audio != nil {
			kids = entry.Audio.Children
		}
		for _, k := range kids {
			if k.Type == t {
				return k
			}
		}
		return nil
	}
	var c codecBuf
	switch entry.Type {
	case mp4.TypeAvc1:
		c.str("avc1")
		if avcC := child(mp4.TypeAvcC); avcC != nil && avcC.AvcC != nil && avcC.AvcC.MimeCodec != "" {
			c.str(".")
			c.str(avcC.AvcC.MimeCodec)
		}
	case mp4.TypeMp4a:
		c.str("mp4a")
		if esds := child(mp4.TypeEsds); esds != nil && esds.Esds != nil && esds.Esds.MimeCodec != "" {
			c.str(".")
			c.str(esds.Esds.MimeCodec)
		}
	case mp4.TypeHev1, mp4.TypeHvc1:
		c.str(entry.Type.String())
		if hvcC := child(mp4.TypeHvcC); hvcC != nil && hvcC.HvccBox != nil {
			appendHevcProfile(&c, hvcC.HvccBox)
		}
	case mp4.TypeVp08, mp4.TypeVp09:
		c.str(entry.Type.String())
		if vpcC := child(mp4.TypeVpcC); vpcC != nil && vpcC.VpccBox != nil {
			appendVpxProfile(&c, vpcC.VpccBox)
		}
	case mp4.TypeAv01:
		c.str("av01")
		if av1C := child(mp4.TypeAv1C); av1C != nil && av1C.Av1cBox != nil {
			appendAv1Profile(&c, av1C.Av1cBox)
		}
	case mp4.TypeOpus:
		c.str("opus")
	case mp4.TypeFLaC:
		c.str("flac")
	default:
		return ""
	}
	return c.String()
}

// appendHevcProfile appends ".<profile_space><profile_idc>.<compat hex>.
// <tier><level>.<constraint bytes>" per the hvcC fields, RFC 6381 style.
func appendHevcProfile(c *codecBuf, h *mp4.HvccBox) {
	c.str(".")
	switch h.GeneralProfileSpace {
	case 1:
		c.str("A")
	case 2:
		c.str("B")
	case 3:
		c.str("C")
	}
	c.decimal(int(h.GeneralProfileIdc))

	c.str(".")
	c.hex(reverseBits32(h.GeneralProfileCompatibilityFlags))

	c.str(".")
	if h.GeneralTierFlag == 0 {
		c.str("L")
	} else {
		c.str("H")
	}
	c.decimal(int(h.GeneralLevelIdc))

	constraint := h.GeneralConstraintIndicatorFlags
	var bytes [6]byte
	for i := 0; i < 6; i++ {
		bytes[i] = byte(constraint >> (40 - 8*i))
	}
	last := -1
	for i := 5; i >= 0; i-- {
		if bytes[i] != 0 {
			last = i
			break
		}
	}
	for i := 0; i <= last; i++ {
		c.str(".")
		c.hexByte(bytes[i])
	}
}

func reverseBits32(v uint32) uint32 {
	var r uint32
	for i := 0; i < 32; i++ {
		r <<= 1
		r |= v & 1
		v >>= 1
	}
	return r
}

// appendVpxProfile appends ".PP.LL.BB.C.cc.tt.mm.f" per the vpcC fields.
func appendVpxProfile(c *codecBuf, v *mp4.VpccBox) {
	c.str(".")
	c.decimal2(int(v.Profile))
	c.str(".")
	c.decimal2(int(v.Level))
	c.str(".")
	c.decimal2(int(v.BitDepth))
	c.str(".")
	c.decimal(int(v.ChromaSubsampling))
	c.str(".")
	c.decimal2(int(v.ColourPrimaries))
	c.str(".")
	c.decimal2(int(v.TransferCharacteristics))
	c.str(".")
	c.decimal2(int(v.MatrixCoefficients))
	c.str(".")
	c.decimal(int(v.VideoFullRangeFlag))
}

// appendAv1Profile appends ".<profile>.<level><tier>.<bitdepth>" per the
// av1C fields.
func appendAv1Profile(c *codecBuf, a *mp4.Av1cBox) {
	c.str(".")
	c.decimal(int(a.SeqProfile))
	c.str(".")
	c.decimal2(int(a.SeqLevelIdx0))
	if a.SeqTier0 == 0 {
		c.str("M")
	} else {
		c.str("H")
	}
	c.str(".")
	switch {
	case a.TwelveBit != 0:
		c.decimal2(12)
	case a.HighBitdepth != 0:
		c.decimal2(10)
	default:
		c.decimal2(8)
	}
}
