// Package demux implements a sans-I/O pull demuxer over ISO-BMFF files.
// The Demuxer never performs I/O itself: callers drive it by asking
// RequiredInput for the next byte range it needs and supplying those bytes
// via HandleInput.
package demux

import (
	"encoding/binary"

	mp4 "github.com/gomp4/isobmff"
	"github.com/gomp4/isobmff/sampletable"
)

var be = binary.BigEndian

// Kind classifies a track by its handler type.
type Kind int

const (
	KindOther Kind = iota
	KindVideo
	KindAudio
)

var (
	handlerVide = [4]byte{'v', 'i', 'd', 'e'}
	handlerSoun = [4]byte{'s', 'o', 'u', 'n'}
)

// TrackInfo describes one track found in moov. It is a stable reference
// owned by the Demuxer for its lifetime.
type TrackInfo struct {
	ID                 uint32
	Kind               Kind
	TimeScale          uint32
	Duration           uint64
	SampleDescriptions []*mp4.Box

	table        *sampletable.Table
	iter         *sampletable.Iter
	pending      sampletable.Sample
	pendingValid bool
}

// CodecString derives a short codec identifier (e.g. "avc1.64001e",
// "mp4a.40.2") from the track's first sample description, or "" if the
// track has no recognized sample entry.
func (t *TrackInfo) CodecString() string {
	if len(t.SampleDescriptions) == 0 {
		return ""
	}
	return sampletable.CodecString(t.SampleDescriptions[0])
}

// Sample is one globally-ordered sample emitted by NextSample.
type Sample struct {
	Track              *TrackInfo
	SampleDescription  *mp4.Box
	sampletable.Sample
}

type phase int

const (
	phaseHeader phase = iota
	phaseExtHeader
	phaseBody
	phaseReady
	phaseFailed
)

// Demuxer is a sans-I/O pull-model ISO-BMFF reader.
type Demuxer struct {
	pos   int64
	state phase
	err   error

	curType       mp4.BoxType
	curSize       int64 // -1 means "extends to end of file"
	curHeaderSize int

	ftypSeen bool
	moovSeen bool

	tracks      []*TrackInfo
	movieScale  uint32
	movieDur    uint64
}

// New returns a fresh Demuxer positioned at the start of a file.
func New() *Demuxer {
	return &Demuxer{}
}

// RequiredInput reports the next byte range the Demuxer needs.
// size == 0 means no further input is required; size == -1 means
// "read from position through end of file."
func (d *Demuxer) RequiredInput() (position int64, size int64) {
	switch d.state {
	case phaseFailed, phaseReady:
		return 0, 0
	case phaseHeader:
		return d.pos, 8
	case phaseExtHeader:
		return d.pos, 16
	case phaseBody:
		if d.curSize == -1 {
			return d.pos, -1
		}
		return d.pos, d.curSize
	default:
		return 0, 0
	}
}

func (d *Demuxer) fail(err error) {
	d.state = phaseFailed
	d.err = err
}

// HandleInput delivers bytes at position, which MUST equal the position
// last returned from RequiredInput and carry at least that many bytes
// (or, for a -1 size request, any number of bytes up to end of file).
// Fewer bytes than requested latches the Demuxer into a failed state.
func (d *Demuxer) HandleInput(position int64, data []byte) error {
	if d.state == phaseFailed {
		return d.err
	}

	wantPos, wantSize := d.RequiredInput()
	if wantSize == 0 {
		return nil
	}
	if position != wantPos {
		err := mp4.NewErrorf(mp4.InvalidInput, "handle_input at %d, expected %d", position, wantPos)
		d.fail(err)
		return err
	}
	if wantSize >= 0 && int64(len(data)) < wantSize {
		err := mp4.NewErrorf(mp4.InputRequired, "handle_input delivered %d bytes, needed %d", len(data), wantSize)
		d.fail(err)
		return err
	}

	switch d.state {
	case phaseHeader, phaseExtHeader:
		return d.handleHeader(data)
	case phaseBody:
		return d.handleBody(data)
	}
	return nil
}

func (d *Demuxer) handleHeader(data []byte) error {
	// In phaseHeader only 8 bytes are on hand, not the 16 ReadHeaders
	// requires once it sees the size==1 extended-size sentinel; peek the
	// leading 32-bit size field ourselves first and ask for the other 8
	// bytes via phaseExtHeader before handing the buffer to ReadHeaders.
	if d.state == phaseHeader && len(data) >= 4 && be.Uint32(data[0:4]) == 1 {
		d.state = phaseExtHeader
		return nil
	}

	h, err := mp4.ReadHeaders(data, 0, len(data))
	if err != nil {
		d.fail(err)
		return err
	}

	d.curType = h.Type
	d.curHeaderSize = h.HeaderSize

	if h.Size == 0 {
		if h.Type == mp4.TypeMdat {
			if !d.moovSeen {
				err := mp4.NewError(mp4.InvalidData, "open-ended mdat precedes moov")
				d.fail(err)
				return err
			}
			d.transitionReady()
			return nil
		}
		d.curSize = -1
		d.state = phaseBody
		return nil
	}

	if h.Type == mp4.TypeMdat {
		d.pos += int64(h.Size)
		d.state = phaseHeader
		return nil
	}

	d.curSize = int64(h.Size)
	d.state = phaseBody
	return nil
}

func (d *Demuxer) handleBody(data []byte) error {
	n := len(data)
	if d.curSize != -1 {
		n = int(d.curSize)
	}

	box, err := mp4.Decode(data, 0, n)
	if err != nil {
		d.fail(err)
		return err
	}

	switch d.curType {
	case mp4.TypeFtyp:
		d.ftypSeen = true
	case mp4.TypeMoov:
		if err := d.loadMoov(box); err != nil {
			d.fail(err)
			return err
		}
		d.moovSeen = true
	}

	d.pos += int64(n)

	if d.moovSeen {
		d.transitionReady()
		return nil
	}

	d.state = phaseHeader
	return nil
}

func (d *Demuxer) transitionReady() {
	d.state = phaseReady
	for _, t := range d.tracks {
		t.iter = t.table.Iter()
	}
}

func (d *Demuxer) loadMoov(moov *mp4.Box) error {
	if mvhd := moov.Child(mp4.TypeMvhd); mvhd != nil && mvhd.Mvhd != nil {
		d.movieScale = mvhd.Mvhd.TimeScale
		d.movieDur = uint64(mvhd.Mvhd.Duration)
	}

	for _, trak := range moov.ChildList(mp4.TypeTrak) {
		t, err := loadTrack(trak)
		if err != nil {
			return err
		}
		if t != nil {
			d.tracks = append(d.tracks, t)
		}
	}
	return nil
}

func loadTrack(trak *mp4.Box) (*TrackInfo, error) {
	tkhd := trak.Child(mp4.TypeTkhd)
	if tkhd == nil || tkhd.Tkhd == nil {
		return nil, mp4.NewError(mp4.InvalidData, "trak: missing tkhd")
	}
	mdia := trak.Child(mp4.TypeMdia)
	if mdia == nil {
		return nil, mp4.NewError(mp4.InvalidData, "trak: missing mdia")
	}
	mdhd := mdia.Child(mp4.TypeMdhd)
	if mdhd == nil || mdhd.Mdhd == nil {
		return nil, mp4.NewError(mp4.InvalidData, "mdia: missing mdhd")
	}
	minf := mdia.Child(mp4.TypeMinf)
	if minf == nil {
		return nil, mp4.NewError(mp4.InvalidData, "mdia: missing minf")
	}
	stbl := minf.Child(mp4.TypeStbl)
	if stbl == nil {
		return nil, mp4.NewError(mp4.InvalidData, "minf: missing stbl")
	}
	stsd := stbl.Child(mp4.TypeStsd)
	if stsd == nil || stsd.Stsd == nil {
		return nil, mp4.NewError(mp4.InvalidData, "stbl: missing stsd")
	}

	kind := KindOther
	if hdlr := mdia.Child(mp4.TypeHdlr); hdlr != nil && hdlr.Hdlr != nil {
		switch hdlr.Hdlr.HandlerType {
		case handlerVide:
			kind = KindVideo
		case handlerSoun:
			kind = KindAudio
		}
	}

	table, err := sampletable.New(stbl)
	if err != nil {
		return nil, mp4.NewErrorf(mp4.InvalidData, "track %d: %v", tkhd.Tkhd.TrackId, err)
	}

	return &TrackInfo{
		ID:                 tkhd.Tkhd.TrackId,
		Kind:               kind,
		TimeScale:          mdhd.Mdhd.TimeScale,
		Duration:           mdhd.Mdhd.Duration,
		SampleDescriptions: stsd.Stsd.Entries,
		table:              table,
	}, nil
}

// Tracks returns the tracks found in moov. Valid once the Demuxer is Ready.
func (d *Demuxer) Tracks() []*TrackInfo { return d.tracks }

// MovieTimeScale returns the mvhd timescale.
func (d *Demuxer) MovieTimeScale() uint32 { return d.movieScale }

// MovieDuration returns the mvhd duration in movie timescale ticks.
func (d *Demuxer) MovieDuration() uint64 { return d.movieDur }

// LastError returns the latched error, or nil if the Demuxer has not failed.
func (d *Demuxer) LastError() error { return d.err }

// NextSample returns the next sample in global ascending decode-timestamp
// order, ties broken by ascending track ID then ascending sample index.
// Returns a NoMoreSamples error once every track is exhausted.
func (d *Demuxer) NextSample() (Sample, error) {
	if d.state == phaseFailed {
		return Sample{}, d.err
	}
	if d.state != phaseReady {
		return Sample{}, mp4.NewError(mp4.InvalidState, "next_sample called before the demuxer is ready")
	}

	best := -1
	for i, t := range d.tracks {
		if !t.pendingValid {
			if s, ok := t.iter.Next(); ok {
				t.pending = s
				t.pendingValid = true
			}
		}
		if !t.pendingValid {
			continue
		}
		if best == -1 || betterSample(t, d.tracks[best]) {
			best = i
		}
	}

	if best == -1 {
		return Sample{}, mp4.NewError(mp4.NoMoreSamples, "no more samples")
	}

	t := d.tracks[best]
	out := Sample{Track: t, Sample: t.pending}
	if idx := int(t.pending.SampleDescriptionIndex); idx >= 1 && idx <= len(t.SampleDescriptions) {
		out.SampleDescription = t.SampleDescriptions[idx-1]
	}
	t.pendingValid = false
	return out, nil
}

func betterSample(a, b *TrackInfo) bool {
	if a.pending.DTS != b.pending.DTS {
		return a.pending.DTS < b.pending.DTS
	}
	return a.ID < b.ID
}
