// Package mux implements a sans-I/O push muxer that assembles ISO-BMFF
// files. The Muxer never performs I/O itself: it hands the caller byte
// regions to write via NextOutput, and the caller writes sample payloads
// at the offsets the Muxer tells it to use.
package mux

import (
	"encoding/binary"

	mp4 "github.com/gomp4/isobmff"
)

var be = binary.BigEndian

// Kind classifies a track being muxed.
type Kind int

const (
	KindOther Kind = iota
	KindVideo
	KindAudio
)

// chunkBytesLimit bounds how many consecutive same-track samples are
// grouped into one chunk before a new chunk (and a new stco/co64 entry)
// is started; the matching duration bound is 2 seconds in the track's
// own timescale, computed per-track in appendSample.
const chunkBytesLimit = 1 << 20 // 1 MiB

// Options configures the Muxer before Initialize.
type Options struct {
	reservedMoovSize        int64
	creationTimestampMicros uint64
}

// SetReservedMoovSize reserves n bytes at the file prefix for a faststart
// moov placement. 0 (the default) disables faststart.
func (o *Options) SetReservedMoovSize(n int64) { o.reservedMoovSize = n }

// SetCreationTimestamp sets the creation_time/modification_time recorded
// in mvhd/tkhd/mdhd, as microseconds since the Unix epoch. The Muxer never
// reads a wall clock itself; the default is the epoch.
func (o *Options) SetCreationTimestamp(micros uint64) { o.creationTimestampMicros = micros }

type state int

const (
	stateFresh state = iota
	stateInitialized
	stateFinalized
	stateFailed
)

type chunkRun struct {
	sampleCount int
	descIdx     uint32
}

// track accumulates one muxed track's samples until Finalize assembles its
// stbl.
type track struct {
	id        uint32
	kind      Kind
	timeScale uint32

	sampleDescriptions []*mp4.Box
	curDescIdx         uint32

	sizes     []uint32
	durations []uint32
	syncs     []bool
	allSync   bool

	chunkOffsets []int64
	chunkRuns    []chunkRun

	chunkOpen        bool
	chunkStartOffset int64
	chunkBytes       int64
	chunkDuration    int64
	chunkSampleCount int
	chunkDescIdx     uint32
}

func newTrack(id uint32, kind Kind, timeScale uint32) *track {
	return &track{id: id, kind: kind, timeScale: timeScale, allSync: true}
}

func (t *track) appendSample(desc *mp4.Box, sync bool, duration uint32, offset int64, size uint32) {
	if desc != nil {
		t.sampleDescriptions = append(t.sampleDescriptions, desc)
		t.curDescIdx = uint32(len(t.sampleDescriptions))
	}

	durationTicks := int64(t.timeScale) * 2 // 2-second heuristic window in ticks
	if t.chunkOpen && (t.chunkBytes+int64(size) > chunkBytesLimit ||
		t.chunkDuration+int64(duration) > durationTicks ||
		t.chunkDescIdx != t.curDescIdx) {
		t.closeChunk()
	}
	if !t.chunkOpen {
		t.chunkOpen = true
		t.chunkStartOffset = offset
		t.chunkDescIdx = t.curDescIdx
	}

	t.chunkBytes += int64(size)
	t.chunkDuration += int64(duration)
	t.chunkSampleCount++

	t.sizes = append(t.sizes, size)
	t.durations = append(t.durations, duration)
	t.syncs = append(t.syncs, sync)
	if !sync {
		t.allSync = false
	}
}

func (t *track) closeChunk() {
	if !t.chunkOpen || t.chunkSampleCount == 0 {
		t.chunkOpen = false
		return
	}
	t.chunkOffsets = append(t.chunkOffsets, t.chunkStartOffset)
	t.chunkRuns = append(t.chunkRuns, chunkRun{sampleCount: t.chunkSampleCount, descIdx: t.chunkDescIdx})
	t.chunkOpen = false
	t.chunkBytes = 0
	t.chunkDuration = 0
	t.chunkSampleCount = 0
}

func (t *track) sampleCount() int { return len(t.sizes) }

func (t *track) duration() uint64 {
	var d uint64
	for _, v := range t.durations {
		d += uint64(v)
	}
	return d
}

type outputRegion struct {
	offset int64
	data   []byte
}

// Muxer is a sans-I/O push-model ISO-BMFF writer.
type Muxer struct {
	opts  Options
	state state
	err   error

	pending []outputRegion

	mdatHeaderOffset   int64
	mdatPayloadOffset  int64
	expectedDataOffset int64
	reservedMoovOffset int64

	tracks     map[Kind]*track
	trackOrder []*track
	lastTrack  *track
	nextID     uint32
}

// New returns a fresh Muxer in the Fresh state.
func New() *Muxer {
	return &Muxer{tracks: make(map[Kind]*track)}
}

// Options returns the mutable pre-Initialize configuration.
func (m *Muxer) Options() *Options { return &m.opts }

func (m *Muxer) fail(err error) error {
	m.state = stateFailed
	m.err = err
	return err
}

// LastError returns the latched error, or nil.
func (m *Muxer) LastError() error { return m.err }

// Initialize emits the file prefix (ftyp, an optional reserved free box,
// and a placeholder mdat header) and queues it for NextOutput.
func (m *Muxer) Initialize() error {
	if m.state != stateFresh {
		return m.fail(mp4.NewError(mp4.InvalidState, "initialize called outside the Fresh state"))
	}

	ftyp := &mp4.Box{
		Type: mp4.TypeFtyp,
		Ftyp: &mp4.Ftyp{
			Brand:        [4]byte{'i', 's', 'o', 'm'},
			BrandVersion: 0x200,
			CompatibleBrands: [][4]byte{
				{'i', 's', 'o', 'm'}, {'i', 's', 'o', '2'}, {'m', 'p', '4', '1'},
			},
		},
	}
	ftypBytes, err := mp4.EncodeToBytes(ftyp)
	if err != nil {
		return m.fail(err)
	}
	m.queue(0, ftypBytes)

	pos := int64(len(ftypBytes))

	if m.opts.reservedMoovSize > 0 {
		if m.opts.reservedMoovSize < 8 {
			return m.fail(mp4.NewError(mp4.InvalidInput, "reserved moov size must be at least 8 bytes"))
		}
		m.reservedMoovOffset = pos
		free := &mp4.Box{Type: mp4.BoxType{'f', 'r', 'e', 'e'}, Buffer: make([]byte, m.opts.reservedMoovSize-8)}
		freeBytes, err := mp4.EncodeToBytes(free)
		if err != nil {
			return m.fail(err)
		}
		m.queue(pos, freeBytes)
		pos += m.opts.reservedMoovSize
	}

	m.mdatHeaderOffset = pos
	hdr := make([]byte, 16)
	be.PutUint32(hdr[0:4], 1)
	copy(hdr[4:8], "mdat")
	// largesize left at 0; patched by Finalize once the payload length is known.
	m.queue(pos, hdr)

	m.mdatPayloadOffset = pos + 16
	m.expectedDataOffset = m.mdatPayloadOffset
	m.state = stateInitialized
	return nil
}

func (m *Muxer) queue(offset int64, data []byte) {
	m.pending = append(m.pending, outputRegion{offset: offset, data: data})
}

// NextOutput returns the next pending write region. size == 0 means there
// is nothing left to write.
func (m *Muxer) NextOutput() (offset int64, size int, data []byte) {
	if len(m.pending) == 0 {
		return 0, 0, nil
	}
	r := m.pending[0]
	m.pending = m.pending[1:]
	return r.offset, len(r.data), r.data
}

func (m *Muxer) trackFor(kind Kind, timeScale uint32) *track {
	t, ok := m.tracks[kind]
	if ok {
		return t
	}
	m.nextID++
	t = newTrack(m.nextID, kind, timeScale)
	m.tracks[kind] = t
	m.trackOrder = append(m.trackOrder, t)
	return t
}

// AppendSample records one sample. desc is the sample description (e.g. an
// avc1/Opus/mp4a box) and is required on the first sample of a (kind)
// track and whenever the codec configuration changes; it may be nil
// otherwise. dataOffset MUST equal the Muxer's running expected next
// offset, i.e. the value implied by the sum of all previously appended
// sample sizes.
func (m *Muxer) AppendSample(kind Kind, desc *mp4.Box, sync bool, timeScale uint32, duration uint32, dataOffset int64, dataSize uint32) error {
	if m.state != stateInitialized {
		return m.fail(mp4.NewError(mp4.InvalidState, "append_sample called outside the Initialized state"))
	}
	if len(m.pending) != 0 {
		return m.fail(mp4.NewError(mp4.OutputRequired, "pending output must be consumed before append_sample"))
	}
	if dataOffset != m.expectedDataOffset {
		return m.fail(mp4.NewErrorf(mp4.PositionMismatch, "append_sample offset %d, expected %d", dataOffset, m.expectedDataOffset))
	}

	t := m.trackFor(kind, timeScale)
	if desc == nil && len(t.sampleDescriptions) == 0 {
		return m.fail(mp4.NewError(mp4.InvalidInput, "first sample of a track requires a sample description"))
	}

	if m.lastTrack != nil && m.lastTrack != t {
		m.lastTrack.closeChunk()
	}
	t.appendSample(desc, sync, duration, dataOffset, dataSize)
	m.lastTrack = t

	m.expectedDataOffset += int64(dataSize)
	return nil
}

// EstimateMoovSize estimates the maximum moov size for a file with the
// given number of audio and video samples, so callers can size a
// faststart reservation without iterating their own sample list.
func EstimateMoovSize(audioSamples, videoSamples int) int {
	const (
		fixedOverhead  = 8 + 108 + 2*(8+92) // moov+mvhd, 2 tracks' tkhd/mdhd/hdlr/minf/dinf/stbl skeleton (rough)
		perSampleBytes = 4 + 4 + 4          // worst case: stsz entry + stts run + stco/stsc growth
	)
	return fixedOverhead + (audioSamples+videoSamples)*perSampleBytes + 4096
}

// Finalize assembles the complete moov, decides its placement (the
// reserved region if it fits, else appended after mdat), and patches the
// mdat largesize field, queuing all of it for NextOutput.
func (m *Muxer) Finalize() error {
	if m.state != stateInitialized {
		return m.fail(mp4.NewError(mp4.InvalidState, "finalize called outside the Initialized state"))
	}
	if len(m.pending) != 0 {
		return m.fail(mp4.NewError(mp4.OutputRequired, "pending output must be consumed before finalize"))
	}
	if m.lastTrack != nil {
		m.lastTrack.closeChunk()
	}

	mdatSize := m.expectedDataOffset - m.mdatPayloadOffset
	patch := make([]byte, 8)
	be.PutUint64(patch, uint64(16+mdatSize))
	m.queue(m.mdatHeaderOffset+8, patch)

	moovBox := m.buildMoov()
	moovBytes, err := mp4.EncodeToBytes(moovBox)
	if err != nil {
		return m.fail(err)
	}

	if m.opts.reservedMoovSize > 0 && int64(len(moovBytes)) <= m.opts.reservedMoovSize {
		m.queue(m.reservedMoovOffset, moovBytes)
		if remaining := m.opts.reservedMoovSize - int64(len(moovBytes)); remaining > 0 {
			if remaining < 8 {
				return m.fail(mp4.NewError(mp4.Other, "reserved moov region left an unencodable trailing gap"))
			}
			free := &mp4.Box{Type: mp4.BoxType{'f', 'r', 'e', 'e'}, Buffer: make([]byte, remaining-8)}
			freeBytes, err := mp4.EncodeToBytes(free)
			if err != nil {
				return m.fail(err)
			}
			m.queue(m.reservedMoovOffset+int64(len(moovBytes)), freeBytes)
		}
	} else {
		m.queue(m.expectedDataOffset, moovBytes)
	}

	m.state = stateFinalized
	return nil
}

func identityMatrix() [36]byte {
	var m [36]byte
	be.PutUint32(m[0:4], 0x00010000)
	be.PutUint32(m[16:20], 0x00010000)
	be.PutUint32(m[32:36], 0x40000000)
	return m
}

func (m *Muxer) buildMoov() *mp4.Box {
	movieTimeScale := uint32(1000)
	if len(m.trackOrder) > 0 {
		movieTimeScale = m.trackOrder[0].timeScale
	}

	var movieDuration uint64
	for _, t := range m.trackOrder {
		d := t.duration()
		if t.timeScale != 0 {
			// Movie timescale is the first track's; other tracks' durations
			// are converted into it.
			scaled := d * uint64(movieTimeScale) / uint64(t.timeScale)
			if scaled > movieDuration {
				movieDuration = scaled
			}
		}
	}

	ctime := [4]byte{}
	be.PutUint32(ctime[:], uint32(m.opts.creationTimestampMicros/1_000_000))

	mvhd := &mp4.Box{
		Type: mp4.TypeMvhd,
		Mvhd: &mp4.Mvhd{
			CTime:         ctime,
			MTime:         ctime,
			TimeScale:     movieTimeScale,
			Duration:      uint32(movieDuration),
			PreferredRate: [4]byte{0, 1, 0, 0},
			Matrix:        identityMatrix(),
			NextTrackId:   m.nextID + 1,
		},
	}
	be.PutUint16(mvhd.Mvhd.PreferredVolume[:], 0x0100)

	moov := &mp4.Box{Type: mp4.TypeMoov, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeMvhd: {mvhd},
	}}

	for _, t := range m.trackOrder {
		moov.Children[mp4.TypeTrak] = append(moov.Children[mp4.TypeTrak], m.buildTrak(t, ctime))
	}

	return moov
}

func (m *Muxer) buildTrak(t *track, ctime [4]byte) *mp4.Box {
	tkhd := &mp4.Box{
		Type: mp4.TypeTkhd,
		Tkhd: &mp4.Tkhd{
			CTime:   ctime,
			MTime:   ctime,
			TrackId: t.id,
			Matrix:  identityMatrix(),
		},
		Flags: 0x000003, // track enabled + in movie
	}

	handlerType := [4]byte{'m', 'h', 'l', 'r'}
	handlerName := "Handler"
	switch t.kind {
	case KindVideo:
		handlerType = [4]byte{'v', 'i', 'd', 'e'}
		handlerName = "VideoHandler"
		tkhd.Tkhd.Duration = uint32(t.duration())
	case KindAudio:
		handlerType = [4]byte{'s', 'o', 'u', 'n'}
		handlerName = "SoundHandler"
		tkhd.Tkhd.Duration = uint32(t.duration())
	}

	mdhd := &mp4.Box{
		Type: mp4.TypeMdhd,
		Mdhd: &mp4.Mdhd{
			CTime:     padTo8(ctime),
			MTime:     padTo8(ctime),
			TimeScale: t.timeScale,
			Duration:  t.duration(),
			Language:  0x55c4, // "und"
		},
	}

	hdlr := &mp4.Box{Type: mp4.TypeHdlr, Hdlr: &mp4.Hdlr{HandlerType: handlerType, Name: handlerName}}

	dref := &mp4.Box{Type: mp4.TypeDref, Dref: &mp4.DrefBox{Entries: []mp4.DrefEntry{
		{Type: [4]byte{'u', 'r', 'l', ' '}, Buf: []byte{0, 0, 0, 1}},
	}}}
	dinf := &mp4.Box{Type: mp4.TypeDinf, Children: map[mp4.BoxType][]*mp4.Box{mp4.TypeDref: {dref}}}

	stbl := m.buildStbl(t)

	minf := &mp4.Box{Type: mp4.TypeMinf, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeDinf: {dinf},
		mp4.TypeStbl: {stbl},
	}}
	switch t.kind {
	case KindVideo:
		minf.Children[mp4.TypeVmhd] = []*mp4.Box{{Type: mp4.TypeVmhd, Vmhd: &mp4.Vmhd{}}}
	case KindAudio:
		minf.Children[mp4.TypeSmhd] = []*mp4.Box{{Type: mp4.TypeSmhd, Smhd: &mp4.Smhd{}}}
	}

	mdia := &mp4.Box{Type: mp4.TypeMdia, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeMdhd: {mdhd},
		mp4.TypeHdlr: {hdlr},
		mp4.TypeMinf: {minf},
	}}

	return &mp4.Box{Type: mp4.TypeTrak, Children: map[mp4.BoxType][]*mp4.Box{
		mp4.TypeTkhd: {tkhd},
		mp4.TypeMdia: {mdia},
	}}
}

// padTo8 places a 32-bit time where a version-0 Mdhd reads it: the first
// four bytes of CTime/MTime.
func padTo8(t [4]byte) [8]byte {
	var out [8]byte
	copy(out[:4], t[:])
	return out
}

func (m *Muxer) buildStbl(t *track) *mp4.Box {
	stsdEntries := t.sampleDescriptions
	stsd := &mp4.Box{Type: mp4.TypeStsd, Stsd: &mp4.Stsd{Entries: stsdEntries}}

	stts := &mp4.Box{Type: mp4.TypeStts, Stts: &mp4.Stts{Entries: collapseStts(t.durations)}}
	stsz := &mp4.Box{Type: mp4.TypeStsz, Stsz: &mp4.Stsz{SampleSize: 0, Entries: t.sizes}}
	stsc := &mp4.Box{Type: mp4.TypeStsc, Stsc: &mp4.Stsc{Entries: collapseStsc(t.chunkRuns)}}

	children := map[mp4.BoxType][]*mp4.Box{
		mp4.TypeStsd: {stsd},
		mp4.TypeStts: {stts},
		mp4.TypeStsz: {stsz},
		mp4.TypeStsc: {stsc},
	}

	if needsCo64(t.chunkOffsets) {
		entries := make([]uint64, len(t.chunkOffsets))
		for i, o := range t.chunkOffsets {
			entries[i] = uint64(o)
		}
		children[mp4.TypeCo64] = []*mp4.Box{{Type: mp4.TypeCo64, Co64: &mp4.Co64{Entries: entries}}}
	} else {
		entries := make([]uint32, len(t.chunkOffsets))
		for i, o := range t.chunkOffsets {
			entries[i] = uint32(o)
		}
		children[mp4.TypeStco] = []*mp4.Box{{Type: mp4.TypeStco, Stco: &mp4.Stco{Entries: entries}}}
	}

	if !t.allSync {
		var syncs []uint32
		for i, s := range t.syncs {
			if s {
				syncs = append(syncs, uint32(i+1))
			}
		}
		children[mp4.TypeStss] = []*mp4.Box{{Type: mp4.TypeStss, Stco: &mp4.Stco{Entries: syncs}}}
	}

	return &mp4.Box{Type: mp4.TypeStbl, Children: children}
}

func needsCo64(offsets []int64) bool {
	if len(offsets) == 0 {
		return false
	}
	return offsets[len(offsets)-1] > 0xffffffff
}

func collapseStts(durations []uint32) []mp4.STTSEntry {
	var out []mp4.STTSEntry
	for _, d := range durations {
		if n := len(out); n > 0 && out[n-1].Duration == d {
			out[n-1].Count++
			continue
		}
		out = append(out, mp4.STTSEntry{Count: 1, Duration: d})
	}
	return out
}

func collapseStsc(runs []chunkRun) []mp4.STSCEntry {
	var out []mp4.STSCEntry
	for i, r := range runs {
		if n := len(out); n > 0 && out[n-1].SamplesPerChunk == uint32(r.sampleCount) && out[n-1].SampleDescriptionId == r.descIdx {
			continue
		}
		out = append(out, mp4.STSCEntry{
			FirstChunk:          uint32(i + 1),
			SamplesPerChunk:     uint32(r.sampleCount),
			SampleDescriptionId: r.descIdx,
		})
	}
	return out
}
