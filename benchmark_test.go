package mp4_test

import (
	"os"
	"testing"

	mp4 "github.com/gomp4/isobmff"
	"github.com/gomp4/isobmff/sampletable"
)

func loadTestFile(b *testing.B) []byte {
	b.Helper()
	data, err := os.ReadFile("video-media-samples/big-buck-bunny-480p-30sec.mp4")
	if err != nil {
		b.Skipf("test file not available: %v", err)
	}
	return data
}

func findTopLevel(b *testing.B, data []byte, want mp4.BoxType) (start, end int) {
	b.Helper()
	pos := 0
	for pos < len(data) {
		h, err := mp4.ReadHeaders(data, pos, len(data))
		if err != nil {
			b.Fatal(err)
		}
		size := int(h.Size)
		if h.Size == 0 {
			size = len(data) - pos
		}
		if h.Type == want {
			return pos, pos + size
		}
		pos += size
	}
	return 0, 0
}

// BenchmarkDecodeTopLevel walks every top-level box of a real file, fully
// decoding moov and leaving everything else at header inspection only.
func BenchmarkDecodeTopLevel(b *testing.B) {
	data := loadTestFile(b)
	b.SetBytes(int64(len(data)))

	for i := 0; i < b.N; i++ {
		pos := 0
		for pos < len(data) {
			h, err := mp4.ReadHeaders(data, pos, len(data))
			if err != nil {
				b.Fatal(err)
			}
			size := int(h.Size)
			if h.Size == 0 {
				size = len(data) - pos
			}
			if h.Type == mp4.TypeMoov {
				if _, err := mp4.Decode(data, pos, pos+size); err != nil {
					b.Fatal(err)
				}
			}
			pos += size
		}
	}
}

// BenchmarkDecodeEncodeMoov round-trips moov: decode to the typed tree,
// re-encode back to bytes.
func BenchmarkDecodeEncodeMoov(b *testing.B) {
	data := loadTestFile(b)
	start, end := findTopLevel(b, data, mp4.TypeMoov)
	if end == 0 {
		b.Skip("file has no moov box")
	}
	b.SetBytes(int64(end - start))

	for i := 0; i < b.N; i++ {
		box, err := mp4.Decode(data, start, end)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := mp4.EncodeToBytes(box); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSampleTableGet measures random-access Get cost on the first
// video track's sample table once built.
func BenchmarkSampleTableGet(b *testing.B) {
	data := loadTestFile(b)
	start, end := findTopLevel(b, data, mp4.TypeMoov)
	if end == 0 {
		b.Skip("file has no moov box")
	}
	moov, err := mp4.Decode(data, start, end)
	if err != nil {
		b.Fatal(err)
	}

	trak := firstVideoTrak(moov)
	if trak == nil {
		b.Skip("file has no video track")
	}
	stbl := trak.Child(mp4.TypeMdia).Child(mp4.TypeMinf).Child(mp4.TypeStbl)
	table, err := sampletable.New(stbl)
	if err != nil {
		b.Fatal(err)
	}
	n := table.Count()
	if n == 0 {
		b.Skip("track has no samples")
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := table.Get(i % n); err != nil {
			b.Fatal(err)
		}
	}
}

func firstVideoTrak(moov *mp4.Box) *mp4.Box {
	for _, trak := range moov.ChildList(mp4.TypeTrak) {
		mdia := trak.Child(mp4.TypeMdia)
		if mdia == nil {
			continue
		}
		hdlr := mdia.Child(mp4.TypeHdlr)
		if hdlr != nil && hdlr.Hdlr != nil && hdlr.Hdlr.HandlerType == ([4]byte{'v', 'i', 'd', 'e'}) {
			return trak
		}
	}
	return nil
}
