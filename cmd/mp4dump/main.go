// Command mp4dump reads an MP4 file and prints its box structure and,
// optionally, its decoded sample timeline.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	mp4 "github.com/gomp4/isobmff"
	"github.com/gomp4/isobmff/demux"
)

// Format specifies the output format.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// BoxNode is a box in the tree structure.
type BoxNode struct {
	Type     string    `json:"type"`
	Size     uint64    `json:"size"`
	Version  *uint8    `json:"version,omitempty"`
	Flags    *uint32   `json:"flags,omitempty"`
	Children []BoxNode `json:"children,omitempty"`
}

func main() {
	formatFlag := flag.String("format", "text", "output format: text (default), json")
	samplesFlag := flag.Bool("samples", false, "also dump the decoded sample timeline")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [--format=text|json] [--samples] <file.mp4>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	format := FormatText
	switch strings.ToLower(*formatFlag) {
	case "json":
		format = FormatJSON
	case "text":
		format = FormatText
	default:
		fmt.Fprintf(os.Stderr, "unknown format: %s\n", *formatFlag)
		os.Exit(1)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading file: %v\n", err)
		os.Exit(1)
	}

	root, err := scanBoxes(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error scanning boxes: %v\n", err)
		os.Exit(1)
	}

	printTree(root, format)

	if *samplesFlag {
		if err := dumpSamples(data); err != nil {
			fmt.Fprintf(os.Stderr, "error dumping samples: %v\n", err)
			os.Exit(1)
		}
	}
}

// scanBoxes walks the file as a flat top-level box sequence, decoding only
// ftyp and moov (which are small and metadata-only) to produce a full tree, and
// reporting every other top-level box by header alone.
func scanBoxes(data []byte) ([]BoxNode, error) {
	var root []BoxNode
	pos := 0
	for pos < len(data) {
		h, err := mp4.ReadHeaders(data, pos, len(data))
		if err != nil {
			return nil, err
		}
		size := int(h.Size)
		if h.Size == 0 {
			size = len(data) - pos
		}
		if size == 0 || pos+size > len(data) {
			return nil, mp4.NewErrorf(mp4.InvalidData, "box %s: truncated at offset %d", h.Type, pos)
		}

		node := BoxNode{Type: h.Type.String(), Size: uint64(size)}

		if h.Type == mp4.TypeMoov || h.Type == mp4.TypeFtyp {
			box, err := mp4.Decode(data, pos, pos+size)
			if err != nil {
				return nil, err
			}
			node.Children = boxChildren(box)
		}

		root = append(root, node)
		pos += size
	}
	return root, nil
}

func boxChildren(box *mp4.Box) []BoxNode {
	var nodes []BoxNode
	for _, children := range box.Children {
		for _, child := range children {
			nodes = append(nodes, boxNode(child))
		}
	}
	for _, child := range box.OtherBoxes {
		nodes = append(nodes, boxNode(child))
	}
	return nodes
}

func boxNode(box *mp4.Box) BoxNode {
	node := BoxNode{Type: box.Type.String(), Size: box.Size}
	if box.HasFullBox {
		v := box.Version
		f := box.Flags
		node.Version = &v
		node.Flags = &f
	}
	if stsd := box.Stsd; stsd != nil {
		for _, e := range stsd.Entries {
			node.Children = append(node.Children, boxNode(e))
		}
		return node
	}
	node.Children = boxChildren(box)
	return node
}

// dumpSamples drives the sans-I/O demux engine over the in-memory file and
// prints the globally ordered sample timeline.
func dumpSamples(data []byte) error {
	d := demux.New()
	for {
		pos, size := d.RequiredInput()
		if size == 0 {
			break
		}
		end := pos + size
		if size < 0 || end > int64(len(data)) {
			end = int64(len(data))
		}
		if pos >= int64(len(data)) {
			return io.ErrUnexpectedEOF
		}
		if err := d.HandleInput(pos, data[pos:end]); err != nil {
			return err
		}
	}

	fmt.Println("\nsamples:")
	for {
		s, err := d.NextSample()
		if err != nil {
			if mp4.CodeOf(err) == mp4.NoMoreSamples {
				return nil
			}
			return err
		}
		kind := "other"
		switch s.Track.Kind {
		case demux.KindVideo:
			kind = "video"
		case demux.KindAudio:
			kind = "audio"
		}
		fmt.Printf("  track=%d(%s) idx=%d dts=%d pts=%d size=%d offset=%d sync=%v\n",
			s.Track.ID, kind, s.Index, s.DTS, s.PTS(), s.Size, s.Offset, s.Sync)
	}
}

// printTree prints the tree in the specified format.
func printTree(nodes []BoxNode, format Format) {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(nodes); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		}
	case FormatText:
		for _, node := range nodes {
			printNodeText(node, 0)
		}
	}
}

func printNodeText(node BoxNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s[%s] size=%d", indent, node.Type, node.Size)
	if node.Version != nil {
		fmt.Printf(" v=%d", *node.Version)
	}
	if node.Flags != nil {
		fmt.Printf(" flags=0x%06x", *node.Flags)
	}
	fmt.Println()
	for _, child := range node.Children {
		printNodeText(child, depth+1)
	}
}
