// Package segment implements outbound long-message segmentation using
// 8-bit-reference concatenation UDHs (spec §4.4).
package segment

import (
	"sync/atomic"

	"github.com/vaska94/kannel/internal/logging"
	"github.com/vaska94/kannel/internal/smsmsg"
)

const (
	gsm7Capacity = 160
	ucs2Capacity = 70
	partCapacity = 140 // octets per part once split

	udhTagConcat8 = 0x05
	udhLenConcat8 = 0x00
	udhIEConcat8  = 0x03
)

// ref is the process-wide, monotonically-incrementing 8-bit
// concatenation reference counter (spec §4.4).
var ref uint32

func nextRef() byte {
	return byte(atomic.AddUint32(&ref, 1) % 256)
}

// NeedsSplit reports whether msg must be segmented: no UDH already
// present, and the text exceeds the per-coding single-part capacity.
func NeedsSplit(m *smsmsg.Message) bool {
	if len(m.UDH) > 0 {
		return false
	}
	capacity := gsm7Capacity
	if m.Coding == smsmsg.CodingUCS2 {
		capacity = ucs2Capacity
	}
	return len(m.Text) > capacity
}

// Split breaks msg into outbound parts, each carrying an 8-bit
// concatenation UDH with a shared ref, increasing seq from 1, and a
// constant total. If msg does not need splitting, Split returns a
// single-element slice containing msg unchanged.
func Split(m *smsmsg.Message) []*smsmsg.Message {
	if !NeedsSplit(m) {
		return []*smsmsg.Message{m}
	}

	chunks := chunkText(m.Text, partCapacity)
	total := len(chunks)
	if total == 0 {
		// Splitter produced nothing: send the original as-is with a
		// warning, per spec §4.4.
		logging.Warnf("segment: splitter produced no parts, sending original message unsplit")
		return []*smsmsg.Message{m}
	}
	if total > 255 {
		total = 255
		chunks = chunks[:255]
	}

	r := nextRef()
	parts := make([]*smsmsg.Message, 0, total)
	for i, chunk := range chunks {
		p := m.Clone()
		p.ID = smsmsg.NewID()
		p.Text = chunk
		p.UDH = []byte{udhTagConcat8, udhLenConcat8, udhIEConcat8, r, byte(total), byte(i + 1)}
		parts = append(parts, p)
	}
	return parts
}

func chunkText(text []byte, capacity int) [][]byte {
	if len(text) == 0 {
		return nil
	}
	var chunks [][]byte
	for len(text) > 0 {
		n := capacity
		if n > len(text) {
			n = len(text)
		}
		chunk := make([]byte, n)
		copy(chunk, text[:n])
		chunks = append(chunks, chunk)
		text = text[n:]
	}
	return chunks
}
