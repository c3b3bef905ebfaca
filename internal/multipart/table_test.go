package multipart

import (
	"testing"
	"time"

	"github.com/vaska94/kannel/internal/smsmsg"
)

func concatUDH(ref, total, seq byte) []byte {
	return []byte{0x05, 0x00, 0x03, ref, total, seq}
}

func TestOfferAssemblesThreePartsInOrder(t *testing.T) {
	tbl := New(300 * time.Second)

	parts := []struct {
		seq  byte
		text string
	}{
		{1, "Hel"}, {3, "wrld"}, {2, "lo "},
	}

	var assembled *smsmsg.Message
	for _, p := range parts {
		msg := &smsmsg.Message{
			Kind: smsmsg.KindMO, Sender: "+100", Text: []byte(p.text),
			UDH: concatUDH(7, 3, p.seq),
		}
		out := tbl.Offer(msg)
		if out != nil {
			assembled = out
		}
	}

	if assembled == nil {
		t.Fatal("expected assembled message after all 3 parts offered")
	}
	if string(assembled.Text) != "Hello wrld" {
		t.Fatalf("got text %q, want %q", assembled.Text, "Hello wrld")
	}
	if len(assembled.UDH) != 0 {
		t.Fatalf("expected assembled message to have no udh, got %x", assembled.UDH)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected entry removed after assembly, Len()=%d", tbl.Len())
	}
}

func TestOfferPassesThroughNonConcat(t *testing.T) {
	tbl := New(300 * time.Second)
	msg := &smsmsg.Message{Sender: "+100", Text: []byte("plain")}
	out := tbl.Offer(msg)
	if out != msg {
		t.Fatal("expected non-concat message to pass through unchanged")
	}
}

func TestOfferTotalOneAssemblesImmediately(t *testing.T) {
	tbl := New(300 * time.Second)
	msg := &smsmsg.Message{Sender: "+100", Text: []byte("solo"), UDH: concatUDH(9, 1, 1)}
	out := tbl.Offer(msg)
	if out == nil {
		t.Fatal("expected immediate assembly for total=1")
	}
	if string(out.Text) != "solo" {
		t.Fatalf("got %q", out.Text)
	}
}

func TestSweepExpiresIncompleteEntry(t *testing.T) {
	tbl := New(10 * time.Millisecond)
	msg1 := &smsmsg.Message{Sender: "+100", Text: []byte("Hel"), UDH: concatUDH(7, 3, 1)}
	msg3 := &smsmsg.Message{Sender: "+100", Text: []byte("wrld"), UDH: concatUDH(7, 3, 3)}

	if out := tbl.Offer(msg1); out != nil {
		t.Fatal("should not assemble with only 1 of 3 parts")
	}
	if out := tbl.Offer(msg3); out != nil {
		t.Fatal("should not assemble with only 2 of 3 parts")
	}

	time.Sleep(20 * time.Millisecond)
	if n := tbl.Sweep(); n != 1 {
		t.Fatalf("expected 1 expired entry, got %d", n)
	}
	if tbl.Len() != 0 {
		t.Fatal("expected entry removed after sweep")
	}
}

func TestDifferentSendersIndependent(t *testing.T) {
	tbl := New(300 * time.Second)
	a := &smsmsg.Message{Sender: "A", Text: []byte("x"), UDH: concatUDH(1, 2, 1)}
	b := &smsmsg.Message{Sender: "B", Text: []byte("y"), UDH: concatUDH(1, 2, 1)}
	tbl.Offer(a)
	tbl.Offer(b)
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 independent entries, got %d", tbl.Len())
	}
}

func TestDisabledTablePassesThrough(t *testing.T) {
	tbl := Disabled()
	msg := &smsmsg.Message{Sender: "+100", UDH: concatUDH(1, 3, 1)}
	out := tbl.Offer(msg)
	if out != msg {
		t.Fatal("expected disabled table to pass every message through")
	}
	if n := tbl.Sweep(); n != 0 {
		t.Fatalf("expected no-op sweep on disabled table, got %d", n)
	}
}
