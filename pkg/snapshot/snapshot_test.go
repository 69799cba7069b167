package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Numi2/Numi-orderbook/pkg/book"
	"github.com/Numi2/Numi-orderbook/pkg/decode"
)

func buildBook() *book.Book {
	bk := book.New(book.Options{})
	events := []decode.Event{
		{Kind: decode.KindAdd, OrderID: 1, Instrument: 7, Side: decode.Bid, Price: 100, Qty: 5},
		{Kind: decode.KindAdd, OrderID: 2, Instrument: 7, Side: decode.Bid, Price: 100, Qty: 6},
		{Kind: decode.KindAdd, OrderID: 3, Instrument: 7, Side: decode.Ask, Price: 101, Qty: 7},
		{Kind: decode.KindAdd, OrderID: 4, Instrument: 11, Side: decode.Ask, Price: 55, Qty: 8},
	}
	for i := range events {
		bk.Apply(&events[i])
	}
	return bk
}

func TestFileRoundTrip(t *testing.T) {
	bk := buildBook()
	path := filepath.Join(t.TempDir(), "book.snap")

	if err := WriteAtomic(path, bk.ExportAll()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}

	exp, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	restored := book.FromExport(exp, book.Options{})

	for _, instr := range []uint64{7, 11} {
		wantBid, wantAsk := bk.BBOOf(instr)
		gotBid, gotAsk := restored.BBOOf(instr)
		if wantBid != gotBid || wantAsk != gotAsk {
			t.Errorf("instr %d BBO: want %+v/%+v got %+v/%+v", instr, wantBid, wantAsk, gotBid, gotAsk)
		}
		var want, got []book.OrderExport
		bk.Instrument(instr).SnapshotIter(func(o book.OrderExport) { want = append(want, o) })
		restored.Instrument(instr).SnapshotIter(func(o book.OrderExport) { got = append(got, o) })
		if len(want) != len(got) {
			t.Fatalf("instr %d orders: want %d got %d", instr, len(want), len(got))
		}
		for i := range want {
			if want[i] != got[i] {
				t.Errorf("instr %d order %d: want %+v got %+v", instr, i, want[i], got[i])
			}
		}
	}
	if restored.LiveOrders() != bk.LiveOrders() {
		t.Errorf("live orders: want %d got %d", bk.LiveOrders(), restored.LiveOrders())
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	img := Encode(buildBook().ExportAll())

	if _, err := Decode(img[:10]); err == nil {
		t.Error("short image accepted")
	}

	bad := append([]byte(nil), img...)
	bad[0] = 'X'
	if _, err := Decode(bad); err == nil {
		t.Error("bad magic accepted")
	}

	bad = append([]byte(nil), img...)
	bad[8] = 99
	if _, err := Decode(bad); err == nil {
		t.Error("bad version accepted")
	}

	if _, err := Decode(img[:len(img)-5]); err == nil {
		t.Error("truncated order records accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.snap"))
	if !os.IsNotExist(err) {
		t.Errorf("got %v, want not-exist", err)
	}
}

func TestEmptyBookRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.snap")
	if err := WriteAtomic(path, book.New(book.Options{}).ExportAll()); err != nil {
		t.Fatal(err)
	}
	exp, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(exp.Instruments) != 0 {
		t.Errorf("instruments: %d", len(exp.Instruments))
	}
}
