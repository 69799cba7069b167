// obo-client subscribes to a numibookd WebSocket endpoint, decodes the OBO
// stream and verifies per-instrument sequence continuity. Useful for smoke
// tests and eyeballing a live feed.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Numi2/Numi-orderbook/pkg/obo"
)

func main() {
	var (
		url      = flag.String("url", "ws://127.0.0.1:8444/ws", "WebSocket endpoint")
		snapshot = flag.Bool("snapshot", true, "request a book snapshot on connect")
		verbose  = flag.Bool("v", false, "print every frame")
	)
	flag.Parse()

	target := *url
	if *snapshot {
		target += "?snapshot=1"
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "obo-client: dial %s: %v\n", target, err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("connected to %s\n", target)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var (
		frames    uint64
		bytes     uint64
		holes     uint64
		gaps      uint64
		inSnap    bool
		lastSeq   = make(map[uint64]uint64)
		typeTally = make(map[uint16]uint64)
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintf(os.Stderr, "read: %v\n", err)
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			frames++
			bytes += uint64(len(data))

			hdr, err := obo.ParseHeader(data)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad frame: %v\n", err)
				continue
			}
			typeTally[hdr.MessageType]++
			payload := data[obo.HeaderSize : obo.HeaderSize+int(hdr.PayloadLen)]

			switch hdr.MessageType {
			case obo.MsgSnapshotStart:
				inSnap = true
				fmt.Println("snapshot start")
			case obo.MsgSnapshotEnd:
				inSnap = false
				fmt.Println("snapshot end")
			case obo.MsgGap:
				if g, err := obo.ParseGap(payload); err == nil {
					gaps++
					fmt.Printf("GAP [%d..%d]\n", g.From, g.To)
				}
			case obo.MsgHeartbeat:
				// keepalive
			default:
				// Snapshot frames carry sequence zero; only the live tail is
				// checked for holes.
				if hdr.Sequence > 0 {
					if last, ok := lastSeq[hdr.InstrumentID]; ok && hdr.Sequence != last+1 {
						holes++
						fmt.Printf("HOLE instr=%d got=%d want=%d\n", hdr.InstrumentID, hdr.Sequence, last+1)
					}
					lastSeq[hdr.InstrumentID] = hdr.Sequence
				}
				if *verbose {
					printEvent(hdr, payload, inSnap)
				}
			}
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			fmt.Printf("\nframes=%d bytes=%d instruments=%d holes=%d gaps=%d\n",
				frames, bytes, len(lastSeq), holes, gaps)
			for t, c := range typeTally {
				fmt.Printf("  type %d: %d\n", t, c)
			}
			return
		case <-done:
			return
		case <-ticker.C:
			fmt.Printf("frames=%d bytes=%d instruments=%d holes=%d gaps=%d\n",
				frames, bytes, len(lastSeq), holes, gaps)
		}
	}
}

func printEvent(hdr obo.Header, payload []byte, inSnap bool) {
	prefix := ""
	if inSnap {
		prefix = "snap "
	}
	switch hdr.MessageType {
	case obo.MsgOboAdd:
		if a, err := obo.ParseAdd(payload); err == nil {
			side := "bid"
			if a.Side == 1 {
				side = "ask"
			}
			fmt.Printf("%sADD instr=%d seq=%d oid=%d %s px=%d qty=%d\n",
				prefix, hdr.InstrumentID, hdr.Sequence, a.OrderID, side, a.PriceE8, a.Qty)
		}
	case obo.MsgOboModify:
		if m, err := obo.ParseModify(payload); err == nil {
			fmt.Printf("%sMOD instr=%d seq=%d oid=%d qty=%d\n",
				prefix, hdr.InstrumentID, hdr.Sequence, m.OrderID, m.NewQty)
		}
	case obo.MsgOboCancel:
		if c, err := obo.ParseCancel(payload); err == nil {
			fmt.Printf("%sCXL instr=%d seq=%d oid=%d\n",
				prefix, hdr.InstrumentID, hdr.Sequence, c.OrderID)
		}
	case obo.MsgOboExecute:
		if e, err := obo.ParseExecute(payload); err == nil {
			fmt.Printf("%sEXE instr=%d seq=%d maker=%d px=%d qty=%d\n",
				prefix, hdr.InstrumentID, hdr.Sequence, e.MakerOrderID, e.TradePriceE8, e.TradeQty)
		}
	}
}
