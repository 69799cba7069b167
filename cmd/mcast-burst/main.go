// mcast-burst generates a synthetic sequenced feed for bring-up and load
// testing: fixed_binary ADD messages behind a big-endian u64 sequence prefix,
// sent to the A and B multicast groups with configurable loss, duplication
// and reorder to exercise the merge stage.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"
)

func main() {
	var (
		groupA  = flag.String("group-a", "239.10.10.1:5001", "feed A group:port")
		groupB  = flag.String("group-b", "239.10.10.2:5002", "feed B group:port; empty disables B")
		packets = flag.Uint64("packets", 100000, "packets to send")
		rate    = flag.Uint64("rate", 10000, "packets per second (0 = unthrottled)")
		instr   = flag.Uint64("instr", 7, "instrument id for generated orders")
		dropA   = flag.Float64("drop-a", 0, "probability of dropping a packet on A")
		dropB   = flag.Float64("drop-b", 0, "probability of dropping a packet on B")
		dupeA   = flag.Float64("dupe-a", 0, "probability of duplicating a packet on A")
		swapA   = flag.Float64("swap-a", 0, "probability of swapping adjacent packets on A")
		seed    = flag.Int64("seed", 1, "rng seed")
	)
	flag.Parse()

	connA, err := dial(*groupA)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcast-burst: %v\n", err)
		os.Exit(1)
	}
	defer connA.Close()

	var connB *net.UDPConn
	if *groupB != "" {
		connB, err = dial(*groupB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mcast-burst: %v\n", err)
			os.Exit(1)
		}
		defer connB.Close()
	}

	rng := rand.New(rand.NewSource(*seed))
	var nanosPerPkt time.Duration
	if *rate > 0 {
		nanosPerPkt = time.Second / time.Duration(*rate)
	}

	var pendingA []byte // held back for adjacent swap
	start := time.Now()
	for seq := uint64(1); seq <= *packets; seq++ {
		pkt := buildPacket(seq, *instr)

		// Feed A with fault injection.
		if rng.Float64() >= *dropA {
			if pendingA != nil {
				connA.Write(pkt)
				connA.Write(pendingA)
				pendingA = nil
			} else if rng.Float64() < *swapA {
				pendingA = pkt
			} else {
				connA.Write(pkt)
				if rng.Float64() < *dupeA {
					connA.Write(pkt)
				}
			}
		}

		// Feed B is a clean mirror with its own loss.
		if connB != nil && rng.Float64() >= *dropB {
			connB.Write(pkt)
		}

		if nanosPerPkt > 0 {
			time.Sleep(nanosPerPkt)
		}
	}
	if pendingA != nil {
		connA.Write(pendingA)
	}
	fmt.Printf("sent %d packets in %v\n", *packets, time.Since(start))
}

func dial(hostport string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", hostport, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostport, err)
	}
	return conn, nil
}

// buildPacket emits [seq u64 BE] then one fixed_binary ADD: a bid ladder
// walking down from price 100e8 with qty 10, order id = seq. The decoder
// consumes the sequence prefix as an empty template and self-aligns.
func buildPacket(seq, instr uint64) []byte {
	const bodyLen = 8 + 4 + 1 + 8 + 8
	pkt := make([]byte, 8+8+bodyLen)
	binary.BigEndian.PutUint64(pkt[0:8], seq)

	// SBE-like header: block_len, template 1001 (add), schema, version
	binary.LittleEndian.PutUint16(pkt[8:10], bodyLen)
	binary.LittleEndian.PutUint16(pkt[10:12], 1001)
	binary.LittleEndian.PutUint16(pkt[12:14], 1)
	binary.LittleEndian.PutUint16(pkt[14:16], 1)

	body := pkt[16:]
	binary.LittleEndian.PutUint64(body[0:8], seq)           // order id
	binary.LittleEndian.PutUint32(body[8:12], uint32(instr)) // instrument
	body[12] = 0                                             // bid
	price := int64(100_00000000) - int64(seq%100)*100000000
	binary.LittleEndian.PutUint64(body[13:21], uint64(price))
	binary.LittleEndian.PutUint64(body[21:29], 10) // qty
	return pkt
}
