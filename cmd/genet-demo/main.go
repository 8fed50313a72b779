// Command genet-demo runs the loopback-connect scenario and then one
// reliable "hello" from B to A end to end over real UDP sockets, and
// pretty-prints the resulting events, in the spirit of the pack's many cmd/*/main.go
// entry points built around one capability each.
package main

import (
	"log"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/opd-ai/genet"
)

func main() {
	runID := uuid.New().String()
	pterm.DefaultHeader.WithFullWidth().Println("genet demo — run " + runID)

	sockA, err := genet.NewUDPSocket(":12345")
	must(err)
	sockB, err := genet.NewUDPSocket(":12346")
	must(err)

	hostA, err := genet.NewHost(sockA, genet.HostConfig{PeerCount: 1, ChannelLimit: 2})
	must(err)
	hostB, err := genet.NewHost(sockB, genet.HostConfig{PeerCount: 1, ChannelLimit: 2})
	must(err)

	addrA, err := net.ResolveUDPAddr("udp", "127.0.0.1:12345")
	must(err)

	pterm.Info.Println("B connecting to A...")
	peerB, err := hostB.Connect(addrA, 2, 0xDEADBEEF)
	must(err)

	var peerA *genet.Peer
	rows := [][]string{{"Host", "Event", "Peer", "Channel", "Data"}}

	for i := 0; i < 50 && (peerA == nil || peerB.State != genet.PeerStateConnected); i++ {
		drain(hostA, "A", &rows, &peerA)
		drain(hostB, "B", &rows, nil)
		time.Sleep(10 * time.Millisecond)
	}

	tbl, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	pterm.Println(tbl)

	if peerA == nil {
		pterm.Error.Println("A never observed the connect handshake")
		return
	}

	pterm.Info.Println("B sending \"hello\" reliably on channel 0...")
	must(peerB.Send(0, genet.NewPacket([]byte("hello"), genet.PacketReliable, nil), genet.PacketReliable))

	rows = rows[:1]
	for i := 0; i < 50; i++ {
		drain(hostA, "A", &rows, nil)
		drain(hostB, "B", &rows, nil)
		time.Sleep(10 * time.Millisecond)
	}
	tbl, _ = pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	pterm.Println(tbl)

	stats, _ := pterm.DefaultTable.WithHasHeader().WithData([][]string{
		{"Metric", "Peer A side"},
		{"round trip time", itoa(peerA.RoundTripTime) + "ms"},
		{"packet throttle", itoa(peerA.PacketThrottle)},
	}).Srender()
	pterm.Println(stats)
}

func drain(h *genet.Host, label string, rows *[][]string, out **genet.Peer) {
	ev, err := h.Service(0)
	if err != nil {
		log.Printf("%s: service error: %v", label, err)
		return
	}
	if ev.Type == genet.EventNone {
		return
	}
	slot := "-"
	if ev.Peer != nil {
		slot = itoa32(uint32(ev.Peer.IncomingPeerID))
	}
	bytes := "-"
	if ev.Packet != nil {
		bytes = string(ev.Packet.Data)
		ev.Packet.Release()
	}
	*rows = append(*rows, []string{label, ev.Type.String(), slot, itoa32(uint32(ev.ChannelID)), orString(bytes, itoa32(ev.Data))})
	if ev.Type == genet.EventConnect && out != nil {
		*out = ev.Peer
	}
}

func orString(bytes, fallback string) string {
	if bytes != "-" {
		return bytes
	}
	return fallback
}

func itoa(n uint32) string   { return itoa32(n) }
func itoa32(n uint32) string { return strconv.FormatUint(uint64(n), 10) }

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
