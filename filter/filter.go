// Package filter suppresses the kernel's own RST replies to regular-TCP
// traffic a raw subflow generates -- the kernel's TCP stack never heard
// of the connection rawsubflow.Conn is driving by hand, so without this
// it answers every inbound segment with a RST of its own (spec §6.3's
// Design Note). It also quiets the ICMP port-unreachable replies a raw
// UDP-less peer would otherwise see.
package filter

import (
	"fmt"
	"log"
	"net"
	"sync"
)

// Filter is the platform contract one Manager installs once per raw
// subflow pair it drives (spec §6.3).
type Filter interface {
	// AddTcpClientFiltering drops outbound RSTs the kernel would send
	// toward dstAddr:dstPort on behalf of a dial-side raw subflow.
	AddTcpClientFiltering(dstAddr string, dstPort int) error
	RemoveTcpClientFiltering(dstAddr string, dstPort int) error

	// AddTcpServerFiltering drops outbound RSTs the kernel would send
	// from a listen-side raw subflow's own local port.
	AddTcpServerFiltering(srcAddr string, srcPort int) error
	RemoveTcpServerFiltering(srcAddr string, srcPort int) error

	// FinishFiltering tears down every rule this Filter installed.
	FinishFiltering() error

	// AddUdpServerFiltering and AddUdpClientFiltering quiet ICMP
	// port-unreachable traffic a raw-socket peer with no real UDP
	// listener would otherwise provoke.
	AddUdpServerFiltering(srcAddr string) error
	RemoveUdpServerFiltering(srcAddr string) error
	AddUdpClientFiltering(dstAddr string) error
	RemoveUdpClientFiltering(dstAddr string) error
}

// udpServerFilter is shared between platforms that have nothing better
// than a dummy bound socket to stop the kernel emitting ICMP
// port-unreachable for a raw UDP server address.
type udpServerFilter struct {
	bound sync.Map // srcAddr -> *net.UDPConn
}

func NewUdpServerFilter() *udpServerFilter {
	return &udpServerFilter{}
}

func (u *udpServerFilter) AddUdpServerFiltering(srcAddr string) error {
	if _, exists := u.bound.Load(srcAddr); exists {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", srcAddr)
	if err != nil {
		return fmt.Errorf("filter: invalid UDP address %q: %w", srcAddr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("filter: could not bind dummy UDP server on %s: %w", srcAddr, err)
	}

	u.bound.Store(srcAddr, conn)
	log.Printf("filter: dummy UDP server bound on %s to suppress ICMP unreachable", srcAddr)
	return nil
}

func (u *udpServerFilter) RemoveUdpServerFiltering(srcAddr string) error {
	conn, exists := u.bound.Load(srcAddr)
	if !exists {
		return nil
	}
	u.bound.Delete(srcAddr)
	conn.(*net.UDPConn).Close()
	log.Printf("filter: dummy UDP server on %s stopped", srcAddr)
	return nil
}
