//go:build windows
// +build windows

package filter

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
)

// filterImpl captures outbound TCP RST packets at the network layer
// with WinDivert and drops the ones matching a rule this instance
// installed, re-injecting everything else untouched.
type filterImpl struct {
	handle    *divert.Handle
	stopChan  chan struct{}
	isRunning bool
	ruleSet   map[string]bool
	mutex     sync.Mutex
	udp       *udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	return &filterImpl{
		ruleSet: make(map[string]bool),
		udp:     NewUdpServerFilter(),
	}, nil
}

// AddTcpClientFiltering registers dstAddr:dstPort for RST suppression,
// starting the WinDivert capture loop on the first rule.
func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	ruleKey := fmt.Sprintf("%s:%d", dstAddr, dstPort)
	if f.ruleSet[ruleKey] {
		return fmt.Errorf("filter: rule already exists: %s", ruleKey)
	}

	if !f.isRunning {
		h, err := divert.Open("tcp.Rst", divert.LayerNetwork, 0, 0)
		if err != nil {
			return fmt.Errorf("filter: opening WinDivert handle: %w", err)
		}
		f.handle = h
		f.stopChan = make(chan struct{})
		f.isRunning = true

		go f.runFilteringLoop()
	}

	f.ruleSet[ruleKey] = true
	return nil
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	f.mutex.Lock()

	ruleKey := fmt.Sprintf("%s:%d", dstAddr, dstPort)
	if !f.ruleSet[ruleKey] {
		f.mutex.Unlock()
		return fmt.Errorf("filter: rule not found: %s", ruleKey)
	}

	delete(f.ruleSet, ruleKey)
	empty := len(f.ruleSet) == 0
	f.mutex.Unlock()

	if empty {
		return f.FinishFiltering()
	}
	return nil
}

// FinishFiltering stops the capture loop and clears every rule this
// instance installed.
func (f *filterImpl) FinishFiltering() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.isRunning {
		return errors.New("filter: no active filtering rules")
	}

	close(f.stopChan)
	f.isRunning = false
	f.ruleSet = make(map[string]bool)
	return nil
}

func (f *filterImpl) runFilteringLoop() {
	defer func() {
		f.mutex.Lock()
		f.handle.Close()
		f.isRunning = false
		f.mutex.Unlock()
	}()

	buf := make([]byte, 1500)
	addr := divert.Address{}

	for {
		select {
		case <-f.stopChan:
			log.Println("filter: stopping WinDivert capture loop")
			return
		default:
			n, err := f.handle.Recv(buf, &addr)
			if err != nil {
				log.Println("filter: WinDivert recv failed:", err)
				continue
			}

			packet := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.Default)
			if packet == nil {
				continue
			}

			ipv4Layer := packet.Layer(layers.LayerTypeIPv4)
			if ipv4Layer == nil {
				continue
			}
			ipv4, _ := ipv4Layer.(*layers.IPv4)

			tcpLayer := packet.Layer(layers.LayerTypeTCP)
			if tcpLayer == nil {
				continue
			}
			tcp, _ := tcpLayer.(*layers.TCP)

			ruleKey := fmt.Sprintf("%s:%d", ipv4.DstIP, tcp.DstPort)
			f.mutex.Lock()
			drop := f.ruleSet[ruleKey]
			f.mutex.Unlock()
			if drop {
				log.Printf("filter: dropping RST toward %s\n", ruleKey)
				continue
			}

			if _, err := f.handle.Send(buf[:n], &addr); err != nil {
				log.Println("filter: WinDivert reinject failed:", err)
			}
		}
	}
}

// AddTcpServerFiltering binds a listener on srcAddr:srcPort just long
// enough to make the kernel aware of the port, which is what actually
// stops it from answering with RSTs on this platform.
func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	address := fmt.Sprintf("%s:%d", srcAddr, srcPort)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("filter: binding listener on %s: %w", address, err)
	}

	tcpListener, ok := listener.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("filter: listener on %s was not a TCPListener", address)
	}
	tcpListener.SetDeadline(time.Now().Add(1 * time.Second))

	return nil
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	return nil
}

func (f *filterImpl) AddUdpServerFiltering(srcAddr string) error {
	return f.udp.AddUdpServerFiltering(srcAddr)
}

func (f *filterImpl) RemoveUdpServerFiltering(srcAddr string) error {
	return f.udp.RemoveUdpServerFiltering(srcAddr)
}

func (f *filterImpl) AddUdpClientFiltering(dstAddr string) error {
	return nil
}

func (f *filterImpl) RemoveUdpClientFiltering(dstAddr string) error {
	return nil
}
