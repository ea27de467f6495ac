// Package rawsubflow implements the mptcp.SubflowTransport contract
// over a raw IP socket, the same layer lib/pconn.go in the pseudo-TCP
// stack builds its custom protocol frames on top of.
package rawsubflow

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	rs "github.com/Clouded-Sabre/rawsocket/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/multipath-tcp/mptcp-go/filter"
	"github.com/multipath-tcp/mptcp-go/mptcp"
)

const (
	tcpHeaderLength       = 20
	tcpOptionsMaxLength   = 40
	tcpPseudoHeaderLength = 12
	protocolTCP           = 6
)

const (
	flagFIN uint8 = 1 << 0
	flagSYN uint8 = 1 << 1
	flagRST uint8 = 1 << 2
	flagPSH uint8 = 1 << 3
	flagACK uint8 = 1 << 4
)

// baseRTO/maxRTO bound the regular-TCP retransmission timer (RFC 6298's
// initial and ceiling values): armed whenever data is outstanding and no
// timer is already running, doubled on every fire, reset once an ACK
// carries fresh progress.
const (
	baseRTO = time.Second
	maxRTO  = 60 * time.Second
)

// Manager owns the process-wide resources a set of raw subflows share:
// the RST-suppression filter and, on platforms without a usable raw
// socket API, rawsocket's packet-injection core (spec §6.3's
// "implementations may share process-wide resources across subflows").
type Manager struct {
	filter filter.Filter
	rscore *rs.RSCore // used on macOS and Windows only; nil on Linux
	ports  *portPool
}

// NewManager creates a raw-subflow manager, wiring up RST filtering
// under identifier (spec §6.3's Design Note on suppressing the kernel's
// own RST reply to traffic it doesn't recognize).
func NewManager(identifier string, rscore *rs.RSCore) (*Manager, error) {
	f, err := filter.NewFilter(identifier)
	if err != nil {
		return nil, fmt.Errorf("rawsubflow: %w", err)
	}
	return &Manager{filter: f, rscore: rscore, ports: newPortPool()}, nil
}

func (mgr *Manager) Close() error {
	err := mgr.filter.FinishFiltering()
	if mgr.rscore != nil {
		if cerr := (*mgr.rscore).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Conn is one raw-socket-backed subflow. It satisfies
// mptcp.SubflowTransport.
type Conn struct {
	mgr *Manager

	localAddr, remoteAddr *net.IPAddr
	localPort, remotePort uint16

	client *net.IPConn    // dial side
	server net.PacketConn // listen side
	isServer bool

	mu sync.Mutex

	sndNxt   uint32 // next regular-TCP seq we will send
	sndUna   uint32 // oldest unacked regular-TCP seq
	rcvNxt   uint32 // next expected regular-TCP seq
	window   uint16

	srtt     time.Duration
	cwnd     int
	inFlight int
	recvMSS  int
	state    mptcp.SubflowState

	checksum bool // mirrors config.Config.Checksum: stamp/verify DSS checksums

	rto           time.Duration
	rtoTimer      *time.Timer
	lossRecovery  bool
	recoveryPoint uint32 // sndNxt at the time the RTO last fired

	onReceive func(seq uint32, payload []byte, dss *mptcp.OptionDSS)
	onFail    func()
	onAddAddr func(mptcp.OptionAddAddr)
	onRTO     func()

	closeSignal chan struct{}
	wg          sync.WaitGroup
}

// Dial opens the client side of one raw subflow (spec §6.3, "dial a new
// subflow to a learned or advertised remote address"). checksum mirrors
// config.Config.Checksum: when true, every mapped segment this subflow
// sends carries a DSS checksum, and every mapped segment it receives is
// verified against one.
func Dial(mgr *Manager, localIP, remoteIP net.IP, remotePort uint16, recvMSS int, checksum bool) (*Conn, error) {
	localAddr := &net.IPAddr{IP: localIP}
	remoteAddr := &net.IPAddr{IP: remoteIP}

	client, err := net.DialIP(fmt.Sprintf("ip:%d", protocolTCP), localAddr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("rawsubflow: dial: %w", err)
	}

	isn, err := generateISN()
	if err != nil {
		client.Close()
		return nil, err
	}

	localPort, err := mgr.ports.allocate()
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := mgr.filter.AddTcpClientFiltering(remoteIP.String(), int(remotePort)); err != nil {
		log.Println("rawsubflow: could not install RST filter:", err)
	}

	c := &Conn{
		mgr:         mgr,
		localAddr:   localAddr,
		remoteAddr:  remoteAddr,
		localPort:   localPort,
		remotePort:  remotePort,
		client:      client,
		sndNxt:      isn,
		sndUna:      isn,
		window:      65535,
		recvMSS:     recvMSS,
		cwnd:        recvMSS * 4,
		state:       mptcp.SubflowConnecting,
		checksum:    checksum,
		closeSignal: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// Listen opens the server side of one raw subflow: a connectionless raw
// IP socket bound to localIP, demultiplexing is left to the caller (spec
// §6.3's contract says nothing about accept semantics, since a raw
// socket has none; lib/pconn.go's serverConn plays the same role for
// its own protocol). checksum has the same meaning as in Dial.
func Listen(mgr *Manager, localIP net.IP, localPort uint16, recvMSS int, checksum bool) (*Conn, error) {
	localAddr := &net.IPAddr{IP: localIP}
	server, err := net.ListenIP(fmt.Sprintf("ip:%d", protocolTCP), localAddr)
	if err != nil {
		return nil, fmt.Errorf("rawsubflow: listen: %w", err)
	}
	if err := mgr.filter.AddTcpServerFiltering(localIP.String(), int(localPort)); err != nil {
		log.Println("rawsubflow: could not install RST filter:", err)
	}
	c := &Conn{
		mgr:         mgr,
		localAddr:   localAddr,
		localPort:   localPort,
		server:      server,
		isServer:    true,
		window:      65535,
		recvMSS:     recvMSS,
		cwnd:        recvMSS * 4,
		state:       mptcp.SubflowConnecting,
		checksum:    checksum,
		closeSignal: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.serverReadLoop()
	return c, nil
}

func (c *Conn) serverReadLoop() {
	defer c.wg.Done()
	buf := make([]byte, tcpPseudoHeaderLength+tcpHeaderLength+tcpOptionsMaxLength+c.recvMSS)
	pc, ok := c.server.(*net.IPConn)
	if !ok {
		return
	}
	for {
		select {
		case <-c.closeSignal:
			return
		default:
		}
		pc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := pc.ReadFromIP(buf[tcpPseudoHeaderLength:])
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.Println("rawsubflow: server read error:", err)
			continue
		}
		c.mu.Lock()
		c.remoteAddr = addr
		c.mu.Unlock()
		c.handleFrame(buf[tcpPseudoHeaderLength : tcpPseudoHeaderLength+n])
	}
}

func generateISN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// SendSegment implements mptcp.SubflowTransport.
func (c *Conn) SendSegment(payload []byte, dss *mptcp.OptionDSS) error {
	c.mu.Lock()
	seq := c.sndNxt
	c.sndNxt += uint32(len(payload))
	c.inFlight += len(payload)
	if len(payload) > 0 && c.rtoTimer == nil {
		c.armRTO()
	}
	c.mu.Unlock()

	if c.checksum && dss != nil && dss.HasMapping {
		dss.HasChecksum = true
		dss.Checksum = mappingChecksum(dss.DataSeq, dss.SubSeq, dss.DataLen, payload)
	}

	var opt mptcp.Option
	if dss != nil {
		opt = *dss
	}
	frame, n, err := c.buildSegment(seq, flagACK|flagPSH, payload, opt)
	if err != nil {
		return err
	}
	return c.writeFrame(frame[:n])
}

// SendOption implements mptcp.SubflowTransport: it sends opt alone, as a
// bare ACK carrying no regular-TCP payload (spec §4.2's ADD_ADDR is sent
// this way, decoupled from any data segment).
func (c *Conn) SendOption(opt mptcp.Option) error {
	c.mu.Lock()
	seq := c.sndNxt
	c.mu.Unlock()
	frame, n, err := c.buildSegment(seq, flagACK, nil, opt)
	if err != nil {
		return err
	}
	return c.writeFrame(frame[:n])
}

// buildSegment lays out a regular-TCP segment by hand, the same
// field-by-field binary.BigEndian.PutUint* style as lib/packet.go's
// Marshal, with the checksum computed over a 12-byte pseudo-header.
func (c *Conn) buildSegment(seq uint32, flags uint8, payload []byte, opt mptcp.Option) ([]byte, int, error) {
	var optBytes []byte
	if opt != nil {
		b, err := mptcp.EncodeOption(opt)
		if err != nil {
			return nil, 0, err
		}
		optBytes = b
	}
	padding := 0
	if len(optBytes)%4 != 0 {
		padding = 4 - len(optBytes)%4
	}
	headerLen := tcpHeaderLength + len(optBytes) + padding
	if headerLen > tcpHeaderLength+tcpOptionsMaxLength {
		return nil, 0, fmt.Errorf("rawsubflow: options too long (%d bytes)", len(optBytes))
	}
	total := tcpPseudoHeaderLength + headerLen + len(payload)

	buf := make([]byte, total)
	frame := buf[tcpPseudoHeaderLength:]

	binary.BigEndian.PutUint16(frame[0:2], c.localPort)
	binary.BigEndian.PutUint16(frame[2:4], c.remotePort)
	binary.BigEndian.PutUint32(frame[4:8], seq)
	c.mu.Lock()
	binary.BigEndian.PutUint32(frame[8:12], c.rcvNxt)
	window := c.window
	c.mu.Unlock()
	frame[12] = uint8(headerLen/4) << 4
	frame[13] = flags
	binary.BigEndian.PutUint16(frame[14:16], window)
	binary.BigEndian.PutUint16(frame[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(frame[18:20], 0)

	copy(frame[tcpHeaderLength:], optBytes)
	for i := 0; i < padding; i++ {
		frame[tcpHeaderLength+len(optBytes)+i] = 1 // NOP
	}
	copy(frame[headerLen:], payload)

	if err := assemblePseudoHeader(buf[:tcpPseudoHeaderLength], c.localAddr, c.remoteAddr, uint16(headerLen+len(payload))); err != nil {
		return nil, 0, err
	}
	checksum := onesComplementChecksum(buf)
	binary.BigEndian.PutUint16(frame[16:18], checksum)

	return buf, total, nil
}

func (c *Conn) writeFrame(buf []byte) error {
	frame := buf[tcpPseudoHeaderLength:]
	var err error
	if c.isServer {
		_, err = c.server.WriteTo(frame, c.remoteAddr)
	} else {
		_, err = c.client.Write(frame)
	}
	return err
}

func assemblePseudoHeader(buf []byte, src, dst *net.IPAddr, segLen uint16) error {
	if len(buf) != tcpPseudoHeaderLength {
		return fmt.Errorf("rawsubflow: pseudo-header buffer has wrong length %d", len(buf))
	}
	srcIP := src.IP.To4()
	dstIP := dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return fmt.Errorf("rawsubflow: only IPv4 pseudo-headers are implemented")
	}
	copy(buf[0:4], srcIP)
	copy(buf[4:8], dstIP)
	buf[8] = 0
	buf[9] = protocolTCP
	binary.BigEndian.PutUint16(buf[10:12], segLen)
	return nil
}

// mappingChecksum computes the DSS checksum for a mapping this side is
// about to send, over the wire layout VerifyDSSChecksum expects: the
// 10-byte mapping (data_seq, sub_seq, data_len) followed by the payload
// (spec §4.3). The sender already has these fields in hand, so there is
// no need to round-trip through an encoded frame first.
func mappingChecksum(dataSeq, subSeq uint32, dataLen uint16, payload []byte) uint16 {
	mapping := make([]byte, 10)
	binary.BigEndian.PutUint32(mapping[0:4], dataSeq)
	binary.BigEndian.PutUint32(mapping[4:8], subSeq)
	binary.BigEndian.PutUint16(mapping[8:10], dataLen)
	return mptcp.ComputeDSSChecksum(mapping, 0, payload)
}

func onesComplementChecksum(buf []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)%2 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}

// readLoop mirrors lib/pconn.go's clientProcessingIncomingPacket: poll
// with a short read deadline so closeSignal is checked regularly.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, tcpPseudoHeaderLength+tcpHeaderLength+tcpOptionsMaxLength+c.recvMSS)
	for {
		select {
		case <-c.closeSignal:
			return
		default:
		}

		c.client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := c.client.Read(buf[tcpPseudoHeaderLength:])
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.Println("rawsubflow: read error:", err)
			continue
		}
		c.handleFrame(buf[tcpPseudoHeaderLength : tcpPseudoHeaderLength+n])
	}
}

// handleFrame decodes one inbound regular-TCP segment. The host kernel's
// raw IP socket has already stripped the carrier IP header by the time
// Read returns, so only the TCP layer itself is decoded here -- the same
// gopacket.NewPacket/packet.Layer extraction lib/util-win.go uses for a
// divert-captured frame, just with IPv4 left out of the call (spec
// §6.6's "decode the carrier framing before handing the payload and
// parsed MPTCP options to the core").
func (c *Conn) handleFrame(frame []byte) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeTCP, gopacket.Default)
	if packet == nil {
		return
	}
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return
	}

	seq := tcp.Seq
	ack := tcp.Ack
	payload := tcp.Payload
	optionsBytes := make([]byte, 0, 40)
	for _, o := range tcp.Options {
		optionsBytes = append(optionsBytes, byte(o.OptionType))
		if o.OptionType != layers.TCPOptionKindNop && o.OptionType != layers.TCPOptionKindEndList {
			optionsBytes = append(optionsBytes, byte(len(o.OptionData)+2))
			optionsBytes = append(optionsBytes, o.OptionData...)
		}
	}

	c.mu.Lock()
	if tcp.ACK && seqGreater(ack, c.sndUna) {
		acked := ack - c.sndUna
		c.sndUna = ack
		if int(acked) < c.inFlight {
			c.inFlight -= int(acked)
		} else {
			c.inFlight = 0
		}
		if c.lossRecovery && seqGreaterOrEqual(ack, c.recoveryPoint) {
			c.lossRecovery = false
		}
		if c.inFlight == 0 {
			c.disarmRTO()
		} else {
			c.rto = baseRTO // fresh progress: drop any exponential backoff
			c.armRTO()
		}
	}
	c.rcvNxt = seq + uint32(len(payload))
	if tcp.FIN {
		c.state = mptcp.SubflowCloseWait
	} else if c.state != mptcp.SubflowClosing && c.state != mptcp.SubflowClosed {
		c.state = mptcp.SubflowEstablished
	}
	cb := c.onReceive
	failCb := c.onFail
	addAddrCb := c.onAddAddr
	checksumRequired := c.checksum
	c.mu.Unlock()

	opts, _ := mptcp.DecodeOptions(optionsBytes, func(mptcp.Subtype) mptcp.Stage { return mptcp.StageACK })
	var dss *mptcp.OptionDSS
	for _, o := range opts {
		switch v := o.(type) {
		case mptcp.OptionDSS:
			dss = &v
		case mptcp.OptionFail:
			if failCb != nil {
				failCb()
			}
		case mptcp.OptionAddAddr:
			if addAddrCb != nil {
				addAddrCb(v)
			}
		}
	}

	if dss != nil && dss.HasMapping && dss.HasChecksum {
		tcpHeaderAndOptions := frame[:len(frame)-len(payload)]
		if !mptcp.VerifyDSSChecksum(tcpHeaderAndOptions, dss.DSSOff(), payload, dss.Checksum) {
			log.Printf("rawsubflow: DSS checksum mismatch on local port %d, resetting subflow", c.localPort)
			go c.Reset()
			return
		}
	} else if checksumRequired && dss != nil && dss.HasMapping {
		log.Printf("rawsubflow: mapped segment missing required DSS checksum on local port %d, resetting subflow", c.localPort)
		go c.Reset()
		return
	}

	if cb != nil && (len(payload) > 0 || (dss != nil && dss.DataFin)) {
		cb(seq, payload, dss)
	}
}

func seqGreater(a, b uint32) bool        { return int32(a-b) > 0 }
func seqGreaterOrEqual(a, b uint32) bool { return a == b || seqGreater(a, b) }

// armRTO (re)starts the retransmission timer at the current backoff
// level. Must be called with c.mu held.
func (c *Conn) armRTO() {
	if c.rto == 0 {
		c.rto = baseRTO
	}
	if c.rtoTimer != nil {
		c.rtoTimer.Stop()
	}
	c.rtoTimer = time.AfterFunc(c.rto, c.onRTOFire)
}

// disarmRTO stops the timer and drops the backoff, used once every
// outstanding byte is acknowledged. Must be called with c.mu held.
func (c *Conn) disarmRTO() {
	if c.rtoTimer != nil {
		c.rtoTimer.Stop()
		c.rtoTimer = nil
	}
	c.rto = baseRTO
}

// onRTOFire is the regular-TCP retransmission timer's callback (RFC
// 6298 §5.4-5.6): it enters loss recovery, doubles the backoff, and
// notifies the MPTCP layer so it can reinject this subflow's unacked
// data elsewhere (spec §4.9).
func (c *Conn) onRTOFire() {
	c.mu.Lock()
	c.rtoTimer = nil
	c.lossRecovery = true
	c.recoveryPoint = c.sndNxt
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
	stillInFlight := c.inFlight > 0
	cb := c.onRTO
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
	if stillInFlight {
		c.mu.Lock()
		c.armRTO()
		c.mu.Unlock()
	}
}

// SetRTOCallback implements mptcp.SubflowTransport.
func (c *Conn) SetRTOCallback(cb func()) {
	c.mu.Lock()
	c.onRTO = cb
	c.mu.Unlock()
}

// InLossRecovery implements mptcp.SubflowTransport.
func (c *Conn) InLossRecovery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossRecovery
}

// SetReceiveCallback implements mptcp.SubflowTransport.
func (c *Conn) SetReceiveCallback(cb func(seq uint32, payload []byte, dss *mptcp.OptionDSS)) {
	c.mu.Lock()
	c.onReceive = cb
	c.mu.Unlock()
}

// SetFailCallback implements mptcp.SubflowTransport.
func (c *Conn) SetFailCallback(cb func()) {
	c.mu.Lock()
	c.onFail = cb
	c.mu.Unlock()
}

// SetAddAddrCallback implements mptcp.SubflowTransport.
func (c *Conn) SetAddAddrCallback(cb func(mptcp.OptionAddAddr)) {
	c.mu.Lock()
	c.onAddAddr = cb
	c.mu.Unlock()
}

// Close implements mptcp.SubflowTransport.
func (c *Conn) Close() error {
	close(c.closeSignal)
	c.wg.Wait()
	c.mu.Lock()
	c.state = mptcp.SubflowClosed
	c.disarmRTO()
	c.mu.Unlock()
	if !c.isServer {
		c.mgr.ports.release(c.localPort)
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Reset implements mptcp.SubflowTransport: sends a bare RST and tears
// the subflow down locally.
func (c *Conn) Reset() error {
	c.mu.Lock()
	seq := c.sndNxt
	c.mu.Unlock()
	frame, n, err := c.buildSegment(seq, flagRST, nil, nil)
	if err == nil {
		_ = c.writeFrame(frame[:n])
	}
	return c.Close()
}

func (c *Conn) SRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srtt
}

func (c *Conn) CWnd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Conn) State() mptcp.SubflowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) RecvMSS() int { return c.recvMSS }

func (c *Conn) LocalAddr() net.IP { return c.localAddr.IP }

func (c *Conn) RemoteAddr() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteAddr == nil {
		return nil
	}
	return c.remoteAddr.IP
}

// updateSRTT folds one RTT sample into the smoothed estimate with the
// classic 7/8 weighting (spec §4.7's min_srtt scheduler needs a
// reasonably stable signal, not an instantaneous one).
func (c *Conn) updateSRTT(sample time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.srtt == 0 {
		c.srtt = sample
		return
	}
	c.srtt = c.srtt - c.srtt/8 + sample/8
}
