// Command mptcpd is a small demo binary exercising the engine end to
// end: -listen starts an echo server, the default client mode dials a
// master subflow, feeds the local addresses it discovers into the MPCB's
// address set (it dials no JOIN subflows itself), writes a line, and
// prints what echoes back.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"time"

	"github.com/multipath-tcp/mptcp-go/config"
	"github.com/multipath-tcp/mptcp-go/ifaceenum"
	"github.com/multipath-tcp/mptcp-go/mptcp"
	"github.com/multipath-tcp/mptcp-go/rawsubflow"
)

func main() {
	listen := flag.Bool("listen", false, "run as echo server instead of client")
	addr := flag.String("addr", "127.0.0.1", "local address to bind/dial from")
	remote := flag.String("remote", "127.0.0.1", "server address to dial (client mode)")
	port := flag.Int("port", 8901, "TCP port")
	configPath := flag.String("config", "", "optional yaml config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.ReadConfig(*configPath)
		if err != nil {
			log.Fatalln("config error:", err)
		}
	}

	mgr, err := rawsubflow.NewManager("mptcpd", nil)
	if err != nil {
		log.Fatalln("raw socket manager:", err)
	}
	defer mgr.Close()

	if *listen {
		runServer(mgr, cfg, *addr, *port)
		return
	}
	runClient(mgr, cfg, *addr, *remote, *port)
}

func runServer(mgr *rawsubflow.Manager, cfg *config.Config, addr string, port int) {
	transport, err := rawsubflow.Listen(mgr, net.ParseIP(addr), uint16(port), cfg.MSS, cfg.Checksum)
	if err != nil {
		log.Fatalln("listen:", err)
	}

	m := mptcp.NewMPCB(cfg, true, 0, 0, uint16(port), 0)
	m.AttachMaster(transport, 0, 0)
	log.Printf("mptcpd echo server listening on %s:%d (token %08x)\n", addr, port, m.LocalToken())

	watchLocalAddresses(m, cfg)

	buf := make([]byte, cfg.MSS)
	for {
		n, err := m.Read(context.Background(), buf)
		if err != nil {
			if err == io.EOF || err == net.ErrClosed {
				log.Println("connection closed")
				return
			}
			log.Println("read error:", err)
			continue
		}
		log.Printf("echo server got: %s", string(buf[:n]))
		if _, err := m.Write(context.Background(), buf[:n]); err != nil {
			log.Println("write error:", err)
			return
		}
	}
}

func runClient(mgr *rawsubflow.Manager, cfg *config.Config, localAddr, remoteAddr string, port int) {
	transport, err := rawsubflow.Dial(mgr, net.ParseIP(localAddr), net.ParseIP(remoteAddr), uint16(port), cfg.MSS, cfg.Checksum)
	if err != nil {
		log.Fatalln("dial:", err)
	}

	m := mptcp.NewMPCB(cfg, false, 0, 0, 0, uint16(port))
	m.AttachMaster(transport, 0, 0)
	log.Printf("mptcpd dialed %s:%d (token %08x)\n", remoteAddr, port, m.LocalToken())

	watchLocalAddresses(m, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := []byte("hello over mptcp\n")
	if _, err := m.Write(ctx, msg); err != nil {
		log.Fatalln("write:", err)
	}

	buf := make([]byte, cfg.MSS)
	n, err := m.Read(ctx, buf)
	if err != nil {
		log.Fatalln("read:", err)
	}
	log.Printf("client got echo: %s", string(buf[:n]))
}

// watchLocalAddresses feeds every UP local address into the MPCB's
// address set, the glue spec §4.2 describes between the interface
// enumerator (C4's feeder) and the path table/ADD_ADDR advertisement:
// MPCB.AddLocalAddr rebuilds the path table and sends ADD_ADDR on the
// master subflow. Actually dialing a JOIN on the new path is left to a
// fuller path manager. UP/DOWN also drives per-subflow pf directly (spec
// §4.2: "UP clears it; DOWN sets it"), independent of address-set
// membership.
func watchLocalAddresses(m *mptcp.MPCB, cfg *config.Config) {
	enum, err := ifaceenum.New()
	if err != nil {
		log.Println("ifaceenum: could not start watcher:", err)
		return
	}
	err = enum.Enumerate(func(ev ifaceenum.Event) {
		if ev.Scope == ifaceenum.ScopeLinkLocal || ev.Scope == ifaceenum.ScopeHostLocal {
			return
		}
		switch ev.Flag {
		case ifaceenum.FlagInitial, ifaceenum.FlagUp:
			family := byte(4)
			if ev.Addr.To4() == nil {
				family = 6
			}
			if _, added := m.AddLocalAddr(ev.Addr, 0, family); added {
				log.Printf("local address %s on %s is up\n", ev.Addr, ev.Iface)
			}
			for _, sf := range m.SubflowsByLocalAddr(ev.Addr) {
				sf.ClearPotentiallyFailed()
			}
		case ifaceenum.FlagDown:
			if id, ok := m.LocalAddrs().FindByAddr(ev.Addr, 0); ok {
				m.LocalAddrs().Remove(id)
				log.Printf("local address %s on %s is down\n", ev.Addr, ev.Iface)
			}
			for _, sf := range m.SubflowsByLocalAddr(ev.Addr) {
				sf.MarkPotentiallyFailed()
			}
		}
	})
	if err != nil {
		log.Println("ifaceenum: enumerate failed:", err)
	}
}
