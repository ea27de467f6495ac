//go:build linux
// +build linux

package filter

import (
	"fmt"
	"log"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// filterImpl drives the local iptables OUTPUT chain directly, tagging
// every rule it inserts with comment so FinishFiltering can find and
// remove exactly the rules this instance owns.
type filterImpl struct {
	comment string
	udp     *udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	if err := checkIptablesAvailable(); err != nil {
		return nil, fmt.Errorf("filter: iptables not usable: %w", err)
	}
	return &filterImpl{
		comment: identifier,
		udp:     NewUdpServerFilter(),
	}, nil
}

// checkIptablesAvailable probes for a working iptables by listing the
// filter table; any error means the binary is missing, unprivileged, or
// the kernel lacks the netfilter modules.
func checkIptablesAvailable() error {
	cmd := exec.Command("iptables", "-S")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v\noutput: %s", err, string(output))
	}
	log.Println("filter: iptables is available")
	return nil
}

// AddTcpClientFiltering installs an OUTPUT rule dropping RSTs this host
// would otherwise send toward dstAddr:dstPort, skipping the insert if an
// identical rule (matched by comment) is already present.
func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	ruleCheck := fmt.Sprintf("-A OUTPUT -p tcp --tcp-flags RST RST -d %s --dport %d -m comment --comment \"%s\" -j DROP", dstAddr, dstPort, f.comment)

	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("filter: listing OUTPUT rules: %v\noutput: %s", err, string(output))
	}

	if strings.Contains(string(output), ruleCheck) {
		log.Printf("filter: rule already present: %s\n", ruleCheck)
		return nil
	}

	cmd = exec.Command("iptables", "-A", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-d", dstAddr, "--dport", strconv.Itoa(dstPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("filter: adding client RST-drop rule: %v", err)
	}

	log.Printf("filter: added client RST-drop rule for %s:%d\n", dstAddr, dstPort)
	return nil
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	cmd := exec.Command("iptables", "-D", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-d", dstAddr, "--dport", strconv.Itoa(dstPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return err
	}
	return nil
}

// FinishFiltering scans the OUTPUT chain's rule listing for every line
// this instance's comment appears on and deletes each by rewriting its
// leading "-A" to "-D".
func (f *filterImpl) FinishFiltering() error {
	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("filter: listing OUTPUT rules: %v\noutput: %s", err, string(output))
	}

	var deleteErrors []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "--comment \""+f.comment+"\"") {
			deleteCmd := strings.Replace(line, "-A", "-D", 1)
			cmd := exec.Command("sh", "-c", "iptables "+deleteCmd)
			if out, err := cmd.CombinedOutput(); err != nil {
				deleteErrors = append(deleteErrors, fmt.Sprintf("%s\nerror: %s", deleteCmd, string(out)))
			}
		}
	}

	if len(deleteErrors) > 0 {
		return fmt.Errorf("filter: some rules failed to delete:\n%s", strings.Join(deleteErrors, "\n"))
	}
	return nil
}

// AddTcpServerFiltering installs an OUTPUT rule dropping RSTs this host
// would otherwise send from a listen-side raw subflow's own source port.
func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	ruleCheck := fmt.Sprintf("-A OUTPUT -p tcp --tcp-flags RST RST -s %s --sport %d -m comment --comment %s -j DROP", srcAddr, srcPort, f.comment)

	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("filter: listing OUTPUT rules: %v\noutput: %s", err, string(output))
	}

	if strings.Contains(string(output), ruleCheck) {
		log.Printf("filter: rule already present: %s\n", ruleCheck)
		return nil
	}

	cmd = exec.Command("iptables", "-A", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-s", srcAddr, "--sport", strconv.Itoa(srcPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("filter: adding server RST-drop rule: %v", err)
	}

	log.Printf("filter: added server RST-drop rule for %s:%d\n", srcAddr, srcPort)
	return nil
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	cmd := exec.Command("iptables", "-D", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-s", srcAddr, "--sport", strconv.Itoa(srcPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("filter: removing server RST-drop rule: %v", err)
	}

	log.Printf("filter: removed server RST-drop rule for %s:%d\n", srcAddr, srcPort)
	return nil
}

func (f *filterImpl) AddUdpServerFiltering(srcAddr string) error {
	return f.udp.AddUdpServerFiltering(srcAddr)
}

func (f *filterImpl) RemoveUdpServerFiltering(srcAddr string) error {
	return f.udp.RemoveUdpServerFiltering(srcAddr)
}

func (f *filterImpl) AddUdpClientFiltering(dstAddr string) error {
	ipStr, _, err := net.SplitHostPort(dstAddr)
	if err != nil {
		return fmt.Errorf("filter: invalid destination address %q: %w", dstAddr, err)
	}
	cmd := exec.Command("iptables", "-A", "OUTPUT",
		"-d", ipStr,
		"-p", "icmp",
		"--icmp-type", "3/3",
		"-j", "REJECT")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("filter: adding ICMP-unreachable reject rule: %v, command: %s", err, strings.Join(cmd.Args, " "))
	}

	log.Printf("filter: added ICMP-unreachable reject rule: %s\n", cmd.String())
	return nil
}

func (f *filterImpl) RemoveUdpClientFiltering(dstAddr string) error {
	ipStr, _, err := net.SplitHostPort(dstAddr)
	if err != nil {
		return fmt.Errorf("filter: invalid destination address %q: %w", dstAddr, err)
	}
	cmd := exec.Command("iptables", "-D", "OUTPUT",
		"-d", ipStr,
		"-p", "icmp",
		"--icmp-type", "3/3",
		"-j", "REJECT")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("filter: removing ICMP-unreachable reject rule: %v, command: %s", err, strings.Join(cmd.Args, " "))
	}

	log.Printf("filter: removed ICMP-unreachable reject rule: %s\n", cmd.String())
	return nil
}
