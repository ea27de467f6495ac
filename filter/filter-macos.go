//go:build darwin
// +build darwin

package filter

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

// filterImpl drives a named PF anchor on macOS. The raw subflow binary
// is never a listen-side endpoint on this platform, so the server-side
// and UDP-client methods are no-ops.
type filterImpl struct {
	anchor string
	udp    *udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	enabled, err := isPFEnabled()
	if err != nil || !enabled {
		return nil, fmt.Errorf("filter: PF is not enabled: %v", err)
	}

	if err := isLibpcapInstalled(); err != nil {
		return nil, fmt.Errorf("filter: libpcap check failed: %v", err)
	}

	refExists, err := pfCheckAnchor(identifier)
	if err != nil {
		return nil, fmt.Errorf("filter: checking anchor reference in /etc/pf.conf: %v", err)
	}
	if !refExists {
		return nil, fmt.Errorf("filter: anchor %q has no reference in /etc/pf.conf, add one", identifier)
	}

	return &filterImpl{
		anchor: identifier,
		udp:    NewUdpServerFilter(),
	}, nil
}

// AddTcpClientFiltering appends a block rule to the anchor's rule set
// without disturbing any rule already loaded there.
func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return fmt.Errorf("filter: retrieving current PF rules: %v", err)
	}

	newRule := fmt.Sprintf("block drop out quick inet proto tcp from any to %s port = %d flags R/R", dstAddr, dstPort)

	if !containsRule(currentRules, newRule) {
		currentRules = append(currentRules, newRule)
	}

	rulesText := strings.Join(currentRules, "\n")
	if err := pfLoadRules(f.anchor, rulesText); err != nil {
		return fmt.Errorf("filter: loading updated PF rules: %v", err)
	}

	if err := verifyRuleExactMatch(f.anchor, newRule); err != nil {
		return fmt.Errorf("filter: verifying PF rule was applied: %v", err)
	}

	log.Printf("filter: added PF rule:\n%s\n", newRule)
	return nil
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return fmt.Errorf("filter: retrieving current PF rules: %v", err)
	}

	ruleToRemove := fmt.Sprintf("block drop out quick inet proto tcp from any to %s port = %d flags R/R", dstAddr, dstPort)

	var updatedRules []string
	for _, rule := range currentRules {
		if strings.TrimSpace(rule) != strings.TrimSpace(ruleToRemove) {
			updatedRules = append(updatedRules, rule)
		}
	}

	rulesText := strings.Join(updatedRules, "\n") + "\n"
	if err := pfLoadRules(f.anchor, rulesText); err != nil {
		return fmt.Errorf("filter: loading updated PF rules: %v", err)
	}

	log.Printf("filter: removed PF rule for %s:%d\n", dstAddr, dstPort)
	return nil
}

// FinishFiltering flushes every rule loaded into the anchor, leaving the
// anchor itself (and its /etc/pf.conf reference) in place.
func (f *filterImpl) FinishFiltering() error {
	cmd := exec.Command("pfctl", "-a", f.anchor, "-F", "rules")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("filter: flushing anchor %s: %v\noutput: %s", f.anchor, err, string(output))
	}
	return nil
}

func isPFEnabled() (bool, error) {
	output, err := exec.Command("pfctl", "-s", "info").CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("pfctl check failed: %v\noutput: %s", err, string(output))
	}
	return strings.Contains(string(output), "Status: Enabled"), nil
}

// pfCheckAnchor reports whether /etc/pf.conf references anchor.
func pfCheckAnchor(anchor string) (bool, error) {
	data, err := os.ReadFile("/etc/pf.conf")
	if err != nil {
		return false, fmt.Errorf("reading /etc/pf.conf: %v", err)
	}

	anchorRef := fmt.Sprintf("anchor \"%s\"", anchor)
	return strings.Contains(string(data), anchorRef), nil
}

// getPfRules returns the anchor's currently loaded "block" rules, the
// only rule type this package ever installs.
func getPfRules(anchor string) ([]string, error) {
	cmd := exec.Command("pfctl", "-a", anchor, "-s", "rules")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("querying PF rules: %v\noutput: %s", err, string(output))
	}

	var rules []string
	for _, line := range strings.Split(string(output), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "block") {
			rules = append(rules, trimmed)
		}
	}
	return rules, nil
}

func pfLoadRules(anchor, rules string) error {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("echo %q | sudo /sbin/pfctl -a %s -f -", rules, anchor))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("loading PF rules: %v\noutput: %s", err, string(output))
	}
	return nil
}

// verifyRuleExactMatch confirms expectedRule is present among anchor's
// currently loaded rules.
func verifyRuleExactMatch(anchor, expectedRule string) error {
	cmd := exec.Command("/sbin/pfctl", "-a", anchor, "-s", "rules")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("querying PF rules: %v", err)
	}

	expected := strings.TrimSpace(expectedRule)
	current := strings.TrimSpace(string(output))
	if !strings.Contains(current, expected) {
		return fmt.Errorf("rule not found\ncurrent rules:\n%s\nexpected:\n%s", current, expected)
	}
	return nil
}

func containsRule(rules []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, rule := range rules {
		if strings.TrimSpace(rule) == target {
			return true
		}
	}
	return false
}

func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
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

// isLibpcapInstalled checks for tcpdump, which pulls in libpcap as a
// dependency, as a proxy for libpcap itself being present.
func isLibpcapInstalled() error {
	cmd := exec.Command("which", "tcpdump")
	output, err := cmd.CombinedOutput()
	if err != nil || strings.TrimSpace(string(output)) == "" {
		return fmt.Errorf("tcpdump/libpcap not found: %v", err)
	}

	log.Println("filter: libpcap is available")
	return nil
}
