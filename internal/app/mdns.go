package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const mdnsDomain = "local."

// startMDNS registers the broker on the local network and remembers the
// port so refreshMDNS can re-advertise with up-to-date load figures
// without having to re-derive it.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	a.mdnsPort = port
	return a.registerMDNS()
}

// refreshMDNS re-registers the advertisement with the broker's current
// client/node/pending-subtask counts folded into the TXT record, so a
// peer browsing the network sees load, not just reachability. zeroconf
// has no in-place TXT update, so this re-registers under the same
// instance/host labels computed by registerMDNS. Called from the status
// heartbeat; a no-op if mDNS was never started.
func (a *App) refreshMDNS() {
	if a.mdns == nil || a.mdnsPort <= 0 {
		return
	}
	if err := a.registerMDNS(); err != nil {
		a.logger.Warn("mDNS refresh failed", "error", err)
	}
}

func (a *App) registerMDNS() error {
	port := a.mdnsPort
	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "broker"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Task Broker (%s)", hostname))
	hostLabel := sanitizeMDNSHost(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	txt := []string{
		fmt.Sprintf("broker_port=%d", port),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	txt = append(txt, a.mdnsLoadTXT()...)

	server, err := zeroconf.Register(instance, a.cfg.MDNSServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port, "txt", txt)
	return nil
}

// mdnsLoadTXT folds the broker's current dispatcher load into extra TXT
// entries: connected client and node counts, and total queued subtasks
// across all clients, so a discovering peer can pick the least-loaded
// broker without a separate HTTP round trip.
func (a *App) mdnsLoadTXT() []string {
	if a.broker == nil {
		return nil
	}
	snap := a.broker.Snapshot()
	pending := 0
	for _, cs := range snap.Clients {
		pending += cs.Pending
	}
	return []string{
		fmt.Sprintf("clients=%d", len(snap.Clients)),
		fmt.Sprintf("nodes=%d", snap.NodeCount),
		fmt.Sprintf("pending=%d", pending),
	}
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, ".", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "Task Broker"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "broker"
	}
	// Host labels must be <=63 characters.
	irunes := []rune(cleaned)
	if len(irunes) > 63 {
		cleaned = string(irunes[:63])
	}
	return cleaned
}
