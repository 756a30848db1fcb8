package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_rfidscan._tcp"
	mdnsDomain      = "local."
	mdnsLabelMax    = 63
)

// startMDNS advertises the HTTP API so local clients can find the device.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "scanlogger"
	}

	instance := mdnsInstanceName(fmt.Sprintf("Scan Logger %s (%s)", a.deviceID, hostname))
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		fmt.Sprintf("device_id=%s", a.deviceID),
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}
	a.mdns.Shutdown()
	a.mdns = nil
	a.logger.Info("mDNS advertisement stopped")
}

// mdnsInstanceName strips characters that break DNS-SD instance labels.
func mdnsInstanceName(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "Scan Logger"
	}
	if runes := []rune(cleaned); len(runes) > mdnsLabelMax {
		cleaned = string(runes[:mdnsLabelMax])
	}
	return cleaned
}
