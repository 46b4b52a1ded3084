package app

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	mdnsServiceType = "_smartfeeder._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "smartfeeder"
)

// startMDNS advertises the HTTP API so feeder modules can find the server
// without a configured address.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Smart Feeder Server (%s)", hostname))
	hostLabel := sanitizeMDNSHost(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		"path=/check_schedule",
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	if a.cfg.MQTTEnabled {
		if mqttPort := bindPort(a.cfg.MQTTBindAddress); mqttPort != "" {
			txt = append(txt, "mqtt_port="+mqttPort, "topic_root="+topicRoot)
		}
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", zap.String("instance", instance), zap.Int("port", port))
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func bindPort(bind string) string {
	_, port, err := net.SplitHostPort(bind)
	if err != nil {
		return ""
	}
	return port
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Smart Feeder Server"
	}
	return truncateLabel(cleaned)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	return truncateLabel(cleaned)
}

// DNS labels are at most 63 characters.
func truncateLabel(s string) string {
	runes := []rune(s)
	if len(runes) > 63 {
		return string(runes[:63])
	}
	return s
}
