package ingestion

import (
	"net"
	"regexp"
	"time"
)

// botDetector implements spec §4.6 step 5: flag events carrying signs of
// automated prefetch/scanner traffic (Apple Mail Privacy Protection,
// Google image proxy, generic crawlers) rather than genuine opens.
type botDetector struct {
	instantOpenThreshold time.Duration
	scannerNets          []*net.IPNet
}

var (
	appleMailUA = regexp.MustCompile(`AppleWebKit.*Mail/`)
	crawlerUA   = regexp.MustCompile(`(?i)bot|crawler|spider`)
)

const (
	reasonInstantOpen    = "instant_open"
	reasonAppleMailProxy = "apple_mail_privacy_proxy"
	reasonScannerIP      = "scanner_ip_range"
	reasonCrawlerUA      = "crawler_user_agent"
)

func newBotDetector(instantOpenThreshold time.Duration, scannerCIDRs []string) *botDetector {
	nets := make([]*net.IPNet, 0, len(scannerCIDRs))
	for _, cidr := range scannerCIDRs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return &botDetector{instantOpenThreshold: instantOpenThreshold, scannerNets: nets}
}

func defaultBotDetector() *botDetector {
	return newBotDetector(2*time.Second, []string{
		"17.0.0.0/8",    // Apple
		"66.102.0.0/16", // Google
		"66.249.0.0/16", // Google
	})
}

// detect returns the list of bot reasons that apply, or nil if none do.
// eventType/eventTimestamp/now drive the instant-open check; userAgent and
// ip are taken from the event's metadata, both optional.
func (d *botDetector) detect(eventType string, eventTimestamp, now time.Time, userAgent, ip string) []string {
	var reasons []string

	if eventType == "opened" && now.Sub(eventTimestamp) < d.instantOpenThreshold && now.Sub(eventTimestamp) >= 0 {
		reasons = append(reasons, reasonInstantOpen)
	}
	if userAgent != "" && appleMailUA.MatchString(userAgent) {
		reasons = append(reasons, reasonAppleMailProxy)
	}
	if ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			for _, n := range d.scannerNets {
				if n.Contains(parsed) {
					reasons = append(reasons, reasonScannerIP)
					break
				}
			}
		}
	}
	if userAgent != "" && crawlerUA.MatchString(userAgent) {
		reasons = append(reasons, reasonCrawlerUA)
	}

	return reasons
}
