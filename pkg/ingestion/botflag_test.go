package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBotDetector_FlagsInstantOpen(t *testing.T) {
	d := defaultBotDetector()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	reasons := d.detect("opened", now.Add(-500*time.Millisecond), now, "", "")
	assert.Contains(t, reasons, reasonInstantOpen)
}

func TestBotDetector_DoesNotFlagSlowOpen(t *testing.T) {
	d := defaultBotDetector()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	reasons := d.detect("opened", now.Add(-10*time.Second), now, "", "")
	assert.Empty(t, reasons)
}

func TestBotDetector_FlagsAppleMailPrivacyProxyUA(t *testing.T) {
	d := defaultBotDetector()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	reasons := d.detect("opened", now.Add(-time.Hour), now, "Mozilla/5.0 (Macintosh) AppleWebKit/605 (KHTML) Mail/16.0", "")
	assert.Contains(t, reasons, reasonAppleMailProxy)
}

func TestBotDetector_FlagsScannerIPRanges(t *testing.T) {
	d := defaultBotDetector()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	reasons := d.detect("opened", now.Add(-time.Hour), now, "", "17.1.2.3")
	assert.Contains(t, reasons, reasonScannerIP)
}

func TestBotDetector_FlagsCrawlerUserAgentCaseInsensitive(t *testing.T) {
	d := defaultBotDetector()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	reasons := d.detect("opened", now.Add(-time.Hour), now, "SomeCustomCrawlerBot/1.0", "")
	assert.Contains(t, reasons, reasonCrawlerUA)
}

func TestBotDetector_CleanEventHasNoReasons(t *testing.T) {
	d := defaultBotDetector()
	now := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	reasons := d.detect("opened", now.Add(-time.Minute), now, "Mozilla/5.0 (iPhone)", "203.0.113.5")
	assert.Empty(t, reasons)
}
