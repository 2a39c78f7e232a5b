package contracts

import "time"

// EventType is the closed set of engagement event kinds the pipeline and
// feature engine recognize.
type EventType string

const (
	EventSent               EventType = "sent"
	EventDelivered          EventType = "delivered"
	EventOpened             EventType = "opened"
	EventClicked            EventType = "clicked"
	EventBounced            EventType = "bounced"
	EventComplained         EventType = "complained"
	EventUnsubscribed       EventType = "unsubscribed"
	EventSiteVisit          EventType = "site_visit"
	EventSMSClick           EventType = "sms_click"
	EventProductView        EventType = "product_view"
	EventCartAdd            EventType = "cart_add"
	EventSearchPerformed    EventType = "search_performed"
	EventSupportTicket      EventType = "support_ticket"
	EventUnsubscribeRequest EventType = "unsubscribe_request"
	EventSpamReport         EventType = "spam_report"
)

// HotPathEventTypes temporarily increase propensity in a short window
// following occurrence (spec §4.5 step 5).
var HotPathEventTypes = []EventType{
	EventSiteVisit, EventSMSClick, EventProductView, EventCartAdd, EventSearchPerformed,
}

// CircuitBreakerEventTypes force suppression for a cooling-off window
// (spec §4.5 step 4).
var CircuitBreakerEventTypes = []EventType{
	EventSupportTicket, EventComplained, EventUnsubscribeRequest, EventSpamReport,
}

// PermanentSuppression is the sentinel window duration meaning a breaker
// event never expires: callers (pkg/timing) must check for this value
// before using it as a cutoff, since it does not represent a real duration.
const PermanentSuppression time.Duration = -1

// DefaultCircuitBreakerWindows gives each breaker event type its default
// cooling-off duration (spec §4.5 step 4). EventSpamReport is permanent:
// once a recipient is flagged for spam, suppression never lapses.
var DefaultCircuitBreakerWindows = map[EventType]time.Duration{
	EventSupportTicket:      48 * time.Hour,
	EventComplained:         48 * time.Hour,
	EventUnsubscribeRequest: 168 * time.Hour,
	EventSpamReport:         PermanentSuppression,
}

// EngagementEvent is an immutable row keyed by (ESP, UniversalID,
// Timestamp, Type).
type EngagementEvent struct {
	EventID             string
	ESP                 string
	UniversalID         UniversalID
	Timestamp           time.Time
	Type                EventType
	RecipientEmailHash  string
	CampaignID          string
	CampaignClass       string
	DeliveryLatencySec  *float64
	HourOfDay           *int
	DayOfWeek           *int
	PayloadSizeBytes    *int64
	QueueDepthEstimate  *int64
	Metadata            map[string]any
}

// ContextSignal is an ephemeral row drawn from the event store by
// event-type filter and recency window, used as timing-decision input.
type ContextSignal struct {
	UniversalID UniversalID
	EventType   EventType
	Timestamp   time.Time
	Weight      *float64
	Provider    string
}
