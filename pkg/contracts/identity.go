// Package contracts holds the domain types shared across the timing engine:
// identifiers, the identity graph, engagement events, curves, and timing
// decisions. Nothing in this package talks to a store or a network; it is
// the vocabulary the rest of the module is built from.
package contracts

import "time"

// IdentifierType is the closed set of identifier kinds the resolver accepts.
// Deterministic types carry a fixed weight of 1.0; probabilistic types carry
// their configured default weight.
type IdentifierType string

const (
	IdentifierEmailHash         IdentifierType = "email_hash"
	IdentifierPhoneNumber       IdentifierType = "phone_number"
	IdentifierKlaviyoID         IdentifierType = "klaviyo_id"
	IdentifierShopifyCustomer   IdentifierType = "shopify_customer_id"
	IdentifierEspUser           IdentifierType = "esp_user_id"
	IdentifierIPDeviceSignature IdentifierType = "ip_device_signature"
	IdentifierUniversal         IdentifierType = "universal_id"
)

// Deterministic reports whether identifiers of this type resolve with
// certainty (weight 1.0) rather than probabilistically.
func (t IdentifierType) Deterministic() bool {
	switch t {
	case IdentifierEmailHash, IdentifierPhoneNumber:
		return true
	default:
		return false
	}
}

// DeterministicPriority is the fixed lookup order for deterministic
// identifier types (spec §4.4 Step 1).
var DeterministicPriority = []IdentifierType{IdentifierEmailHash, IdentifierPhoneNumber}

// ProbabilisticPriority is the fixed lookup order for probabilistic
// identifier types, highest default weight first (spec §4.4 Step 2).
var ProbabilisticPriority = []IdentifierType{
	IdentifierKlaviyoID,
	IdentifierShopifyCustomer,
	IdentifierEspUser,
	IdentifierIPDeviceSignature,
}

// DefaultWeights holds the fixed default weight per probabilistic
// identifier type, configurable via pkg/config.
var DefaultWeights = map[IdentifierType]float64{
	IdentifierKlaviyoID:         0.95,
	IdentifierShopifyCustomer:   0.90,
	IdentifierEspUser:           0.85,
	IdentifierIPDeviceSignature: 0.50,
}

// Identifier is a tagged (type, value) pair. Values are opaque strings;
// normalization (email lowercasing/hashing, phone E.164 formatting) happens
// before an Identifier is constructed.
type Identifier struct {
	Type  IdentifierType
	Value string
}

// Weight returns the identifier's default weight: 1.0 for deterministic
// types, the configured default for probabilistic types.
func (id Identifier) Weight(weights map[IdentifierType]float64) float64 {
	if id.Type.Deterministic() {
		return 1.0
	}
	if w, ok := weights[id.Type]; ok {
		return w
	}
	return DefaultWeights[id.Type]
}

// UniversalID is the stable opaque token owned by the system. Never
// reassigned, never destroyed.
type UniversalID string

// IdentityEdge is an undirected relation between two identifiers. Merges
// are idempotent: re-inserting an existing edge refreshes UpdatedAt and
// keeps the maximum weight seen.
type IdentityEdge struct {
	A         Identifier
	B         Identifier
	Weight    float64
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EdgeKey returns the unordered pair key the identity graph table dedupes
// edges on. It does not order A and B itself; the UpsertEdge
// implementations in pkg/store order each pair before keying it, so that
// {a,b} and {b,a} collide.
type EdgeKey struct {
	A Identifier
	B Identifier
}

// ResolutionCacheEntry is a resolved (identifier -> universal id) mapping.
// Confidence is the minimum edge weight along the path used to derive it,
// or 1.0 for a direct deterministic hit. CreatedAt is set once, on first
// insert, and never overwritten by later upserts of the same Identifier;
// it is the system's proxy for how long a Universal ID mapping has been
// known and is what the conflict-merge policy (spec §4.4) compares on.
type ResolutionCacheEntry struct {
	Identifier  Identifier
	UniversalID UniversalID
	Confidence  float64
	LastSeen    time.Time
	CreatedAt   time.Time
}

// AuditRecord is one append-only step in a resolution's derivation. The
// concatenation of records sharing a ResolutionID reconstructs how a
// Universal ID was produced.
type AuditRecord struct {
	ResolutionID    string
	UniversalID     UniversalID
	InputIdentifier string
	InputType       IdentifierType
	Step            string
	Confidence      float64
	CreatedAt       time.Time
}

// Common audit step labels. Steps with dynamic suffixes (found_via_*,
// graph_traversal:*) are built by pkg/identity at runtime.
const (
	StepCreatedNewUniversalID = "created:new_universal_id"
	StepConflictMerged        = "conflict_merged"
)
