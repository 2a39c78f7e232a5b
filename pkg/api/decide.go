// Package api exposes the outbound decision API (spec §6): a synchronous
// HTTP endpoint that resolves identity and returns a timing decision.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
	"github.com/donutboyband/SendFlowr/pkg/identity"
	"github.com/donutboyband/SendFlowr/pkg/timing"
)

// decideRequest mirrors spec §6's illustrative request schema.
type decideRequest struct {
	Identifiers struct {
		Email             string `json:"email,omitempty"`
		Phone             string `json:"phone,omitempty"`
		KlaviyoID         string `json:"klaviyo_id,omitempty"`
		ShopifyCustomerID string `json:"shopify_customer_id,omitempty"`
		EspUserID         string `json:"esp_user_id,omitempty"`
		IPDeviceSignature string `json:"ip_device_signature,omitempty"`
	} `json:"identifiers"`
	SendAfter              *time.Time `json:"send_after,omitempty"`
	SendBefore             *time.Time `json:"send_before,omitempty"`
	LatencyEstimateSeconds *float64   `json:"latency_estimate_seconds,omitempty"`
}

// decideResponse mirrors spec §6: the Timing Decision's fields plus a
// debug object.
type decideResponse struct {
	DecisionID             string      `json:"decision_id"`
	UniversalID            string      `json:"universal_id"`
	TargetMinute           int         `json:"target_minute"`
	TriggerTimestampUTC    time.Time   `json:"trigger_timestamp_utc"`
	LatencyEstimateSeconds float64     `json:"latency_estimate_seconds"`
	ConfidenceScore        float64     `json:"confidence_score"`
	ModelVersion           string      `json:"model_version"`
	Suppressed             bool        `json:"suppressed"`
	SuppressionReason      string      `json:"suppression_reason,omitempty"`
	SuppressionUntil       *time.Time  `json:"suppression_until,omitempty"`
	ExplanationRef         string      `json:"explanation_ref"`
	Debug                  decideDebug `json:"debug"`
}

type decideDebug struct {
	AppliedWeights      []contracts.AppliedWeight `json:"applied_weights"`
	BaseCurvePeakMinute int                       `json:"base_curve_peak_minute"`
	Suppressed          bool                      `json:"suppressed"`
}

// Handler serves POST /v1/decide.
type Handler struct {
	resolver *identity.Resolver
	timing   *timing.Engine
}

// NewHandler creates a decide Handler.
func NewHandler(resolver *identity.Resolver, timingEngine *timing.Engine) *Handler {
	return &Handler{resolver: resolver, timing: timingEngine}
}

// Routes registers the decide endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/decide", h.decide)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, contracts.KindInvalidInput, "invalid request body")
		return
	}

	ctx := r.Context()
	raw := contracts.RawIdentifiers{
		Email:             req.Identifiers.Email,
		Phone:             req.Identifiers.Phone,
		KlaviyoID:         req.Identifiers.KlaviyoID,
		ShopifyCustomerID: req.Identifiers.ShopifyCustomerID,
		EspUserID:         req.Identifiers.EspUserID,
		IPDeviceSignature: req.Identifiers.IPDeviceSignature,
	}

	resolved, err := h.resolver.Resolve(ctx, raw)
	if err != nil {
		writeSendFlowrError(w, err)
		return
	}

	decisionReq := contracts.DecisionRequest{
		Identifiers:            raw,
		SendAfter:              req.SendAfter,
		SendBefore:             req.SendBefore,
		LatencyEstimateSeconds: req.LatencyEstimateSeconds,
	}

	decision, err := h.timing.Decide(ctx, resolved.UniversalID, decisionReq)
	if err != nil {
		writeSendFlowrError(w, err)
		return
	}

	resp := decideResponse{
		DecisionID:             decision.DecisionID,
		UniversalID:            string(decision.UniversalID),
		TargetMinute:           decision.TargetMinute,
		TriggerTimestampUTC:    decision.TriggerTimestampUTC,
		LatencyEstimateSeconds: decision.LatencyEstimateSeconds,
		ConfidenceScore:        decision.ConfidenceScore,
		ModelVersion:           decision.ModelVersion,
		Suppressed:             decision.Suppressed,
		SuppressionReason:      decision.SuppressionReason,
		SuppressionUntil:       decision.SuppressionUntil,
		ExplanationRef:         decision.ExplanationRef,
		Debug: decideDebug{
			AppliedWeights:      decision.AppliedWeights,
			BaseCurvePeakMinute: decision.BaseCurvePeakMinute,
			Suppressed:          decision.Suppressed,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSendFlowrError(w http.ResponseWriter, err error) {
	var sfErr *contracts.Error
	if errors.As(err, &sfErr) {
		writeError(w, statusForKind(sfErr.Kind), sfErr.Kind, sfErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, contracts.KindBackendUnavailable, err.Error())
}

func statusForKind(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindInvalidInput:
		return http.StatusBadRequest
	case contracts.KindIdentityUnresolved:
		return http.StatusNotFound
	case contracts.KindWindowExpired:
		return http.StatusConflict
	case contracts.KindTimeout:
		return http.StatusGatewayTimeout
	case contracts.KindCurveUnavailable, contracts.KindPredictorUnavailable, contracts.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, kind contracts.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    string(kind),
		"message": message,
	})
}
