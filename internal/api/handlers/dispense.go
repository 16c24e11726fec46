package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/phb-health/rxengine/internal/api/middleware"
	"github.com/phb-health/rxengine/internal/domain/prescription"
	"github.com/phb-health/rxengine/internal/observability/metrics"
)

// DispenseHandler serves verification and dispensing for pharmacy
// scanner stations.
type DispenseHandler struct {
	guard   *prescription.Guard
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispenseHandler creates the handler. metrics may be nil.
func NewDispenseHandler(guard *prescription.Guard, m *metrics.Metrics, logger *zap.Logger) *DispenseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispenseHandler{guard: guard, metrics: m, logger: logger}
}

// Routes returns the dispense subrouter.
func (h *DispenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/verify", h.Verify)
	r.Post("/dispense", h.Dispense)
	return r
}

// verifyRequest carries the scanned artifact. Payload is the exact
// byte sequence from the QR code; RawMessage preserves it so the
// signature check sees what was signed.
type verifyRequest struct {
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	CheckExpiry    *bool           `json:"check_expiry"`
	CheckDispensed *bool           `json:"check_dispensed"`
}

// Verify handles POST /verify. Lifecycle checks default to on.
func (h *DispenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Payload) == 0 || body.Signature == "" {
		jsonError(w, "payload and signature are required", http.StatusBadRequest)
		return
	}

	opts := prescription.VerifyOptions{
		CheckExpiry:    body.CheckExpiry == nil || *body.CheckExpiry,
		CheckDispensed: body.CheckDispensed == nil || *body.CheckDispensed,
		PresentedBy:    middleware.GetCaller(ctx),
	}

	result, err := h.guard.Verify(ctx, body.Payload, body.Signature, opts)
	if err != nil {
		h.logger.Error("verification failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "verification unavailable", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.Verifications.WithLabelValues(result.Reason).Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

// dispenseRequest identifies the prescription by its zero-padded
// reference and nonce; the scanned artifact itself stays with /verify.
type dispenseRequest struct {
	Reference      string `json:"reference"`
	Nonce          string `json:"nonce"`
	FacilityCode   string `json:"facility_code"`
	PharmacistName string `json:"pharmacist_name"`
	Notes          string `json:"notes"`
}

// Dispense handles POST /dispense.
func (h *DispenseHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body dispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Reference == "" || body.Nonce == "" {
		jsonError(w, "reference and nonce are required", http.StatusBadRequest)
		return
	}
	if body.PharmacistName == "" {
		jsonError(w, "pharmacist_name is required", http.StatusBadRequest)
		return
	}

	result, err := h.guard.Dispense(ctx, body.Reference, body.Nonce,
		prescription.DispenseActor{
			FacilityCode:   body.FacilityCode,
			PharmacistName: body.PharmacistName,
		}, body.Notes)
	if err != nil {
		h.logger.Error("dispense failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "dispensing unavailable", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.Dispenses.WithLabelValues(result.Reason).Inc()
	}
	writeJSON(w, http.StatusOK, result)
}
