// Package handlers provides HTTP handlers for the triage and dispense
// APIs.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/phb-health/rxengine/internal/api/middleware"
	"github.com/phb-health/rxengine/internal/domain/prescription"
	"github.com/phb-health/rxengine/internal/domain/triage"
	"github.com/phb-health/rxengine/internal/observability/metrics"
)

// RequestHandler serves request intake, review, and QR artifact
// endpoints.
type RequestHandler struct {
	service *prescription.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRequestHandler creates the handler. metrics may be nil.
func NewRequestHandler(service *prescription.Service, m *metrics.Metrics, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{service: service, metrics: m, logger: logger}
}

// Routes returns the request subrouter.
func (h *RequestHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/review", h.Review)
	return r
}

type medicationLine struct {
	Name      string `json:"name"`
	Strength  string `json:"strength"`
	Form      string `json:"form"`
	Quantity  int    `json:"quantity"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	IsRepeat  bool   `json:"is_repeat"`
	Reason    string `json:"reason"`
}

type submitRequest struct {
	PatientHPN     string           `json:"patient_hpn"`
	PatientName    string           `json:"patient_name"`
	PrescriberName string           `json:"prescriber_name"`
	FacilityID     int64            `json:"facility_id"`
	Urgency        string           `json:"urgency"`
	Medications    []medicationLine `json:"medications"`
}

type submitResponse struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	Category        string `json:"category"`
	Rationale       string `json:"rationale"`
	AssignedRole    string `json:"assigned_role"`
	AssignedName    string `json:"assigned_name,omitempty"`
	TurnaroundHours int    `json:"turnaround_hours"`
}

// Submit handles POST /requests.
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.PatientHPN == "" || body.FacilityID == 0 {
		jsonError(w, "patient_hpn and facility_id are required", http.StatusBadRequest)
		return
	}
	if len(body.Medications) == 0 {
		jsonError(w, "at least one medication line is required", http.StatusBadRequest)
		return
	}

	req := &prescription.PrescriptionRequest{
		PatientHPN:     body.PatientHPN,
		PatientName:    body.PatientName,
		PrescriberName: body.PrescriberName,
		FacilityID:     body.FacilityID,
		Urgency:        triage.Urgency(body.Urgency),
	}
	for _, m := range body.Medications {
		req.Medications = append(req.Medications, prescription.RequestedMedication{
			Name:      m.Name,
			Strength:  m.Strength,
			Form:      m.Form,
			Quantity:  m.Quantity,
			Dosage:    m.Dosage,
			Frequency: m.Frequency,
			IsRepeat:  m.IsRepeat,
			Reason:    m.Reason,
		})
	}

	start := time.Now()
	req, err := h.service.Submit(ctx, req)
	if err != nil {
		h.logger.Error("submit failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "failed to submit request", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.RequestsSubmitted.WithLabelValues(string(req.Category)).Inc()
		h.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
		if req.AssignedProfessionalID == nil {
			h.metrics.AssignmentFallbacks.Inc()
		}
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		ID:              req.ID,
		Status:          string(req.Status),
		Category:        string(req.Category),
		Rationale:       req.Rationale,
		AssignedRole:    string(req.AssignedRole),
		AssignedName:    req.AssignedName,
		TurnaroundHours: req.Category.TurnaroundHours(),
	})
}

// Get handles GET /requests/{id}.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid request id", http.StatusBadRequest)
		return
	}

	req, err := h.service.Request(r.Context(), id)
	if errors.Is(err, prescription.ErrRequestNotFound) {
		jsonError(w, "request not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to load request", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type reviewRequest struct {
	Action    string `json:"action"`
	Reviewer  string `json:"reviewer"`
	Notes     string `json:"notes"`
	Overrides map[string]struct {
		Quantity *int    `json:"quantity"`
		Dosage   *string `json:"dosage"`
		Refills  *int    `json:"refills"`
	} `json:"overrides"`
	Pharmacy *prescription.PharmacyRef `json:"pharmacy"`
}

type issuedPrescription struct {
	ID         int64  `json:"id"`
	Reference  string `json:"reference"`
	Medication string `json:"medication"`
	Signature  string `json:"signature"`
}

type reviewResponse struct {
	ID     int64                `json:"id"`
	Status string               `json:"status"`
	Issued []issuedPrescription `json:"issued,omitempty"`
}

// Review handles POST /requests/{id}/review.
func (h *RequestHandler) Review(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid request id", http.StatusBadRequest)
		return
	}

	var body reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Reviewer == "" {
		jsonError(w, "reviewer is required", http.StatusBadRequest)
		return
	}

	decision := prescription.ReviewDecision{
		Action:   prescription.ReviewAction(body.Action),
		Reviewer: body.Reviewer,
		Notes:    body.Notes,
		Pharmacy: body.Pharmacy,
	}
	if len(body.Overrides) > 0 {
		decision.Overrides = make(map[int64]prescription.MedicationOverride, len(body.Overrides))
		for lineID, o := range body.Overrides {
			parsed, err := strconv.ParseInt(lineID, 10, 64)
			if err != nil {
				jsonError(w, "invalid medication line id in overrides", http.StatusBadRequest)
				return
			}
			decision.Overrides[parsed] = prescription.MedicationOverride{
				Quantity: o.Quantity,
				Dosage:   o.Dosage,
				Refills:  o.Refills,
			}
		}
	}

	req, issued, err := h.service.Review(ctx, id, decision)
	switch {
	case errors.Is(err, prescription.ErrRequestNotFound):
		jsonError(w, "request not found", http.StatusNotFound)
		return
	case errors.Is(err, prescription.ErrTerminalStatus):
		jsonError(w, "request already finalised", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("review failed", zap.Int64("id", id), zap.Error(err))
		jsonError(w, "failed to record review", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.ReviewsCompleted.WithLabelValues(body.Action).Inc()
		h.metrics.PrescriptionsIssued.Add(float64(len(issued)))
	}

	resp := reviewResponse{ID: req.ID, Status: string(req.Status)}
	for _, p := range issued {
		resp.Issued = append(resp.Issued, issuedPrescription{
			ID:         p.ID,
			Reference:  prescription.FormatRef(p.ID),
			Medication: p.Medication,
			Signature:  p.Signature,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type artifactResponse struct {
	Reference string `json:"reference"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Artifact handles GET /prescriptions/{id}/qr, returning the canonical
// payload (base64) and signature for QR rendering.
func (h *RequestHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	payload, sig, err := h.service.Artifact(r.Context(), id)
	if errors.Is(err, prescription.ErrNotFound) {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("artifact generation failed", zap.Int64("id", id), zap.Error(err))
		jsonError(w, "failed to generate artifact", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, artifactResponse{
		Reference: prescription.FormatRef(id),
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: sig,
	})
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
