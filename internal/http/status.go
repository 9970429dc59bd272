package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/hybridca/internal/revocation"
	"github.com/wolfeidau/hybridca/internal/storage"
)

// MaxBatchSerials bounds a single batch status request.
const MaxBatchSerials = 1000

// CRLFetcher downloads a published CRL.
type CRLFetcher interface {
	Download(ctx context.Context, url string) (string, error)
}

// StatusHandler serves revocation status from the in-memory cache.
type StatusHandler struct {
	cache   *revocation.Cache
	crls    CRLFetcher
	trigger func()
}

// NewStatusHandler creates a status handler. trigger, when set, is called by
// POST /v1/crl/refresh to request an immediate CRL cycle.
func NewStatusHandler(cache *revocation.Cache, crls CRLFetcher, trigger func()) *StatusHandler {
	return &StatusHandler{cache: cache, crls: crls, trigger: trigger}
}

type statusResponse struct {
	SerialNumber string     `json:"serial_number"`
	Revoked      bool       `json:"revoked"`
	Reason       string     `json:"reason,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	CAName       string     `json:"ca_name,omitempty"`
	CRLNumber    int64      `json:"crl_number,omitempty"`
}

type batchRequest struct {
	SerialNumbers []string `json:"serial_numbers"`
}

type batchResponse struct {
	Results   map[string]bool `json:"results"`
	CRLNumber int64           `json:"crl_number,omitempty"`
}

type healthResponse struct {
	Status       string     `json:"status"`
	CacheLoaded  bool       `json:"cache_loaded"`
	RevokedCount int        `json:"revoked_count"`
	NextUpdate   *time.Time `json:"next_update,omitempty"`
	Expired      bool       `json:"expired"`
	CAs          []caHealth `json:"cas,omitempty"`
}

type caHealth struct {
	Name         string     `json:"name"`
	Loaded       bool       `json:"loaded"`
	RevokedCount int        `json:"revoked_count"`
	CRLNumber    int64      `json:"crl_number,omitempty"`
	NextUpdate   *time.Time `json:"next_update,omitempty"`
	Expired      bool       `json:"expired"`
}

// Routes registers the status endpoints on a new mux, wrapped with CORS.
func (h *StatusHandler) Routes(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/revocation/{serial}", h.RevocationHandler())
	mux.HandleFunc("POST /v1/revocation/batch", h.BatchHandler())
	mux.HandleFunc("GET /v1/crl/latest", h.LatestCRLHandler())
	mux.HandleFunc("POST /v1/crl/refresh", h.RefreshHandler())
	mux.HandleFunc("GET /healthz", h.HealthHandler())

	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return middleware.Handler(ClientIPMiddleware()(mux))
}

// RevocationHandler answers GET /v1/revocation/{serial}.
func (h *StatusHandler) RevocationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := r.PathValue("serial")
		if serial == "" {
			http.Error(w, "serial number is required", http.StatusBadRequest)
			return
		}

		st := h.cache.Lookup(r.Context(), serial)
		resp := statusResponse{
			SerialNumber: revocation.NormalizeSerial(serial),
			Revoked:      st.Revoked,
			CAName:       st.CAName,
			CRLNumber:    st.CRLNumber,
		}
		if st.Found {
			resp.Reason = st.Entry.Reason.String()
			resp.RevokedAt = &st.Entry.RevokedAt
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// BatchHandler answers POST /v1/revocation/batch.
func (h *StatusHandler) BatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.SerialNumbers) == 0 {
			http.Error(w, "serial_numbers is required", http.StatusBadRequest)
			return
		}
		if len(req.SerialNumbers) > MaxBatchSerials {
			http.Error(w, "too many serial numbers", http.StatusRequestEntityTooLarge)
			return
		}

		resp := batchResponse{Results: h.cache.BatchCheck(r.Context(), req.SerialNumbers)}
		if meta, ok := h.cache.MetadataByName(""); ok {
			resp.CRLNumber = meta.Number
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// LatestCRLHandler serves the PEM of the CRL the cache was built from. The
// ca query parameter names the CA and may be omitted when only one is loaded.
func (h *StatusHandler) LatestCRLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caName := r.URL.Query().Get("ca")
		if caName == "" && len(h.cache.Stats().CAs) > 1 {
			http.Error(w, "ca is required", http.StatusBadRequest)
			return
		}
		meta, ok := h.cache.MetadataByName(caName)
		if !ok || meta.URL == "" {
			http.Error(w, "no CRL published", http.StatusNotFound)
			return
		}

		pem, err := h.crls.Download(r.Context(), meta.URL)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "no CRL published", http.StatusNotFound)
				return
			}
			log.Error().Err(err).Str("url", meta.URL).Msg("Failed to download CRL")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write([]byte(pem))
	}
}

// RefreshHandler requests an immediate CRL cycle.
func (h *StatusHandler) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.trigger == nil {
			http.Error(w, "refresh not available", http.StatusNotImplemented)
			return
		}
		h.trigger()
		w.WriteHeader(http.StatusAccepted)
	}
}

// HealthHandler reports cache readiness. A CA without a snapshot or with an
// expired CRL makes the whole service degraded with 503.
func (h *StatusHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := h.cache.Stats()
		resp := healthResponse{
			Status:       "ok",
			CacheLoaded:  stats.Loaded,
			RevokedCount: stats.RevokedCount,
			Expired:      stats.Expired,
		}
		if !stats.NextUpdate.IsZero() {
			next := stats.NextUpdate
			resp.NextUpdate = &next
		}
		for _, ca := range stats.CAs {
			item := caHealth{
				Name:         ca.CAName,
				Loaded:       ca.Loaded,
				RevokedCount: ca.RevokedCount,
				CRLNumber:    ca.CRLNumber,
				Expired:      ca.Expired,
			}
			if ca.Loaded {
				next := ca.NextUpdate
				item.NextUpdate = &next
			}
			resp.CAs = append(resp.CAs, item)
		}

		code := http.StatusOK
		if !stats.Loaded || stats.Expired {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
