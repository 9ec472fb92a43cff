package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ledgerlens/ledgerlens/service/db"
	"github.com/ledgerlens/ledgerlens/service/decode"
	"github.com/ledgerlens/ledgerlens/service/metrics"
	"github.com/ledgerlens/ledgerlens/service/nats"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a single raw transaction
	maxSignatureLength = 100     // base58 signatures are 87-88 chars, give buffer
)

// Error codes returned in the "error" field of error responses.
const (
	errCodeInvalidRequest = "INVALID_REQUEST"
	errCodeDecodingFailed = "DECODING_FAILED"
	errCodeNotFound       = "NOT_FOUND"
	errCodeInternal       = "INTERNAL_ERROR"
)

var (
	// Valid base58 characters (no 0, O, I, l)
	validSignatureRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// decodeRequest is the body of POST /api/v1/decode.
type decodeRequest struct {
	RawTx *decode.RawTransaction `json:"raw_tx"`
}

// decodeResponse is the success body of POST /api/v1/decode.
type decodeResponse struct {
	Event   *decode.SemanticEvent `json:"event"`
	Version string                `json:"version"`
}

// handleDecode returns a handler that decodes a raw transaction into a
// semantic event. When a store or publisher is configured the decoded
// event is also persisted and published; failures there are logged but
// do not fail the request.
// POST /api/v1/decode
func handleDecode(decoder *decode.Decoder, store *db.Store, publisher nats.Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req decodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("invalid decode request body", "error", err)
			writeError(w, errCodeInvalidRequest, "invalid JSON request body", http.StatusBadRequest)
			return
		}

		if req.RawTx == nil {
			writeError(w, errCodeInvalidRequest, "raw_tx is required", http.StatusBadRequest)
			return
		}

		start := time.Now()
		event, err := decoder.Decode(r.Context(), req.RawTx)
		if err != nil {
			logger.Error("decode failed", "signature", req.RawTx.Signature, "error", err)
			if m != nil {
				m.RecordDecode("error", time.Since(start).Seconds())
				m.RecordDecodeFailure("decode_error")
			}
			writeError(w, errCodeDecodingFailed, err.Error(), http.StatusInternalServerError)
			return
		}

		if m != nil {
			m.RecordDecode("success", time.Since(start).Seconds())
			m.RecordEventDecoded(string(event.Type))
			m.RecordAtomicEvents(len(event.AtomicEvents))
			for name := range enricherFailures(event.Metadata) {
				m.RecordEnricherFailure(name)
			}
		}

		logger.Debug("transaction decoded",
			"signature", event.Signature,
			"event_type", event.Type,
		)

		if store != nil {
			if err := store.UpsertEvent(r.Context(), event, req.RawTx.Slot); err != nil {
				logger.Error("failed to persist decoded event",
					"signature", event.Signature,
					"error", err,
				)
			}
		}

		if publisher != nil {
			if err := publisher.PublishEvent(r.Context(), nats.FromSemanticEvent(event)); err != nil {
				logger.Error("failed to publish decoded event",
					"signature", event.Signature,
					"error", err,
				)
			}
		}

		writeJSON(w, decodeResponse{
			Event:   event,
			Version: decode.Version,
		}, http.StatusOK)
	})
}

// enricherFailures yields the names of enrichers whose metadata records are
// pipeline failure captures of the form {"error": ...}.
func enricherFailures(metadata map[string]any) map[string]struct{} {
	out := make(map[string]struct{})
	for name, record := range metadata {
		if m, ok := record.(map[string]any); ok {
			if _, failed := m["error"]; failed {
				out[name] = struct{}{}
			}
		}
	}
	return out
}

// handleVersion returns the parser version.
// GET /api/v1/version
func handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"version": decode.Version,
		}, http.StatusOK)
	})
}

// storedEventResponse is the JSON shape of one persisted event.
type storedEventResponse struct {
	Signature     string                `json:"signature"`
	EventType     string                `json:"event_type"`
	Slot          uint64                `json:"slot"`
	BlockTime     *time.Time            `json:"block_time,omitempty"`
	ParserVersion string                `json:"parser_version"`
	Event         *decode.SemanticEvent `json:"event"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func storedEventToResponse(ev *db.StoredEvent) storedEventResponse {
	return storedEventResponse{
		Signature:     ev.Signature,
		EventType:     ev.EventType,
		Slot:          ev.Slot,
		BlockTime:     ev.BlockTime,
		ParserVersion: ev.ParserVersion,
		Event:         ev.Payload,
		CreatedAt:     ev.CreatedAt,
		UpdatedAt:     ev.UpdatedAt,
	}
}

// handleGetEvent returns a handler that retrieves one persisted event.
// GET /api/v1/events/{signature}
func handleGetEvent(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")
		if err := validateSignature(signature); err != nil {
			logger.Debug("invalid signature", "signature", signature, "error", err)
			writeError(w, errCodeInvalidRequest, err.Error(), http.StatusBadRequest)
			return
		}

		ev, err := store.GetEvent(r.Context(), signature)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, errCodeNotFound, "event not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get event", "signature", signature, "error", err)
			writeError(w, errCodeInternal, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, storedEventToResponse(ev), http.StatusOK)
	})
}

// handleListEvents returns a handler that lists persisted events.
// GET /api/v1/events?type={event_type}&limit={n}&offset={n}
func handleListEvents(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params := db.ListEventsParams{
			EventType: r.URL.Query().Get("type"),
		}

		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.ParseInt(raw, 10, 32)
			if err != nil || limit < 0 {
				writeError(w, errCodeInvalidRequest, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			params.Limit = int32(limit)
		}
		if raw := r.URL.Query().Get("offset"); raw != "" {
			offset, err := strconv.ParseInt(raw, 10, 32)
			if err != nil || offset < 0 {
				writeError(w, errCodeInvalidRequest, "offset must be a non-negative integer", http.StatusBadRequest)
				return
			}
			params.Offset = int32(offset)
		}

		events, err := store.ListEvents(r.Context(), params)
		if err != nil {
			logger.Error("failed to list events", "error", err)
			writeError(w, errCodeInternal, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]storedEventResponse, len(events))
		for i, ev := range events {
			resp[i] = storedEventToResponse(ev)
		}

		writeJSON(w, map[string]interface{}{
			"events": resp,
			"count":  len(resp),
		}, http.StatusOK)
	})
}

// handleStats returns a handler that reports decoded-event counts by type.
// GET /api/v1/stats
func handleStats(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountEventsByType(r.Context())
		if err != nil {
			logger.Error("failed to count events", "error", err)
			writeError(w, errCodeInternal, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"counts":  counts,
			"version": decode.Version,
		}, http.StatusOK)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with a machine-readable code
// and a human-readable message.
func writeError(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// validateSignature validates a transaction signature path parameter.
func validateSignature(signature string) error {
	if signature == "" {
		return errors.New("signature is required")
	}
	if len(signature) > maxSignatureLength {
		return errors.New("signature too long")
	}
	if !validSignatureRegex.MatchString(signature) {
		return errors.New("signature contains invalid characters")
	}
	return nil
}
