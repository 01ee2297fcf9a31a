// Package httpserver exposes the ledger API, record signing and verification, and key
// rotation.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/certledger/internal/keys"
	"github.com/ILLUVRSE/certledger/internal/ledger"
	"github.com/ILLUVRSE/certledger/internal/models"
	"github.com/ILLUVRSE/certledger/internal/recordsigner"
)

// Ledger is implemented by *ledger.Store.
type Ledger interface {
	Ping(ctx context.Context) error
	Append(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error)
	Get(ctx context.Context, id string) (models.LedgerEntry, error)
	Query(ctx context.Context, f ledger.Filter) (ledger.QueryResult, error)
	VerifyStream(ctx context.Context, stream string) (ledger.StreamReport, error)
}

// KeyManager is the part of keys.Manager the API reports on and rotates.
type KeyManager interface {
	State() keys.State
	KeyPairs(ctx context.Context) ([]models.KeyPair, error)
	Rotate(ctx context.Context) (models.KeyPair, error)
}

// Records is implemented by *recordsigner.Signer.
type Records interface {
	SignRecord(ctx context.Context, r models.Record, previousHash string) (models.Record, error)
	VerifyRecord(ctx context.Context, r models.Record, opts recordsigner.VerifyOptions) (models.VerificationResult, error)
	AuditChain(ctx context.Context, records []models.Record, opts recordsigner.AuditOptions) (recordsigner.ChainReport, error)
}

type Server struct {
	ledger  Ledger
	keys    KeyManager
	records Records
	auth    *Verifier
}

// New builds a Server. auth may be nil to disable bearer token checks.
func New(l Ledger, km KeyManager, rs Records, auth *Verifier) *Server {
	return &Server{
		ledger:  l,
		keys:    km,
		records: rs,
		auth:    auth,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/entries", s.handleQueryEntries)
			r.Post("/entries", s.handleAppendEntry)
			r.Get("/entries/{id}", s.handleGetEntry)
			r.Get("/streams/{stream}/verify", s.handleVerifyStream)
		})
		r.Get("/keys", s.handleKeys)
		r.Post("/keys/rotate", s.handleRotateKey)
		r.Post("/records/sign", s.handleSignRecord)
		r.Post("/records/verify", s.handleVerifyRecord)
		r.Post("/records/audit", s.handleAuditChain)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	state := s.keys.State()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
		"keys": state.String(),
	}
	code := http.StatusOK
	if err := s.ledger.Ping(ctx); err != nil {
		status["ok"] = false
		status["storage"] = "down"
		status["error"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["storage"] = "up"
	}
	if state != keys.StateReady {
		status["ok"] = false
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}

// appendEntryRequest carries what a client may choose about a new entry. Sequence,
// timestamp, hashes and signature are always assigned by the store.
type appendEntryRequest struct {
	ID           string         `json:"id"`
	Stream       string         `json:"stream"`
	EventType    string         `json:"eventType"`
	ActorID      string         `json:"actorId"`
	Payload      any            `json:"payload"`
	Metadata     map[string]any `json:"metadata"`
	PreviousHash string         `json:"previousHash"`
}

func (s *Server) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	var req appendEntryRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondError(w, http.StatusBadRequest, "LEDGER_BAD_REQUEST", err.Error())
		return
	}
	e, err := s.ledger.Append(r.Context(), models.LedgerEntry{
		ID:           req.ID,
		Stream:       req.Stream,
		EventType:    req.EventType,
		ActorID:      req.ActorID,
		Payload:      req.Payload,
		Metadata:     req.Metadata,
		PreviousHash: req.PreviousHash,
	})
	if err != nil {
		if e.Hash == "" {
			respondErr(w, err)
			return
		}
		// Written, only the mirror copy and its dead letter were lost.
		log.Printf("[httpserver] entry %s appended with error: %v", e.ID, err)
	}
	respondJSON(w, http.StatusCreated, e)
}

func (s *Server) handleQueryEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "LEDGER_BAD_REQUEST", err.Error())
		return
	}
	res, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Stream:    q.Get("stream"),
		EventType: q.Get("eventType"),
		ActorID:   q.Get("actorId"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		return f, fmt.Errorf("offset: %w", err)
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleVerifyStream(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ledger.VerifyStream(r.Context(), chi.URLParam(r, "stream"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	kps, err := s.keys.KeyPairs(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"keys": kps})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	kp, err := s.keys.Rotate(r.Context())
	if err != nil {
		if kp.Version == 0 {
			respondErr(w, err)
			return
		}
		log.Printf("[httpserver] key rotated to version %d with error: %v", kp.Version, err)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"key": kp})
}

type signRecordRequest struct {
	Record       models.Record `json:"record"`
	PreviousHash string        `json:"previousHash"`
}

func (s *Server) handleSignRecord(w http.ResponseWriter, r *http.Request) {
	var req signRecordRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondError(w, http.StatusBadRequest, "LEDGER_BAD_REQUEST", err.Error())
		return
	}
	// The signed copy carries its own linkage.
	req.Record.PreviousHash, req.Record.Hash, req.Record.Signature, req.Record.KeyVersion = "", "", "", 0
	out, err := s.records.SignRecord(r.Context(), req.Record, req.PreviousHash)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type verifyRecordRequest struct {
	Record       models.Record `json:"record"`
	PreviousHash string        `json:"previousHash"`
	PublicKey    string        `json:"publicKey"`
}

type verifyRecordResponse struct {
	models.VerificationResult
	Problems []string `json:"problems"`
}

func (s *Server) handleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	var req verifyRecordRequest
	if err := decodeJSON(w, r, &req, 0); err != nil {
		respondError(w, http.StatusBadRequest, "LEDGER_BAD_REQUEST", err.Error())
		return
	}
	if req.Record.ID == "" {
		respondError(w, http.StatusBadRequest, "LEDGER_BAD_REQUEST", "record.id is required")
		return
	}
	res, err := s.records.VerifyRecord(r.Context(), req.Record, recordsigner.VerifyOptions{
		PreviousHash: req.PreviousHash,
		PublicKeyPEM: req.PublicKey,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, verifyRecordResponse{VerificationResult: res, Problems: res.Problems()})
}

type auditChainRequest struct {
	Records   []models.Record `json:"records"`
	PublicKey string          `json:"publicKey"`
}

func (s *Server) handleAuditChain(w http.ResponseWriter, r *http.Request) {
	var req auditChainRequest
	if err := decodeJSON(w, r, &req, 16<<20); err != nil {
		respondError(w, http.StatusBadRequest, "LEDGER_BAD_REQUEST", err.Error())
		return
	}
	rep, err := s.records.AuditChain(r.Context(), req.Records, recordsigner.AuditOptions{PublicKeyPEM: req.PublicKey})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// decodeJSON keeps numbers as json.Number so payload hashes match the signer's.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	return decoder.Decode(v)
}

func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "LEDGER_NOT_FOUND", err.Error())
	case errors.Is(err, models.ErrInvalidRecord), errors.Is(err, models.ErrSerialization):
		respondError(w, http.StatusBadRequest, "LEDGER_BAD_REQUEST", err.Error())
	case errors.Is(err, models.ErrChainFork), errors.Is(err, models.ErrImmutabilityViolation):
		respondError(w, http.StatusConflict, "LEDGER_CONFLICT", err.Error())
	case errors.Is(err, models.ErrUnsupportedOperation):
		respondError(w, http.StatusNotImplemented, "LEDGER_UNSUPPORTED", err.Error())
	case errors.Is(err, models.ErrKeyUnavailable), errors.Is(err, models.ErrSignatureBackend):
		respondError(w, http.StatusServiceUnavailable, "LEDGER_KEYS_UNAVAILABLE", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "LEDGER_INTERNAL", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
