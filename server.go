package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/capture"
	"go-attendance-verifier/models"
	"go-attendance-verifier/observability"

	"github.com/gorilla/mux"
)

const ErrorInternal = "error:internal"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_DECODE_REQUEST = "invalid request"
const ERR_JWT_CREATION = "failed to create jwt"
const ERR_TOKEN_REMOVAL = "failed to remove token from storage"
const ERR_TOKEN_RETRIEVAL = "failed to get nonce from storage"
const ERR_INVALID_NONCE_SESSION = "invalid session or nonce"
const ERR_SESSION_NOT_FOUND = "session not found"
const ERR_BUSY = "operation already in progress"
const ERR_REJECTED = "not allowed in the current state"
const ERR_SESSION_CLOSED = "session closed"
const ERR_NO_CAMERA_REQUEST = "no camera request pending"
const ERR_NO_ATTESTATION_KEY = "attestation is not enabled"

const SessionNonceHeader = "X-Session-Nonce"

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`
	StaticPath     string `json:"static_path,omitempty"`
}

type ServerState struct {
	tokenStorage TokenStorage
	sessions     *SessionRegistry
	factory      AttendanceFactory
	jwtCreator   JwtCreator
	metrics      *observability.AttendanceCollector
	// serveMetrics mounts /metrics on the API router
	serveMetrics bool
}

type SpaHandler struct {
	staticPath string
	indexPath  string
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down server")
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// ServeHTTP inspects the URL path to locate a file within the static dir
// on the SPA handler. If a file is found, it will be served. If not, the
// file located at the index path on the SPA handler will be served. This
// is suitable behavior for serving an SPA (single page application).
// https://github.com/gorilla/mux?tab=readme-ov-file#serving-single-page-applications
func (h SpaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("SPA handler serving request", "path", r.URL.Path)
	// Join internally call path.Clean to prevent directory traversal
	path := filepath.Join(h.staticPath, r.URL.Path)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && fi.IsDir()) {
		http.ServeFile(w, r, filepath.Join(h.staticPath, h.indexPath))
		return
	}

	if err != nil {
		slog.Error("Error stating file", "path", path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.FileServer(http.Dir(h.staticPath)).ServeHTTP(w, r)
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := mux.NewRouter()
	router.Use(observability.TracingMiddleware)
	if state.metrics != nil {
		router.Use(state.metrics.Middleware)
	}

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	})

	router.HandleFunc("/api/locate", handleLocate)
	router.HandleFunc("/api/start-attendance", func(w http.ResponseWriter, r *http.Request) {
		handleStartAttendance(state, w, r)
	})
	router.HandleFunc("/api/verify-location", func(w http.ResponseWriter, r *http.Request) {
		handleVerifyLocation(state, w, r)
	})
	router.HandleFunc("/api/camera", func(w http.ResponseWriter, r *http.Request) {
		handleCameraAnswer(state, w, r)
	})
	router.HandleFunc("/api/start-camera", func(w http.ResponseWriter, r *http.Request) {
		handleStartCamera(state, w, r)
	})
	router.HandleFunc("/api/capture-face", func(w http.ResponseWriter, r *http.Request) {
		handleCaptureFace(state, w, r)
	})
	router.HandleFunc("/api/attendance/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetAttendance(state, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/end-attendance", func(w http.ResponseWriter, r *http.Request) {
		handleEndAttendance(state, w, r)
	})
	router.HandleFunc("/api/attestation-key", func(w http.ResponseWriter, r *http.Request) {
		handleAttestationKey(state, w)
	}).Methods(http.MethodGet)

	if state.serveMetrics && state.metrics != nil {
		router.Handle("/metrics", state.metrics.Handler()).Methods(http.MethodGet)
	}

	slog.Debug("Registered all API routes")

	staticPath := config.StaticPath
	if staticPath == "" {
		staticPath = "./frontend/build"
	}
	spa := SpaHandler{staticPath: staticPath, indexPath: "index.html"}
	router.PathPrefix("/").Handler(spa)

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: router,
		Addr:    addr,
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

type StartAttendanceResponse struct {
	SessionId  string              `json:"session_id"`
	Nonce      string              `json:"nonce"`
	Attendance attendance.Snapshot `json:"attendance"`
}

type AttendanceResponse struct {
	SessionId   string              `json:"session_id"`
	Attendance  attendance.Snapshot `json:"attendance"`
	Attestation string              `json:"attestation,omitempty"`
	Error       string              `json:"error,omitempty"`
}

type LocateResponse struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// handleLocate is the plain "where am I" view: it echoes the reported
// coordinates or explains why there are none.
func handleLocate(w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.LocateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_DECODE_REQUEST, "failed to decode locate request", err)
		return
	}

	var response LocateResponse
	switch {
	case !request.GeolocationSupported:
		response.Error = "Geolocation is not supported by your browser"
	case request.SensorError != nil:
		response.Error = "Failed to get location: " + request.SensorError.Message
	case request.Position != nil:
		lat, lng := request.Position.Latitude, request.Position.Longitude
		response.Latitude = &lat
		response.Longitude = &lng
	default:
		respondWithErr(w, http.StatusBadRequest, ERR_DECODE_REQUEST, "locate request without position", errors.New("position or sensor_error required"))
		return
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleStartAttendance(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	slog.Info("Received request to start attendance")

	sessionId := GenerateSessionId()
	if sessionId == "" {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate session ID", fmt.Errorf("failed to generate session ID"))
		return
	}

	nonce, err := GenerateNonce(8)
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to generate nonce", err)
		return
	}

	// The nonce lives until end-attendance or session expiry
	if err := state.tokenStorage.StoreToken(sessionId, nonce); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to store nonce", err)
		return
	}
	slog.Debug("Nonce stored successfully", "session_id", sessionId)

	media := NewClientMediaSource(sessionId)
	wizard := state.factory.New(sessionId, media)
	state.sessions.Add(sessionId, wizard, media)

	response := StartAttendanceResponse{
		SessionId:  sessionId,
		Nonce:      nonce,
		Attendance: wizard.Snapshot(),
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
		return
	}

	slog.Info("Attendance session started", "session_id", sessionId)
}

func handleVerifyLocation(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.VerifyLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_DECODE_REQUEST, "failed to decode verify-location request", err)
		return
	}

	session, ok := loadSession(state, w, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	sensor := NewReportedPositionSensor(request.GeolocationSupported, request.Position, request.SensorError)
	snap, err := session.wizard.VerifyLocation(r.Context(), sensor)
	if err != nil {
		respondWithWizardErr(w, session.id, snap, err)
		return
	}

	respondWithSnapshot(w, state, session, snap)
}

func handleCameraAnswer(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.CameraAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_DECODE_REQUEST, "failed to decode camera request", err)
		return
	}

	session, ok := loadSession(state, w, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	snap := session.wizard.Snapshot()
	if !snap.CameraRequesting {
		respondWithWizardErr(w, session.id, snap, fmt.Errorf("%w: %s", attendance.ErrRejected, ERR_NO_CAMERA_REQUEST))
		return
	}

	slog.Info("Camera permission answered", "session_id", session.id, "granted", request.Granted)
	session.media.Answer(request.Granted)

	// The outcome is applied asynchronously; clients poll the snapshot.
	if err := writeJSON(w, http.StatusAccepted, AttendanceResponse{SessionId: session.id, Attendance: snap}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

func handleStartCamera(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_DECODE_REQUEST, "failed to decode start-camera request", err)
		return
	}

	session, ok := loadSession(state, w, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	if err := session.wizard.StartCamera(); err != nil {
		respondWithWizardErr(w, session.id, session.wizard.Snapshot(), err)
		return
	}

	respondWithSnapshot(w, state, session, session.wizard.Snapshot())
}

func handleCaptureFace(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.CaptureFaceRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_DECODE_REQUEST, "failed to decode capture-face request", err)
		return
	}

	session, ok := loadSession(state, w, request.SessionId, request.Nonce)
	if !ok {
		return
	}

	snap, err := session.wizard.CaptureFace(r.Context(), capture.Frame{Image: request.Frame})
	if err != nil {
		respondWithWizardErr(w, session.id, snap, err)
		return
	}

	respondWithSnapshot(w, state, session, snap)
}

func handleGetAttendance(state *ServerState, w http.ResponseWriter, r *http.Request) {
	sessionId := mux.Vars(r)["session_id"]
	nonce := r.Header.Get(SessionNonceHeader)

	session, ok := loadSession(state, w, sessionId, nonce)
	if !ok {
		return
	}

	respondWithSnapshot(w, state, session, session.wizard.Snapshot())
}

func handleEndAttendance(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	if !requirePOST(w, r) {
		return
	}

	var request models.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_DECODE_REQUEST, "failed to decode end-attendance request", err)
		return
	}

	if err := validateSession(state.tokenStorage, request.SessionId, request.Nonce); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_INVALID_NONCE_SESSION, "session validation failed", err)
		return
	}

	state.sessions.Remove(request.SessionId)
	if err := state.tokenStorage.RemoveToken(request.SessionId); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_TOKEN_REMOVAL, err)
		return
	}

	slog.Info("Attendance session ended", "session_id", request.SessionId)
	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

// -----------------------------------------------------------------------------------

// loadSession checks the nonce and looks up the live session, writing the
// error response itself when either fails.
func loadSession(state *ServerState, w http.ResponseWriter, sessionId, nonce string) (*attendanceSession, bool) {
	if err := validateSession(state.tokenStorage, sessionId, nonce); err != nil {
		respondWithErr(w, http.StatusBadRequest, ERR_INVALID_NONCE_SESSION, "session validation failed", err)
		return nil, false
	}

	session, ok := state.sessions.Get(sessionId)
	if !ok {
		respondWithErr(w, http.StatusNotFound, ERR_SESSION_NOT_FOUND, ERR_SESSION_NOT_FOUND, fmt.Errorf("no live session for %s", sessionId))
		return nil, false
	}
	return session, true
}

// validateSession validates session and nonce
func validateSession(storage TokenStorage, sessionId, nonce string) error {
	slog.Debug("Validating session and nonce", "session_id", sessionId)
	storedNonce, err := storage.RetrieveToken(sessionId)
	if err != nil {
		slog.Warn("Failed to retrieve token from storage", "session_id", sessionId, "error", err)
		return fmt.Errorf("%s: %w", ERR_TOKEN_RETRIEVAL, err)
	}

	if storedNonce == "" || storedNonce != nonce {
		slog.Warn("Invalid nonce or session", "session_id", sessionId, "nonce_empty", storedNonce == "", "nonce_match", storedNonce == nonce)
		return fmt.Errorf("%s", ERR_INVALID_NONCE_SESSION)
	}

	return nil
}

// respondWithSnapshot writes the session view, attaching the attestation
// once the attendance is complete.
func respondWithSnapshot(w http.ResponseWriter, state *ServerState, session *attendanceSession, snap attendance.Snapshot) {
	response := AttendanceResponse{SessionId: session.id, Attendance: snap}

	if snap.OverallSuccess && state.jwtCreator != nil {
		token, err := session.attest(state.jwtCreator)
		if err != nil {
			respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_JWT_CREATION, err)
			return
		}
		response.Attestation = token
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, err)
	}
}

type attestationKeySource interface {
	PublicKeyPEM() ([]byte, error)
}

// handleAttestationKey serves the PEM public key relying parties use to
// verify attendance JWTs.
func handleAttestationKey(state *ServerState, w http.ResponseWriter) {
	source, ok := state.jwtCreator.(attestationKeySource)
	if !ok {
		respondWithErr(w, http.StatusNotFound, ERR_NO_ATTESTATION_KEY, "attestation key requested without a signing key", errors.New("no attestation signer configured"))
		return
	}
	key, err := source.PublicKeyPEM()
	if err != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, "failed to encode attestation key", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	if _, err := w.Write(key); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// respondWithWizardErr maps state machine refusals to 409 and teardown to
// 410. The body still carries the snapshot so the notification is shown.
func respondWithWizardErr(w http.ResponseWriter, sessionId string, snap attendance.Snapshot, err error) {
	code := http.StatusInternalServerError
	msg := ErrorInternal
	switch {
	case errors.Is(err, capture.ErrClosed):
		code, msg = http.StatusGone, ERR_SESSION_CLOSED
	case errors.Is(err, attendance.ErrBusy):
		code, msg = http.StatusConflict, ERR_BUSY
	case errors.Is(err, attendance.ErrRejected):
		code, msg = http.StatusConflict, ERR_REJECTED
	}

	slog.Warn("Attendance step refused", "session_id", sessionId, "status_code", code, "error", err)
	if werr := writeJSON(w, code, AttendanceResponse{SessionId: sessionId, Attendance: snap, Error: msg}); werr != nil {
		respondWithErr(w, http.StatusInternalServerError, ErrorInternal, ERR_MARSHAL, werr)
	}
}

// GenerateSessionId Generates a random 16 byte session id, hex encoded
func GenerateSessionId() string {
	sessionId := make([]byte, 16)
	if _, err := rand.Read(sessionId); err != nil {
		slog.Error("failed to generate session ID", "error", err)
		return ""
	}
	return fmt.Sprintf("%x", sessionId)
}

// GenerateNonce Generates a random nonce
func GenerateNonce(i int) (string, error) {
	nonce := make([]byte, i)
	if _, err := rand.Read(nonce); err != nil {
		slog.Error("failed to generate nonce", "error", err)
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}

func respondWithErr(w http.ResponseWriter, code int, responseBody string, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_body", responseBody)
	w.WriteHeader(code)
	if _, err := w.Write([]byte(responseBody)); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// helpers ------------

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		slog.Debug("Non-POST request rejected", "method", r.Method, "path", r.URL.Path)
		respondWithErr(w, http.StatusMethodNotAllowed, "method not allowed", "invalid method", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	return nil
}
