// Package api exposes the mesh over HTTP: document upload and download,
// session polling, search and cluster status. Uploads are leader-only;
// followers answer 503 with a leader hint header so clients can redirect.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docmesh/docmesh"
	"github.com/docmesh/docmesh/pkg/common"
	"github.com/docmesh/docmesh/pkg/model"
)

const leaderHintHeader = "X-Mesh-Leader"

// Mesh is the surface of the node the API serves. Satisfied by the
// docmesh facade.
type Mesh interface {
	IsLeader() bool
	LeaderID() string
	Status() docmesh.Status

	AddDocument(filename string, content []byte) (string, error)
	Session(sessionID string) (model.VotingSession, string, bool)
	Transaction(txID string) (model.CommitTransaction, bool)

	Documents() ([]model.Document, error)
	Document(id string) (model.Document, bool, error)
	Download(ctx context.Context, id string) (model.Document, []byte, error)

	Search(ctx context.Context, vector []float32, k int) (model.SearchSession, error)
	SearchResult(queryID, token string) (model.SearchSession, bool)
}

func NewServer(mesh Mesh, logger *slog.Logger) *Server {
	s := &Server{
		mesh:   mesh,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/documents", s.handleDocuments)
	mux.HandleFunc("/api/v1/documents/", s.handleDocument)
	mux.HandleFunc("/api/v1/sessions/", s.handleSession)
	mux.HandleFunc("/api/v1/search", s.handleSearch)
	mux.HandleFunc("/api/v1/search/result", s.handleSearchResult)
	s.mux = mux

	return s
}

// Server is the HTTP front of a mesh node.
type Server struct {
	mesh   Mesh
	mux    *http.ServeMux
	logger *slog.Logger

	httpServer *http.Server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens on addr in a background goroutine.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err.Error())
		}
	}()

	s.logger.Info("http api started", "address", addr)
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.mesh.Status())
}

// handleDocuments serves GET (listing) and POST (upload).
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		docs, err := s.mesh.Documents()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, docs)
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUpload accepts new content and opens a voting session for it. The
// upload is accepted, not committed: the response carries the session id
// to poll for the outcome.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	filename, content, err := readUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessionID, err := s.mesh.AddDocument(filename, content)
	if err != nil {
		if errors.Is(err, common.ErrNotLeader) {
			if leader := s.mesh.LeaderID(); leader != "" {
				w.Header().Set(leaderHintHeader, leader)
			}
			http.Error(w, "not the leader", http.StatusServiceUnavailable)
			return
		}
		if errors.Is(err, common.ErrQuorumUnreachable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
	})
}

// readUpload takes the content from a multipart "file" part when present,
// falling back to the raw body with a filename query parameter.
func readUpload(r *http.Request) (string, []byte, error) {
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, errors.New("missing multipart file part")
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return "", nil, err
		}
		return header.Filename, content, nil
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		return "", nil, errors.New("filename query parameter is required")
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	return filename, content, nil
}

// handleDocument serves one document: metadata by default, content when
// the path ends with /download.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/documents/")
	if download := strings.HasSuffix(id, "/download"); download {
		id = strings.TrimSuffix(id, "/download")
		doc, content, err := s.mesh.Download(r.Context(), id)
		if err != nil {
			if errors.Is(err, common.ErrStorageUnavailable) {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
		_, _ = w.Write(content)
		return
	}

	doc, ok, err := s.mesh.Document(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// sessionView is the poll response for an upload.
type sessionView struct {
	Session     model.VotingSession      `json:"session"`
	Transaction *model.CommitTransaction `json:"transaction,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	session, txID, ok := s.mesh.Session(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	view := sessionView{Session: session}
	if txID != "" {
		if tx, ok := s.mesh.Transaction(txID); ok {
			view.Transaction = &tx
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad search request", http.StatusBadRequest)
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	session, err := s.mesh.Search(r.Context(), req.Vector, req.TopK)
	if err != nil {
		if errors.Is(err, common.ErrNoPeersAvailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// handleSearchResult serves a cached search by query id and token.
func (s *Server) handleSearchResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queryID := r.URL.Query().Get("query")
	token := r.URL.Query().Get("token")
	if queryID == "" || token == "" {
		http.Error(w, "query and token parameters are required", http.StatusBadRequest)
		return
	}

	session, ok := s.mesh.SearchResult(queryID, token)
	if !ok {
		http.Error(w, "search session not found", http.StatusNotFound)
		return
	}
	if !session.Done {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err.Error())
	}
}
