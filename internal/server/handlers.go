package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/andresmejia3/mobileface/internal/matcher"
	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/types"
)

type identityResponse struct {
	Name      string `json:"name"`
	FaceCount int    `json:"face_count"`
}

type faceResponse struct {
	Box types.BoundingBox `json:"box"`
	matcher.Match
}

type identifyResponse struct {
	Faces []faceResponse `json:"faces"`
}

type reloadResponse struct {
	Identities int `json:"identities"`
	Previous   int `json:"previous"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"identities": s.deps.Matcher.Database().Len(),
		"threshold":  s.deps.Matcher.Threshold(),
	})
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	refs := s.deps.Matcher.Database().References()
	out := make([]identityResponse, len(refs))
	for i, ref := range refs {
		out[i] = identityResponse{Name: ref.Name, FaceCount: ref.FaceCount}
	}
	respondJSON(w, http.StatusOK, map[string]any{"identities": out})
}

// handleIdentify takes a raw image body and reports a match per detected face.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "empty body")
		return
	}
	img, err := preprocess.DecodeBytes(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable image")
		return
	}

	faces, err := preprocess.DetectFaces(r.Context(), s.deps.Detector, img, s.deps.InputSize)
	if err != nil {
		s.logger.Error("face detection failed", "error", err)
		respondError(w, http.StatusInternalServerError, "face detection failed")
		return
	}

	// One database snapshot for the whole request.
	db := s.deps.Matcher.Database()
	threshold := s.deps.Matcher.Threshold()
	resp := identifyResponse{Faces: make([]faceResponse, 0, len(faces))}
	for i, f := range faces {
		emb, err := s.deps.Embedder.Embed(f.Crop)
		if err != nil {
			s.logger.Error("embedding failed", "face", i, "error", err)
			respondError(w, http.StatusInternalServerError, "embedding failed")
			return
		}
		match, err := matcher.Identify(db, emb, threshold)
		if err != nil {
			s.logger.Error("identification failed", "face", i, "error", err)
			respondError(w, http.StatusInternalServerError, "enrolled embeddings do not match the model")
			return
		}
		resp.Faces = append(resp.Faces, faceResponse{Box: f.Box, Match: match})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleReload rebuilds the database off to the side and swaps it in.
// Identification keeps using the old database until the swap.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		respondError(w, http.StatusNotImplemented, "enrollment reload is not configured")
		return
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	db, err := s.deps.Reload(r.Context())
	if err != nil {
		s.logger.Error("enrollment reload failed", "error", err)
		status := http.StatusInternalServerError
		if types.IsConfiguration(err) {
			status = http.StatusUnprocessableEntity
		}
		respondError(w, status, err.Error())
		return
	}
	prev := s.deps.Matcher.Swap(db)
	s.logger.Info("enrollment reloaded", "identities", db.Len(), "previous", prev.Len())
	respondJSON(w, http.StatusOK, reloadResponse{Identities: db.Len(), Previous: prev.Len()})
}
