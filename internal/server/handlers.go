package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/fleet-receipts/internal/auth"
	"github.com/zombor/fleet-receipts/internal/capture"
	"github.com/zombor/fleet-receipts/internal/receipt"
)

// maxUploadSize allows high-resolution phone photos
const maxUploadSize = int64(50 << 20)

func sessionFrom(r *http.Request) auth.Session {
	s, _ := auth.FromContext(r.Context())
	return s
}

// handleCreateCapture stores the uploaded image, opens a session and starts the
// pipeline in the background
func (s *Server) handleCreateCapture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file was selected. Please choose a file to upload."})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Error reading file. Please try again."})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "The uploaded file is empty."})
		return
	}

	session, err := s.captures.Begin(sessionFrom(r), header.Filename, data)
	if err != nil {
		slog.Error("Error starting capture", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "The image could not be stored. Please try again."})
		return
	}

	view := session.Snapshot()
	s.runInBackground(r, session.Start)
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) (*capture.Session, bool) {
	session, err := s.captures.Get(sessionFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return session, true
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	session, ok := s.capture(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleEditCapture applies user overrides given as {"field": "value"}
func (s *Server) handleEditCapture(w http.ResponseWriter, r *http.Request) {
	session, ok := s.capture(w, r)
	if !ok {
		return
	}

	var edits map[string]string
	if err := json.NewDecoder(r.Body).Decode(&edits); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if err := session.EditAll(edits); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

func (s *Server) handleConfirmCapture(w http.ResponseWriter, r *http.Request) {
	session, ok := s.capture(w, r)
	if !ok {
		return
	}

	rec, err := session.Confirm(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleRetryCapture re-runs the failed step in the background
func (s *Server) handleRetryCapture(w http.ResponseWriter, r *http.Request) {
	session, ok := s.capture(w, r)
	if !ok {
		return
	}

	if !session.Retryable() {
		writeError(w, r, errNothingToRetry(session))
		return
	}

	view := session.Snapshot()
	s.runInBackground(r, func(ctx context.Context) error {
		_, err := session.Retry(ctx)
		return err
	})
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleAbandonCapture(w http.ResponseWriter, r *http.Request) {
	session, ok := s.capture(w, r)
	if !ok {
		return
	}
	if err := session.Abandon(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleListReceipts returns the user's receipts, filtered by ?q=&type=&status=
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := receipt.Filter{Query: query.Get("q")}
	if t := strings.TrimSpace(query.Get("type")); t != "" {
		filter.Type = receipt.ParseType(t)
	}
	if st := strings.TrimSpace(query.Get("status")); st != "" {
		status, ok := parseStatus(st)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "status must be Pending or Approved"})
			return
		}
		filter.Status = status
	}

	records, err := s.receipts.List(sessionFrom(r).UserID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func parseStatus(s string) (receipt.Status, bool) {
	for _, st := range []receipt.Status{receipt.StatusPending, receipt.StatusApproved} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.receipts.Get(sessionFrom(r).UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetReceiptImage returns the source image of a receipt
func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.receipts.GetImage(sessionFrom(r).UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(data); err != nil {
		slog.Error("Error writing image", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period, err := receipt.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	stats, err := s.receipts.Stats(sessionFrom(r).UserID, period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	user := sessionFrom(r)
	profile, err := s.receipts.GetProfile(user.UserID, user.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var update receipt.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	profile, err := s.receipts.UpdateProfile(sessionFrom(r).UserID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"captures": s.captures.Len(),
	})
}
