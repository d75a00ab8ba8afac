package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/54b3r/docindex-go/internal/ingestion"
	"github.com/54b3r/docindex-go/internal/logging"
	"github.com/54b3r/docindex-go/internal/rag"
)

// previewRunes is the length of the text preview returned for one document.
const previewRunes = 200

// multipartOverhead is added to MaxUploadBytes when capping the request body
// so that the form boundaries and other fields fit.
const multipartOverhead = 1 << 20

// handleUpload handles POST /api/v1/documents. The multipart "file" part is
// stored, recorded as a pending document and queued for ingestion. An
// optional "metadata" field carries a JSON object of string values.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	limit := s.cfg.MaxUploadBytes + multipartOverhead
	if r.ContentLength > limit {
		writeError(w, r, fmt.Errorf("upload exceeds %d bytes: %w", s.cfg.MaxUploadBytes, rag.ErrTooLarge))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, fmt.Errorf("upload exceeds %d bytes: %w", s.cfg.MaxUploadBytes, rag.ErrTooLarge))
			return
		}
		writeError(w, r, fmt.Errorf("invalid multipart body: %v: %w", err, rag.ErrInvalidInput))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("form field \"file\" is required: %w", rag.ErrInvalidInput))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	var meta map[string]string
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeError(w, r, fmt.Errorf("metadata must be a JSON object of strings: %w", rag.ErrInvalidInput))
			return
		}
	}

	doc, err := s.deps.Ingester.Accept(r.Context(), ingestion.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Metadata:    meta,
	})
	if err != nil {
		s.metrics.uploads.WithLabelValues(rag.Kind(err)).Inc()
		writeError(w, r, err)
		return
	}
	s.metrics.uploads.WithLabelValues("ok").Inc()

	msg := "document accepted and queued for ingestion"
	if err := s.deps.Ingester.Submit(r.Context(), doc.ID); err != nil {
		// The upload is durable; the client can resubmit later.
		log.Warn("upload stored but not queued",
			slog.String("document_id", doc.ID),
			slog.Any("error", err),
		)
		msg = fmt.Sprintf("document stored but not queued (%s); retry with POST /api/v1/documents/%s/ingest", rag.Kind(err), doc.ID)
	}

	log.Info("document uploaded",
		slog.String("document_id", doc.ID),
		slog.String("filename", doc.Filename),
		slog.Int64("size", doc.Size),
	)
	writeJSON(w, r, http.StatusCreated, uploadResponse{
		DocID:     doc.ID,
		Filename:  doc.Filename,
		Status:    string(doc.Status),
		ObjectKey: doc.ObjectKey,
		Message:   msg,
	})
}

// handleListDocuments handles GET /api/v1/documents?status=&limit=.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	status, err := rag.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, r, fmt.Errorf("limit must be a non-negative integer: %w", rag.ErrInvalidInput))
			return
		}
	}

	docs, err := s.deps.Documents.ListDocuments(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := listResponse{Documents: make([]documentResponse, 0, len(docs)), Count: len(docs)}
	for i := range docs {
		resp.Documents = append(resp.Documents, toDocumentResponse(&docs[i], false))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleGetDocument handles GET /api/v1/documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Documents.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toDocumentResponse(doc, true))
}

// handleDeleteDocument handles DELETE /api/v1/documents/{id}. An in-flight
// ingestion is cancelled and rolled back before the document is removed.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Ingester.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"doc_id": id, "message": "document deleted"})
}

// handleIngest handles POST /api/v1/documents/{id}/ingest, which queues a
// pending, completed or failed document for (re-)ingestion.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Ingester.Submit(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"doc_id": id, "message": "ingestion queued"})
}

func toDocumentResponse(doc *rag.Document, preview bool) documentResponse {
	resp := documentResponse{
		DocID:           doc.ID,
		Filename:        doc.Filename,
		ContentType:     doc.ContentType,
		Size:            doc.Size,
		Status:          string(doc.Status),
		ObjectKey:       doc.ObjectKey,
		PageCount:       doc.PageCount,
		ChunkCount:      doc.ChunkCount,
		ExtractionError: doc.ExtractionError,
		ProcessingError: doc.ProcessingError,
		Metadata:        doc.Metadata,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		CompletedAt:     doc.CompletedAt,
	}
	if preview && doc.ExtractedText != nil {
		p := truncateRunes(*doc.ExtractedText, previewRunes)
		resp.TextPreview = &p
	}
	return resp
}

// truncateRunes returns at most n runes of s.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
