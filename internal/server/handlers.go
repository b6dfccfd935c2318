package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/middleware"
	"github.com/sharebox/sharebox/internal/storage"
)

// multipartMemory is how much of an upload form is buffered in memory
const multipartMemory = 8 << 20

// ==================== Auth ====================

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.authManager.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Name: user.Name, Email: user.Email})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	token, user, err := s.authManager.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  userResponse{ID: user.ID, Name: user.Name, Email: user.Email},
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.authManager.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, userResponse{ID: u.ID, Name: u.Name, Email: u.Email})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ==================== Files ====================

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	maxFiles := s.config.Upload.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 1
	}
	// room for every file at the limit plus form overhead
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxFiles)*s.service.MaxFileSize()+1<<20)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, apperr.InvalidArgument("Upload is too large"))
			return
		}
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidArgument, "Invalid multipart form", err))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, r, apperr.InvalidArgument("No files uploaded"))
		return
	}
	if len(headers) > maxFiles {
		s.writeError(w, r, apperr.InvalidArgument(fmt.Sprintf("At most %d files per upload", maxFiles)))
		return
	}
	// reject the whole batch before anything is stored
	for _, fh := range headers {
		if fh.Size > s.service.MaxFileSize() {
			s.writeError(w, r, apperr.InvalidArgument(fmt.Sprintf("%s exceeds the %d byte limit", fh.Filename, s.service.MaxFileSize())))
			return
		}
	}

	uploaded := make([]uploadedFile, 0, len(headers))
	for _, fh := range headers {
		f, err := s.uploadPart(r, userID, fh)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		uploaded = append(uploaded, f)
	}

	s.writeJSON(w, http.StatusCreated, uploaded)
}

type uploadedFile struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	FileType   string    `json:"fileType"`
	FileSize   int64     `json:"fileSize"`
	UploadedAt time.Time `json:"uploadedAt"`
}

func (s *Server) uploadPart(r *http.Request, userID string, fh *multipart.FileHeader) (uploadedFile, error) {
	part, err := fh.Open()
	if err != nil {
		return uploadedFile{}, apperr.Wrap(apperr.CodeInvalidArgument, "Unreadable upload", err)
	}
	defer part.Close()

	f, err := s.service.Upload(r.Context(), userID, part, fh.Filename, fh.Header.Get("Content-Type"), fh.Size)
	if err != nil {
		return uploadedFile{}, err
	}
	return uploadedFile{
		ID:         f.ID,
		FileName:   f.FileName,
		FileType:   f.FileType,
		FileSize:   f.FileSize,
		UploadedAt: f.UploadedAt,
	}, nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListFiles(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type shareRequest struct {
	Users     []string   `json:"users"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Server) handleShareWithUsers(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	fileID := mux.Vars(r)["fileId"]
	err := s.service.ShareWithUsers(r.Context(), fileID, middleware.UserIDFromContext(r.Context()), req.Users, req.ExpiresAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"message": "File shared successfully"})
}

type shareLinkRequest struct {
	ExpiresInHours *float64 `json:"expiresInHours"`
}

func (s *Server) handleCreateShareLink(w http.ResponseWriter, r *http.Request) {
	var req shareLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ttlHours := s.config.Share.DefaultLinkTTLHours
	if req.ExpiresInHours != nil {
		ttlHours = *req.ExpiresInHours
	}

	fileID := mux.Vars(r)["fileId"]
	shareID, err := s.service.CreateShareLink(r.Context(), fileID, middleware.UserIDFromContext(r.Context()), ttlHours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"shareId":  shareID,
		"shareUrl": s.service.ShareURL(shareID),
	})
}

func (s *Server) handleViewFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileId"]
	url, err := s.service.ResolveViewURL(r.Context(), fileID, middleware.UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"signedUrl": url})
}

// handleSharedFile answers every failure with the same 403 body
func (s *Server) handleSharedFile(w http.ResponseWriter, r *http.Request) {
	shareID := mux.Vars(r)["shareId"]
	url, err := s.service.ResolveSharedViewURL(r.Context(), shareID)
	if err != nil {
		if !errors.Is(err, apperr.ErrExpiredOrInvalid) {
			s.logger.WithError(err).WithField("request_id", middleware.RequestIDFromContext(r.Context())).
				Error("Shared file resolution failed")
		}
		s.writeErrorMessage(w, http.StatusForbidden, apperr.ErrExpiredOrInvalid.Message)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"signedUrl": url})
}

// ==================== Objects ====================

// handleGetObject serves signed downloads for the filesystem backend
func (s *Server) handleGetObject(store *storage.FilesystemStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		body, info, err := store.Open(r, vars["bucket"], vars["key"])
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrObjectNotFound):
				s.writeErrorMessage(w, http.StatusNotFound, "Object not found")
			case apperr.CodeOf(err) == apperr.CodeStore:
				s.writeError(w, r, err)
			default:
				s.logger.WithError(err).Debug("Signed object request rejected")
				s.writeErrorMessage(w, http.StatusForbidden, "Access denied")
			}
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", info.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.Header().Set("ETag", `"`+info.ETag+`"`)
		w.Header().Set("Last-Modified", time.Unix(info.LastModified, 0).UTC().Format(http.TimeFormat))
		w.Header().Set("Cache-Control", "private, no-store")

		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, body); err != nil {
			s.logger.WithError(err).WithField("key", vars["key"]).Warn("Object download interrupted")
		}
	}
}

// ==================== Health ====================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := s.metricsManager.RequestCounts()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"total_requests": counts.Served,
		"total_errors":   counts.Failed,
	})
}
