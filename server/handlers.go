package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"playcheck/hasher"
	"playcheck/logger"
	"playcheck/manifest"
	"playcheck/scan"
)

const (
	uploadField = "apk"

	msgLive          = "playcheck API is live"
	msgNoUpload      = "No APK file uploaded"
	msgNotAPK        = "Only APK files are allowed"
	msgInvalidAPK    = "Uploaded file is not a valid APK"
	msgTooLarge      = "Uploaded file is too large"
	msgBinary        = "Compiled manifests are not supported without a decoder"
	msgRateLimited   = "Too many scan requests"
	msgProcessFailed = "Failed to process APK"
	msgNotFound      = "Scan not found"
	msgInvalidID     = "Invalid scan id"
	msgInvalidBody   = "Invalid request body"
	msgUnsupported   = "Unsupported content type"
)

type errorBody struct {
	Message string `json:"message"`
}

// scanRequest is the JSON form of POST /api/scans.
type scanRequest struct {
	FileName string            `json:"fileName"`
	Manifest *manifest.Decoded `json:"manifest"`
}

// httpError carries the status and client-facing message for a failed request.
type httpError struct {
	status  int
	message string
	err     error
}

func (e *httpError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%d %s: %v", e.status, e.message, e.err)
	}
	return fmt.Sprintf("%d %s", e.status, e.message)
}

func (e *httpError) Unwrap() error { return e.err }

func fail(status int, message string, err error) error {
	return &httpError{status: status, message: message, err: err}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var he *httpError
	if !errors.As(err, &he) {
		he = &httpError{status: http.StatusInternalServerError, message: msgProcessFailed, err: err}
	}
	entry := logger.WithFields(logger.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": he.status,
	})
	if he.status >= http.StatusInternalServerError {
		entry.Errorf("Request failed: %v", err)
	} else {
		entry.Debugf("Request rejected: %v", err)
	}
	writeJSON(w, he.status, errorBody{Message: he.message})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, msgLive)
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, r, fail(http.StatusTooManyRequests, msgRateLimited, nil))
		return
	}

	fileName, m, err := s.readScanInput(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := s.svc.StartScan(r.Context(), fileName, m)
	if err != nil {
		switch scan.KindOf(err) {
		case scan.KindInvalidInput:
			err = fail(http.StatusBadRequest, err.Error(), err)
		default:
			err = fail(http.StatusInternalServerError, msgProcessFailed, err)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) readScanInput(w http.ResponseWriter, r *http.Request) (string, *manifest.Manifest, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "", nil, fail(http.StatusBadRequest, msgUnsupported, err)
	}
	switch mediaType {
	case "application/json":
		return s.readJSON(w, r)
	case "multipart/form-data":
		return s.readUpload(w, r)
	}
	return "", nil, fail(http.StatusBadRequest, msgUnsupported, fmt.Errorf("content type %q", mediaType))
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request) (string, *manifest.Manifest, error) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	var req scanRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if isTooLarge(err) {
			return "", nil, fail(http.StatusRequestEntityTooLarge, msgTooLarge, err)
		}
		return "", nil, fail(http.StatusBadRequest, msgInvalidBody, err)
	}
	if req.Manifest == nil {
		return req.FileName, nil, nil
	}
	return req.FileName, manifest.FromDecoded(req.Manifest), nil
}

// readUpload streams the apk part to a temporary file, fingerprints it and
// decodes its manifest. The temporary file is removed before returning.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, *manifest.Manifest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, fail(http.StatusBadRequest, msgNoUpload, err)
	}

	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, fail(http.StatusBadRequest, msgNoUpload, nil)
		}
		if err != nil {
			if isTooLarge(err) {
				return "", nil, fail(http.StatusRequestEntityTooLarge, msgTooLarge, err)
			}
			return "", nil, fail(http.StatusBadRequest, msgNoUpload, err)
		}
		if p.FormName() == uploadField && p.FileName() != "" {
			part = p
			break
		}
		p.Close()
	}
	defer part.Close()

	fileName := filepath.Base(part.FileName())
	if !strings.EqualFold(filepath.Ext(fileName), ".apk") {
		return "", nil, fail(http.StatusBadRequest, msgNotAPK, fmt.Errorf("file %q", fileName))
	}

	tmp, err := os.CreateTemp(s.cfg.UploadDir, "playcheck-upload-*.apk")
	if err != nil {
		return "", nil, fail(http.StatusInternalServerError, msgProcessFailed, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmp, part)
	closeErr := tmp.Close()
	if err != nil {
		if isTooLarge(err) {
			return "", nil, fail(http.StatusRequestEntityTooLarge, msgTooLarge, err)
		}
		return "", nil, fail(http.StatusBadRequest, msgNoUpload, err)
	}
	if closeErr != nil {
		return "", nil, fail(http.StatusInternalServerError, msgProcessFailed, closeErr)
	}

	hashes, err := hasher.DigestFile(tmpPath, s.cfg.HashAlgorithms)
	if err != nil {
		return "", nil, fail(http.StatusInternalServerError, msgProcessFailed, err)
	}
	logger.WithFields(logger.Fields{
		"file":   fileName,
		"hashes": hashes,
	}).Debug("Upload received")

	m, err := s.reader.ReadArchive(tmpPath)
	if err != nil {
		return "", nil, decodeFailure(err)
	}
	return fileName, m, nil
}

func decodeFailure(err error) error {
	switch {
	case errors.Is(err, manifest.ErrBinaryManifest):
		return fail(http.StatusUnprocessableEntity, msgBinary, err)
	case errors.Is(err, manifest.ErrNotArchive), errors.Is(err, manifest.ErrNoManifest):
		return fail(http.StatusBadRequest, msgInvalidAPK, err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return fail(http.StatusInternalServerError, msgProcessFailed, err)
	}
	return fail(http.StatusBadRequest, msgInvalidAPK, err)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.ListScans(r.Context())
	if err != nil {
		writeError(w, r, fail(http.StatusInternalServerError, "Failed to list scans", err))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, r, fail(http.StatusBadRequest, msgInvalidID, err))
		return
	}
	rec, ok, err := s.svc.GetScan(r.Context(), id)
	if err != nil {
		writeError(w, r, fail(http.StatusInternalServerError, "Failed to load scan", err))
		return
	}
	if !ok {
		writeError(w, r, fail(http.StatusNotFound, msgNotFound, nil))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
