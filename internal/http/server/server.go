package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matthewgall/uploader/internal/auth"
	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
	"github.com/matthewgall/uploader/internal/uploader"
	"github.com/matthewgall/uploader/internal/uploads"
)

const (
	defaultMaxUploadSize = 32 * 1024 * 1024 // 32MB
	maxJSONBodyBytes     = 1 << 20
	multipartMemory      = 8 << 20
)

type Server struct {
	config   *config.Config
	uploader *uploader.Uploader
	disks    *uploads.Disks
	signer   *auth.URLSigner
	metrics  http.Handler
	router   *chi.Mux
	logger   *slog.Logger
}

type Option func(*Server)

// WithSigner enables token checks on disks with sign_urls.
func WithSigner(signer *auth.URLSigner) Option {
	return func(s *Server) { s.signer = signer }
}

func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) { s.metrics = handler }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func New(cfg *config.Config, up *uploader.Uploader, disks *uploads.Disks, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		uploader: up,
		disks:    disks,
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.securityHeadersMiddleware)
	s.router.Use(s.maxBodyMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics)

	s.router.Route("/uploads", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Post("/remote", s.handleRemoteUpload)
	})

	s.router.Route("/files/{disk}", func(r chi.Router) {
		r.Get("/*", s.handleServe)
		r.Delete("/*", s.handleDelete)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.ErrorContext(r.Context(), "panic",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
				)
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_server_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}
		limit := s.maxUploadSize()
		if !isMultipartForm(r) {
			limit = maxJSONBodyBytes
		}
		if r.ContentLength > limit {
			respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request too large"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxUploadSize() int64 {
	if s.config != nil && s.config.Server.MaxUploadSize > 0 {
		return s.config.Server.MaxUploadSize
	}
	return defaultMaxUploadSize
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// uploadResponse is one entry of an upload reply.
type uploadResponse struct {
	*uploader.Result
	OriginalName string `json:"original_name"`
	Message      string `json:"error,omitempty"`
	Status       int    `json:"status"`
}

func newUploadResponse(name string, result *uploader.Result, err error) uploadResponse {
	resp := uploadResponse{Result: result, OriginalName: name, Status: http.StatusCreated}
	switch {
	case err != nil:
		resp.Result = nil
		resp.Message = err.Error()
		resp.Status = errorStatus(err)
	case !result.Succeeded:
		resp.Message = result.ErrorMessage()
		resp.Status = http.StatusInternalServerError
	}
	return resp
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request too large"})
			return
		}
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read upload"})
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "no file provided"})
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name != "" && len(headers) > 1 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "name requires a single file"})
		return
	}
	opts := uploader.Options{
		Disk:          strings.TrimSpace(r.FormValue("disk")),
		Path:          strings.TrimSpace(r.FormValue("path")),
		Configuration: strings.TrimSpace(r.FormValue("configuration")),
	}

	items := make([]uploader.BatchItem, 0, len(headers))
	for _, header := range headers {
		file, err := readPart(header)
		if err != nil {
			s.logger.WarnContext(r.Context(), "read upload part failed",
				slog.String("file", header.Filename),
				slog.Any("error", err),
			)
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		items = append(items, uploader.BatchItem{Source: uploader.FromFile(file), Name: name})
	}

	results := s.uploader.UploadBatch(r.Context(), items, opts)
	responses := make([]uploadResponse, len(results))
	status := http.StatusCreated
	for i, result := range results {
		responses[i] = newUploadResponse(headers[i].Filename, result.Result, result.Err)
		if responses[i].Status != http.StatusCreated {
			status = http.StatusMultiStatus
		}
	}
	if len(responses) == 1 {
		status = responses[0].Status
	}
	respondJSON(w, status, responses)
}

// readPart buffers one multipart file. The client's Content-Type is ignored
// and the MIME type is sniffed from the content.
func readPart(header *multipart.FileHeader) (*files.File, error) {
	part, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", header.Filename, err)
	}
	defer func() {
		_ = part.Close()
	}()
	return files.FromReader(header.Filename, part, "")
}

type remoteUploadRequest struct {
	URL           string `json:"url"`
	Name          string `json:"name"`
	Disk          string `json:"disk"`
	Path          string `json:"path"`
	Configuration string `json:"configuration"`
}

func (s *Server) handleRemoteUpload(w http.ResponseWriter, r *http.Request) {
	var req remoteUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	opts := uploader.Options{Disk: req.Disk, Path: req.Path, Configuration: req.Configuration}

	var (
		result *uploader.Result
		err    error
	)
	if name := strings.TrimSpace(req.Name); name != "" {
		result, err = s.uploader.UploadAs(r.Context(), uploader.FromURL(req.URL), name, opts)
	} else {
		result, err = s.uploader.Upload(r.Context(), uploader.FromURL(req.URL), opts)
	}
	if err != nil {
		s.logger.InfoContext(r.Context(), "remote upload rejected",
			slog.String("url", req.URL),
			slog.Any("error", err),
		)
	}
	originalName := req.URL
	if result != nil {
		originalName = result.OriginalName
	}
	resp := newUploadResponse(originalName, result, err)
	respondJSON(w, resp.Status, resp)
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	disk, key, ok := s.fileParams(w, r)
	if !ok {
		return
	}
	diskCfg, known := s.config.Disks[disk]
	storage, err := s.disks.Disk(disk)
	if !known || err != nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}

	if diskCfg.SignsURLs() {
		if s.signer == nil {
			respondJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		if _, err := s.signer.Verify(auth.TokenFromRequest(r), disk, key); err != nil {
			respondJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
	}

	if diskCfg.Driver == config.DriverS3 {
		link, err := storage.URL(r.Context(), key)
		if err != nil {
			respondError(w, err)
			return
		}
		http.Redirect(w, r, link, http.StatusFound)
		return
	}

	reader, err := storage.Open(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	defer func() {
		_ = reader.Close()
	}()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		buffer := make([]byte, 512)
		n, _ := io.ReadFull(reader, buffer)
		w.Header().Set("Content-Type", files.Detect(buffer[:n]))
		w.Header().Set("Cache-Control", "public, max-age=86400")
		if _, err := w.Write(buffer[:n]); err != nil {
			return
		}
		_, _ = io.Copy(w, reader)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = io.Copy(w, reader)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	disk, key, ok := s.fileParams(w, r)
	if !ok {
		return
	}
	if _, err := s.uploader.Delete(r.Context(), disk, key); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fileParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	disk := chi.URLParam(r, "disk")
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid path"})
		return "", "", false
	}
	key, err := uploads.CleanPath(raw)
	if err != nil || key == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid path"})
		return "", "", false
	}
	return disk, key, true
}

// errorStatus maps pipeline errors to HTTP status codes.
func errorStatus(err error) int {
	var (
		disallowed *files.DisallowedFileError
		invalid    *files.InvalidFileError
		remoteErr  *files.RemoteFileError
		notFound   *files.FileNotFoundError
		noConfig   *config.NoConfigurationError
	)
	switch {
	case errors.As(err, &disallowed):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &noConfig), errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.As(err, &remoteErr):
		return http.StatusBadGateway
	case errors.As(err, &notFound), errors.Is(err, uploads.ErrNotFound), errors.Is(err, uploads.ErrUnknownDisk):
		return http.StatusNotFound
	case errors.Is(err, uploads.ErrInvalidPath):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	respondJSON(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode json response", slog.Any("error", err))
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isMultipartForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
