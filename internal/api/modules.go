package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/storage"
)

const maxUploadBytes = 50 << 20 // 50 MB

// ModuleHandler lists and accepts workspace modules and interface files.
type ModuleHandler struct {
	svc   *Service
	files storage.Provider
}

// NewModuleHandler creates a handler writing into the workspace.
func NewModuleHandler(svc *Service, files storage.Provider) *ModuleHandler {
	return &ModuleHandler{svc: svc, files: files}
}

// safeName validates that the filename is a plain module or interface file
// name (no path separators, no traversal) and returns its kind.
func safeName(name string) (models.FileKind, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	kind, ok := storage.KindOf(cleaned)
	if !ok {
		return "", fmt.Errorf("unsupported file type: %s", name)
	}
	return kind, nil
}

// List handles GET /api/modules.
//
//	@Summary		List workspace modules and interface files
//	@Tags			modules
//	@Produce		json
//	@Success		200	{array}	models.ModuleFile
//	@Security		BearerAuth
//	@Router			/modules [get]
func (h *ModuleHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeJSON(w, http.StatusOK, []models.ModuleFile{})
		return
	}
	files, err := h.files.List("")
	if err != nil {
		writeError(w, "list modules", err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// Upload handles POST /api/modules (multipart/form-data, field "file").
// Uploading a module redeploys every canister that runs it.
//
//	@Summary		Upload a module or interface file
//	@Tags			modules
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	".wasm, .wasm.gz or .did file"
//	@Success		201		{object}	ModuleUploadResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/modules [post]
func (h *ModuleHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no workspace configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	kind, err := safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to read file"))
		return
	}
	name := filepath.Clean(header.Filename)
	if err := h.files.Write(name, content); err != nil {
		writeError(w, "write module", err)
		return
	}

	resp := ModuleUploadResponse{Path: name, Kind: kind, Size: int64(len(content))}
	if kind == models.FileWasm {
		upgraded, err := h.svc.Redeploy(r.Context(), name)
		if err != nil {
			slog.Warn("redeploy after upload failed", slog.String("path", name), slog.String("error", err.Error()))
		}
		resp.Redeployed = upgraded
	}
	if resp.Redeployed == nil {
		resp.Redeployed = []principal.Principal{}
	}
	writeJSON(w, http.StatusCreated, resp)
}
