package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/avtopark/carvault/cmd/common"
	"github.com/avtopark/carvault/vault"
	"github.com/avtopark/carvault/vault/paths"
)

// uploadMemoryLimit caps how much of a multipart body is held in memory
// before spilling to temp files.
const uploadMemoryLimit = 64 << 20

// Server is the HTTP boundary: thin handlers that translate requests into
// engine calls and engine errors into status codes. All state lives in
// the engine (which is to say, on the disk).
type Server struct {
	engine *vault.Engine
	config *common.Config
}

func NewServer(engine *vault.Engine, config *common.Config) *Server {
	return &Server{engine: engine, config: config}
}

// Routes builds the API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": common.Version()})
	})
	mux.HandleFunc("/api/", s.dispatch)
	return mux
}

// statusFor maps the engine's stable error codes onto HTTP statuses.
func statusFor(code string) int {
	switch code {
	case "PathSyntax", "PathTraversal", "SlotInvalid", "ValidationFailed":
		return http.StatusBadRequest
	case "RegionDenied":
		return http.StatusForbidden
	case "CarNotFound":
		return http.StatusNotFound
	case "AlreadyExists", "LockHeld":
		return http.StatusConflict
	case "PhotoLimitExceeded", "SlotSizeExceeded", "UploadLimitExceeded":
		return http.StatusRequestEntityTooLarge
	default:
		// RemoteTransient, RemotePermanent, RegionIndexError
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := vault.ErrorCode(err)
	status := statusFor(code)
	if status >= 500 {
		log.Error().Err(err).Str("code", code).Msg("Request failed.")
	}
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "MethodNotAllowed", "message": "unsupported method",
	})
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "UnknownRoute", "message": "no such endpoint",
	})
}

// actor identifies who performed a mutation, for the audit fields in the
// sidecar files. There is no authentication here; the value is advisory.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	if a := r.FormValue("actor"); a != "" {
		return a
	}
	return "anonymous"
}

// dispatch routes /api/ requests by hand. The tree is small enough that a
// router dependency would buy nothing over a segment switch.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		notFound(w)
		return
	}
	switch segs[0] {
	case "regions":
		s.dispatchRegion(w, r, segs[1:])
	case "cars":
		// /api/cars/{vin}/restore
		if len(segs) == 3 && segs[2] == "restore" && r.Method == http.MethodPost {
			s.handleRestore(w, r, segs[1])
			return
		}
		notFound(w)
	case "links":
		// /api/links/{id}
		if len(segs) == 2 && r.Method == http.MethodGet {
			s.handleFindLink(w, r, segs[1])
			return
		}
		notFound(w)
	case "reconcile":
		if len(segs) == 1 && r.Method == http.MethodPost {
			s.handleReconcile(w, r)
			return
		}
		notFound(w)
	default:
		notFound(w)
	}
}

func (s *Server) dispatchRegion(w http.ResponseWriter, r *http.Request, segs []string) {
	if len(segs) < 2 || segs[1] != "cars" {
		notFound(w)
		return
	}
	region := segs[0]
	if !s.config.RegionAllowed(region) {
		writeError(w, &vault.RegionDeniedError{Region: paths.NormalizeRegion(region)})
		return
	}

	switch {
	case len(segs) == 2:
		switch r.Method {
		case http.MethodGet:
			s.handleListCars(w, r, region)
		case http.MethodPost:
			s.handleCreateCar(w, r, region)
		default:
			methodNotAllowed(w)
		}
	case len(segs) == 3:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetCar(w, r, region, segs[2])
	case segs[3] == "archive" && len(segs) == 4:
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleArchive(w, r, region, segs[2])
	case segs[3] == "links":
		s.dispatchLinks(w, r, region, segs[2], segs[4:])
	case segs[3] == "slots":
		s.dispatchSlots(w, r, region, segs[2], segs[4:])
	default:
		notFound(w)
	}
}

func (s *Server) dispatchLinks(w http.ResponseWriter, r *http.Request, region, vin string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		links, err := s.engine.ListLinks(r.Context(), region, vin)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"links": links})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, &vault.ValidationError{Msg: "malformed JSON body"})
			return
		}
		link, err := s.engine.CreateLink(r.Context(), region, vin, body.Title, body.URL, actor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.engine.DeleteLink(r.Context(), region, vin, rest[0]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) dispatchSlots(w http.ResponseWriter, r *http.Request, region, vin string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		slots, err := s.engine.LoadCarSlotCounts(r.Context(), region, vin)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
		return
	}
	if len(rest) != 3 {
		notFound(w)
		return
	}
	typ := paths.SlotType(rest[0])
	index, err := strconv.Atoi(rest[1])
	if err != nil {
		writeError(w, &vault.ValidationError{Msg: "slot index must be an integer"})
		return
	}

	switch rest[2] {
	case "photos":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleUpload(w, r, region, vin, typ, index)
	case "used":
		switch r.Method {
		case http.MethodPost:
			err = s.engine.MarkSlotUsed(r.Context(), region, vin, typ, index, actor(r))
		case http.MethodDelete:
			err = s.engine.MarkSlotUnused(r.Context(), region, vin, typ, index, actor(r))
		default:
			methodNotAllowed(w)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "publish":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		url, err := s.engine.PublishSlot(r.Context(), region, vin, typ, index, actor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		url, err := s.engine.GetSlotDownloadURL(r.Context(), region, vin, typ, index)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	default:
		notFound(w)
	}
}

func (s *Server) handleListCars(w http.ResponseWriter, r *http.Request, region string) {
	cars, err := s.engine.ListCarsByRegion(r.Context(), region)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cars": cars})
}

func (s *Server) handleCreateCar(w http.ResponseWriter, r *http.Request, region string) {
	var body struct {
		Make  string `json:"make"`
		Model string `json:"model"`
		VIN   string `json:"vin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &vault.ValidationError{Msg: "malformed JSON body"})
		return
	}
	car, err := s.engine.CreateCar(r.Context(), region, body.Make, body.Model, body.VIN, actor(r))
	if err != nil {
		// the car may exist with only its index update pending; report it
		if vault.ErrorCode(err) == "RegionIndexError" && car != nil {
			writeJSON(w, http.StatusCreated, car)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, car)
}

func (s *Server) handleGetCar(w http.ResponseWriter, r *http.Request, region, vin string) {
	car, slots, err := s.engine.GetCarWithSlots(r.Context(), region, vin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"car": car, "slots": slots})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, region, vin string) {
	archivedPath, err := s.engine.ArchiveCar(r.Context(), region, vin, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"archivedPath": archivedPath})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, vin string) {
	var body struct {
		TargetRegion string `json:"targetRegion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &vault.ValidationError{Msg: "malformed JSON body"})
		return
	}
	if !s.config.RegionAllowed(body.TargetRegion) {
		writeError(w, &vault.RegionDeniedError{Region: paths.NormalizeRegion(body.TargetRegion)})
		return
	}
	car, err := s.engine.RestoreCar(r.Context(), vin, body.TargetRegion, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, car)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, region, vin string, typ paths.SlotType, index int) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		writeError(w, &vault.ValidationError{Msg: "malformed multipart body"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	var files []vault.UploadFile
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				writeError(w, &vault.ValidationError{Msg: "unreadable multipart file " + header.Filename})
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, &vault.ValidationError{Msg: "unreadable multipart file " + header.Filename})
				return
			}
			files = append(files, vault.UploadFile{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}

	outcome, err := s.engine.UploadToSlot(r.Context(), region, vin, typ, index, files, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleFindLink(w http.ResponseWriter, r *http.Request, id string) {
	regions := s.config.Regions
	if len(regions) == 0 {
		writeError(w, &vault.ValidationError{Msg: "link lookup requires a configured region list"})
		return
	}
	link, car, err := s.engine.FindLinkByID(r.Context(), regions, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"link": link, "car": car})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path  string `json:"path"`
		Depth string `json:"depth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &vault.ValidationError{Msg: "malformed JSON body"})
		return
	}
	res, err := s.engine.Reconcile(r.Context(), body.Path, vault.Depth(body.Depth))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
