package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vppillai/diagram-tools-hub/internal/db"
	"github.com/vppillai/diagram-tools-hub/internal/metrics"
	"github.com/vppillai/diagram-tools-hub/internal/ratelimit"
	"github.com/vppillai/diagram-tools-hub/internal/room"
	"github.com/vppillai/diagram-tools-hub/internal/store"
	"github.com/vppillai/diagram-tools-hub/internal/unfurl"
)

const (
	// A room whose snapshot changed within this window counts as
	// active in listings.
	activeWindow = 24 * time.Hour

	// Per-client budget for unfurl requests, which trigger outbound
	// fetches.
	unfurlPerSecond = 5
	unfurlBurst     = 10

	autoVersionsKept = 20
)

type API struct {
	engine         *room.Engine
	store          *store.Store
	database       *db.Database
	resolver       *unfurl.Resolver
	unfurlLimiters *ratelimit.ClientLimiters
	maxUploadBytes int64
	metrics        *metrics.Metrics
	started        time.Time
}

func New(engine *room.Engine, st *store.Store, database *db.Database, resolver *unfurl.Resolver, maxUploadBytes int64, m *metrics.Metrics) *API {
	return &API{
		engine:         engine,
		store:          st,
		database:       database,
		resolver:       resolver,
		unfurlLimiters: ratelimit.NewClientLimiters(unfurlPerSecond, unfurlBurst),
		maxUploadBytes: maxUploadBytes,
		metrics:        m,
		started:        time.Now(),
	}
}

func (a *API) Close() {
	a.unfurlLimiters.Stop()
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// CORS applies the permissive cross-origin policy to every response
// and answers preflight requests directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Detailed health: memory, connection, and storage checks rolled up
// into a single status.
func (a *API) APIHealthHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	memCheck := map[string]interface{}{
		"status": "ok",
		"details": map[string]interface{}{
			"heapAllocBytes": mem.HeapAlloc,
			"sysBytes":       mem.Sys,
			"numGC":          mem.NumGC,
		},
	}
	const memWarnBytes = 1 << 30
	if mem.HeapAlloc > memWarnBytes {
		memCheck["status"] = "warning"
		memCheck["warning"] = "heap usage above 1GiB"
	}

	connCheck := map[string]interface{}{
		"status": "ok",
		"details": map[string]interface{}{
			"active": a.engine.SessionCount(),
		},
	}

	storageCheck := map[string]interface{}{
		"status": "ok",
	}
	rooms, roomsErr := a.store.ListRooms()
	assets, assetsErr := a.store.ListAssets()
	if roomsErr != nil || assetsErr != nil {
		storageCheck["status"] = "error"
		storageCheck["details"] = map[string]interface{}{
			"roomsError":  errString(roomsErr),
			"assetsError": errString(assetsErr),
		}
	} else {
		storageCheck["details"] = map[string]interface{}{
			"roomFiles":  len(rooms),
			"assetFiles": len(assets),
		}
	}

	status := "healthy"
	if memCheck["status"] == "warning" {
		status = "warning"
	}
	if storageCheck["status"] == "error" {
		status = "unhealthy"
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(a.started).Seconds(),
		"checks": map[string]interface{}{
			"memory":      memCheck,
			"connections": connCheck,
			"storage":     storageCheck,
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type roomEntry struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"`
	IsActive     bool   `json:"isActive"`
}

func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	entries, err := a.store.ListRooms()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	now := time.Now()
	var storageUsed int64
	active := 0
	rooms := make([]roomEntry, len(entries))
	for i, entry := range entries {
		storageUsed += entry.Size
		isActive := now.Sub(entry.ModTime) < activeWindow
		if isActive {
			active++
		}
		rooms[i] = roomEntry{
			Name:         entry.ID,
			Size:         entry.Size,
			LastModified: entry.ModTime.UTC().Format(time.RFC3339),
			IsActive:     isActive,
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"totalRooms":  len(entries),
		"activeRooms": active,
		"storageUsed": storageUsed,
		"rooms":       rooms,
		"lastUpdated": now.UTC().Format(time.RFC3339),
	})
}

type assetEntry struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"`
}

func (a *API) AssetsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	entries, err := a.store.ListAssets()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list assets")
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Size > entries[j].Size
	})

	var storageUsed int64
	assets := make([]assetEntry, len(entries))
	for i, entry := range entries {
		storageUsed += entry.Size
		assets[i] = assetEntry{
			Name:         entry.ID,
			Size:         entry.Size,
			LastModified: entry.ModTime.UTC().Format(time.RFC3339),
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"totalAssets": len(entries),
		"storageUsed": storageUsed,
		"assets":      assets,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := map[string]interface{}{
		"uptime": time.Since(a.started).Seconds(),
		"memoryUsage": map[string]interface{}{
			"heapAlloc":  mem.HeapAlloc,
			"totalAlloc": mem.TotalAlloc,
			"sys":        mem.Sys,
			"numGC":      mem.NumGC,
		},
		"runtimeVersion":    runtime.Version(),
		"platform":          runtime.GOOS + "/" + runtime.GOARCH,
		"pid":               os.Getpid(),
		"activeConnections": a.engine.SessionCount(),
		"activeRooms":       a.engine.RoomCount(),
		"environment": map[string]interface{}{
			"port":           os.Getenv("PORT"),
			"cleanupEnabled": os.Getenv("CLEANUP_ENABLED") != "false",
		},
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		if dbStats, err := a.database.GetStats(); err == nil {
			stats["versions"] = dbStats
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Upload handlers

func (a *API) UploadsRouter(w http.ResponseWriter, r *http.Request) {
	rawID := strings.TrimPrefix(r.URL.Path, "/uploads/")
	rawID = strings.TrimSuffix(rawID, "/")
	id, err := url.PathUnescape(rawID)
	if err != nil || id == "" {
		errorResponse(w, http.StatusBadRequest, "Asset ID is required")
		return
	}

	switch r.Method {
	case http.MethodPut:
		a.putAsset(w, r, id)
	case http.MethodGet:
		a.getAsset(w, id)
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *API) putAsset(w http.ResponseWriter, r *http.Request, id string) {
	body := http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(w, http.StatusRequestEntityTooLarge, "Upload exceeds size limit")
			return
		}
		errorResponse(w, http.StatusBadRequest, "Failed to read upload body")
		return
	}

	if err := a.store.WriteAsset(id, data); err != nil {
		if errors.Is(err, store.ErrInvalidKey) {
			errorResponse(w, http.StatusBadRequest, "Invalid asset ID")
			return
		}
		log.Printf("Asset %s: write failed: %v", id, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to store asset")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) getAsset(w http.ResponseWriter, id string) {
	data, err := a.store.ReadAsset(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidKey) {
			errorResponse(w, http.StatusNotFound, "Asset not found")
			return
		}
		log.Printf("Asset %s: read failed: %v", id, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to read asset")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Unfurl handler

func (a *API) UnfurlHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.countUnfurl("rejected")
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		a.countUnfurl("rejected")
		errorResponse(w, http.StatusBadRequest, "url is required")
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !a.unfurlLimiters.Get(host).Allow() {
		a.countUnfurl("throttled")
		errorResponse(w, http.StatusTooManyRequests, "Too many unfurl requests")
		return
	}

	result := a.resolver.Resolve(r.Context(), target)
	if result == (unfurl.Result{}) {
		a.countUnfurl("empty")
	} else {
		a.countUnfurl("resolved")
	}
	jsonResponse(w, http.StatusOK, result)
}

func (a *API) countUnfurl(result string) {
	if a.metrics != nil {
		a.metrics.UnfurlRequests.WithLabelValues(result).Inc()
	}
}

// Version checkpoint handlers

type CreateVersionRequest struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	CreatedBy   string `json:"created_by"`
	IsAuto      bool   `json:"is_auto"`
}

type VersionResponse struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content,omitempty"` // Omit in list view
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func versionResponse(v *db.Version, withContent bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		RoomID:      v.RoomID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if withContent {
		resp.Content = v.Content
	}
	return resp
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

// roomContent returns the room's current snapshot, preferring the
// live room over the store.
func (a *API) roomContent(roomID string) (string, error) {
	if live := a.engine.Peek(roomID); live != nil && !live.Closed() {
		data, err := live.Snapshot()
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := a.store.ReadRoom(roomID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	versions, err := a.database.ListVersions(roomID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list versions")
		return
	}

	response := make([]VersionResponse, len(versions))
	for i := range versions {
		response[i] = versionResponse(&versions[i], false)
	}

	total, _ := a.database.GetVersionCount(roomID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RoomID == "" {
		errorResponse(w, http.StatusBadRequest, "room_id is required")
		return
	}

	// Capture the current snapshot server-side when the client did
	// not supply content.
	if req.Content == "" {
		content, err := a.roomContent(req.RoomID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				errorResponse(w, http.StatusNotFound, "Room has no state to checkpoint")
				return
			}
			errorResponse(w, http.StatusInternalServerError, "Failed to read room state")
			return
		}
		req.Content = content
	}

	if req.Name == "" {
		if req.IsAuto {
			req.Name = fmt.Sprintf("Auto-save %s", time.Now().Format("Jan 2, 3:04 PM"))
		} else {
			req.Name = fmt.Sprintf("Version %s", time.Now().Format("Jan 2, 3:04 PM"))
		}
	}

	contentHash := hashContent(req.Content)

	// Skip duplicate auto checkpoints (same content hash as latest)
	latest, err := a.database.GetLatestVersion(req.RoomID)
	if err == nil && latest != nil && latest.ContentHash == contentHash && req.IsAuto {
		jsonResponse(w, http.StatusOK, versionResponse(latest, false))
		return
	}

	version, err := a.database.CreateVersion(
		req.RoomID, req.Name, req.Description, req.Content, contentHash, req.CreatedBy, req.IsAuto,
	)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create version")
		return
	}

	if req.IsAuto {
		if err := a.database.DeleteOldAutoVersions(req.RoomID, autoVersionsKept); err != nil {
			log.Printf("Failed to clean up old auto versions: %v", err)
		}
	}

	jsonResponse(w, http.StatusCreated, versionResponse(version, false))
}

func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request, versionID int) {
	version, err := a.database.GetVersion(versionID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}

	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	jsonResponse(w, http.StatusOK, versionResponse(version, true))
}

func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request, versionID int) {
	if err := a.database.DeleteVersion(versionID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}

// RestoreVersionHandler writes a checkpoint back to the snapshot
// store and closes any live room, so the next connect loads the
// restored state.
func (a *API) RestoreVersionHandler(w http.ResponseWriter, r *http.Request, versionID int) {
	version, err := a.database.GetVersion(versionID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}

	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	// Close first: a dirty live room's terminal flush would otherwise
	// overwrite the restored snapshot.
	if live := a.engine.Peek(version.RoomID); live != nil {
		live.Close()
	}

	if err := a.store.WriteRoom(version.RoomID, []byte(version.Content)); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to restore version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":       "Version restored",
		"restored_from": version.ID,
		"room_id":       version.RoomID,
	})
}

func (a *API) VersionsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/versions")

	// /api/versions or /api/versions/
	if path == "" || path == "/" {
		switch r.Method {
		case http.MethodGet:
			a.ListVersionsHandler(w, r)
		case http.MethodPost:
			a.CreateVersionHandler(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/versions/{id}/restore
	if strings.HasSuffix(path, "/restore") {
		if r.Method != http.MethodPost {
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		idPart := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/restore")
		versionID, err := strconv.Atoi(idPart)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "Invalid version ID")
			return
		}
		a.RestoreVersionHandler(w, r, versionID)
		return
	}

	// /api/versions/{id}
	versionID, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.GetVersionHandler(w, r, versionID)
	case http.MethodDelete:
		a.DeleteVersionHandler(w, r, versionID)
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
