// Package api implements the HTTP surface for tracking courses.
//
// All routes expect an x-user-id header forwarded by the gateway.
//
// Routes:
//
//	GET  /courses                 → list the user's tracked courses
//	GET  /courses/{crn}           → current recorded status for a CRN
//	POST /courses/{crn}/track     → start tracking a CRN
//	POST /courses/{crn}/untrack   → stop tracking a CRN
//	POST /register-push           → register the caller's push subscription
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/R0M-GH/reapergt-app/internal/course"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

// crnPattern matches a registration number: exactly five digits.
var crnPattern = regexp.MustCompile(`^\d{5}$`)

// maxTrackedPerUser caps how many CRNs one user may track at once.
const maxTrackedPerUser = 5

// CourseStore is the slice of the status store the API needs.
type CourseStore interface {
	Track(ctx context.Context, crn, userID string) error
	RemoveSubscriber(ctx context.Context, crn, userID string) error
	ListTrackedBy(ctx context.Context, userID string) ([]course.TrackedCourse, error)
	Get(ctx context.Context, crn string) (*course.TrackedCourse, error)
}

// ProfileStore persists push subscriptions for the notifier to read.
type ProfileStore interface {
	SaveSubscription(ctx context.Context, userID string, sub json.RawMessage) error
}

// Handler holds shared dependencies.
type Handler struct {
	store    CourseStore
	profiles ProfileStore
}

// NewHandler returns a configured Handler.
func NewHandler(store CourseStore, profiles ProfileStore) *Handler {
	return &Handler{store: store, profiles: profiles}
}

// RegisterRoutes mounts all tracking routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/courses", h.handleCourses)
	mux.HandleFunc("/courses/", h.handleCourseAction)
	mux.HandleFunc("/register-push", h.handleRegisterPush)
}

// ─── Route dispatch ───────────────────────────────────────────────────────────

// handleCourses handles GET /courses
func (h *Handler) handleCourses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listCourses(w, r)
}

// handleCourseAction handles GET /courses/{crn} and POST /courses/{crn}/track|untrack
func (h *Handler) handleCourseAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	if r.Method == http.MethodGet && len(parts) == 2 {
		crn := parts[1]
		if !crnPattern.MatchString(crn) {
			jsonError(w, "CRN must be exactly 5 digits", http.StatusBadRequest)
			return
		}
		h.getCourse(w, r, crn)
		return
	}

	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(parts) != 3 {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}

	crn := parts[1]
	action := parts[2]

	if !crnPattern.MatchString(crn) {
		jsonError(w, "CRN must be exactly 5 digits", http.StatusBadRequest)
		return
	}

	switch action {
	case "track":
		h.trackCourse(w, r, crn)
	case "untrack":
		h.untrackCourse(w, r, crn)
	default:
		jsonError(w, fmt.Sprintf("unknown action %q", action), http.StatusNotFound)
	}
}

// handleRegisterPush handles POST /register-push
func (h *Handler) handleRegisterPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.registerPush(w, r)
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) listCourses(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return
	}

	courses, err := h.store.ListTrackedBy(r.Context(), userID)
	if err != nil {
		log.Printf("[api] listCourses error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}

	jsonOK(w, courses)
}

func (h *Handler) getCourse(w http.ResponseWriter, r *http.Request, crn string) {
	c, err := h.store.Get(r.Context(), crn)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, "CRN not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[api] getCourse error for %s: %v", crn, err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}

	jsonOK(w, c)
}

func (h *Handler) trackCourse(w http.ResponseWriter, r *http.Request, crn string) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return
	}

	tracked, err := h.store.ListTrackedBy(r.Context(), userID)
	if err != nil {
		log.Printf("[api] trackCourse error for %s: %v", crn, err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}

	already := false
	for _, c := range tracked {
		if c.CRN == crn {
			already = true
			break
		}
	}
	if !already && len(tracked) >= maxTrackedPerUser {
		jsonError(w, fmt.Sprintf("maximum of %d CRNs allowed per user", maxTrackedPerUser), http.StatusBadRequest)
		return
	}

	// Idempotent: tracking an already-tracked CRN is a success, and the
	// scraper confirms the CRN's validity on its first pass.
	if err := h.store.Track(r.Context(), crn, userID); err != nil {
		log.Printf("[api] trackCourse error for %s: %v", crn, err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]string{"crn": crn, "status": "tracking"})
}

func (h *Handler) untrackCourse(w http.ResponseWriter, r *http.Request, crn string) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return
	}

	if err := h.store.RemoveSubscriber(r.Context(), crn, userID); err != nil {
		log.Printf("[api] untrackCourse error for %s: %v", crn, err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]string{"crn": crn, "status": "untracked"})
}

func (h *Handler) registerPush(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return
	}

	var body struct {
		PushSubscription json.RawMessage `json:"push_subscription"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	// The notifier needs an endpoint to deliver to; reject subscriptions
	// without one up front instead of at notify time.
	var sub struct {
		Endpoint string `json:"endpoint"`
	}
	if len(body.PushSubscription) == 0 || json.Unmarshal(body.PushSubscription, &sub) != nil || sub.Endpoint == "" {
		jsonError(w, "push subscription data is required", http.StatusBadRequest)
		return
	}

	if err := h.profiles.SaveSubscription(r.Context(), userID, body.PushSubscription); err != nil {
		log.Printf("[api] registerPush error: %v", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]string{"status": "registered"})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
