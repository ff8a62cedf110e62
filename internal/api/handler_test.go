package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/R0M-GH/reapergt-app/internal/course"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

type fakeCourseStore struct {
	tracked   []string // "crn/user"
	untracked []string
	courses   []course.TrackedCourse
}

func (f *fakeCourseStore) Track(_ context.Context, crn, userID string) error {
	f.tracked = append(f.tracked, crn+"/"+userID)
	return nil
}

func (f *fakeCourseStore) RemoveSubscriber(_ context.Context, crn, userID string) error {
	f.untracked = append(f.untracked, crn+"/"+userID)
	return nil
}

func (f *fakeCourseStore) ListTrackedBy(context.Context, string) ([]course.TrackedCourse, error) {
	return f.courses, nil
}

func (f *fakeCourseStore) Get(_ context.Context, crn string) (*course.TrackedCourse, error) {
	for _, c := range f.courses {
		if c.CRN == crn {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeProfileStore struct {
	saved map[string]string // user → raw subscription JSON
}

func (f *fakeProfileStore) SaveSubscription(_ context.Context, userID string, sub json.RawMessage) error {
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[userID] = string(sub)
	return nil
}

func newTestServer(cs *fakeCourseStore, ps *fakeProfileStore) *httptest.Server {
	mux := http.NewServeMux()
	NewHandler(cs, ps).RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func doPost(t *testing.T, url string, userID string) *http.Response {
	t.Helper()
	return doPostBody(t, url, userID, "")
}

func doPostBody(t *testing.T, url, userID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		req.Header.Set("x-user-id", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestTrackCourse(t *testing.T) {
	cs := &fakeCourseStore{}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	resp := doPost(t, srv.URL+"/courses/91575/track", "alice")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(cs.tracked) != 1 || cs.tracked[0] != "91575/alice" {
		t.Errorf("tracked = %v, want [91575/alice]", cs.tracked)
	}
}

func TestTrackCourse_InvalidCRN(t *testing.T) {
	cs := &fakeCourseStore{}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	for _, crn := range []string{"1234", "123456", "9157a", "CS101"} {
		resp := doPost(t, srv.URL+"/courses/"+crn+"/track", "alice")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("CRN %q: status = %d, want 400", crn, resp.StatusCode)
		}
	}
	if len(cs.tracked) != 0 {
		t.Errorf("invalid CRNs reached the store: %v", cs.tracked)
	}
}

func TestTrackCourse_MissingUser(t *testing.T) {
	cs := &fakeCourseStore{}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	resp := doPost(t, srv.URL+"/courses/91575/track", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTrackCourse_AtCapIsRejected(t *testing.T) {
	cs := &fakeCourseStore{courses: []course.TrackedCourse{
		{CRN: "80210"}, {CRN: "80211"}, {CRN: "80212"}, {CRN: "80213"}, {CRN: "80214"},
	}}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	resp := doPost(t, srv.URL+"/courses/91575/track", "alice")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(cs.tracked) != 0 {
		t.Errorf("track at cap reached the store: %v", cs.tracked)
	}
}

func TestTrackCourse_AtCapStaysIdempotent(t *testing.T) {
	// Re-tracking a CRN the user already holds succeeds even at the cap.
	cs := &fakeCourseStore{courses: []course.TrackedCourse{
		{CRN: "91575"}, {CRN: "80211"}, {CRN: "80212"}, {CRN: "80213"}, {CRN: "80214"},
	}}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	resp := doPost(t, srv.URL+"/courses/91575/track", "alice")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(cs.tracked) != 1 || cs.tracked[0] != "91575/alice" {
		t.Errorf("tracked = %v, want [91575/alice]", cs.tracked)
	}
}

func TestUntrackCourse(t *testing.T) {
	cs := &fakeCourseStore{}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	resp := doPost(t, srv.URL+"/courses/91575/untrack", "alice")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(cs.untracked) != 1 || cs.untracked[0] != "91575/alice" {
		t.Errorf("untracked = %v, want [91575/alice]", cs.untracked)
	}
}

func TestListCourses(t *testing.T) {
	cs := &fakeCourseStore{courses: []course.TrackedCourse{
		{CRN: "91575", LastStatus: course.StatusOpen, LastSeatsRemaining: 6},
		{CRN: "80210", LastStatus: course.StatusClosed},
	}}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/courses", nil)
	req.Header.Set("x-user-id", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got []course.TrackedCourse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 || got[0].CRN != "91575" {
		t.Errorf("listed %+v, want the two tracked courses", got)
	}
}

func TestGetCourse(t *testing.T) {
	cs := &fakeCourseStore{courses: []course.TrackedCourse{
		{CRN: "91575", LastStatus: course.StatusOpen, LastSeatsRemaining: 6},
	}}
	srv := newTestServer(cs, &fakeProfileStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/courses/91575")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got course.TrackedCourse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.CRN != "91575" || got.LastStatus != course.StatusOpen {
		t.Errorf("course = %+v, want 91575 OPEN", got)
	}
}

func TestGetCourse_Unknown(t *testing.T) {
	srv := newTestServer(&fakeCourseStore{}, &fakeProfileStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/courses/00000")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRegisterPush(t *testing.T) {
	ps := &fakeProfileStore{}
	srv := newTestServer(&fakeCourseStore{}, ps)
	defer srv.Close()

	body := `{"push_subscription":{"endpoint":"https://push.example/abc","keys":{"p256dh":"k","auth":"a"}}}`
	resp := doPostBody(t, srv.URL+"/register-push", "alice", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	saved, ok := ps.saved["alice"]
	if !ok {
		t.Fatal("no subscription saved for alice")
	}
	if !strings.Contains(saved, "https://push.example/abc") {
		t.Errorf("saved subscription %q lacks the endpoint", saved)
	}
}

func TestRegisterPush_MissingSubscription(t *testing.T) {
	ps := &fakeProfileStore{}
	srv := newTestServer(&fakeCourseStore{}, ps)
	defer srv.Close()

	for _, body := range []string{`{}`, `{"push_subscription":{}}`, `not json`} {
		resp := doPostBody(t, srv.URL+"/register-push", "alice", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
	if len(ps.saved) != 0 {
		t.Errorf("invalid bodies reached the store: %v", ps.saved)
	}
}

func TestRegisterPush_MissingUser(t *testing.T) {
	srv := newTestServer(&fakeCourseStore{}, &fakeProfileStore{})
	defer srv.Close()

	resp := doPostBody(t, srv.URL+"/register-push", "", `{"push_subscription":{"endpoint":"https://push.example/abc"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUnknownAction(t *testing.T) {
	srv := newTestServer(&fakeCourseStore{}, &fakeProfileStore{})
	defer srv.Close()

	resp := doPost(t, srv.URL+"/courses/91575/subscribe", "alice")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
