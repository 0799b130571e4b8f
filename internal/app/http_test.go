package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func newAPIClient(t *testing.T, svc *Service) *apiClient {
	return &apiClient{t: t, handler: NewHTTPServer(svc, "*").Handler()}
}

func (c *apiClient) do(method, path, token, device, body string) (*httptest.ResponseRecorder, map[string]any) {
	c.t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if device != "" {
		req.Header.Set(deviceHeader, device)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			c.t.Fatalf("parse response %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

func (c *apiClient) login(name string) string {
	c.t.Helper()
	rr, payload := c.do(http.MethodPost, "/api/auth/login", "", "", `{"name":"`+name+`"}`)
	if rr.Code != http.StatusOK {
		c.t.Fatalf("login: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)
	if token == "" {
		c.t.Fatal("login: expected token")
	}
	return token
}

func (c *apiClient) createSession(token string, questions ...string) (string, []string) {
	c.t.Helper()
	body, _ := json.Marshal(map[string]any{"name": "Retro", "questions": questions})
	rr, payload := c.do(http.MethodPost, "/api/sessions", token, "", string(body))
	if rr.Code != http.StatusCreated {
		c.t.Fatalf("create session: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	sessionCode, _ := payload["code"].(string)
	ids := []string{}
	list, _ := payload["questions"].([]any)
	for _, item := range list {
		question, _ := item.(map[string]any)
		id, _ := question["id"].(string)
		ids = append(ids, id)
	}
	return sessionCode, ids
}

func answerBody(ids []string, texts ...string) string {
	answers := map[string]string{}
	for i, id := range ids {
		if i < len(texts) {
			answers[id] = texts[i]
		}
	}
	body, _ := json.Marshal(map[string]any{"answers": answers})
	return string(body)
}

func TestAuthSessionEndpoint(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))
	token := client.login("  Avery  ")

	_, payload := client.do(http.MethodGet, "/api/auth/session", token, "", "")
	if payload["authenticated"] != true || payload["userName"] != "Avery" {
		t.Fatalf("unexpected session payload: %v", payload)
	}

	_, payload = client.do(http.MethodGet, "/api/auth/session", "", "", "")
	if payload["authenticated"] != false {
		t.Fatalf("expected anonymous session payload, got %v", payload)
	}
}

func TestLoginRejectsInvalidBody(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))
	rr, payload := client.do(http.MethodPost, "/api/auth/login", "", "", `{"name":`)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400 INVALID_BODY, got %d %v", rr.Code, payload)
	}
}

func TestSessionsRequireAuthentication(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))

	rr, _ := client.do(http.MethodPost, "/api/sessions", "", "", `{"questions":["Q"]}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr, _ = client.do(http.MethodGet, "/api/sessions/AB12", "not-a-token", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))
	organizer := client.login("Olivia")
	sessionCode, ids := client.createSession(organizer, "What went well?", "What should change?")
	if len(sessionCode) != 4 || len(ids) != 2 {
		t.Fatalf("unexpected session %q with %d questions", sessionCode, len(ids))
	}

	rr, payload := client.do(http.MethodGet, "/api/sessions/"+strings.ToLower(sessionCode), organizer, "", "")
	if rr.Code != http.StatusOK || payload["isOrganizer"] != true {
		t.Fatalf("expected organizer view, got %d %v", rr.Code, payload)
	}
	rr, payload = client.do(http.MethodGet, "/api/sessions/"+sessionCode, "", "", "")
	if rr.Code != http.StatusOK || payload["isOrganizer"] != false {
		t.Fatalf("expected participant view, got %d %v", rr.Code, payload)
	}

	rr, payload = client.do(http.MethodPatch, "/api/sessions/"+sessionCode, organizer, "", `{"name":"Sprint 12"}`)
	if rr.Code != http.StatusOK || payload["name"] != "Sprint 12" {
		t.Fatalf("rename: got %d %v", rr.Code, payload)
	}

	rr, payload = client.do(http.MethodPost, "/api/sessions/"+sessionCode+"/questions", organizer, "", `{"text":"Anything else?"}`)
	if rr.Code != http.StatusCreated || payload["order"] != float64(3) {
		t.Fatalf("add question: got %d %v", rr.Code, payload)
	}

	participant := client.login("Per")
	rr, payload = client.do(http.MethodPost, "/api/sessions/"+sessionCode+"/questions", participant, "", `{"text":"Nope"}`)
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 for participant, got %d %v", rr.Code, payload)
	}

	rr, payload = client.do(http.MethodGet, "/api/sessions", organizer, "", "")
	sessions, _ := payload["sessions"].([]any)
	if rr.Code != http.StatusOK || len(sessions) != 1 {
		t.Fatalf("list sessions: got %d %v", rr.Code, payload)
	}
}

func TestSessionCodeErrors(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))

	rr, payload := client.do(http.MethodGet, "/api/sessions/AB", "", "", "")
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 for malformed code, got %d %v", rr.Code, payload)
	}
	rr, payload = client.do(http.MethodGet, "/api/sessions/ZZ99/participant", "", "device-1", "")
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 for unknown session, got %d %v", rr.Code, payload)
	}
}

func TestAnonymousParticipantFlow(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))
	organizer := client.login("Olivia")
	sessionCode, ids := client.createSession(organizer, "Q1", "Q2")
	base := "/api/sessions/" + sessionCode

	_, payload := client.do(http.MethodGet, base+"/participant", "", "kari-device", "")
	if payload["state"] != string(GateIncomplete) || payload["identity"] != nil {
		t.Fatalf("expected incomplete participant, got %v", payload)
	}

	rr, payload := client.do(http.MethodPost, base+"/submission", "", "kari-device", answerBody(ids, "a", "b"))
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "IDENTITY_NOT_READY" {
		t.Fatalf("expected IDENTITY_NOT_READY, got %d %v", rr.Code, payload)
	}

	rr, payload = client.do(http.MethodPut, base+"/participant", "", "kari-device", `{"name":"Kari","showAnswers":false}`)
	if rr.Code != http.StatusOK || payload["state"] != string(GateAnswering) || payload["showAnswers"] != false {
		t.Fatalf("update participant: got %d %v", rr.Code, payload)
	}
	composite, _ := payload["identity"].(string)
	if !strings.HasPrefix(composite, "anon:Kari:") {
		t.Fatalf("unexpected identity %q", composite)
	}

	rr, payload = client.do(http.MethodPost, base+"/submission", "", "kari-device", answerBody(ids, "a"))
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "INCOMPLETE_ANSWERS" {
		t.Fatalf("expected INCOMPLETE_ANSWERS, got %d %v", rr.Code, payload)
	}
	rr, payload = client.do(http.MethodGet, base+"/answers", "", "kari-device", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("answers before submit: expected 403, got %d %v", rr.Code, payload)
	}

	rr, payload = client.do(http.MethodPost, base+"/submission", "", "kari-device", answerBody(ids, "a", "b"))
	if rr.Code != http.StatusOK || payload["state"] != string(GateSubmitted) || payload["replayed"] != false {
		t.Fatalf("submit: got %d %v", rr.Code, payload)
	}
	if payload["identity"] != composite {
		t.Fatalf("submitted identity %v, want %s", payload["identity"], composite)
	}

	rr, payload = client.do(http.MethodPost, base+"/submission", "", "kari-device", answerBody(ids, "x", "y"))
	if rr.Code != http.StatusOK || payload["replayed"] != true {
		t.Fatalf("resubmit: got %d %v", rr.Code, payload)
	}

	_, payload = client.do(http.MethodGet, base+"/participant", "", "kari-device", "")
	if payload["state"] != string(GateSubmitted) || payload["showAnswers"] != true {
		t.Fatalf("expected submitted participant with answers shown, got %v", payload)
	}

	rr, payload = client.do(http.MethodGet, base+"/answers", "", "kari-device", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("answers: got %d %v", rr.Code, payload)
	}
	questions, _ := payload["questions"].([]any)
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %v", payload)
	}
	first, _ := questions[0].(map[string]any)
	answers, _ := first["answers"].([]any)
	answer, _ := answers[0].(map[string]any)
	author, _ := answer["author"].(map[string]any)
	if answer["text"] != "a" || author["text"] != "You" || author["self"] != true {
		t.Fatalf("unexpected answer %v", answer)
	}
}

func TestParticipantRequiresDeviceForWrites(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))
	sessionCode, _ := client.createSession(client.login("Olivia"), "Q1")

	rr, payload := client.do(http.MethodPut, "/api/sessions/"+sessionCode+"/participant", "", "", `{"name":"Kari"}`)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 without device, got %d %v", rr.Code, payload)
	}
}

func TestAuthenticatedSubmission(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore()))
	organizer := client.login("Olivia")
	sessionCode, ids := client.createSession(organizer, "Q1")

	rr, payload := client.do(http.MethodPost, "/api/sessions/"+sessionCode+"/submission", organizer, "", answerBody(ids, "mine"))
	if rr.Code != http.StatusOK || payload["state"] != string(GateSubmitted) {
		t.Fatalf("submit: got %d %v", rr.Code, payload)
	}
	identityValue, _ := payload["identity"].(string)
	if strings.HasPrefix(identityValue, "anon:") || identityValue == "" {
		t.Fatalf("expected account identity, got %q", identityValue)
	}
}

func TestEventStream(t *testing.T) {
	svc := newTestService(newFakeStore())
	client := newAPIClient(t, svc)
	organizer := client.login("Olivia")
	sessionCode, _ := client.createSession(organizer, "Q1")

	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/sessions/"+sessionCode+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	events := make(chan [2]string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{event, strings.TrimPrefix(line, "data: ")}
			}
		}
		close(events)
	}()

	next := func() [2]string {
		t.Helper()
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return event
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
			return [2]string{}
		}
	}

	first := next()
	if first[0] != SnapshotSession || !strings.Contains(first[1], sessionCode) {
		t.Fatalf("unexpected first event %v", first)
	}

	rr, _ := client.do(http.MethodPatch, "/api/sessions/"+sessionCode, organizer, "", `{"name":"Renamed"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("rename: got %d", rr.Code)
	}
	renamed := next()
	if renamed[0] != SnapshotSession || !strings.Contains(renamed[1], "Renamed") {
		t.Fatalf("expected renamed session event, got %v", renamed)
	}
}
