package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"reliefhub.org/internal/auth"
	"reliefhub.org/internal/collab"
	"reliefhub.org/internal/stream"
)

func newDirectAPI(t *testing.T, users ...string) (*API, *collab.InMemory, *stream.Stream) {
	t.Helper()
	known := make(map[string]collab.Identity, len(users))
	for _, u := range users {
		known[u] = collab.Identity{DisplayName: u, Email: u + "@reliefhub.org"}
	}
	issuer, err := auth.NewIssuer("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	engine := collab.NewInMemory(collab.NewStaticDirectory(known))
	st := stream.New()
	return New(ReadyProbe{}, "test", engine, st, issuer), engine, st
}

func serveAs(a *API, user, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(auth.ContextWithUser(req.Context(), user))
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func TestLeaveByNonParticipantPublishesNothing(t *testing.T) {
	a, engine, st := newDirectAPI(t, "coordinator", "medic")
	doc, err := engine.CreateDocument(context.Background(), collab.NewDocument{
		Title: "Shelter roster", CreatorID: "coordinator", Type: collab.TypeReport,
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := st.Subscribe(ctx, doc.ID)

	if rec := serveAs(a, "medic", http.MethodPost, "/v1/documents/"+doc.ID+"/leave"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case evt := <-events:
		t.Fatalf("unexpected event for no-op leave: %+v", evt)
	default:
	}

	if rec := serveAs(a, "coordinator", http.MethodPost, "/v1/documents/"+doc.ID+"/leave"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	select {
	case evt := <-events:
		if evt.Type != stream.EventLeft || evt.UserID != "coordinator" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected participant.left event")
	}
}

func TestConcurrentBatchesPublishInVersionOrder(t *testing.T) {
	const writers, batches = 4, 15

	users := make([]string, writers)
	for i := range users {
		users[i] = fmt.Sprintf("volunteer-%d", i)
	}
	a, engine, st := newDirectAPI(t, users...)
	ctx := context.Background()
	doc, err := engine.CreateDocument(ctx, collab.NewDocument{
		Title: "Supply log", CreatorID: users[0], Type: collab.TypeReport,
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	for _, u := range users[1:] {
		if _, err := engine.JoinDocument(ctx, doc.ID, u); err != nil {
			t.Fatalf("JoinDocument(%s): %v", u, err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := st.Subscribe(subCtx, doc.ID)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < batches; i++ {
				req := applyChangesRequest{Changes: []changeRequest{{Type: collab.ChangeInsert, Position: 0, Text: "x"}}}
				if _, err := a.applyBatch(ctx, doc.ID, user, req); err != nil {
					t.Errorf("applyBatch(%s): %v", user, err)
					return
				}
			}
		}(u)
	}
	wg.Wait()

	var last int64 = 1
	for n := 0; n < writers*batches; n++ {
		select {
		case evt := <-events:
			if evt.Version != last+1 {
				t.Fatalf("event %d: version %d after %d", n, evt.Version, last)
			}
			last = evt.Version
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d events", n, writers*batches)
		}
	}
}
