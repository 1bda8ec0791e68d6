package marketplace_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albapepper/agencyops/internal/marketplace"
)

func newServer(t *testing.T, h http.HandlerFunc) *marketplace.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return marketplace.NewClient(srv.URL, "secret", "acct-1", 6000, nil)
}

func TestListConversationsFollowsCursor(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if r.URL.Path != "/accounts/acct-1/conversations" || q.Get("status") != "open" || q.Get("order") != "desc" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"data":[{"id":"C1"},{"id":"C2"}],"meta":{"next_cursor":"p2"}}`)
		case "p2":
			fmt.Fprint(w, `{"data":[{"id":"C3"}],"meta":{}}`)
		}
	})

	got, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if !slices.Equal(got, []string{"C1", "C2", "C3"}) {
		t.Errorf("conversations = %v", got)
	}
}

func TestListMessagesDecodesFields(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/conversations/C%2F1/messages" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"m1","author_id":"client-9","author_name":"Pat","text":"Hi","created_at":"2026-10-19T09:58:00Z"}]}`)
	})

	got, err := c.ListMessages(context.Background(), "C/1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("messages = %+v", got)
	}
	m := got[0]
	want := time.Date(2026, 10, 19, 9, 58, 0, 0, time.UTC)
	if m.ID != "m1" || m.AuthorID != "client-9" || m.AuthorName != "Pat" || m.Text != "Hi" || !m.CreatedAt.Equal(want) {
		t.Errorf("message = %+v", m)
	}
}

func TestListMessagesStopsAtPageLimitKeepingNewest(t *testing.T) {
	var pages atomic.Int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") != "desc" {
			http.Error(w, "oldest first", http.StatusBadRequest)
			return
		}
		n := pages.Add(1)
		// Endless history: every page links to an older one.
		at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC).Add(-time.Duration(n) * time.Minute)
		fmt.Fprintf(w, `{"data":[{"id":"m%d","author_id":"client","text":"x","created_at":%q}],"meta":{"next_cursor":"p%d"}}`,
			n, at.Format(time.RFC3339), n+1)
	})

	got, err := c.ListMessages(context.Background(), "C1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if pages.Load() != 20 || len(got) != 20 {
		t.Fatalf("pages = %d, messages = %d; want 20 each", pages.Load(), len(got))
	}
	if got[0].ID != "m1" {
		t.Errorf("first message = %s, want the newest (m1)", got[0].ID)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		unauth bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"server error", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.ListConversations(context.Background())
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, marketplace.ErrUnauthorized); got != tt.unauth {
				t.Errorf("errors.Is(ErrUnauthorized) = %v, want %v (%v)", got, tt.unauth, err)
			}
		})
	}
}
