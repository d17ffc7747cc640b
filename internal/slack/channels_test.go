package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/slack-go/slack"

	"github.com/rodovia/alertcore/internal/notify"
)

func TestIsChannelID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"standard channel ID", "C01234567890", true},
		{"short channel ID", "C01234567", true},
		{"private channel ID", "G01234567", true},
		{"too long", "C012345678901234", false},
		{"too short", "C1234567", false},
		{"starts with D", "D01234567890", false},
		{"lowercase letters", "C01234abcdef", false},
		{"channel name", "#alerts", false},
		{"has dashes", "C0123-4567890", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isChannelID(tt.input); got != tt.want {
				t.Errorf("isChannelID(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// fakeSlackAPI serves conversations.list and chat.postMessage
type fakeSlackAPI struct {
	lists   atomic.Int32
	postErr string
	mu      sync.Mutex
	posted  []string
}

func (f *fakeSlackAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		f.lists.Add(1)
		r.ParseForm()
		channels := []map[string]interface{}{}
		if r.FormValue("types") == "public_channel" {
			channels = append(channels, map[string]interface{}{"id": "C0123456789", "name": "cco-alerts"})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":                true,
			"channels":          channels,
			"response_metadata": map[string]string{"next_cursor": ""},
		})
	})
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if f.postErr != "" {
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": f.postErr})
			return
		}
		f.mu.Lock()
		f.posted = append(f.posted, r.FormValue("channel")+"|"+r.FormValue("text"))
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true, "channel": r.FormValue("channel"), "ts": "1700000000.000100",
		})
	})
	return mux
}

func newTestNotifier(t *testing.T, api *fakeSlackAPI) *Notifier {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewNotifier("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
}

func TestChannelResolver_ResolveChannel(t *testing.T) {
	api := &fakeSlackAPI{}
	n := newTestNotifier(t, api)
	ctx := context.Background()

	id, err := n.resolver.ResolveChannel(ctx, "C0ABC12345")
	if err != nil || id != "C0ABC12345" {
		t.Fatalf("expected ID passthrough, got %q, %v", id, err)
	}
	if api.lists.Load() != 0 {
		t.Error("expected no API call for a channel ID")
	}

	for _, name := range []string{"#cco-alerts", "cco-alerts"} {
		id, err := n.resolver.ResolveChannel(ctx, name)
		if err != nil || id != "C0123456789" {
			t.Errorf("ResolveChannel(%q) = %q, %v", name, id, err)
		}
	}
	if api.lists.Load() != 1 {
		t.Errorf("expected one lookup then cache hits, got %d calls", api.lists.Load())
	}

	n.resolver.ClearCache()
	if _, err := n.resolver.ResolveChannel(ctx, "cco-alerts"); err != nil {
		t.Fatalf("resolve after clear: %v", err)
	}
	if api.lists.Load() != 2 {
		t.Errorf("expected a fresh lookup after ClearCache, got %d calls", api.lists.Load())
	}

	if _, err := n.resolver.ResolveChannel(ctx, "missing"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
	if _, err := n.resolver.ResolveChannel(ctx, ""); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestNotifier_Send(t *testing.T) {
	api := &fakeSlackAPI{}
	n := newTestNotifier(t, api)

	id, err := n.Send(context.Background(), "#cco-alerts", "Camera offline", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "C0123456789:1700000000.000100" {
		t.Errorf("unexpected external id %q", id)
	}
	if len(api.posted) != 1 || api.posted[0] != "C0123456789|Camera offline" {
		t.Errorf("unexpected posts %v", api.posted)
	}
}

func TestNotifier_Send_Errors(t *testing.T) {
	tests := []struct {
		name          string
		recipient     string
		postErr       string
		wantPermanent bool
	}{
		{"unknown channel name", "#nowhere", "", true},
		{"revoked token", "C0123456789", "invalid_auth", true},
		{"rate limited", "C0123456789", "ratelimited", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeSlackAPI{postErr: tt.postErr}
			n := newTestNotifier(t, api)
			_, err := n.Send(context.Background(), tt.recipient, "m", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if notify.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v (%v)", notify.IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}
