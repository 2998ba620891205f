package broadcast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wanistream/app/config"
	"wanistream/app/logger"
	"wanistream/app/model"
)

type staticAccounts map[uint]*model.BroadcastAccount

func (s staticAccounts) GetAccount(_ context.Context, id uint) (*model.BroadcastAccount, error) {
	a, ok := s[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return a, nil
}

func newTestNotifier(t *testing.T, handler http.HandlerFunc) *YouTubeNotifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	accounts := staticAccounts{1: {ID: 1, ChannelTitle: "wani", AccessToken: "token-1", IsActive: true}}
	n := NewYouTubeNotifier(config.BroadcastConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, accounts, logger.NewNop())
	t.Cleanup(func() { n.Close() })
	return n
}

func broadcastJob() *model.Stream {
	id := uint(1)
	return &model.Stream{ID: 9, BroadcastID: "bc-123", BroadcastAccountID: &id}
}

func TestNotifyLiveSendsTransition(t *testing.T) {
	var gotQuery, gotAuth, gotMethod, gotPath string
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("broadcastStatus") + "|" + r.URL.Query().Get("id") + "|" + r.URL.Query().Get("part")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"bc-123","status":{"lifeCycleStatus":"live"}}`))
	})

	if err := n.NotifyLive(context.Background(), broadcastJob()); err != nil {
		t.Fatalf("NotifyLive: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/liveBroadcasts/transition" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotQuery != "live|bc-123|status" {
		t.Fatalf("query = %s", gotQuery)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestNotifyCompleteReportsAPIError(t *testing.T) {
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcastStatus") != "complete" {
			t.Errorf("broadcastStatus = %s", r.URL.Query().Get("broadcastStatus"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"Invalid transition"}}`))
	})

	err := n.NotifyComplete(context.Background(), broadcastJob())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNotifyWithoutBroadcast(t *testing.T) {
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if err := n.NotifyLive(context.Background(), &model.Stream{ID: 1}); !errors.Is(err, ErrNoBroadcast) {
		t.Fatalf("err = %v, want ErrNoBroadcast", err)
	}
}
