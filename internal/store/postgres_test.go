package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"atlas/internal/config"
	"atlas/internal/domain"
)

// testPostgres connects to ATLAS_TEST_DATABASE_URL. Tests share its tables,
// so every test works in channels and ids of its own and removes them after.
func testPostgres(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	dsn := os.Getenv("ATLAS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ATLAS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, testLogger())
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	prefix := "t" + uuid.NewString()[:8] + "-"
	t.Cleanup(func() {
		like := prefix + "%"
		s.pool.Exec(ctx, `DELETE FROM messages WHERE channel_id LIKE $1`, like)
		s.pool.Exec(ctx, `DELETE FROM channel_agents WHERE channel_id LIKE $1`, like)
		s.pool.Exec(ctx, `DELETE FROM agents WHERE id LIKE $1`, like)
		s.pool.Exec(ctx, `DELETE FROM profiles WHERE id LIKE $1`, like)
		s.Close()
	})
	return s, prefix
}

func pgInsert(t *testing.T, s *PostgresStore, m domain.Message) domain.Message {
	t.Helper()
	out, err := s.InsertMessage(context.Background(), m)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	return out
}

func TestPostgresStore_InsertAndGet(t *testing.T) {
	s, p := testPostgres(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)

	m := pgInsert(t, s, domain.Message{ChannelID: p + "c1", Content: "hello", SenderID: "u1", Status: domain.StatusApproved, CreatedAt: created})
	if m.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.GetMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "hello" || got.SenderID != "u1" || got.AgentID != "" || got.IsProcessed {
		t.Errorf("unexpected round trip: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}

	if _, err := s.GetMessage(context.Background(), p+"missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_RecentApprovedNewestFirst(t *testing.T) {
	s, p := testPostgres(t)
	ch := p + "c1"
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, content := range []string{"one", "two", "three", "four"} {
		pgInsert(t, s, domain.Message{
			ChannelID: ch, Content: content, SenderID: "u1",
			Status: domain.StatusApproved, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	pgInsert(t, s, domain.Message{
		ChannelID: ch, Content: "hidden", AgentID: "a1",
		Status: domain.StatusPending, CreatedAt: base.Add(10 * time.Second),
	})
	pgInsert(t, s, domain.Message{
		ChannelID: p + "other", Content: "elsewhere", SenderID: "u1",
		Status: domain.StatusApproved, CreatedAt: base.Add(11 * time.Second),
	})

	msgs, err := s.RecentApproved(context.Background(), ch, 3)
	if err != nil {
		t.Fatalf("RecentApproved: %v", err)
	}
	want := []string{"four", "three", "two"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestPostgresStore_ClaimMessageOnce(t *testing.T) {
	s, p := testPostgres(t)
	ctx := context.Background()
	m := pgInsert(t, s, domain.Message{ChannelID: p + "c1", Content: "hi", SenderID: "u1", Status: domain.StatusApproved})

	ok, err := s.ClaimMessage(ctx, m.ID)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.ClaimMessage(ctx, m.ID)
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v; want false, nil", ok, err)
	}

	got, _ := s.GetMessage(ctx, m.ID)
	if !got.IsProcessed {
		t.Error("expected message to be processed")
	}
}

func TestPostgresStore_ClaimMessageConcurrent(t *testing.T) {
	s, p := testPostgres(t)
	ctx := context.Background()
	m := pgInsert(t, s, domain.Message{ChannelID: p + "c1", Content: "hi", SenderID: "u1", Status: domain.StatusApproved})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimMessage(ctx, m.ID)
			if err != nil {
				t.Errorf("ClaimMessage: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins)
	}
}

func TestPostgresStore_ClaimMissingMessage(t *testing.T) {
	s, p := testPostgres(t)

	_, err := s.ClaimMessage(context.Background(), p+"missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ChannelAgentsInBindingOrder(t *testing.T) {
	s, p := testPostgres(t)
	ctx := context.Background()
	ch := p + "c1"

	agents := []domain.Agent{
		{ID: p + "a1", Name: "Planner", Type: domain.AgentHosted, TriggerPrompt: "Reply when planning"},
		{ID: p + "a2", Name: "Builder", Type: domain.AgentWebhook, WebhookURL: "http://example.test/hook",
			WebhookHeaders: map[string]string{"X-Key": "k"}, RequiresApproval: true},
	}
	for _, a := range agents {
		if err := s.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
	}
	if err := s.BindAgent(ctx, ch, p+"a2", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.BindAgent(ctx, ch, p+"a1", 1); err != nil {
		t.Fatal(err)
	}

	got, err := s.ChannelAgents(ctx, ch)
	if err != nil {
		t.Fatalf("ChannelAgents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(got))
	}
	if got[0].ID != p+"a2" || got[1].ID != p+"a1" {
		t.Errorf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].WebhookHeaders["X-Key"] != "k" || !got[0].RequiresApproval {
		t.Errorf("webhook agent fields lost: %+v", got[0])
	}
	if got[1].TriggerPrompt != "Reply when planning" || got[1].WebhookHeaders != nil {
		t.Errorf("hosted agent fields wrong: %+v", got[1])
	}

	// Rebinding moves the agent instead of duplicating it.
	if err := s.BindAgent(ctx, ch, p+"a1", -1); err != nil {
		t.Fatal(err)
	}
	got, err = s.ChannelAgents(ctx, ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != p+"a1" {
		t.Errorf("expected rebinding to reorder, got %+v", got)
	}
}

func TestPostgresStore_ProfileNames(t *testing.T) {
	s, p := testPostgres(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, domain.Profile{ID: p + "u1", DisplayName: "Ada"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProfile(ctx, domain.Profile{ID: p + "u2", DisplayName: ""}); err != nil {
		t.Fatal(err)
	}

	names, err := s.ProfileNames(ctx, []string{p + "u1", p + "u2", p + "u3"})
	if err != nil {
		t.Fatalf("ProfileNames: %v", err)
	}
	if names[p+"u1"] != "Ada" {
		t.Errorf("u1 = %q, want Ada", names[p+"u1"])
	}
	if len(names) != 1 {
		t.Errorf("expected only the named profile, got %v", names)
	}

	empty, err := s.ProfileNames(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("ProfileNames(nil) = %v, %v", empty, err)
	}
}

func TestOpen_PostgresDriver(t *testing.T) {
	dsn := os.Getenv("ATLAS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ATLAS_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), config.StoreConfig{Driver: "postgres", DSN: dsn}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok := s.(*PostgresStore); !ok {
		t.Errorf("expected *PostgresStore, got %T", s)
	}
}
