package session_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/session"
)

// chatDoc mirrors the on-disk shape of one chat's registry entry.
type chatDoc struct {
	Sessions []session.Session `json:"sessions"`
	Active   string            `json:"active"`
}

func newStore(t *testing.T, cfg session.Config) *session.Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	st, err := session.NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st
}

func readRegistry(t *testing.T, dir string) map[string]chatDoc {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("reading registry: %v", err)
	}
	var doc map[string]chatDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decoding registry: %v", err)
	}
	return doc
}

// ----------------------------------------------------------------------------
// Creation and lookup
// ----------------------------------------------------------------------------

func TestStore_Create_AssignsShortID(t *testing.T) {
	st := newStore(t, session.Config{})

	sess, err := st.Create("chat1", "api", "/tmp/api")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if len(sess.ID) != 8 {
		t.Errorf("ID length = %d, want 8", len(sess.ID))
	}
	if sess.Name != "api" {
		t.Errorf("Name = %q, want %q", sess.Name, "api")
	}
	if sess.Dir != "/tmp/api" {
		t.Errorf("Dir = %q, want %q", sess.Dir, "/tmp/api")
	}

	active, ok := st.Active("chat1")
	if !ok {
		t.Fatal("Active() returned no session after Create")
	}
	if active.ID != sess.ID {
		t.Errorf("active session = %s, want %s", active.ID, sess.ID)
	}
}

func TestStore_Create_NumbersNameCollisions(t *testing.T) {
	st := newStore(t, session.Config{})

	var names []string
	for i := 0; i < 3; i++ {
		sess, err := st.Create("chat1", "api", "/tmp/api")
		if err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
		names = append(names, sess.Name)
	}

	want := []string{"api", "api (2)", "api (3)"}
	for i, name := range names {
		if name != want[i] {
			t.Errorf("session %d name = %q, want %q", i, name, want[i])
		}
	}
}

func TestStore_Create_SeparateChatsDoNotCollide(t *testing.T) {
	st := newStore(t, session.Config{})

	if _, err := st.Create("chat1", "api", "/tmp/a"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	sess, err := st.Create("chat2", "api", "/tmp/b")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Name != "api" {
		t.Errorf("Name = %q, want %q", sess.Name, "api")
	}
}

func TestStore_SetActive_SwitchesSelection(t *testing.T) {
	st := newStore(t, session.Config{})

	first, _ := st.Create("chat1", "one", "/tmp/one")
	second, _ := st.Create("chat1", "two", "/tmp/two")

	active, _ := st.Active("chat1")
	if active.ID != second.ID {
		t.Fatalf("active after create = %s, want %s", active.ID, second.ID)
	}

	if err := st.SetActive("chat1", first.ID); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	active, _ = st.Active("chat1")
	if active.ID != first.ID {
		t.Errorf("active = %s, want %s", active.ID, first.ID)
	}
}

func TestStore_SetActive_UnknownSession(t *testing.T) {
	st := newStore(t, session.Config{})
	st.Create("chat1", "one", "/tmp/one")

	err := st.SetActive("chat1", "nope")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("SetActive() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_List_PreservesCreationOrder(t *testing.T) {
	st := newStore(t, session.Config{})

	st.Create("chat1", "one", "/tmp/one")
	st.Create("chat1", "two", "/tmp/two")
	st.Create("chat1", "three", "/tmp/three")

	list := st.List("chat1")
	if len(list) != 3 {
		t.Fatalf("List() returned %d sessions, want 3", len(list))
	}
	for i, want := range []string{"one", "two", "three"} {
		if list[i].Name != want {
			t.Errorf("list[%d].Name = %q, want %q", i, list[i].Name, want)
		}
	}
}

func TestStore_Remove_ClearsActiveSelection(t *testing.T) {
	st := newStore(t, session.Config{})

	sess, _ := st.Create("chat1", "one", "/tmp/one")
	if err := st.Remove("chat1", sess.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, ok := st.Active("chat1"); ok {
		t.Error("Active() still returns a session after Remove")
	}
	if _, ok := st.Get("chat1", sess.ID); ok {
		t.Error("Get() still returns the removed session")
	}
}

// ----------------------------------------------------------------------------
// Usage tracking
// ----------------------------------------------------------------------------

func TestStore_RecordUse_TracksLastActivity(t *testing.T) {
	st := newStore(t, session.Config{})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	if err := st.RecordUse("chat1", sess.ID, agent.KindCodex, "fix the tests"); err != nil {
		t.Fatalf("RecordUse() error = %v", err)
	}

	got, _ := st.Get("chat1", sess.ID)
	if got.LastKind != agent.KindCodex {
		t.Errorf("LastKind = %q, want %q", got.LastKind, agent.KindCodex)
	}
	if got.LastPrompt != "fix the tests" {
		t.Errorf("LastPrompt = %q, want %q", got.LastPrompt, "fix the tests")
	}
	if got.LastActive.IsZero() {
		t.Error("LastActive not set")
	}
	if len(got.Activity) != 1 || got.Activity[0].Kind != agent.KindCodex {
		t.Errorf("Activity = %v, want one codex entry", got.Activity)
	}
}

func TestStore_RecordUse_ClipsPrompt(t *testing.T) {
	st := newStore(t, session.Config{PromptLimit: 10})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	st.RecordUse("chat1", sess.ID, agent.KindClaude, strings.Repeat("x", 50))

	got, _ := st.Get("chat1", sess.ID)
	if len(got.LastPrompt) != 10 {
		t.Errorf("LastPrompt length = %d, want 10", len(got.LastPrompt))
	}
}

func TestStore_RecordUse_BoundsActivityLog(t *testing.T) {
	st := newStore(t, session.Config{ActivityLimit: 5})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	for i := 0; i < 8; i++ {
		kind := agent.KindClaude
		if i >= 6 {
			kind = agent.KindGemini
		}
		st.RecordUse("chat1", sess.ID, kind, "work")
	}

	got, _ := st.Get("chat1", sess.ID)
	if len(got.Activity) != 5 {
		t.Fatalf("Activity length = %d, want 5", len(got.Activity))
	}
	// The oldest entries fall off; the newest survive.
	if got.Activity[4].Kind != agent.KindGemini {
		t.Errorf("newest activity kind = %q, want %q", got.Activity[4].Kind, agent.KindGemini)
	}
}

// ----------------------------------------------------------------------------
// Handles, summaries, counters
// ----------------------------------------------------------------------------

func TestStore_SetHandle_ClearsSummary(t *testing.T) {
	st := newStore(t, session.Config{})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	st.SaveSummary("chat1", sess.ID, "half the endpoints are wired")
	if err := st.SetHandle("chat1", sess.ID, agent.KindClaude, "sid-42"); err != nil {
		t.Fatalf("SetHandle() error = %v", err)
	}

	got, _ := st.Get("chat1", sess.ID)
	if got.Handle(agent.KindClaude) != "sid-42" {
		t.Errorf("Handle() = %q, want %q", got.Handle(agent.KindClaude), "sid-42")
	}
	if got.Summary != "" {
		t.Errorf("Summary = %q, want cleared", got.Summary)
	}
}

func TestStore_SetHandle_EmptyKeepsSummary(t *testing.T) {
	st := newStore(t, session.Config{})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	st.SaveSummary("chat1", sess.ID, "state of the world")
	st.SetHandle("chat1", sess.ID, agent.KindClaude, "")

	got, _ := st.Get("chat1", sess.ID)
	if got.Summary != "state of the world" {
		t.Errorf("Summary = %q, want preserved", got.Summary)
	}
}

func TestStore_ClearHandle(t *testing.T) {
	st := newStore(t, session.Config{})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	st.SetHandle("chat1", sess.ID, agent.KindCodex, "thread-7")
	if err := st.ClearHandle("chat1", sess.ID, agent.KindCodex); err != nil {
		t.Fatalf("ClearHandle() error = %v", err)
	}

	got, _ := st.Get("chat1", sess.ID)
	if got.Handle(agent.KindCodex) != "" {
		t.Errorf("Handle() = %q, want empty", got.Handle(agent.KindCodex))
	}
}

func TestStore_BumpCount_SignalsThreshold(t *testing.T) {
	st := newStore(t, session.Config{CompactionThreshold: 3})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	for i := 0; i < 2; i++ {
		due, err := st.BumpCount("chat1", sess.ID, agent.KindClaude)
		if err != nil {
			t.Fatalf("BumpCount() error = %v", err)
		}
		if due {
			t.Fatalf("BumpCount() #%d signalled compaction early", i+1)
		}
	}

	due, err := st.BumpCount("chat1", sess.ID, agent.KindClaude)
	if err != nil {
		t.Fatalf("BumpCount() error = %v", err)
	}
	if !due {
		t.Error("BumpCount() at threshold did not signal compaction")
	}

	if err := st.ResetCount("chat1", sess.ID, agent.KindClaude); err != nil {
		t.Fatalf("ResetCount() error = %v", err)
	}
	due, _ = st.BumpCount("chat1", sess.ID, agent.KindClaude)
	if due {
		t.Error("BumpCount() after reset signalled compaction")
	}
}

func TestStore_BumpCount_PerKind(t *testing.T) {
	st := newStore(t, session.Config{CompactionThreshold: 2})
	sess, _ := st.Create("chat1", "api", "/tmp/api")

	st.BumpCount("chat1", sess.ID, agent.KindClaude)
	due, _ := st.BumpCount("chat1", sess.ID, agent.KindGemini)
	if due {
		t.Error("gemini count reached threshold from claude increments")
	}
}

// ----------------------------------------------------------------------------
// Persistence
// ----------------------------------------------------------------------------

func TestStore_SaveDebounce_BatchesBookkeeping(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, session.Config{Dir: dir, SaveDebounce: time.Hour})

	sess, _ := st.Create("chat1", "api", "/tmp/api")
	st.SaveSummary("chat1", sess.ID, "pending summary")

	// The summary update landed inside the debounce window, so the
	// document on disk still predates it.
	doc := readRegistry(t, dir)
	if got := doc["chat1"].Sessions[0].Summary; got != "" {
		t.Fatalf("on-disk Summary = %q before flush, want empty", got)
	}

	if err := st.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	doc = readRegistry(t, dir)
	if got := doc["chat1"].Sessions[0].Summary; got != "pending summary" {
		t.Errorf("on-disk Summary = %q after flush, want %q", got, "pending summary")
	}
}

func TestStore_LifecycleChangesWriteThrough(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, session.Config{Dir: dir, SaveDebounce: time.Hour})

	sess, _ := st.Create("chat1", "api", "/tmp/api")
	st.SetHandle("chat1", sess.ID, agent.KindClaude, "sid-9")

	doc := readRegistry(t, dir)
	if got := doc["chat1"].Sessions[0].Handles[agent.KindClaude]; got != "sid-9" {
		t.Errorf("on-disk handle = %q, want %q", got, "sid-9")
	}
}

func TestStore_ReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, session.Config{Dir: dir})

	sess, _ := st.Create("chat1", "api", "/tmp/api")
	st.Create("chat2", "web", "/tmp/web")
	st.SetHandle("chat1", sess.ID, agent.KindCodex, "thread-1")
	st.RecordUse("chat1", sess.ID, agent.KindCodex, "wire the routes")

	st2 := newStore(t, session.Config{Dir: dir})

	got, ok := st2.Get("chat1", sess.ID)
	if !ok {
		t.Fatal("Get() after reload did not find the session")
	}
	if got.Handle(agent.KindCodex) != "thread-1" {
		t.Errorf("Handle() after reload = %q, want %q", got.Handle(agent.KindCodex), "thread-1")
	}
	if got.LastPrompt != "wire the routes" {
		t.Errorf("LastPrompt after reload = %q, want %q", got.LastPrompt, "wire the routes")
	}

	chats := st2.Chats()
	if len(chats) != 2 || chats[0] != "chat1" || chats[1] != "chat2" {
		t.Errorf("Chats() = %v, want [chat1 chat2]", chats)
	}
}
