package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentloop/engine/agent"
)

const registryFile = "sessions.json"

// chatState is one chat's sessions plus its active selection.
type chatState struct {
	Sessions []*Session `json:"sessions"`
	Active   string     `json:"active,omitempty"`
}

// Store is the persistent session registry. All methods are safe for
// concurrent use; session reads return deep copies so callers never
// observe in-place mutation.
//
// Writes are debounced: bookkeeping updates (counters, summaries) are
// batched to disk, while lifecycle changes (creation, handle updates,
// activity) write through immediately.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	files    *FileStore
	chats    map[string]*chatState
	lastSave time.Time
	dirty    bool
}

// NewStore opens the registry in cfg.Dir, loading the existing
// sessions document if one survives from a previous run.
func NewStore(cfg Config) (*Store, error) {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	st := &Store{
		cfg:   merged,
		files: NewFileStore(merged.Dir),
		chats: make(map[string]*chatState),
	}

	data, err := st.files.Load(registryFile)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &st.chats); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, registryFile, err)
		}
	case errors.Is(err, ErrKeyNotFound):
		// Fresh registry.
	default:
		return nil, err
	}

	return st, nil
}

// Create registers a new session and makes it the chat's active one.
// Name collisions within a chat get a numeric suffix.
func (st *Store) Create(chat, name, dir string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.chats[chat]
	if state == nil {
		state = &chatState{}
		st.chats[chat] = state
	}

	display := name
	existing := 0
	for _, s := range state.Sessions {
		if s.Name == name || strings.HasPrefix(s.Name, name+" (") {
			existing++
		}
	}
	if existing > 0 {
		display = fmt.Sprintf("%s (%d)", name, existing+1)
	}

	sess := &Session{
		ID:        uuid.New().String()[:8],
		Name:      display,
		Dir:       dir,
		CreatedAt: time.Now(),
		Handles:   make(map[agent.Kind]string),
		Counts:    make(map[agent.Kind]int),
	}

	state.Sessions = append(state.Sessions, sess)
	state.Active = sess.ID

	if err := st.save(true); err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

// Active returns the chat's active session.
func (st *Store) Active(chat string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.chats[chat]
	if state == nil || state.Active == "" {
		return Session{}, false
	}
	for _, s := range state.Sessions {
		if s.ID == state.Active {
			return s.clone(), true
		}
	}
	return Session{}, false
}

// SetActive switches the chat's active session.
func (st *Store) SetActive(chat, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	state, _, err := st.find(chat, id)
	if err != nil {
		return err
	}
	state.Active = id
	return st.save(true)
}

// Get returns a session by id.
func (st *Store) Get(chat, id string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, sess, err := st.find(chat, id)
	if err != nil {
		return Session{}, false
	}
	return sess.clone(), true
}

// List returns all of a chat's sessions in creation order.
func (st *Store) List(chat string) []Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.chats[chat]
	if state == nil {
		return nil
	}
	out := make([]Session, 0, len(state.Sessions))
	for _, s := range state.Sessions {
		out = append(out, s.clone())
	}
	return out
}

// Chats returns all chats with registered sessions, sorted.
func (st *Store) Chats() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]string, 0, len(st.chats))
	for chat := range st.chats {
		out = append(out, chat)
	}
	sort.Strings(out)
	return out
}

// Remove deletes a session. If it was active, the chat is left with no
// active session.
func (st *Store) Remove(chat, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.chats[chat]
	if state == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	for i, s := range state.Sessions {
		if s.ID == id {
			state.Sessions = append(state.Sessions[:i], state.Sessions[i+1:]...)
			if state.Active == id {
				state.Active = ""
			}
			return st.save(true)
		}
	}
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// RecordUse marks a session as just used by a CLI: bounded prompt
// copy, last-kind tracking, and the activity log entry the context
// bridge is built from.
func (st *Store) RecordUse(chat, id string, kind agent.Kind, prompt string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, sess, err := st.find(chat, id)
	if err != nil {
		return err
	}

	if len(prompt) > st.cfg.PromptLimit {
		prompt = prompt[:st.cfg.PromptLimit]
	}
	now := time.Now()

	sess.LastPrompt = prompt
	sess.LastKind = kind
	sess.LastActive = now
	sess.Activity = append(sess.Activity, Activity{Kind: kind, Time: now})
	if len(sess.Activity) > st.cfg.ActivityLimit {
		sess.Activity = sess.Activity[len(sess.Activity)-st.cfg.ActivityLimit:]
	}

	return st.save(true)
}

// SetHandle stores a CLI's resumption handle. A non-empty handle
// clears any saved summary: live context supersedes it.
func (st *Store) SetHandle(chat, id string, kind agent.Kind, handle string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, sess, err := st.find(chat, id)
	if err != nil {
		return err
	}

	if sess.Handles == nil {
		sess.Handles = make(map[agent.Kind]string)
	}
	sess.Handles[kind] = handle
	if handle != "" {
		sess.Summary = ""
	}
	return st.save(true)
}

// ClearHandle drops a CLI's resumption handle so the next invocation
// starts a fresh conversation.
func (st *Store) ClearHandle(chat, id string, kind agent.Kind) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, sess, err := st.find(chat, id)
	if err != nil {
		return err
	}
	delete(sess.Handles, kind)
	return st.save(true)
}

// SaveSummary persists a compaction summary so it survives crashes.
func (st *Store) SaveSummary(chat, id, summary string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, sess, err := st.find(chat, id)
	if err != nil {
		return err
	}
	sess.Summary = summary
	return st.save(false)
}

// BumpCount increments a session's per-CLI message count and reports
// whether the compaction threshold has been reached.
func (st *Store) BumpCount(chat, id string, kind agent.Kind) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, sess, err := st.find(chat, id)
	if err != nil {
		return false, err
	}

	if sess.Counts == nil {
		sess.Counts = make(map[agent.Kind]int)
	}
	sess.Counts[kind]++
	if err := st.save(false); err != nil {
		return false, err
	}
	return sess.Counts[kind] >= st.cfg.CompactionThreshold, nil
}

// ResetCount zeroes a session's per-CLI message count after
// compaction.
func (st *Store) ResetCount(chat, id string, kind agent.Kind) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	_, sess, err := st.find(chat, id)
	if err != nil {
		return err
	}
	if sess.Counts != nil {
		sess.Counts[kind] = 0
	}
	return st.save(false)
}

// CompactionThreshold exposes the configured per-CLI threshold.
func (st *Store) CompactionThreshold() int {
	return st.cfg.CompactionThreshold
}

// Flush writes any debounced changes to disk. Called by the janitor
// and at shutdown.
func (st *Store) Flush() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.dirty {
		return nil
	}
	return st.save(true)
}

// find locates a session, with st.mu held.
func (st *Store) find(chat, id string) (*chatState, *Session, error) {
	state := st.chats[chat]
	if state == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	for _, s := range state.Sessions {
		if s.ID == id {
			return state, s, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// save writes the registry, with st.mu held. Non-forced saves inside
// the debounce window only mark the registry dirty.
func (st *Store) save(force bool) error {
	now := time.Now()
	if !force && now.Sub(st.lastSave) < st.cfg.SaveDebounce {
		st.dirty = true
		return nil
	}

	data, err := json.MarshalIndent(st.chats, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, registryFile, err)
	}
	if err := st.files.Save(registryFile, data); err != nil {
		return err
	}

	st.lastSave = now
	st.dirty = false
	return nil
}
