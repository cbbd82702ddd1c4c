package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	runsFile  = "active_runs.json"
	loopsFile = "active_loops.json"

	snapshotPromptLimit = 200
)

// Markers separating an injected context bridge from the user's
// prompt. Everything up to and including the first marker is dropped
// before snapshotting so recovery notices show the actual request.
var bridgeMarkers = []string{"[NEW REQUEST]\n", "[NEW TASK]\n"}

func stripBridge(prompt string) string {
	for _, marker := range bridgeMarkers {
		if _, after, ok := strings.Cut(prompt, marker); ok {
			return after
		}
	}
	return prompt
}

// RunInfo describes a single prompt that was in flight when the
// process stopped.
type RunInfo struct {
	Chat    string    `json:"chat"`
	Session string    `json:"session"`
	Prompt  string    `json:"prompt"`
	Started time.Time `json:"started"`
}

// LoopInfo describes an autonomous loop that was running when the
// process stopped.
type LoopInfo struct {
	Chat    string    `json:"chat"`
	Session string    `json:"session"`
	Task    string    `json:"task"`
	Step    int       `json:"step"`
	Phase   string    `json:"phase"`
	Mode    string    `json:"mode"`
	Started time.Time `json:"started"`
}

// Snapshots tracks in-flight work on disk so a restart can tell users
// what was interrupted. Snapshot files are read once at startup and
// deleted; they never accumulate.
type Snapshots struct {
	mu    sync.Mutex
	files *FileStore
}

// NewSnapshots opens the snapshot store rooted at dir.
func NewSnapshots(dir string) *Snapshots {
	return &Snapshots{files: NewFileStore(dir)}
}

// MarkRunActive records an in-flight prompt under its run id.
func (sn *Snapshots) MarkRunActive(id string, info RunInfo) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	info.Prompt = stripBridge(info.Prompt)
	if len(info.Prompt) > snapshotPromptLimit {
		info.Prompt = info.Prompt[:snapshotPromptLimit]
	}

	runs, err := loadDoc[RunInfo](sn.files, runsFile)
	if err != nil {
		return err
	}
	runs[id] = info
	return writeDoc(sn.files, runsFile, runs)
}

// MarkRunDone removes a completed prompt from the snapshot. The file
// itself is removed once no runs remain.
func (sn *Snapshots) MarkRunDone(id string) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	runs, err := loadDoc[RunInfo](sn.files, runsFile)
	if err != nil {
		return err
	}
	if _, ok := runs[id]; !ok {
		return nil
	}
	delete(runs, id)
	return writeDoc(sn.files, runsFile, runs)
}

// MarkLoopActive records (or refreshes) a running loop under its id.
// Loops call this on every step and phase change.
func (sn *Snapshots) MarkLoopActive(id string, info LoopInfo) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	if len(info.Task) > snapshotPromptLimit {
		info.Task = info.Task[:snapshotPromptLimit]
	}

	loops, err := loadDoc[LoopInfo](sn.files, loopsFile)
	if err != nil {
		return err
	}
	loops[id] = info
	return writeDoc(sn.files, loopsFile, loops)
}

// MarkLoopDone removes a finished loop from the snapshot.
func (sn *Snapshots) MarkLoopDone(id string) error {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	loops, err := loadDoc[LoopInfo](sn.files, loopsFile)
	if err != nil {
		return err
	}
	if _, ok := loops[id]; !ok {
		return nil
	}
	delete(loops, id)
	return writeDoc(sn.files, loopsFile, loops)
}

// RecoverRuns returns prompts left in flight by a previous process,
// grouped by chat. The snapshot file is deleted before parsing so each
// interruption is reported at most once and a corrupt file cannot
// wedge startup.
func (sn *Snapshots) RecoverRuns() (map[string][]RunInfo, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	runs, err := recoverDoc[RunInfo](sn.files, runsFile)
	if err != nil || runs == nil {
		return nil, err
	}

	out := make(map[string][]RunInfo)
	for _, info := range runs {
		out[info.Chat] = append(out[info.Chat], info)
	}
	return out, nil
}

// RecoverLoops returns loops left running by a previous process,
// grouped by chat, deleting the snapshot the same way.
func (sn *Snapshots) RecoverLoops() (map[string][]LoopInfo, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	loops, err := recoverDoc[LoopInfo](sn.files, loopsFile)
	if err != nil || loops == nil {
		return nil, err
	}

	out := make(map[string][]LoopInfo)
	for _, info := range loops {
		out[info.Chat] = append(out[info.Chat], info)
	}
	return out, nil
}

// ---- file helpers ----

func loadDoc[T any](files *FileStore, name string) (map[string]T, error) {
	data, err := files.Load(name)
	if errors.Is(err, ErrKeyNotFound) {
		return map[string]T{}, nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, err)
	}
	if doc == nil {
		doc = map[string]T{}
	}
	return doc, nil
}

func writeDoc[T any](files *FileStore, name string, doc map[string]T) error {
	if len(doc) == 0 {
		return files.Delete(name)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	return files.Save(name, data)
}

func recoverDoc[T any](files *FileStore, name string) (map[string]T, error) {
	data, err := files.Load(name)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := files.Delete(name); err != nil {
		return nil, err
	}

	var doc map[string]T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, err)
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return doc, nil
}
