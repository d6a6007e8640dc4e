package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Runner repairs on-disk artifacts a crashed prior run may have left
// behind: stale X display locks and browser profile crash markers whose
// recovery UI would pollute captured frames. Every step is best-effort
// and idempotent; a missing file is a skip, never an error.
type Runner struct {
	// TmpDir is where X server lock artifacts live. Defaults to /tmp.
	TmpDir string
	// ProfileDir is the browser profile/data directory.
	ProfileDir string
	// Display is the X display string, e.g. ":99".
	Display string

	log *zap.Logger
}

// Note records the outcome of one healing step.
type Note struct {
	Step    string
	Detail  string
	Skipped bool
}

func NewRunner(tmpDir, profileDir, display string, log *zap.Logger) *Runner {
	if tmpDir == "" {
		tmpDir = "/tmp"
	}
	return &Runner{
		TmpDir:     tmpDir,
		ProfileDir: profileDir,
		Display:    display,
		log:        log.With(zap.String("component", "recovery")),
	}
}

// Run executes every healing step and returns the per-step notes.
// Safe to call repeatedly; the second run over the same directory is a
// no-op.
func (r *Runner) Run() []Note {
	var notes []Note
	notes = append(notes, r.clearDisplayLocks()...)
	notes = append(notes, r.clearSingletons()...)
	notes = append(notes, r.patchExitMarkers()...)

	for _, n := range notes {
		if n.Skipped {
			r.log.Debug("step skipped", zap.String("step", n.Step), zap.String("detail", n.Detail))
		} else {
			r.log.Info("step applied", zap.String("step", n.Step), zap.String("detail", n.Detail))
		}
	}
	return notes
}

// clearDisplayLocks removes the lock file and abstract socket path a
// killed X server leaves behind, so a restarted Xvfb can claim the same
// display number.
func (r *Runner) clearDisplayLocks() []Note {
	num := displayNumber(r.Display)
	if num == "" {
		return []Note{{Step: "x-lock", Detail: fmt.Sprintf("unparseable display %q", r.Display), Skipped: true}}
	}

	targets := []string{
		filepath.Join(r.TmpDir, fmt.Sprintf(".X%s-lock", num)),
		filepath.Join(r.TmpDir, ".X11-unix", "X"+num),
	}
	notes := make([]Note, 0, len(targets))
	for _, path := range targets {
		notes = append(notes, removeIfPresent("x-lock", path))
	}
	return notes
}

// clearSingletons removes the profile's singleton artifacts; a browser
// killed hard leaves them pointing at a dead process and the next start
// refuses the profile.
func (r *Runner) clearSingletons() []Note {
	notes := make([]Note, 0, 3)
	for _, name := range []string{"SingletonLock", "SingletonSocket", "SingletonCookie"} {
		notes = append(notes, removeIfPresent("singleton", filepath.Join(r.ProfileDir, name)))
	}
	return notes
}

// patchExitMarkers rewrites the profile's persisted exit state to a clean
// shutdown so no "restore pages?" bubble appears in captured frames.
func (r *Runner) patchExitMarkers() []Note {
	return []Note{
		patchJSON("preferences", filepath.Join(r.ProfileDir, "Default", "Preferences"), func(doc map[string]any) {
			profile, _ := doc["profile"].(map[string]any)
			if profile == nil {
				profile = map[string]any{}
				doc["profile"] = profile
			}
			profile["exit_type"] = "Normal"
			profile["exited_cleanly"] = true
		}),
		patchJSON("local-state", filepath.Join(r.ProfileDir, "Local State"), func(doc map[string]any) {
			metrics, _ := doc["user_experience_metrics"].(map[string]any)
			if metrics == nil {
				metrics = map[string]any{}
				doc["user_experience_metrics"] = metrics
			}
			stability, _ := metrics["stability"].(map[string]any)
			if stability == nil {
				stability = map[string]any{}
				metrics["stability"] = stability
			}
			stability["exited_cleanly"] = true
		}),
	}
}

func removeIfPresent(step, path string) Note {
	err := os.Remove(path)
	switch {
	case err == nil:
		return Note{Step: step, Detail: "removed " + path}
	case os.IsNotExist(err):
		return Note{Step: step, Detail: path + " absent", Skipped: true}
	default:
		return Note{Step: step, Detail: fmt.Sprintf("remove %s: %v", path, err), Skipped: true}
	}
}

func patchJSON(step, path string, patch func(map[string]any)) Note {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Note{Step: step, Detail: path + " absent", Skipped: true}
		}
		return Note{Step: step, Detail: fmt.Sprintf("read %s: %v", path, err), Skipped: true}
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Note{Step: step, Detail: fmt.Sprintf("parse %s: %v", path, err), Skipped: true}
	}

	patch(doc)

	out, err := json.Marshal(doc)
	if err != nil {
		return Note{Step: step, Detail: fmt.Sprintf("encode %s: %v", path, err), Skipped: true}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return Note{Step: step, Detail: fmt.Sprintf("write %s: %v", path, err), Skipped: true}
	}
	return Note{Step: step, Detail: "patched " + path}
}

// displayNumber extracts "99" from ":99" or ":99.0".
func displayNumber(display string) string {
	s := strings.TrimPrefix(display, ":")
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	if s == "" {
		return ""
	}
	return s
}
