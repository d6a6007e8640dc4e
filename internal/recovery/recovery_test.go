package recovery

import (
	"crypto/sha256"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedCrashedProfile(t *testing.T) (tmpDir, profileDir string) {
	t.Helper()
	tmpDir = t.TempDir()
	profileDir = t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, ".X11-unix"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".X99-lock"), []byte("4242\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".X11-unix", "X99"), nil, 0o644))

	for _, name := range []string{"SingletonLock", "SingletonSocket", "SingletonCookie"} {
		require.NoError(t, os.WriteFile(filepath.Join(profileDir, name), []byte("stale"), 0o644))
	}

	require.NoError(t, os.MkdirAll(filepath.Join(profileDir, "Default"), 0o755))
	prefs := map[string]any{
		"profile": map[string]any{"exit_type": "Crashed", "exited_cleanly": false},
		"other":   "untouched",
	}
	raw, err := json.Marshal(prefs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "Default", "Preferences"), raw, 0o644))

	local := map[string]any{
		"user_experience_metrics": map[string]any{
			"stability": map[string]any{"exited_cleanly": false},
		},
	}
	raw, err = json.Marshal(local)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "Local State"), raw, 0o644))
	return tmpDir, profileDir
}

func hashTree(t *testing.T, root string) map[string][32]byte {
	t.Helper()
	out := map[string][32]byte{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = sha256.Sum256(raw)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRunner_ClearsStaleArtifacts(t *testing.T) {
	tmpDir, profileDir := seedCrashedProfile(t)
	r := NewRunner(tmpDir, profileDir, ":99", zap.NewNop())
	r.Run()

	assert.NoFileExists(t, filepath.Join(tmpDir, ".X99-lock"))
	assert.NoFileExists(t, filepath.Join(tmpDir, ".X11-unix", "X99"))
	for _, name := range []string{"SingletonLock", "SingletonSocket", "SingletonCookie"} {
		assert.NoFileExists(t, filepath.Join(profileDir, name))
	}
}

func TestRunner_PatchesExitMarkers(t *testing.T) {
	tmpDir, profileDir := seedCrashedProfile(t)
	NewRunner(tmpDir, profileDir, ":99", zap.NewNop()).Run()

	raw, err := os.ReadFile(filepath.Join(profileDir, "Default", "Preferences"))
	require.NoError(t, err)
	var prefs map[string]any
	require.NoError(t, json.Unmarshal(raw, &prefs))

	profile := prefs["profile"].(map[string]any)
	assert.Equal(t, "Normal", profile["exit_type"])
	assert.Equal(t, true, profile["exited_cleanly"])
	assert.Equal(t, "untouched", prefs["other"], "unrelated keys must survive the patch")

	raw, err = os.ReadFile(filepath.Join(profileDir, "Local State"))
	require.NoError(t, err)
	var local map[string]any
	require.NoError(t, json.Unmarshal(raw, &local))
	stability := local["user_experience_metrics"].(map[string]any)["stability"].(map[string]any)
	assert.Equal(t, true, stability["exited_cleanly"])
}

func TestRunner_Idempotent(t *testing.T) {
	tmpDir, profileDir := seedCrashedProfile(t)
	r := NewRunner(tmpDir, profileDir, ":99", zap.NewNop())

	r.Run()
	afterFirst := hashTree(t, profileDir)
	afterFirstTmp := hashTree(t, tmpDir)

	r.Run()
	assert.Equal(t, afterFirst, hashTree(t, profileDir), "second run must not change the profile")
	assert.Equal(t, afterFirstTmp, hashTree(t, tmpDir), "second run must not change tmp")
}

func TestRunner_MissingFilesAreSkips(t *testing.T) {
	r := NewRunner(t.TempDir(), filepath.Join(t.TempDir(), "never-created"), ":99", zap.NewNop())
	notes := r.Run()

	require.NotEmpty(t, notes)
	for _, n := range notes {
		assert.True(t, n.Skipped, "step %s should be a skip on a clean tree: %s", n.Step, n.Detail)
	}
}

func TestRunner_MalformedPreferencesLeftAlone(t *testing.T) {
	tmpDir, profileDir := seedCrashedProfile(t)
	prefsPath := filepath.Join(profileDir, "Default", "Preferences")
	require.NoError(t, os.WriteFile(prefsPath, []byte("{not json"), 0o644))

	NewRunner(tmpDir, profileDir, ":99", zap.NewNop()).Run()

	raw, err := os.ReadFile(prefsPath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw), "unparseable file must not be clobbered")
}

func TestDisplayNumber(t *testing.T) {
	assert.Equal(t, "99", displayNumber(":99"))
	assert.Equal(t, "0", displayNumber(":0.1"))
	assert.Equal(t, "", displayNumber("bogus"))
	assert.Equal(t, "", displayNumber(":"))
}
