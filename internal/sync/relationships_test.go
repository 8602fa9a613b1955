package sync

import (
	"os"
	"path/filepath"
	"testing"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	"github.com/stretchr/testify/require"
)

func TestDefaultRelationships(t *testing.T) {
	rels := DefaultRelationships()
	require.Equal(t, []string{"budget", "goal", "analytics"}, rels["transaction"])
	require.Equal(t, []string{"transaction", "budget", "goal"}, rels["receipt"])
	require.Equal(t, []string{"transaction", "budget"}, rels["goal"])
	require.Equal(t, []string{"transaction", "goal"}, rels["budget"])
}

func TestLoadRelationships_MissingDirUsesDefaults(t *testing.T) {
	rels, err := LoadRelationships(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Equal(t, DefaultRelationships(), rels)
}

func TestLoadRelationships_OverlaysFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "transaction.yaml")
	require.NoError(t, os.WriteFile(file, []byte("entity: transaction\ndepends_on:\n  - budget\n"), 0o644))

	rels, err := LoadRelationships(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"budget"}, rels["transaction"])
	// Untouched entities keep their defaults.
	require.Equal(t, []string{"transaction", "budget", "goal"}, rels["receipt"])
}

func TestLoadRelationships_RejectsUnknownEntity(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("entity: cryptowallet\ndepends_on: [budget]\n"), 0o644))

	_, err := LoadRelationships(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cryptowallet")
}

func TestLoadRelationships_RejectsUnknownDependent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("entity: goal\ndepends_on: [stocks]\n"), 0o644))

	_, err := LoadRelationships(dir)
	require.Error(t, err)
}

func TestLoadRelationships_SkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte("# commentary only\n"), 0o644))

	rels, err := LoadRelationships(dir)
	require.NoError(t, err)
	require.Equal(t, DefaultRelationships(), rels)
}

func TestEntityTypeForKind(t *testing.T) {
	tests := []struct {
		kind v1.EventKind
		want string
	}{
		{v1.KindTransactionAdded, "transaction"},
		{v1.KindTransactionUpdated, "transaction"},
		{v1.KindTransactionDeleted, "transaction"},
		{v1.KindReceiptProcessed, "receipt"},
		{v1.KindGoalCreated, "goal"},
		{v1.KindGoalProgress, "goal"},
		{v1.KindMilestoneAchieved, "goal"},
		{v1.KindAutoSaveTriggered, "goal"},
		{v1.KindBudgetUpdated, "budget"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, entityTypeForKind(tc.kind), "kind %s", tc.kind)
	}
}
