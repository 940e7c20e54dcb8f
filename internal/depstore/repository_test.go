package depstore

import (
	"strings"
	"testing"
)

// The upsert is the mechanism behind last-write-wins idempotence: the WHERE
// clause must reject observations older than what is already stored.
func TestUpsertUsageQueryIsConditionalOnObservationTime(t *testing.T) {
	query := strings.ToLower(upsertUsageQuery)

	requiredFragments := []string{
		"on conflict (stage, source, scope_key) do update",
		"where source_usage.last_updated_at <= excluded.last_updated_at",
	}

	for _, fragment := range requiredFragments {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected upsert fragment %q to be present", fragment)
		}
	}
}

func TestLatestUsageQueryPicksFreshestPerSourceAndKey(t *testing.T) {
	query := strings.ToLower(latestUsageQuery)

	if !strings.Contains(query, "distinct on (source, scope_key)") {
		t.Fatal("latest usage query must collapse to one row per (source, scope_key)")
	}
	if !strings.Contains(query, "order by source, scope_key, last_updated_at desc") {
		t.Fatal("latest usage query must order newest-first within each key")
	}
}

func TestChangedSourcesQueryComparesAgainstReference(t *testing.T) {
	query := strings.ToLower(changedSourcesQuery)

	if !strings.Contains(query, "last_updated_at > $3") {
		t.Fatal("changed sources query must filter on observations newer than the reference")
	}
	if !strings.Contains(query, "distinct source") {
		t.Fatal("changed sources query must deduplicate source names")
	}
}
