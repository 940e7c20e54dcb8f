package wire

import "testing"

func TestCompletionTopicFormat(t *testing.T) {
	got := CompletionTopic("boxscore", 1, "boxscores")
	want := "boxscore-phase1-boxscores-complete"
	if got != want {
		t.Fatalf("completion topic = %q, want %q", got, want)
	}
}

func TestDeadLetterTopicPairsWithCompletionTopic(t *testing.T) {
	topic := CompletionTopic("boxscore", 2, "stats")
	got := DeadLetterTopic(topic)
	want := "boxscore-phase2-stats-complete-dlq"
	if got != want {
		t.Fatalf("dead-letter topic = %q, want %q", got, want)
	}
}

func TestFallbackTopicFormat(t *testing.T) {
	got := FallbackTopic("boxscore", 3)
	want := "boxscore-phase3-fallback-trigger"
	if got != want {
		t.Fatalf("fallback topic = %q, want %q", got, want)
	}
}

func TestSubscriptionNames(t *testing.T) {
	if got, want := MainSubscription("boxscore", 1, "stats"), "boxscore-phase1-stats-sub"; got != want {
		t.Errorf("main subscription = %q, want %q", got, want)
	}
	if got, want := FallbackSubscription("boxscore", 2), "boxscore-phase2-fallback-trigger-sub"; got != want {
		t.Errorf("fallback subscription = %q, want %q", got, want)
	}
	dlq := DeadLetterTopic(CompletionTopic("boxscore", 1, "boxscores"))
	if got, want := DeadLetterSubscription(dlq), "boxscore-phase1-boxscores-complete-dlq-sub"; got != want {
		t.Errorf("dead-letter subscription = %q, want %q", got, want)
	}
}
