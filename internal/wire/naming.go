package wire

import "fmt"

// Topic and subscription names follow a fixed convention shared with the
// deployed naming registry. All names are derived here; nothing else in the
// codebase builds these strings by hand.

// CompletionTopic returns the topic a stage publishes its completion events on.
func CompletionTopic(prefix string, phase int, content string) string {
	return fmt.Sprintf("%s-phase%d-%s-complete", prefix, phase, content)
}

// DeadLetterTopic returns the dead-letter topic paired with a topic.
func DeadLetterTopic(topic string) string {
	return topic + "-dlq"
}

// FallbackTopic returns the topic a stage's synthetic fallback events are
// published on.
func FallbackTopic(prefix string, phase int) string {
	return fmt.Sprintf("%s-phase%d-fallback-trigger", prefix, phase)
}

// MainSubscription returns the receiving side's subscription name for a
// stage's completion topic.
func MainSubscription(prefix string, phase int, destinationType string) string {
	return fmt.Sprintf("%s-phase%d-%s-sub", prefix, phase, destinationType)
}

// FallbackSubscription returns the subscription name for a stage's fallback
// topic.
func FallbackSubscription(prefix string, phase int) string {
	return FallbackTopic(prefix, phase) + "-sub"
}

// DeadLetterSubscription returns the subscription name for a dead-letter
// topic.
func DeadLetterSubscription(deadLetterTopic string) string {
	return deadLetterTopic + "-sub"
}
