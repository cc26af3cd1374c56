package topic

import (
	"fmt"
)

// Topic segments shared by the daemon and anything listening on the broker.
const (
	// SuffixActuator carries raw wire tokens for a device.
	// Structure: {root}/actuator/{deviceID}
	SuffixActuator = "actuator"

	// SuffixDispatch carries a JSON record of every dispatch attempt.
	// Structure: {root}/dispatch/{deviceID}
	SuffixDispatch = "dispatch"

	// Wildcard is the single-level wildcard "+".
	Wildcard = "+"
)

// TopicBuilder constructs topic strings under a fixed root namespace.
type TopicBuilder struct {
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: root}
}

// Actuator returns the topic a device's tokens are published on.
func (b *TopicBuilder) Actuator(deviceID string) string {
	return b.build(SuffixActuator, deviceID)
}

// Dispatch returns the topic dispatch events for a device are published on.
func (b *TopicBuilder) Dispatch(deviceID string) string {
	return b.build(SuffixDispatch, deviceID)
}

// DispatchWildcard matches dispatch events for every device.
func (b *TopicBuilder) DispatchWildcard() string {
	return b.build(SuffixDispatch, Wildcard)
}

func (b *TopicBuilder) build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
