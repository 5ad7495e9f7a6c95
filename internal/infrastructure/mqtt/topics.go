package mqtt

import "fmt"

// Topic prefixes for the Hearth MQTT namespace.
//
// State topics use the flat scheme: hearth/state/{domain}/{entity_id}.
const (
	// TopicPrefix is the base for all Hearth topics.
	TopicPrefix = "hearth"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "hearth/system"
)

// Topics provides builders for Hearth MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// State returns the topic a device publishes one entity's state changes to.
//
// Example: hearth/state/light/light.kitchen
func (Topics) State(domain, entityID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, domain, entityID)
}

// AllStates returns the wildcard pattern matching every state topic.
func (Topics) AllStates() string {
	return TopicPrefix + "/state/#"
}

// SystemStatus returns the topic carrying the core's online/offline status.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
