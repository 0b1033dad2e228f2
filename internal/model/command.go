package model

import "github.com/aleka07/twinengine/internal/value"

// Command is a device-bound message the Machine emits while reconciling a
// desired feature whose method is Command{...} (spec §4.5 step 5,
// §4.9). ThingID and FeatureName select the destination on the Command
// Sink's transport (an MQTT topic, by default).
type Command struct {
	ThingID     string
	FeatureName string
	Payload     value.Value
	Encoding    CommandEncoding
}
