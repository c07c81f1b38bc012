// # Realtime tool-dispatching relay
//
// This package sits between a client and a hosted realtime model endpoint. It relays the
// duplex frame stream of a conversation, answers the model's tool calls locally without
// stalling audio and text, and can hand the conversation from a primary persona to a backup
// persona when the topic drifts outside what the primary persona handles.
//
// Every client connection gets its own Session. A session owns its transcript and persona
// state; personas, tool registries and knowledge indexes are shared read-only.
package relay
