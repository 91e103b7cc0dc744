// Package mqtt connects the keypad to the cloud message bus.
//
// A [Bus] subscribes to the request topic at QoS 1 and hands every
// message on it to a [RequestHandler]; the payload is not inspected.
// Responses go out through [Bus.Publish], which writes to an autopaho
// queue (memory or on-disk) so a status published while the link is
// down is delivered once it comes back.
//
// The bus uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the request topic, publishes a retained birth
// message ("online") to the availability topic and, when a discovery
// prefix is configured, a retained Home Assistant discovery payload
// for the presence sensor. A will message flips availability to
// "offline" on unexpected disconnects.
//
// Transport errors are classified by an [ErrorPolicy]. The default
// keeps the stream open for everything except authorization
// failures, which surface once on [Bus.Fatal].
package mqtt
