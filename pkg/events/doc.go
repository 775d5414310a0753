/*
Package events provides an in-memory pub/sub broker used to decouple the
server's internal subsystems from whatever is watching them: a streaming
status API, a metrics counter, an audit log. Publish hands the event to a
buffered channel of 100 events and returns; it waits only while that
channel is full, until the broadcast loop takes an event or the broker
stops. The single broadcast loop fans events out to each subscriber's own
buffered channel, dropping on a full subscriber buffer rather than
stalling.

Events are not persisted; a subscriber that was not listening when an event
was published has simply missed it. This is acceptable for the event types
this package carries (container lifecycle, execution lifecycle, workspace
mutation, reconciliation cycles, warm-pool claims) because the state store,
not the event stream, is the system of record for all of them.

Event.Metadata never carries environment variables, file content, or other
values that might be secret; it is limited to identifiers (container_id,
exec_id, path) useful for correlating an event with the entity it describes.
*/
package events
