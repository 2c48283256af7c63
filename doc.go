/*
Package pulse implements a self-healing live data feed over Server-Sent
Events, suitable for pushing unidirectional messages over HTTP to web
browsers and other long-lived consumers.

The package covers both halves of the protocol. The Emitter is the server
side: it negotiates the stream headers on an incoming request, writes an
initial message immediately, and then drives two independent timers per
connection -- one for periodic data frames, one for keepalive heartbeats --
until the first termination signal, at which point both timers are released
exactly once.

The Client is the consumer side: it opens the stream, parses incoming
frames into Messages, and tracks a connection state machine (connecting,
connected, reconnecting, disconnected). On any transport failure the Client
runs a bounded reconnection loop with exponential backoff and jitter; once
the retry budget is spent it parks in the disconnected state until a manual
Reconnect. Observers read the session through a StateStore, either by
polling Snapshot or via OnChange subscriptions.

Delivery is strictly best effort. There is no backlog replay for
reconnecting consumers, no delivery guarantee, and no authentication.

# Server-Sent Events

For more information on the SSE format itself, check out this fairly
comprehensive article:
http://www.html5rocks.com/en/tutorials/eventsource/basics/

Note that the implementation of SSE in this package intentionally does not
implement message IDs.
*/
package pulse
