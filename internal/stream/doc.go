// Package stream produces the lazy byte sequences the download handler writes
// back to clients. An Origin fetches a remote resource on its own goroutine and
// hands chunks to the consumer through a one-slot channel; a consumer that
// stops draining for longer than the handoff timeout makes the producer give
// up and close the origin connection. Local serves a byte range of a file on
// disk with the same chunked interface, and ParseRange implements the
// bytes=<start>-[<end>] request header these readers accept.
package stream
