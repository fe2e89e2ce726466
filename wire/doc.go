// Package wire implements the framed message protocol spoken between the
// editor frontend, the host proxy, and every backend process: length-prefixed
// JSON frames, each carrying exactly one request, response, or notification.
//
// The codec owns no policy. Framing errors are reported per frame and never
// poison the stream, so a single malformed message cannot take down a
// connection.
package wire
