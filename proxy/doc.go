// Package proxy wires one frontend connection into a full session: frame
// codec, dispatcher, supervised process backends, plugins, filesystem
// watches, terminals, and scoped storage. It owns the reserved local
// namespaces (session.*, watch.*, proc.*, plugin.*, storage.*, terminal.*)
// and the stdio/TCP accept surfaces.
package proxy
