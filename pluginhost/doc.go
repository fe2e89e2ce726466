// Package pluginhost loads sandboxed in-process plugin modules and serves
// them to the dispatcher as backends. Each plugin directory carries a
// plugin.json manifest naming the method namespaces it serves and the
// capabilities it requires; the host enforces that declared set at every
// capability call.
package pluginhost
