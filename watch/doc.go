// Package watch provides debounced filesystem change subscriptions on top of
// a single shared fsnotify watcher. Overlapping subscriptions share OS-level
// directory watches through reference counting; raw events for the same path
// inside the debounce window coalesce to the most recent kind.
package watch
