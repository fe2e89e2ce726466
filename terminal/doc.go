// Package terminal runs interactive shells under a pseudo-terminal and
// bridges them into the terminal.* RPC surface. Unlike process backends,
// shells do not speak the framed protocol: their raw pty output streams to
// the frontend as terminal.output notifications and input arrives through
// terminal.write requests.
package terminal
