// Package physkit provides functionality for inspecting Windows x64
// targets through physical memory.
//
// Everything is built on a channel that carries kernel commands to a
// dispatcher: a vulnerable driver, a raw memory image (imagechan), or
// a remote server (wschan). The session package ties the channel to a
// physical memory window, a process resolver, and a signature scanner.
//
// APIs are separated into subpackages, and documented accordingly.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package physkit
