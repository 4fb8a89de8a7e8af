//go:build windows

package main

import "syscall"

// Doesn't really matter, Windows can't do it.
const sighup = syscall.Signal(0xa)
