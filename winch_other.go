//go:build !unix

package main

import "os"

// notifyResize is a no-op where there is no window change signal.
func notifyResize(chan<- os.Signal) {}
