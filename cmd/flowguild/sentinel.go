package main

import "github.com/kazz187/flowguild/pkg/sentinel"

// runSentinel starts the supervisor; it spawns "flowguild run" as the child.
func runSentinel() {
	sentinel.Run()
}
