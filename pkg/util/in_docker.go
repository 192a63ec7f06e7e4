// Package util holds small helpers about the host the server runs on
package util

import "os"

// Created by the Docker runtime inside every container
var dockerEnvFile = "/.dockerenv"

// IsRunningInDocker reports whether the process runs inside a container.
// Podman doesn't create the marker file but sets the container variable.
func IsRunningInDocker() bool {
	if os.Getenv("container") != "" {
		return true
	}

	_, err := os.Stat(dockerEnvFile)
	return err == nil
}
