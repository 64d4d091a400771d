package cmd

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Exit codes of the process
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

// loggedError is an error that carries the message and fields it should be
// logged with once it reaches Execute
type loggedError struct {
	err     error
	fields  log.Fields
	message string
}

func (le loggedError) Error() string {
	return fmt.Sprintf("%v: %v", le.message, le.err)
}

func (le loggedError) Unwrap() error {
	return le.err
}

// flagError is a configuration problem. It is printed together with the
// usage instead of being logged.
type flagError struct {
	usage string
}

func (f flagError) Error() string {
	return f.usage
}

// exitError ends the process with a specific exit code
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

// exitCode maps the error returned by the root command to the process exit
// code
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFatal
}
