package main

import (
	"errors"
	"fmt"
	"os"
)

// 版本資訊 (由 ldflags 注入)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 結束碼
const (
	exitOK      = 0
	exitFailure = 1
	exitTimeout = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	err := Execute()
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(os.Stderr, "mbtcp: %v\n", err)
	if errors.Is(err, ErrTimeout) {
		return exitTimeout
	}
	return exitFailure
}
