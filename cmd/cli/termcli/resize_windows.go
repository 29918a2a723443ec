//go:build windows

package main

import (
	"time"

	"golang.org/x/term"
)

const resizePollInterval = 250 * time.Millisecond

// watchResize polls the console size; Windows has no resize signal
func watchResize(fd int, onResize func(cols, rows int)) func() {
	done := make(chan struct{})

	go func() {
		lastCols, lastRows, _ := term.GetSize(fd)
		ticker := time.NewTicker(resizePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cols, rows, err := term.GetSize(fd)
				if err != nil || (cols == lastCols && rows == lastRows) {
					continue
				}
				lastCols, lastRows = cols, rows
				onResize(cols, rows)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
