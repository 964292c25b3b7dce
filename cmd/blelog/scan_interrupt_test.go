//go:build unix

package main

import (
	"strings"
	"syscall"
	"time"
)

func (suite *CommandTestSuite) TestScanInterruptPrintsFound() {
	// GOAL: Verify Ctrl+C during a scan still lists the peripherals found so far
	//
	// TEST SCENARIO: Scan blocks → SIGINT → both peripherals printed, exit 0

	suite.transport.BlockDiscover = true

	type result struct {
		stdout string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stdout, _, err := suite.execute("scan", "--name", "ESP32", "--duration", "20s")
		done <- result{stdout, err}
	}()

	// The interrupt handler is registered before Discover is called
	suite.Require().Eventually(func() bool { return suite.transport.DiscoverCalls() > 0 }, 2*time.Second, time.Millisecond)
	suite.Require().NoError(syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case r := <-done:
		suite.Require().NoError(r.err, "interrupted scan MUST exit cleanly")
		suite.NotContains(r.stdout, "No devices discovered")
		lines := strings.Split(strings.TrimSpace(r.stdout), "\n")
		suite.Require().Len(lines, 3, "header plus both peripherals MUST be printed")
		suite.Contains(lines[1], "Other Device")
		suite.True(strings.HasPrefix(lines[2], "*"), "matching peripheral MUST be marked")
	case <-time.After(5 * time.Second):
		suite.Fail("scan MUST complete within 5s after SIGINT")
	}
}
