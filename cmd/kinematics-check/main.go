// kinematics-check loads a printer configuration, builds its kinematics
// and checks moves against the kinematic envelope without any hardware.
//
// Usage:
//
//	kinematics-check -config printer.cfg envelope
//	kinematics-check -config printer.cfg simulate [-home] [-speed v] x,y,z[,a,b,c] ...
//
// Options:
//
//	-config string   Printer configuration file (required)
//	-logfile string  Rotating log file (default: stderr)
//	-v               Enable debug logging
//
// Examples:
//
//	# Show the build volume and speed limits of a hexapod
//	kinematics-check -config hexa.cfg envelope
//
//	# Home, move to the edge and past it
//	kinematics-check -config hexa.cfg simulate -home 0,0,250 140,0,250 200,0,250
//
//	# Empty coordinates keep their value; motor_off cuts motor power
//	kinematics-check -config arm.cfg simulate -home ,45 motor_off 10,
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if coder, ok := err.(cli.ExitCoder); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}
