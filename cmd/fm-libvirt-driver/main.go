// fm-libvirt-driver bridges its pseudo terminal to the serial console of a
// libvirt domain. It is spawned by the adapter and not meant to be run by
// hand.
package main

import (
	"context"
	"fmt"

	"github.com/theCapypara/field-monitor-sub000/internal/bridge/libvirt"
	"github.com/theCapypara/field-monitor-sub000/pkg/drivershell"
)

func main() {
	shell := drivershell.Setup("libvirt")

	args := shell.Args()
	if len(args) != 2 {
		shell.Run(drivershell.BridgeFunc(func(context.Context) error {
			return fmt.Errorf("expected 2 arguments (connection URI, domain), got %d", len(args))
		}))
	}

	shell.Run(libvirt.New(args[0], args[1], shell.Logger()))
}
