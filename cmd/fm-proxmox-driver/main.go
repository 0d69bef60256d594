// fm-proxmox-driver bridges its pseudo terminal to a Proxmox VE termproxy
// console. It is spawned by the adapter and not meant to be run by hand.
package main

import (
	"context"

	"github.com/theCapypara/field-monitor-sub000/internal/bridge/proxmox"
	"github.com/theCapypara/field-monitor-sub000/pkg/drivershell"
)

func main() {
	shell := drivershell.Setup("proxmox")

	ep, tp, err := proxmox.ParseArgs(shell.Args())
	if err != nil {
		shell.Run(drivershell.BridgeFunc(func(context.Context) error {
			return err
		}))
	}

	bridge := proxmox.New(ep, tp, shell.Logger())
	bridge.Resize = drivershell.NotifyResize()
	shell.Run(bridge)
}
