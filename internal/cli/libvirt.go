package cli

import (
	"github.com/spf13/cobra"
)

var libvirtCmd = &cobra.Command{
	Use:   "libvirt <uri> <domain>",
	Short: "Attach to the serial console of a libvirt domain",
	Long: `Attaches to the primary serial console of a libvirt domain. The domain
may be given by UUID or by name; the URI is any libvirt connection URI,
for example qemu:///system or qemu+ssh://host/system.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cfg.Drivers.Libvirt, args)
	},
}

func init() {
	rootCmd.AddCommand(libvirtCmd)
}
