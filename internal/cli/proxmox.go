package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/theCapypara/field-monitor-sub000/internal/bridge/proxmox"
)

var proxmoxOpts struct {
	url         string
	user        string
	password    string
	tokenID     string
	tokenSecret string
	node        string
	vmType      string
	vmID        string
	termproxy   string
	insecure    bool
}

var proxmoxCmd = &cobra.Command{
	Use:   "proxmox",
	Short: "Attach to the serial console of a Proxmox VE guest or node",
	Long: `Attaches to the serial console of a Proxmox VE guest, or to the node
shell when no guest id is given. Authentication uses either a username
and password or an API token.`,
	RunE: runProxmox,
}

func init() {
	f := proxmoxCmd.Flags()
	f.StringVar(&proxmoxOpts.url, "url", "", "API root URL, e.g. https://pve.example:8006")
	f.StringVar(&proxmoxOpts.user, "user", "", "username (user@realm) for password authentication")
	f.StringVar(&proxmoxOpts.password, "password", "", "password (prompted when omitted)")
	f.StringVar(&proxmoxOpts.tokenID, "token-id", "", "API token id (user@realm!name)")
	f.StringVar(&proxmoxOpts.tokenSecret, "token-secret", "", "API token secret")
	f.StringVar(&proxmoxOpts.node, "node", "", "cluster node name")
	f.StringVar(&proxmoxOpts.vmType, "vm-type", "qemu", "guest type, qemu or lxc")
	f.StringVar(&proxmoxOpts.vmID, "vm-id", "", "guest id; omit to open the node shell")
	f.StringVar(&proxmoxOpts.termproxy, "termproxy", "", "pre-issued termproxy ticket as JSON (requested from the API when omitted)")
	f.BoolVar(&proxmoxOpts.insecure, "insecure", false, "skip TLS certificate verification")
	proxmoxCmd.MarkFlagRequired("url")
	proxmoxCmd.MarkFlagRequired("node")

	rootCmd.AddCommand(proxmoxCmd)
}

func runProxmox(cmd *cobra.Command, args []string) error {
	auth, user, secret, err := proxmoxAuth()
	if err != nil {
		return err
	}

	root, err := url.Parse(proxmoxOpts.url)
	if err != nil {
		return fmt.Errorf("invalid API root URL: %w", err)
	}

	vmType := proxmoxOpts.vmType
	if proxmoxOpts.vmID == "" {
		vmType = ""
	}
	ep := proxmox.Endpoint{
		Root:               root,
		Auth:               auth,
		User:               user,
		Secret:             secret,
		InsecureSkipVerify: proxmoxOpts.insecure,
		Node:               proxmoxOpts.node,
		VMType:             vmType,
		VMID:               proxmoxOpts.vmID,
	}

	ticket := proxmoxOpts.termproxy
	if ticket == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hc := &http.Client{
			Transport: &http.Transport{TLSClientConfig: ep.TLSConfig()},
			Timeout:   30 * time.Second,
		}
		tp, err := ep.RequestTermproxy(ctx, hc)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(tp)
		if err != nil {
			return err
		}
		ticket = string(raw)
	}

	insecure := "0"
	if proxmoxOpts.insecure {
		insecure = "1"
	}
	extraArgs := []string{
		string(auth), proxmoxOpts.url, user, secret,
		insecure, proxmoxOpts.node, vmType, proxmoxOpts.vmID, ticket,
	}
	return runSession(cfg.Drivers.Proxmox, extraArgs)
}

func proxmoxAuth() (proxmox.AuthKind, string, string, error) {
	switch {
	case proxmoxOpts.tokenID != "":
		if proxmoxOpts.tokenSecret == "" {
			return "", "", "", fmt.Errorf("--token-secret is required with --token-id")
		}
		return proxmox.AuthAPIKey, proxmoxOpts.tokenID, proxmoxOpts.tokenSecret, nil
	case proxmoxOpts.user != "":
		pass := proxmoxOpts.password
		if pass == "" {
			fmt.Fprintf(os.Stderr, "Password for %s: ", proxmoxOpts.user)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return "", "", "", fmt.Errorf("failed to read password: %w", err)
			}
			pass = string(raw)
		}
		return proxmox.AuthTicket, proxmoxOpts.user, pass, nil
	default:
		return "", "", "", fmt.Errorf("either --user or --token-id is required")
	}
}
