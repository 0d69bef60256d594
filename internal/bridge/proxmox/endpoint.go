package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthKind selects how the API endpoint is authenticated.
type AuthKind string

const (
	// AuthTicket authenticates with a username and password. A ticket is
	// requested from the access API and presented as the PVEAuthCookie.
	AuthTicket AuthKind = "ticket"
	// AuthAPIKey authenticates with a pre-provisioned API token.
	AuthAPIKey AuthKind = "apikey"
)

// Termproxy is the ticket the hypervisor hands out for one console session.
// The adapter obtains it out of band and passes it to the driver verbatim as
// JSON. Port arrives as either a number or a string depending on the API
// version, hence json.Number.
type Termproxy struct {
	User   string      `json:"user"`
	Ticket string      `json:"ticket"`
	Port   json.Number `json:"port"`
}

// ParseTermproxy decodes the JSON form of a termproxy ticket.
func ParseTermproxy(raw string) (Termproxy, error) {
	var tp Termproxy
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return Termproxy{}, fmt.Errorf("invalid termproxy ticket: %w", err)
	}
	if tp.Ticket == "" {
		return Termproxy{}, fmt.Errorf("termproxy ticket is missing the ticket field")
	}
	return tp, nil
}

// Endpoint describes the Proxmox VE API endpoint and the console target on
// it. VMType and VMID are empty for a node shell.
type Endpoint struct {
	Root               *url.URL
	Auth               AuthKind
	User               string // user@realm, or the full token id for AuthAPIKey
	Secret             string // password, or the token secret for AuthAPIKey
	InsecureSkipVerify bool
	Node               string
	VMType             string // "qemu" or "lxc", empty targets the node shell
	VMID               string
}

// ParseArgs builds an endpoint and termproxy ticket from the driver's extra
// arguments. The order is fixed: connection type, root URL, user, secret,
// ignore-ssl flag, node, vm type, vm id, termproxy JSON.
func ParseArgs(args []string) (Endpoint, Termproxy, error) {
	if len(args) != 9 {
		return Endpoint{}, Termproxy{}, fmt.Errorf("expected 9 arguments, got %d", len(args))
	}

	var auth AuthKind
	switch args[0] {
	case string(AuthTicket):
		auth = AuthTicket
	case string(AuthAPIKey):
		auth = AuthAPIKey
	default:
		return Endpoint{}, Termproxy{}, fmt.Errorf("unknown connection type %q", args[0])
	}

	root, err := url.Parse(args[1])
	if err != nil {
		return Endpoint{}, Termproxy{}, fmt.Errorf("invalid root URL: %w", err)
	}
	if root.Scheme != "http" && root.Scheme != "https" {
		return Endpoint{}, Termproxy{}, fmt.Errorf("root URL scheme must be http or https, got %q", root.Scheme)
	}

	tp, err := ParseTermproxy(args[8])
	if err != nil {
		return Endpoint{}, Termproxy{}, err
	}

	ep := Endpoint{
		Root:               root,
		Auth:               auth,
		User:               args[2],
		Secret:             args[3],
		InsecureSkipVerify: args[4] == "1",
		Node:               args[5],
		VMType:             args[6],
		VMID:               args[7],
	}
	return ep, tp, nil
}

// WebsocketURL builds the vncwebsocket URL for the console target, carrying
// the termproxy port and ticket as query parameters.
func (e *Endpoint) WebsocketURL(tp Termproxy) (*url.URL, error) {
	u := *e.Root
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	base := strings.TrimRight(u.Path, "/")
	if e.VMID == "" {
		u.Path = fmt.Sprintf("%s/api2/json/nodes/%s/vncwebsocket", base, e.Node)
	} else {
		u.Path = fmt.Sprintf("%s/api2/json/nodes/%s/%s/%s/vncwebsocket", base, e.Node, e.VMType, e.VMID)
	}

	q := url.Values{}
	q.Set("port", tp.Port.String())
	q.Set("vncticket", tp.Ticket)
	u.RawQuery = q.Encode()
	return &u, nil
}

// TLSConfig returns the TLS client configuration for both the API and the
// websocket connection.
func (e *Endpoint) TLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: e.InsecureSkipVerify}
}

// AuthHeader produces the headers authenticating the websocket upgrade
// request. Token auth is a static header; ticket auth performs a login
// round-trip against the access API to obtain the session cookie.
func (e *Endpoint) AuthHeader(ctx context.Context, hc *http.Client) (http.Header, error) {
	header := http.Header{}
	switch e.Auth {
	case AuthAPIKey:
		header.Set("Authorization", "PVEAPIToken="+e.User+"="+e.Secret)
	case AuthTicket:
		ticket, err := e.login(ctx, hc)
		if err != nil {
			return nil, err
		}
		header.Set("Cookie", "PVEAuthCookie="+ticket)
	default:
		return nil, fmt.Errorf("unknown auth kind %q", e.Auth)
	}
	return header, nil
}

// RequestTermproxy asks the API for a fresh console ticket for this
// endpoint's target. The adapter calls this before spawning the driver; the
// resulting ticket is single-use and short-lived.
func (e *Endpoint) RequestTermproxy(ctx context.Context, hc *http.Client) (Termproxy, error) {
	header, err := e.AuthHeader(ctx, hc)
	if err != nil {
		return Termproxy{}, err
	}

	u := *e.Root
	base := strings.TrimRight(u.Path, "/")
	if e.VMID == "" {
		u.Path = fmt.Sprintf("%s/api2/json/nodes/%s/termproxy", base, e.Node)
	} else {
		u.Path = fmt.Sprintf("%s/api2/json/nodes/%s/%s/%s/termproxy", base, e.Node, e.VMType, e.VMID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return Termproxy{}, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}

	resp, err := hc.Do(req)
	if err != nil {
		return Termproxy{}, fmt.Errorf("termproxy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Termproxy{}, fmt.Errorf("termproxy request failed with status %s", resp.Status)
	}

	var body struct {
		Data Termproxy `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Termproxy{}, fmt.Errorf("failed to decode termproxy response: %w", err)
	}
	if body.Data.Ticket == "" {
		return Termproxy{}, fmt.Errorf("termproxy response contained no ticket")
	}
	return body.Data, nil
}

func (e *Endpoint) login(ctx context.Context, hc *http.Client) (string, error) {
	loginURL := *e.Root
	loginURL.Path = strings.TrimRight(loginURL.Path, "/") + "/api2/json/access/ticket"

	form := url.Values{}
	form.Set("username", e.User)
	form.Set("password", e.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed with status %s", resp.Status)
	}

	var body struct {
		Data struct {
			Ticket string `json:"ticket"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if body.Data.Ticket == "" {
		return "", fmt.Errorf("login response contained no ticket")
	}
	return body.Data.Ticket, nil
}
