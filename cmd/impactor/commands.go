package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	logview "github.com/plume-impactor/impactor/cmd/impactor-log/commands"
	"github.com/plume-impactor/impactor/pkg/bundle"
	"github.com/plume-impactor/impactor/pkg/developer"
	"github.com/plume-impactor/impactor/pkg/fault"
	"github.com/plume-impactor/impactor/pkg/gsa"
	"github.com/plume-impactor/impactor/pkg/installer"
	"github.com/plume-impactor/impactor/pkg/lockdown"
	"github.com/plume-impactor/impactor/pkg/persistence"
)

// errQuit is returned by Exec for the quit command.
var errQuit = errors.New("quit")

// errUsage marks a malformed command line.
var errUsage = errors.New("usage")

func usage(format string) error {
	return fmt.Errorf("%w: %s", errUsage, format)
}

// Exec runs one command.
func (a *App) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd := strings.ToLower(args[0])
	args = args[1:]

	switch cmd {
	case "help", "?":
		a.printHelp()
		return nil

	case "login":
		return a.cmdLogin(ctx, args)
	case "accounts":
		return a.cmdAccounts()
	case "select":
		return a.cmdSelect(args)
	case "remove":
		return a.cmdRemove(args)
	case "teams":
		return a.cmdTeams(ctx)
	case "team":
		return a.cmdTeam(args)
	case "check":
		return a.cmdCheck(ctx)
	case "certs":
		return a.cmdCerts(ctx)
	case "registered":
		return a.cmdRegistered(ctx)

	case "devices", "ls":
		return a.cmdDevices()
	case "use":
		return a.cmdUse(args)
	case "pair", "trust":
		return a.cmdPair(ctx)
	case "apps":
		return a.cmdApps(ctx)
	case "install":
		return a.cmdInstall(ctx, args)
	case "pairing-file":
		return a.cmdPairingFile(ctx, args)
	case "scan":
		return a.cmdScan(ctx)

	case "log":
		return a.cmdLog(args)

	case "quit", "exit", "q":
		return errQuit
	}
	return fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
}

func (a *App) printHelp() {
	fmt.Fprintln(a.out, `
Impactor Commands:
  Accounts:
    login [email]                     - Sign in with an Apple ID
    accounts                          - List stored accounts
    select <email>                    - Make an account the selected one
    remove <email>                    - Forget an account
    teams                             - List the selected account's teams
    team <team-id>                    - Provision with this team
    check                             - Verify the selected account still signs in
    certs                             - List development certificates
    registered                        - List devices registered with the team

  Devices:
    devices                           - List attached devices
    use <device-id>                   - Select a device
    pair                              - Ask the selected device to trust this host
    apps                              - List apps installed on the selected device
    install <path.ipa|path.app>       - Sign and install a package
    pairing-file <bundle-id> <path>   - Copy the pairing record into an app's documents
    scan                              - Browse the network for devices

  General:
    log <file>                        - View a protocol capture
    help                              - Show this help
    quit                              - Exit`)
}

func (a *App) cmdLogin(ctx context.Context, args []string) error {
	kind := a.cfg.Anisette.Provider
	client, err := a.gsaClientFor(kind)
	if err != nil {
		return err
	}

	credentials := func(context.Context) (gsa.Credentials, error) {
		var creds gsa.Credentials
		if len(args) > 0 {
			creds.Email = args[0]
		} else {
			email, err := a.prompt.Prompt("Apple ID: ")
			if err != nil {
				return creds, err
			}
			creds.Email = strings.TrimSpace(email)
		}
		password, err := a.prompt.Password("Password: ")
		if err != nil {
			return creds, err
		}
		creds.Password = password
		return creds, nil
	}
	twoFactor := func(_ context.Context, k gsa.TwoFactorKind) (string, error) {
		switch k {
		case gsa.TwoFactorSMS:
			fmt.Fprintln(a.out, "A verification code was sent by text message.")
		default:
			fmt.Fprintln(a.out, "A verification code was sent to your trusted devices.")
		}
		code, err := a.prompt.Prompt("Code: ")
		if err != nil {
			return "", err
		}
		code = strings.TrimSpace(code)
		if code == "" {
			return "", errors.New("no code entered")
		}
		return code, nil
	}

	account, err := client.Login(ctx, credentials, twoFactor)
	if err != nil {
		return err
	}

	session, err := developer.UsingAccount(ctx, account, a.developerConfig())
	if err != nil {
		return err
	}
	stored, err := persistence.FromSession(ctx, account, session, kind)
	if err != nil {
		return err
	}
	if err := a.store.AddContext(ctx, stored); err != nil {
		return err
	}

	name := strings.TrimSpace(stored.FirstName + " " + stored.LastName)
	fmt.Fprintf(a.out, "Signed in as %s (%s)\n", stored.Email, name)
	if stored.TeamID != "" {
		fmt.Fprintf(a.out, "Team: %s\n", stored.TeamID)
	}
	return nil
}

func (a *App) cmdAccounts() error {
	accounts := a.store.Accounts()
	if len(accounts) == 0 {
		fmt.Fprintln(a.out, "No accounts (use login)")
		return nil
	}

	selected, _ := a.store.Selected()
	fmt.Fprintf(a.out, "\nAccounts (%d):\n", len(accounts))
	fmt.Fprintln(a.out, "-------------------------------------------")
	for _, acct := range accounts {
		marker := " "
		if acct.Email == selected.Email {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%s %s\n", marker, acct.Email)
		fmt.Fprintf(a.out, "      Name: %s %s\n", acct.FirstName, acct.LastName)
		fmt.Fprintf(a.out, "      Status: %s\n", acct.Status)
		fmt.Fprintf(a.out, "      Anisette: %s\n", acct.AnisetteProvider)
		if acct.TeamID != "" {
			fmt.Fprintf(a.out, "      Team: %s\n", acct.TeamID)
		}
	}
	return nil
}

func (a *App) cmdSelect(args []string) error {
	if len(args) != 1 {
		return usage("select <email>")
	}
	if err := a.store.Select(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Selected %s\n", args[0])
	return nil
}

func (a *App) cmdRemove(args []string) error {
	if len(args) != 1 {
		return usage("remove <email>")
	}
	if _, ok := a.store.Get(args[0]); !ok {
		return fmt.Errorf("%w: account %s", fault.ErrNotFound, args[0])
	}
	if err := a.store.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed %s\n", args[0])
	return nil
}

func (a *App) cmdTeams(ctx context.Context) error {
	acct, session, err := a.selectedSession()
	if err != nil {
		return err
	}
	resp, err := session.ListTeams(ctx)
	if err != nil {
		return a.checkAuth(acct.Email, err)
	}
	if len(resp.Teams) == 0 {
		fmt.Fprintln(a.out, "No teams")
		return nil
	}
	for _, t := range resp.Teams {
		marker := " "
		if t.TeamID == acct.TeamID {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%s %s  %s (%s, %s)\n", marker, t.TeamID, t.Name, t.Type, t.Status)
	}
	return nil
}

func (a *App) cmdTeam(args []string) error {
	if len(args) != 1 {
		return usage("team <team-id>")
	}
	acct, ok := a.store.Selected()
	if !ok {
		return errNoAccount
	}
	if err := a.store.Update(acct.Email, func(s *persistence.StoredAccount) { s.TeamID = args[0] }); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s now provisions with team %s\n", acct.Email, args[0])
	return nil
}

func (a *App) cmdCheck(ctx context.Context) error {
	acct, session, err := a.selectedSession()
	if err != nil {
		return err
	}
	first, last, err := session.ValidateAccount(ctx, acct.TeamID)
	if err != nil {
		return a.checkAuth(acct.Email, err)
	}
	err = a.store.Update(acct.Email, func(s *persistence.StoredAccount) {
		s.Status = persistence.StatusValid
		if first != "" || last != "" {
			s.FirstName, s.LastName = first, last
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s is valid (%s)\n", acct.Email, strings.TrimSpace(first+" "+last))
	return nil
}

func (a *App) teamSession() (persistence.StoredAccount, *developer.Session, error) {
	acct, session, err := a.selectedSession()
	if err != nil {
		return acct, nil, err
	}
	if acct.TeamID == "" {
		return acct, nil, fmt.Errorf("%w: account %s has no team (use teams and team)", fault.ErrNotFound, acct.Email)
	}
	return acct, session, nil
}

func (a *App) cmdCerts(ctx context.Context) error {
	acct, session, err := a.teamSession()
	if err != nil {
		return err
	}
	resp, err := session.ListCertificates(ctx, acct.TeamID)
	if err != nil {
		return a.checkAuth(acct.Email, err)
	}
	if len(resp.Certificates) == 0 {
		fmt.Fprintln(a.out, "No certificates")
		return nil
	}
	for _, c := range resp.Certificates {
		fmt.Fprintf(a.out, "  %s  %s on %s, expires %s (%s)\n",
			c.SerialNumber, c.Name, c.MachineName, c.ExpirationDate.Format("2006-01-02"), c.Status)
	}
	return nil
}

func (a *App) cmdRegistered(ctx context.Context) error {
	acct, session, err := a.teamSession()
	if err != nil {
		return err
	}
	resp, err := session.ListDevices(ctx, acct.TeamID)
	if err != nil {
		return a.checkAuth(acct.Email, err)
	}
	if len(resp.Devices) == 0 {
		fmt.Fprintln(a.out, "No registered devices")
		return nil
	}
	for _, d := range resp.Devices {
		fmt.Fprintf(a.out, "  %s  %s (%s, %s)\n", d.DeviceNumber, d.Name, d.DeviceClass, d.Status)
	}
	return nil
}

func (a *App) cmdDevices() error {
	devs := a.tracker.Snapshot()
	if len(devs) == 0 {
		fmt.Fprintln(a.out, "No devices attached")
		return nil
	}

	selected, hasSel := a.tracker.Selected()
	fmt.Fprintf(a.out, "\nDevices (%d):\n", len(devs))
	fmt.Fprintln(a.out, "-------------------------------------------")
	for _, d := range devs {
		marker := " "
		if hasSel && d.DeviceID == selected.DeviceID {
			marker = "*"
		}
		paired := "no"
		if d.Paired {
			paired = "yes"
		}
		fmt.Fprintf(a.out, "%s [%d] %s\n", marker, d.DeviceID, d.Label())
		fmt.Fprintf(a.out, "      UDID: %s\n", d.UDID)
		fmt.Fprintf(a.out, "      Connection: %s\n", d.Kind)
		fmt.Fprintf(a.out, "      State: %s (paired: %s)\n", d.State, paired)
	}
	return nil
}

func (a *App) cmdUse(args []string) error {
	if len(args) != 1 {
		return usage("use <device-id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return usage("use <device-id>")
	}
	if err := a.tracker.Select(uint32(id)); err != nil {
		return err
	}
	dev, _ := a.tracker.Selected()
	fmt.Fprintf(a.out, "Using %s\n", dev.Label())
	return nil
}

func (a *App) cmdPair(ctx context.Context) error {
	dev, err := a.selectedDevice()
	if err != nil {
		return err
	}
	err = a.devices.Pair(ctx, dev)
	if errors.Is(err, lockdown.ErrPairingDialogPending) {
		fmt.Fprintln(a.out, "Tap Trust on the device, then run pair again.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Paired with %s\n", dev.Label())
	return nil
}

func (a *App) cmdApps(ctx context.Context) error {
	dev, err := a.selectedDevice()
	if err != nil {
		return err
	}
	apps, err := a.devices.InstalledApps(ctx, dev)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(a.out, "No user apps installed")
		return nil
	}
	for _, app := range apps {
		fmt.Fprintf(a.out, "  %-40s %s %s\n", app.BundleID, app.Name, app.ShortVersion)
	}
	return nil
}

func (a *App) cmdInstall(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("install <path.ipa|path.app>")
	}
	if a.cfg.Signer.Command == "" {
		return fmt.Errorf("%w: no signer configured (set signer.command or -signer)", fault.ErrNotFound)
	}
	dev, err := a.selectedDevice()
	if err != nil {
		return err
	}
	pkg, err := bundle.Open(args[0])
	if err != nil {
		return err
	}

	icfg := installer.Config{
		Signer: &installer.ExternalSigner{Command: a.cfg.Signer.Command, Logger: a.logger},
		Device: a.devices,
		Logger: a.logger,
	}
	acct, session, err := a.teamSession()
	switch {
	case err == nil:
		icfg.Provisioner = &installer.DeveloperProvisioner{Session: session, TeamID: acct.TeamID, Logger: a.logger}
	case errors.Is(err, fault.ErrNotFound):
		a.logger.Warn("installing without provisioning", "reason", err)
	default:
		return err
	}

	inst, err := installer.New(icfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Installing %s on %s\n", pkg, dev.Label())
	for u := range inst.Start(ctx, installer.Request{Device: dev, Package: pkg}) {
		switch u.Stage {
		case installer.StageFailed:
			return a.checkAuth(acct.Email, u.Err)
		case installer.StageDone:
			fmt.Fprintln(a.out, "Installed.")
		default:
			fmt.Fprintf(a.out, "  [%s] %3d%% %s\n", u.Stage, u.Percent, u.Message)
		}
	}
	return nil
}

func (a *App) cmdPairingFile(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usage("pairing-file <bundle-id> <path>")
	}
	dev, err := a.selectedDevice()
	if err != nil {
		return err
	}
	if err := a.devices.InstallPairingRecord(ctx, dev, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Pairing record written to %s in %s\n", args[1], args[0])
	return nil
}

func (a *App) cmdScan(ctx context.Context) error {
	fmt.Fprintln(a.out, "Browsing for network devices...")
	found, err := a.browser.Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintln(a.out, "No network devices found")
		return nil
	}

	fmt.Fprintf(a.out, "Found %d network device(s):\n", len(found))
	for idx, d := range found {
		fmt.Fprintf(a.out, "  %d. %s (host: %s:%d, mac: %s)\n", idx+1, d.Instance, d.Host, d.Port, d.WiFiMAC)
		for _, addr := range d.Addresses {
			fmt.Fprintf(a.out, "       %s\n", addr)
		}
	}
	return nil
}

func (a *App) cmdLog(args []string) error {
	if len(args) != 1 {
		return usage("log <file>")
	}
	return logview.RunView(args[0], logview.ViewFilter{}, a.out)
}
