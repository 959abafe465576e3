package cli

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/signdesk/localagent/config"
	"github.com/signdesk/localagent/store"
)

// CertificatesCommand implements the 'certificates' command.
func CertificatesCommand(args []string) {
	certFlags := flag.NewFlagSet("certificates", flag.ExitOnError)

	var sf storeFlags
	sf.register(certFlags)
	all := certFlags.Bool("all", false, "Include identities without a private key")
	setDefault := certFlags.String("set-default", "", "Remember the identity with this thumbprint as the default")

	certFlags.Usage = func() {
		fmt.Printf("Usage: %s certificates [options]\n\n", os.Args[0])
		fmt.Println("List available signing identities.")
		fmt.Println("")
		fmt.Println("Options:")
		certFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s certificates\n", os.Args[0])
		fmt.Printf("  %s certificates -all -credential-dir ~/certs\n", os.Args[0])
		fmt.Printf("  %s certificates -set-default ab12cd34...\n", os.Args[0])
	}

	if err := certFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	cfg, err := sf.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if err := listCertificates(cfg, *all, *setDefault); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func listCertificates(cfg *config.Config, includeAll bool, setDefault string) error {
	dir, cleanup, err := buildDirectory(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	identities, err := dir.List(!includeAll)
	if err != nil {
		return err
	}

	p := preferenceStore(cfg)
	if setDefault != "" {
		matched := false
		for _, id := range identities {
			if id.MatchesThumbprint(setDefault) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("no identity with thumbprint %q", setDefault)
		}
		if err := p.Save(store.NormalizeThumbprint(setDefault)); err != nil {
			return fmt.Errorf("saving default identity: %w", err)
		}
		fmt.Println("Default identity saved.")
	}
	remembered, _ := p.Load()

	if len(identities) == 0 {
		fmt.Println("No signing identities found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSUBJECT\tEXPIRES\tKEY\tTHUMBPRINT")
	for i, id := range identities {
		key := "-"
		if id.HasPrivateKey() {
			key = "yes"
		}
		marker := ""
		if remembered != "" && id.MatchesThumbprint(remembered) {
			marker = " *"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s%s\n",
			i, id.Certificate.Subject.CommonName,
			id.NotAfter().Format("2006-01-02"), key, id.Thumbprint(), marker)
	}
	return w.Flush()
}
