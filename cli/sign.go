package cli

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/signdesk/localagent/config"
	"github.com/signdesk/localagent/sign/pdfseal"
	"github.com/signdesk/localagent/signer"
	"github.com/signdesk/localagent/stamp"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	Thumbprint string
	Index      int
	Pin        string
	Remember   bool

	Protocol  string
	Actions   string
	Reason    string
	Location  string
	FieldName string
	Companion bool
	Detached  bool
	Raw       bool
}

// SignCommand implements the 'sign' command.
func SignCommand(args []string) {
	signFlags := flag.NewFlagSet("sign", flag.ExitOnError)

	var sf storeFlags
	sf.register(signFlags)

	var opts SignOptions
	signFlags.StringVar(&opts.Thumbprint, "thumbprint", "", "Thumbprint of the signing identity")
	signFlags.IntVar(&opts.Index, "index", -1, "Index of the signing identity, as listed by 'certificates'")
	signFlags.StringVar(&opts.Pin, "pin", "", "PIN for a protected key")
	signFlags.BoolVar(&opts.Remember, "remember", false, "Remember the used identity as the default")
	signFlags.StringVar(&opts.Protocol, "protocol", "", "Protocol identifier printed on the protocol page")
	signFlags.StringVar(&opts.Actions, "actions", "", "Comma-separated history entries for the protocol page")
	signFlags.StringVar(&opts.Reason, "reason", "", "Reason for signing")
	signFlags.StringVar(&opts.Location, "location", "", "Location of the signatory")
	signFlags.StringVar(&opts.FieldName, "field", "", "Name of the signature field")
	signFlags.BoolVar(&opts.Companion, "p7s", false, "Also write a detached .p7s next to the signed PDF")
	signFlags.BoolVar(&opts.Detached, "detached", true, "Produce a detached signature for non-PDF input")
	signFlags.BoolVar(&opts.Raw, "raw", false, "Treat the input as an opaque payload even if it is a PDF")

	signFlags.Usage = func() {
		fmt.Printf("Usage: %s sign [options] <input> <output>\n\n", os.Args[0])
		fmt.Println("Sign a file. PDF input is sealed in place with a visible protocol")
		fmt.Println("page; any other input produces a CMS (.p7s) signature.")
		fmt.Println("")
		fmt.Println("Options:")
		signFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s sign -protocol DOC-2024-0001 input.pdf signed.pdf\n", os.Args[0])
		fmt.Printf("  %s sign -thumbprint ab12cd34 -pin 1234 contract.pdf signed.pdf\n", os.Args[0])
		fmt.Printf("  %s sign -raw payload.xml payload.xml.p7s\n", os.Args[0])
	}

	if err := signFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(signFlags.Args()) < 2 {
		signFlags.Usage()
		osExit(1)
		return
	}

	cfg, err := sf.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	inputPath := signFlags.Arg(0)
	outputPath := signFlags.Arg(1)

	if err := signFile(cfg, inputPath, outputPath, &opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	fmt.Printf("Successfully signed: %s\n", outputPath)
}

// signFile performs the actual signing.
func signFile(cfg *config.Config, inputPath, outputPath string, opts *SignOptions) error {
	dir, cleanup, err := buildDirectory(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	identities, err := dir.List(true)
	if err != nil {
		return err
	}

	p := preferenceStore(cfg)
	identity, err := selectIdentity(identities, opts.Thumbprint, opts.Index, p)
	if err != nil {
		return err
	}

	input, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	ctx := context.Background()
	s := signer.New()

	var output, companion []byte
	if !opts.Raw && bytes.HasPrefix(input, []byte("%PDF-")) {
		sealOpts := &pdfseal.Options{
			Stamp: stamp.Options{
				Protocol:   opts.Protocol,
				Reason:     opts.Reason,
				Location:   opts.Location,
				SignerName: identity.Certificate.Subject.CommonName,
			},
			FieldName: opts.FieldName,
			Companion: opts.Companion,
		}
		if opts.Actions != "" {
			for _, a := range strings.Split(opts.Actions, ",") {
				if a = strings.TrimSpace(a); a != "" {
					sealOpts.Stamp.Actions = append(sealOpts.Stamp.Actions, a)
				}
			}
		}
		var pinFn pdfseal.PinFunc
		if opts.Pin != "" {
			pinFn = func(context.Context) (string, error) { return opts.Pin, nil }
		}
		res, err := pdfseal.New(s).Seal(ctx, input, identity, sealOpts, pinFn)
		if err != nil {
			return err
		}
		output, companion = res.Pdf, res.Companion
		if res.CompanionErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: companion signature failed: %v\n", res.CompanionErr)
		}
	} else {
		res, err := s.Sign(ctx, input, identity, opts.Detached, opts.Pin)
		if err != nil {
			return err
		}
		output = res.Signature
	}

	if err := os.WriteFile(outputPath, output, 0644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	if companion != nil {
		if err := os.WriteFile(outputPath+".p7s", companion, 0644); err != nil {
			return fmt.Errorf("writing companion: %w", err)
		}
	}

	if opts.Remember {
		if err := p.Save(identity.Thumbprint()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save default identity: %v\n", err)
		}
	}
	return nil
}
