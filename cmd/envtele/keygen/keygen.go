// Generate device and server keys, optionally save them into key.dir.
package keygen

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/skip2/go-qrcode"
	"github.com/temoto/envtele/cmd/envtele/subcmd"
	"github.com/temoto/envtele/state"
	teleauth "github.com/temoto/envtele/tele/auth"
)

var Mod = subcmd.Mod{Name: "keygen", Usage: "generate device/server key pair", Main: Main}

type Options struct {
	Scheme teleauth.Scheme
	// Empty Dir means print only.
	Dir string
	// Overwrite existing keys in Dir.
	Force bool
	// Print device key as terminal QR code for provisioning.
	QR bool
}

func Main(ctx context.Context, config *state.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	flagset := flag.NewFlagSet("keygen", flag.ContinueOnError)
	scheme := flagset.String("scheme", string(teleauth.DefaultScheme), "hmac-sha512 | ed25519")
	save := flagset.Bool("save", false, "write keys into config key.dir")
	force := flagset.Bool("force", false, "overwrite existing keys")
	qr := flagset.Bool("qr", false, "print device key as QR code")
	if err := flagset.Parse(args); err != nil {
		return err
	}
	opt := Options{Scheme: teleauth.Scheme(*scheme), Force: *force, QR: *qr}
	if *save {
		if g.Config.Key.Dir == "" {
			return errors.NotValidf("-save with empty config key.dir")
		}
		opt.Dir = g.Config.Key.Dir
	}
	return Run(os.Stdout, rand.Reader, opt)
}

func Run(w io.Writer, random io.Reader, opt Options) error {
	signer, verifier, err := teleauth.GenerateKey(opt.Scheme, random)
	if err != nil {
		return errors.Annotate(err, "keygen")
	}

	if opt.Dir != "" {
		if err = os.MkdirAll(opt.Dir, 0o700); err != nil {
			return errors.Annotate(err, "keygen")
		}
		device := teleauth.KeyStore{Dir: opt.Dir, Prefix: "device."}
		server := teleauth.KeyStore{Dir: opt.Dir, Prefix: "server."}
		if !opt.Force {
			for _, ks := range []teleauth.KeyStore{device, server} {
				if _, err := ks.Load(); err == nil {
					return errors.AlreadyExistsf("key dir=%s prefix=%s (use -force)", ks.Dir, ks.Prefix)
				}
			}
		}
		if err = device.Save(signer); err != nil {
			return errors.Annotate(err, "keygen device")
		}
		if err = server.Save(verifier); err != nil {
			return errors.Annotate(err, "keygen server")
		}
		fmt.Fprintf(w, "saved dir=%s\n", opt.Dir)
	}

	fmt.Fprintf(w, "device: %s\nserver: %s\n", signer.String(), verifier.String())
	if opt.QR {
		code, err := qrcode.New(signer.String(), qrcode.Medium)
		if err != nil {
			return errors.Annotate(err, "keygen qr")
		}
		code.DisableBorder = true
		fmt.Fprint(w, code.ToString(false))
	}
	return nil
}
