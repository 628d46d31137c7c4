package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/temoto/envtele/cmd/envtele/client"
	"github.com/temoto/envtele/cmd/envtele/inspect"
	"github.com/temoto/envtele/cmd/envtele/keygen"
	"github.com/temoto/envtele/cmd/envtele/server"
	"github.com/temoto/envtele/cmd/envtele/storeapi"
	"github.com/temoto/envtele/cmd/envtele/subcmd"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/state"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	server.Mod,
	client.Mod,
	storeapi.Mod,
	inspect.Mod,
	keygen.Mod,
}

func main() {
	flagset := flag.NewFlagSet("envtele", flag.ContinueOnError)
	flagConfig := flagset.String("config", "envtele.hcl", "")
	flagDotenv := flagset.String("env", ".env", "dotenv file, missing is fine")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "usage: envtele [-config envtele.hcl] [-env .env] command [args]\n")
		flagset.PrintDefaults()
		fmt.Fprint(flagset.Output(), subcmd.Usage(modules))
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Debugf("envtele command=%s", mod.Name)

	ctx, g := state.NewContext(log)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dotenv, err := state.ReadDotenv(state.NewOsFullReader(), *flagDotenv)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	g.Getenv = state.Getenv(dotenv)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	err = mod.Main(ctx, config, flagset.Args()[1:])
	if cerr := g.Close(); cerr != nil {
		g.Error(cerr, "close")
	}
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Fatal(errors.ErrorStack(err))
	}
}
