package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "meshctl"
	app.Usage = "bluetooth mesh key, pdu and provisioning tool"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "toml file with layer timing and sequence settings"},
		cli.BoolFlag{Name: "verbose, v", Usage: "log every layer at trace level"},
		cli.BoolFlag{Name: "log-json", Usage: "write logs as json lines"},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("verbose") {
			mesh.SetLogLevelMax()
		} else {
			mesh.SetLogLevel(logrus.WarnLevel)
		}
		mesh.SetLogOutput(os.Stderr, c.Bool("log-json"))
		return nil
	}
	app.Commands = []cli.Command{
		cmdDerive,
		cmdVirtual,
		cmdDecode,
		cmdDemo,
		cmdListen,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (mesh.Config, error) {
	path := c.GlobalString("config")
	if path == "" {
		return mesh.DefaultConfig(), nil
	}
	return mesh.LoadConfig(path)
}

func keyFlag(c *cli.Context, name string) ([]byte, error) {
	s := c.String(name)
	if s == "" {
		return nil, errors.Errorf("missing --%s", name)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "--%s", name)
	}
	if len(b) != 16 {
		return nil, errors.Errorf("--%s must be 16 bytes, got %d", name, len(b))
	}
	return b, nil
}

func printEvent(ev mesh.Event) {
	ts := time.Now().Format("15:04:05.000")
	switch e := ev.(type) {
	case mesh.MessageEvent:
		key := "devkey"
		if e.AppKey != nil {
			key = fmt.Sprintf("appkey %d", *e.AppKey)
		}
		fmt.Printf("%s %s -> %s ttl %d (%s): %+v\n", ts, e.Src, e.Dst, e.TTL, key, e.Message)
	case mesh.SendFailedEvent:
		fmt.Printf("%s send to %s failed: %v\n", ts, e.Dst, e.Err)
	case mesh.ProvisioningEvent:
		if e.Err != nil {
			fmt.Printf("%s %s: %s (%v)\n", ts, e.Session, e.State, e.Err)
			return
		}
		fmt.Printf("%s %s: %s\n", ts, e.Session, e.State)
	case mesh.IVUpdateEvent:
		fmt.Printf("%s iv index %d (update %t)\n", ts, e.Index, e.Updating)
	}
}
