package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/go-serial/serial"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/bearer"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/persistence"
	"github.com/rigado/mesh/stack"
	"github.com/urfave/cli"
)

var cmdListen = cli.Command{
	Name:  "listen",
	Usage: "run a node on a serial bearer and print what it receives",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "port, p", Value: "/dev/ttyUSB0", Usage: "serial device of the advertising bearer"},
		cli.UintFlag{Name: "baud", Value: 1000000, Usage: "serial baud rate"},
		cli.StringFlag{Name: "store", Usage: "json file holding the node state"},
		cli.StringFlag{Name: "network", Usage: "network id inside the store"},
		cli.StringFlag{Name: "netkey", Usage: "network key when starting without a store, hex"},
		cli.StringFlag{Name: "address", Value: "0x0001", Usage: "unicast address when starting without a store"},
	},
	Action: runListen,
}

func runListen(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	b, err := bearer.OpenSerial(serial.OpenOptions{
		PortName:        c.String("port"),
		BaudRate:        c.Uint("baud"),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return err
	}

	s, err := openNode(c, b, cfg)
	if err != nil {
		b.Close()
		return err
	}
	defer s.Close()
	fmt.Printf("listening on %s as %s\n", c.String("port"), s.Local())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			printEvent(ev)
		case <-sig:
			return nil
		}
	}
}

func openNode(c *cli.Context, b mesh.Bearer, cfg mesh.Config) (*stack.Stack, error) {
	var st persistence.Store
	if path := c.String("store"); path != "" {
		st = persistence.NewFileStore(path)
		if id := c.String("network"); id != "" {
			return stack.Open(b, st, id, cfg)
		}
	}

	nk, err := keyFlag(c, "netkey")
	if err != nil {
		return nil, err
	}
	addr, err := mesh.ParseAddress(c.String("address"))
	if err != nil {
		return nil, err
	}
	km := keys.NewManager()
	if err := km.AddNetKey(0, nk); err != nil {
		return nil, err
	}
	if err := km.AddNode(&mesh.Node{Name: "meshctl", Address: addr, DeviceKey: randomKey()}); err != nil {
		return nil, err
	}

	opts := []stack.Option{stack.OptLocal(addr)}
	if st != nil {
		id, err := stack.NetworkID(km)
		if err != nil {
			return nil, err
		}
		opts = append(opts, stack.OptStore(st, id))
	}
	return stack.New(b, km, cfg, opts...)
}
