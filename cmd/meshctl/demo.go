package main

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/access"
	"github.com/rigado/mesh/bearer"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/persistence"
	"github.com/rigado/mesh/provisioning"
	"github.com/rigado/mesh/stack"
	"github.com/urfave/cli"
)

const demoAppKey = mesh.KeyIndex(0)

var cmdDemo = cli.Command{
	Name:  "demo",
	Usage: "provision and configure a device over an in-process bearer",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "store", Usage: "json file to persist the provisioner in"},
		cli.IntFlag{Name: "elements", Value: 2, Usage: "element count of the device"},
		cli.StringFlag{Name: "static-oob", Usage: "16 byte static oob value, hex"},
	},
	Action: runDemo,
}

func randomKey() []byte {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func runDemo(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Int("elements") < 1 || c.Int("elements") > 255 {
		return errors.Errorf("invalid element count %d", c.Int("elements"))
	}

	var auth provisioning.Auth
	if c.IsSet("static-oob") {
		oob, err := keyFlag(c, "static-oob")
		if err != nil {
			return err
		}
		auth = provisioning.StaticOOB{Key: oob}
	}

	netKey, appKey := randomKey(), randomKey()
	km := keys.NewManager()
	if err := km.AddNetKey(0, netKey); err != nil {
		return err
	}
	if err := km.AddAppKey(demoAppKey, 0, appKey); err != nil {
		return err
	}
	if err := km.AddNode(&mesh.Node{Name: "provisioner", Address: 0x0001, DeviceKey: randomKey()}); err != nil {
		return err
	}

	var opts []stack.Option
	opts = append(opts, stack.OptLocal(0x0001))
	if path := c.String("store"); path != "" {
		id, err := stack.NetworkID(km)
		if err != nil {
			return err
		}
		opts = append(opts, stack.OptStore(persistence.NewFileStore(path), id))
		fmt.Printf("persisting network %s to %s\n", id, path)
	}

	bp, bd := bearer.NewLoopbackPair()
	prov, err := stack.New(bp, km, cfg, opts...)
	if err != nil {
		return err
	}
	defer prov.Close()
	dev, err := stack.New(bd, nil, cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	go func() {
		for ev := range prov.Events() {
			printEvent(ev)
		}
	}()

	caps := provisioning.Capabilities{Elements: uint8(c.Int("elements"))}
	if auth != nil {
		caps.StaticOOBType = 1
	}
	if err := dev.AcceptProvisioning(provisioning.Config{Capabilities: caps, Auth: auth}); err != nil {
		return err
	}

	ctx := context.Background()
	r, err := prov.Provision(ctx, 0x00000001, provisioning.Config{
		Auth: auth,
		Data: provisioning.Data{NetKey: netKey},
	})
	if err != nil {
		return errors.Wrap(err, "provision")
	}
	fmt.Printf("device provisioned at %s, devkey %x\n", r.Data.Address, r.DeviceKey)

	st, err := prov.SendAcknowledged(ctx, stack.Target{Dst: r.Data.Address}, &access.ConfigAppKeyAdd{
		NetKeyIndex: 0,
		AppKeyIndex: demoAppKey,
		AppKey:      appKey,
	})
	if err != nil {
		return errors.Wrap(err, "appkey add")
	}
	fmt.Printf("appkey add: %+v\n", st.Message)

	st, err = prov.SendAcknowledged(ctx, stack.Target{Dst: r.Data.Address}, &access.ConfigCompositionDataGet{})
	if err != nil {
		return errors.Wrap(err, "composition")
	}
	comp := st.Message.(*access.ConfigCompositionDataStatus)
	fmt.Printf("composition: %d elements\n", len(comp.Elements))

	if err := prov.Send(ctx, stack.Target{Dst: r.Data.Address, AppKey: stack.AppKey(demoAppKey)}, &access.GenericOnOffSet{OnOff: true, Unacknowledged: true}); err != nil {
		return errors.Wrap(err, "onoff")
	}
	for ev := range dev.Events() {
		if m, ok := ev.(mesh.MessageEvent); ok {
			if _, ok := m.Message.(*access.GenericOnOffSet); ok {
				fmt.Print("device received ")
				printEvent(ev)
				break
			}
		}
	}
	return nil
}
