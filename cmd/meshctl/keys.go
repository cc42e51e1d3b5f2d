package main

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/network"
	"github.com/rigado/mesh/upper"
	"github.com/urfave/cli"
)

var cmdDerive = cli.Command{
	Name:  "derive",
	Usage: "print the material derived from a netkey and optional appkey",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "netkey", Usage: "network key, hex"},
		cli.StringFlag{Name: "appkey", Usage: "application key, hex"},
	},
	Action: func(c *cli.Context) error {
		nk, err := keyFlag(c, "netkey")
		if err != nil {
			return err
		}
		k, err := keys.DeriveNetworkKeys(nk)
		if err != nil {
			return err
		}
		fmt.Printf("nid            %02x\n", k.NID)
		fmt.Printf("encryption key %x\n", k.EncryptionKey)
		fmt.Printf("privacy key    %x\n", k.PrivacyKey)
		fmt.Printf("network id     %x\n", k.NetworkID)
		fmt.Printf("beacon key     %x\n", k.BeaconKey)
		fmt.Printf("identity key   %x\n", k.IdentityKey)

		if !c.IsSet("appkey") {
			return nil
		}
		ak, err := keyFlag(c, "appkey")
		if err != nil {
			return err
		}
		a, err := keys.DeriveApplicationKey(ak)
		if err != nil {
			return err
		}
		fmt.Printf("aid            %02x\n", a.AID)
		return nil
	},
}

var cmdVirtual = cli.Command{
	Name:      "vaddr",
	Usage:     "print the virtual address of a label uuid",
	ArgsUsage: "<label>",
	Action: func(c *cli.Context) error {
		l, err := uuid.Parse(c.Args().First())
		if err != nil {
			return errors.Wrap(err, "label")
		}
		fmt.Println(upper.VirtualAddress(l))
		return nil
	},
}

var cmdDecode = cli.Command{
	Name:      "decode",
	Usage:     "deobfuscate and authenticate a network pdu",
	ArgsUsage: "<pdu hex>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "netkey", Usage: "network key, hex"},
		cli.Uint64Flag{Name: "iv", Usage: "iv index the pdu was sent with"},
	},
	Action: func(c *cli.Context) error {
		nk, err := keyFlag(c, "netkey")
		if err != nil {
			return err
		}
		k, err := keys.DeriveNetworkKeys(nk)
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(c.Args().First())
		if err != nil {
			return errors.Wrap(err, "pdu")
		}
		if len(raw) == 0 {
			return errors.New("empty pdu")
		}
		if network.NID(raw) != k.NID {
			return errors.Errorf("nid %02x does not match netkey nid %02x", network.NID(raw), k.NID)
		}

		p, err := network.Open(k, uint32(c.Uint64("iv")), raw)
		if err != nil {
			return err
		}
		fmt.Printf("ctl %t ttl %d seq %06x src %s dst %s\n", p.CTL, p.TTL, p.SEQ, p.SRC, p.DST)
		fmt.Printf("transport %x\n", p.Transport)
		if p.DST.IsVirtual() {
			fmt.Println("virtual destination: label needed to open the access payload")
		} else if p.DST == mesh.AllNodes {
			fmt.Println("all-nodes destination")
		}
		return nil
	},
}
