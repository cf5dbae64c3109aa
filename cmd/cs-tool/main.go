package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

var version = "dev"

// identityMux maps antenna index n to mux position n.
const identityMux = 0xE4

// out is where command results go; tests swap it.
var out io.Writer = os.Stdout

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()

	app.Name = "cs-tool"
	app.Usage = "Inspect Channel Sounding PDUs, step results, channel maps and timing"
	app.Version = version
	app.Action = cli.ShowAppHelp

	app.Commands = []cli.Command{
		{
			Name:      "decode",
			Aliases:   []string{"d"},
			Usage:     "Decode an LL CS control PDU (opcode first)",
			ArgsUsage: "<hex>",
			Action:    cmdDecode,
		},
		{
			Name:    "steps",
			Aliases: []string{"s"},
			Usage:   "Decode RCL step results",
			Action:  cmdSteps,
			Flags:   []cli.Flag{flgData, flgCount, flgRole, flgACI},
		},
		{
			Name:    "chmap",
			Aliases: []string{"c"},
			Usage:   "Filter a channel map against a classification",
			Action:  cmdChmap,
			Flags:   []cli.Flag{flgMap, flgClass, flgShuffle, flgKey, flgCentral, flgPeripheral},
		},
		{
			Name:    "timing",
			Aliases: []string{"t"},
			Usage:   "Derive procedure timing from connection parameters",
			Action:  cmdTiming,
			Flags:   []cli.Flag{flgInterval, flgOffsetMin, flgOffsetMax, flgSubLen, flgSubIvl, flgProcLen, flgEventIvl, flgPhy, flgRTT},
		},
		{
			Name:    "aci",
			Aliases: []string{"a"},
			Usage:   "Show antenna paths and switching of an antenna configuration index",
			Action:  cmdACI,
			Flags:   []cli.Flag{flgACI},
		},
	}
	return app
}

func cmdDecode(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("decode takes exactly one hex argument")
	}
	data, err := parseHex(c.Args().First(), 0)
	if err != nil {
		return err
	}
	pdu, err := protocol.DecodePDU(data)
	if err != nil {
		return errors.Wrap(err, "can't decode PDU")
	}
	fmt.Fprintf(out, "%T %+v\n", pdu, pdu)
	return nil
}

func cmdSteps(c *cli.Context) error {
	data, err := parseHex(c.String("data"), 0)
	if err != nil {
		return err
	}
	role, err := parseRole(c.String("role"))
	if err != nil {
		return err
	}
	aci, err := parseACI(c.Uint("aci"))
	if err != nil {
		return err
	}
	nap := antenna.NumPaths(aci)

	steps, err := protocol.ParseSteps(data, c.Int("count"), role, nap)
	if err != nil {
		return errors.Wrap(err, "can't parse steps")
	}
	for i, s := range steps {
		v, err := decodeStep(s, role, nap)
		if err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
		fmt.Fprintf(out, "step %d mode %d channel %d: %+v\n", i, s.Mode, s.Channel, v)
	}
	return nil
}

func cmdChmap(c *cli.Context) error {
	cfg, err := parseMap(c.String("map"))
	if err != nil {
		return errors.Wrap(err, "map")
	}
	class, err := parseMap(c.String("class"))
	if err != nil {
		return errors.Wrap(err, "class")
	}
	filtered, err := chanmap.FilterChannelMap(cfg, class)
	if err != nil {
		return errors.Wrap(err, "can't filter channel map")
	}
	channels := filtered.Channels()
	fmt.Fprintf(out, "map %s\n", filtered)
	fmt.Fprintf(out, "channels (%d): %v\n", filtered.Count(), channels)

	if !c.Bool("shuffle") {
		return nil
	}
	shuffled, err := shuffle(channels, c.String("key"), c.String("central"), c.String("peripheral"))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "shuffled: %v\n", shuffled)
	return nil
}

// shuffle runs CSA #3b over channels with a DRBG keyed like a live link.
func shuffle(channels []uint8, keyHex, centralHex, peripheralHex string) ([]uint8, error) {
	key, err := parseKey(keyHex)
	if err != nil {
		return nil, err
	}
	central, err := parseVector(centralHex)
	if err != nil {
		return nil, errors.Wrap(err, "central")
	}
	peripheral, err := parseVector(peripheralHex)
	if err != nil {
		return nil, errors.Wrap(err, "peripheral")
	}
	gen, err := drbg.NewAESCTR(key, drbg.Compose(central, peripheral))
	if err != nil {
		return nil, errors.Wrap(err, "can't create DRBG")
	}
	db, err := csdb.New(1, 0, logger.Discard())
	if err != nil {
		return nil, err
	}

	shuffled := append([]uint8(nil), channels...)
	src := db.RandomByteSource(gen, cs.TxNonMode0ChannelShuffle)
	if err := chanmap.Shuffle3b(shuffled, src); err != nil {
		return nil, errors.Wrap(err, "can't shuffle channels")
	}
	return shuffled, nil
}

func cmdTiming(c *cli.Context) error {
	interval := uint16(c.Uint("interval"))
	if interval == 0 {
		return errors.New("connection interval must not be zero")
	}
	subLen := uint32(c.Uint("subevent-len"))
	offMin := cs.CalcOffsetMin(uint32(c.Uint("offset-min")))
	offMax := cs.CalcOffsetMax(uint32(c.Uint("offset-max")), offMin, interval, subLen)
	perEvent := cs.SubeventsPerEvent(interval, uint32(c.Uint("subevent-interval")), offMin)
	events := cs.EventsPerProcedure(uint32(c.Uint("procedure-len")), uint16(c.Uint("event-interval")), interval)
	sync := cs.SyncDuration(uint8(c.Uint("phy")), uint8(c.Uint("rtt")))

	fmt.Fprintf(out, "connection interval: %d us\n", uint32(interval)*cs.ConnIntervalUnit)
	fmt.Fprintf(out, "offset: %d..%d us\n", offMin, offMax)
	fmt.Fprintf(out, "subevents per event: %d\n", perEvent)
	fmt.Fprintf(out, "events per procedure: %d\n", events)
	fmt.Fprintf(out, "CS_SYNC duration: %d us\n", sync)
	return nil
}

func cmdACI(c *cli.Context) error {
	aci, err := parseACI(c.Uint("aci"))
	if err != nil {
		return err
	}
	nap := antenna.NumPaths(aci)
	fmt.Fprintf(out, "antennas: initiator %d reflector %d\n", aci.InitiatorAntennas(), aci.ReflectorAntennas())
	fmt.Fprintf(out, "paths: %d, permutations: %d\n", nap, antenna.NumPermutations(nap))
	for p := uint8(0); p < nap; p++ {
		ini, ref := antenna.PathAntennas(aci, p)
		fmt.Fprintf(out, "path %d: initiator antenna %d, reflector antenna %d\n", p, ini, ref)
	}
	fmt.Fprintf(out, "initiator switching: %v\n", antenna.SwitchSequence(aci, cs.RoleInitiator, 0, identityMux))
	fmt.Fprintf(out, "reflector switching: %v\n", antenna.SwitchSequence(aci, cs.RoleReflector, 0, identityMux))
	return nil
}
