package main

import (
	"github.com/urfave/cli"
)

var (
	flgData       = cli.StringFlag{Name: "data, d", Usage: "Hex encoded bytes"}
	flgCount      = cli.IntFlag{Name: "count, c", Value: 1, Usage: "Number of steps in the data"}
	flgRole       = cli.StringFlag{Name: "role, r", Value: "initiator", Usage: "CS role of the reporting side (initiator / reflector)"}
	flgACI        = cli.UintFlag{Name: "aci", Usage: "Antenna configuration index (0-7)"}
	flgMap        = cli.StringFlag{Name: "map, m", Usage: "Configured channel map, 10 bytes hex (default all usable channels)"}
	flgClass      = cli.StringFlag{Name: "class", Usage: "Host channel classification, 10 bytes hex (default all usable channels)"}
	flgShuffle    = cli.BoolFlag{Name: "shuffle, s", Usage: "Shuffle the filtered channels with channel selection #3b"}
	flgKey        = cli.StringFlag{Name: "key, k", Usage: "Link session key, 16 bytes hex (default zero key)"}
	flgCentral    = cli.StringFlag{Name: "central", Usage: "Central security vector IV|IN|PV, 20 bytes hex (default zero)"}
	flgPeripheral = cli.StringFlag{Name: "peripheral", Usage: "Peripheral security vector IV|IN|PV, 20 bytes hex (default zero)"}
	flgInterval   = cli.UintFlag{Name: "interval, i", Value: 80, Usage: "Connection interval in 1.25 ms units"}
	flgOffsetMin  = cli.UintFlag{Name: "offset-min", Value: 500, Usage: "Minimum subevent offset in µs"}
	flgOffsetMax  = cli.UintFlag{Name: "offset-max", Value: 4000, Usage: "Maximum subevent offset in µs"}
	flgSubLen     = cli.UintFlag{Name: "subevent-len", Value: 5000, Usage: "Subevent length in µs"}
	flgSubIvl     = cli.UintFlag{Name: "subevent-interval", Usage: "Subevent interval in µs (0 for one subevent per event)"}
	flgProcLen    = cli.UintFlag{Name: "procedure-len", Value: 800, Usage: "Procedure length in 1.25 ms units"}
	flgEventIvl   = cli.UintFlag{Name: "event-interval", Value: 1, Usage: "Connection events between CS events"}
	flgPhy        = cli.UintFlag{Name: "phy", Value: 1, Usage: "CS_SYNC PHY (1: LE 1M, 2: LE 2M, 3: LE 2M 2BT)"}
	flgRTT        = cli.UintFlag{Name: "rtt", Usage: "RTT type (0: AA only, 1/2: sounding, 3-6: random)"}
)
