package csdb

import (
	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/logger"
)

// ModeChanInfo is the shuffled channel array of one step mode family.
type ModeChanInfo struct {
	Channels    []uint8
	Used        int   // cursor into Channels
	Repetitions uint8 // completed passes over Channels
}

// ChanInfo is the channel working state of one configuration.
type ChanInfo struct {
	Filtered []uint8
	Mode0    ModeChanInfo
	NonMode0 ModeChanInfo
}

// NumChannels returns the size of the filtered channel set.
func (ci *ChanInfo) NumChannels() int { return len(ci.Filtered) }

func (ci *ChanInfo) mode(mode0 bool) *ModeChanInfo {
	if mode0 {
		return &ci.Mode0
	}
	return &ci.NonMode0
}

func chanInfoCost(n int) int { return 3 * n * chanArraySize }

// InitChanIndexInfo (re)initializes the channel arrays of a configuration
// from the filtered channel list. Arrays of a different size are dropped
// and reallocated; same sized arrays are reused. Both mode arrays start as
// copies of filtered with their cursors reset. When the new arrays do not
// fit the heap budget the old ones are kept untouched.
func (db *DB) InitChanIndexInfo(connID uint16, configID uint8, filtered []uint8) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if err := checkConfigID(configID); err != nil {
		return err
	}
	n := len(filtered)
	ci := c.chanInfo[configID]
	if ci == nil || ci.NumChannels() != n {
		var freed int
		if ci != nil {
			freed = chanInfoCost(ci.NumChannels())
		}
		if !db.fits(chanInfoCost(n), freed) {
			db.log.Warn("no memory for channel arrays",
				logger.Uint16("conn", connID), logger.Int("channels", n))
			return cs.StatusInsufficientMemory
		}
		if ci != nil {
			db.freeChanInfo(c, configID)
		}
		if err := db.alloc(chanInfoCost(n)); err != nil {
			return err
		}
		ci = &ChanInfo{
			Filtered: make([]uint8, n),
			Mode0:    ModeChanInfo{Channels: make([]uint8, n)},
			NonMode0: ModeChanInfo{Channels: make([]uint8, n)},
		}
		c.chanInfo[configID] = ci
	}
	copy(ci.Filtered, filtered)
	copy(ci.Mode0.Channels, filtered)
	copy(ci.NonMode0.Channels, filtered)
	ci.Mode0.Used, ci.Mode0.Repetitions = 0, 0
	ci.NonMode0.Used, ci.NonMode0.Repetitions = 0, 0
	return nil
}

// UpdateChanIndexArray replaces the traversal order of one mode array with
// order, which must be a permutation of the same size, and rewinds the
// cursor.
func (db *DB) UpdateChanIndexArray(connID uint16, configID uint8, mode0 bool, order []uint8) error {
	ci, err := db.chanInfoFor(connID, configID)
	if err != nil {
		return err
	}
	m := ci.mode(mode0)
	if len(order) != len(m.Channels) {
		return cs.StatusInvalidChanIdx
	}
	copy(m.Channels, order)
	m.Used = 0
	return nil
}

// ChannelArray returns a copy of the current order of one mode array.
func (db *DB) ChannelArray(connID uint16, configID uint8, mode0 bool) []uint8 {
	ci, err := db.chanInfoFor(connID, configID)
	if err != nil {
		return nil
	}
	return append([]uint8(nil), ci.mode(mode0).Channels...)
}

// ChanInfo returns the channel working state of a configuration.
func (db *DB) ChanInfo(connID uint16, configID uint8) (*ChanInfo, bool) {
	ci, err := db.chanInfoFor(connID, configID)
	return ci, err == nil
}

// GetChannelIndex returns the next channel of a mode array and advances its
// cursor. When the array is exhausted the cursor wraps, the repetition
// counter increments and wrapped is true so the caller can reshuffle.
func (db *DB) GetChannelIndex(connID uint16, configID uint8, mode0 bool) (ch uint8, wrapped bool, err error) {
	ci, err := db.chanInfoFor(connID, configID)
	if err != nil {
		return 0, false, err
	}
	m := ci.mode(mode0)
	if len(m.Channels) == 0 {
		return 0, false, cs.StatusInvalidChanIdx
	}
	ch = m.Channels[m.Used]
	m.Used++
	if m.Used >= len(m.Channels) {
		m.Used = 0
		m.Repetitions++
		wrapped = true
	}
	return ch, wrapped, nil
}

// FreeChannelIndexArray releases the channel arrays of a configuration.
func (db *DB) FreeChannelIndexArray(connID uint16, configID uint8) {
	c, err := db.liveConn(connID)
	if err != nil || checkConfigID(configID) != nil {
		return
	}
	db.freeChanInfo(c, configID)
}

func (db *DB) freeChanInfo(c *ConnCS, configID uint8) {
	ci := c.chanInfo[configID]
	if ci == nil {
		return
	}
	db.release(chanInfoCost(ci.NumChannels()))
	c.chanInfo[configID] = nil
}

func (db *DB) chanInfoFor(connID uint16, configID uint8) (*ChanInfo, error) {
	c, err := db.liveConn(connID)
	if err != nil {
		return nil, err
	}
	if err := checkConfigID(configID); err != nil {
		return nil, err
	}
	if c.chanInfo[configID] == nil {
		return nil, cs.StatusInvalidChanIdx
	}
	return c.chanInfo[configID], nil
}

// GetFactorialValue returns n! for antenna permutation math.
func (db *DB) GetFactorialValue(n uint8) uint8 { return antenna.Factorial(n) }
