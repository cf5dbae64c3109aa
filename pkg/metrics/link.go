package metrics

import (
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// Sender counts the control PDUs passing through a scheduler.ControlSender
type Sender struct {
	next      scheduler.ControlSender
	collector *Collector
}

// InstrumentSender wraps next
func InstrumentSender(next scheduler.ControlSender, c *Collector) *Sender {
	return &Sender{next: next, collector: c}
}

// SendControl implements scheduler.ControlSender
func (s *Sender) SendControl(connID uint16, pdu []byte) error {
	if err := s.next.SendControl(connID, pdu); err != nil {
		s.collector.PDUFailed()
		return err
	}
	if len(pdu) > 0 {
		s.collector.PDUSent(pdu[0])
	}
	return nil
}

// InstrumentReceiver counts PDUs before handing them to next
func InstrumentReceiver(next func(connID uint16, pdu []byte), c *Collector) func(connID uint16, pdu []byte) {
	return func(connID uint16, pdu []byte) {
		if len(pdu) > 0 {
			c.PDUReceived(pdu[0])
		}
		next(connID, pdu)
	}
}
