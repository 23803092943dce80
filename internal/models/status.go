package models

// DeliveryStatus is the coarse delivery state of a message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
}

// CanAdvance reports whether s may move to next. Status only moves forward
// and failed is terminal.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Advance returns m with status next when the transition is legal and the
// message is not frozen by a deletion.
func (m Message) Advance(next DeliveryStatus) (Message, bool) {
	if m.Frozen() || !m.Status.CanAdvance(next) {
		return m, false
	}
	m.Status = next
	return m, true
}
