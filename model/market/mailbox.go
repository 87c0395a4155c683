package market

// Mailbox holds at most one pending snapshot. A Put replaces whatever is
// still unread, so a slow reader only ever sees the newest snapshot.
type Mailbox struct {
	ch chan Snapshot
}

func NewMailbox() *Mailbox {
	return &Mailbox{ch: make(chan Snapshot, 1)}
}

// Put never blocks.
func (m *Mailbox) Put(s Snapshot) {
	for {
		select {
		case m.ch <- s:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

// C delivers pending snapshots.
func (m *Mailbox) C() <-chan Snapshot { return m.ch }
