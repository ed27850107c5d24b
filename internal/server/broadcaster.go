package server

// outbox is the reactor side the broadcaster needs: arming write readiness
// for a connection whose queue just became non-empty, and failing a
// connection when that is impossible.
type outbox interface {
	watchWrites(c *Connection) error
	closeConn(c *Connection, reason error)
}

// Broadcaster fans a message out to every live connection except its source.
type Broadcaster struct {
	registry *Registry
	out      outbox
}

func newBroadcaster(registry *Registry, out outbox) *Broadcaster {
	return &Broadcaster{registry: registry, out: out}
}

// Broadcast queues "<source>: <message>\n" for every other connection that is
// not closing and returns the number of recipients. Frames are immutable once
// built, so every queue can hold the same slice.
func (b *Broadcaster) Broadcast(source ConnID, message string) int {
	frame := FormatFrame(source, message)
	recipients := 0

	b.registry.Each(func(c *Connection) bool {
		if c.id == source || c.closing() {
			return true
		}
		if c.enqueue(frame) {
			if err := b.out.watchWrites(c); err != nil {
				b.out.closeConn(c, err)
				return true
			}
		}
		recipients++
		return true
	})

	return recipients
}
