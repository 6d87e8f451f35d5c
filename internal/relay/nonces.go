package relay

import (
	"sync"
	"time"

	"anchorid/internal/identity"
)

// nonceBook holds the next forwarder nonce per account while a relayed
// request is in flight. The on-chain counter only moves once the sponsor's
// transaction is mined.
type nonceBook struct {
	mu   sync.Mutex
	seq  uint64
	held map[identity.Address]reservation
}

type reservation struct {
	next  uint64
	until time.Time
	seq   uint64
}

func newNonceBook() *nonceBook {
	return &nonceBook{held: make(map[identity.Address]reservation)}
}

// claim reserves nonce for account when it is the next one expected. A
// reservation lapses at until, which is the request deadline: past it the
// forwarder refuses the call and the on-chain counter stays put. The returned
// release undoes the claim unless a later claim replaced it.
func (b *nonceBook) claim(account identity.Address, onChain, nonce uint64, until, now time.Time) (func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, hadPrev := b.held[account]
	if hadPrev && (now.After(prev.until) || prev.next <= onChain) {
		delete(b.held, account)
		hadPrev = false
	}

	expected := onChain
	if hadPrev {
		expected = prev.next
	}
	if nonce != expected {
		return nil, false
	}

	b.seq++
	mine := b.seq
	b.held[account] = reservation{next: nonce + 1, until: until, seq: mine}

	release := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur, ok := b.held[account]
		if !ok || cur.seq != mine {
			return
		}
		if hadPrev {
			b.held[account] = prev
			return
		}
		delete(b.held, account)
	}
	return release, true
}
