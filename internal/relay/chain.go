package relay

import (
	"context"
	"fmt"
	"net"

	"socksguard/internal/model"
	"socksguard/internal/upstream"
)

// ChainDialer connects through an ordered list of upstream hops,
// establishing each nested tunnel before asking the next hop to
// CONNECT to the one after it, and finally the client's real target.
type ChainDialer struct {
	Hops []model.UpstreamProxy
}

// Dial walks the chain hop by hop and returns the fully tunneled
// connection to target, or the first hop's error.
func (c ChainDialer) Dial(ctx context.Context, target string) (net.Conn, error) {
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("relay: empty upstream chain")
	}
	first := c.Hops[0]
	nextTarget := target
	if len(c.Hops) > 1 {
		nextTarget = c.Hops[1].Address
	}
	conn, err := upstream.ChooseDialer(first.Protocol).Dial(ctx, first, nextTarget)
	if err != nil {
		return nil, fmt.Errorf("chain hop 0 (%s): %w", first.Address, err)
	}
	for i := 1; i < len(c.Hops); i++ {
		hop := c.Hops[i]
		nextTarget = target
		if i+1 < len(c.Hops) {
			nextTarget = c.Hops[i+1].Address
		}
		tunneled, err := upstream.DialOver(ctx, conn, hop, nextTarget)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("chain hop %d (%s): %w", i, hop.Address, err)
		}
		conn = tunneled
	}
	log.Debugf("relay: chain of %d hop(s) established, target=%s", len(c.Hops), target)
	return conn, nil
}
