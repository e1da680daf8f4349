package resilience

import (
	"context"
	"fmt"

	"github.com/centrum-dating/centrum/pkg/provider/convai"
)

// ConvaiDialer opens upstream conversation connections.
type ConvaiDialer interface {
	Dial(ctx context.Context, agentID string) (*convai.Conn, error)
}

// Dialer wraps a [ConvaiDialer] with a [Breaker]. While the breaker is open,
// Dial fails fast with an error wrapping [ErrOpen].
type Dialer struct {
	inner   ConvaiDialer
	breaker *Breaker
}

// NewDialer returns a breaker-guarded dialer. cfg.Name defaults to "convai".
func NewDialer(inner ConvaiDialer, cfg BreakerConfig) *Dialer {
	if cfg.Name == "" {
		cfg.Name = "convai"
	}
	return &Dialer{inner: inner, breaker: NewBreaker(cfg)}
}

// Dial implements the relay's dialer contract.
func (d *Dialer) Dial(ctx context.Context, agentID string) (*convai.Conn, error) {
	var conn *convai.Conn
	err := d.breaker.Do(ctx, func(ctx context.Context) error {
		c, err := d.inner.Dial(ctx, agentID)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: dial %s: %w", d.breaker.cfg.Name, err)
	}
	return conn, nil
}

// Breaker returns the underlying breaker.
func (d *Dialer) Breaker() *Breaker { return d.breaker }
