package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	blecrypto "github.com/chaz8081/goblufi/internal/ble/crypto"
	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// negState tracks progress through a negotiation attempt for logging.
type negState int

const (
	negIdle negState = iota
	negSentTotalLength
	negSentPGK
	negAwaitingPeerKey
	negDeriveSecret
	negSetMode
	negDone
)

var negStateNames = [...]string{"idle", "sent_total_length", "sent_pgk", "awaiting_peer_key", "derive_secret", "set_mode", "negotiated"}

func (s negState) String() string { return negStateNames[s] }

// negotiate performs the DH exchange. Each failing step maps to its own code;
// on failure the channel mode is left as it was.
func (c *Client) negotiate(ctx context.Context) error {
	state := negIdle
	step := func(next negState) {
		slog.Debug("[BLE] negotiation", "from", state.String(), "to", next.String())
		state = next
	}

	sess, err := blecrypto.NewSession()
	if err != nil {
		return wrapCode(CodeNegSecurity, err)
	}
	pgk, err := protocol.BuildPGK(sess.PBytes(), sess.GBytes(), sess.PublicBytes())
	if err != nil {
		return wrapCode(CodeNegSecurity, err)
	}

	// A key left over from an earlier aborted attempt is stale.
	select {
	case <-c.keyCh:
	default:
	}

	total := []byte{protocol.NegSetSecTotalLength, byte(len(pgk) >> 8), byte(len(pgk))}
	if err := c.post(ctx, protocol.ClassData, protocol.DataNegotiation, total); err != nil {
		return wrapCode(CodeNegPostFailed, err)
	}
	step(negSentTotalLength)

	all := append([]byte{protocol.NegSetSecAllData}, pgk...)
	if err := c.post(ctx, protocol.ClassData, protocol.DataNegotiation, all); err != nil {
		return wrapCode(CodeNegPostFailed, err)
	}
	step(negSentPGK)

	step(negAwaitingPeerKey)
	peerData, err := c.awaitPeerKey(ctx)
	if err != nil {
		return wrapCode(CodeNegDevKey, err)
	}
	peer := blecrypto.ParsePeerKey(peerData)
	if peer.BitLen() == 0 {
		return wrapCode(CodeNegDevKey, errors.New("device public key is zero"))
	}

	step(negDeriveSecret)
	secret, err := sess.SharedSecret(peer)
	if err != nil {
		return wrapCode(CodeNegSecurity, err)
	}
	aes, err := blecrypto.NewAESCipher(blecrypto.DeriveKey(secret))
	if err != nil {
		return wrapCode(CodeNegSecurity, err)
	}

	// The device may encrypt its replies as soon as it has the key, so the
	// receive side needs it before the mode switch is acknowledged.
	prev := c.cipher.Swap(aes)

	step(negSetMode)
	mode := protocol.SecurityMode(false, false, true, true)
	if err := c.post(ctx, protocol.ClassCtrl, protocol.CtrlSetSecurityMode, []byte{mode}); err != nil {
		c.cipher.Store(prev)
		return wrapCode(CodeNegSetSecurity, err)
	}

	c.encrypted = true
	c.checksummed = true
	step(negDone)
	slog.Info("[BLE] security negotiated")
	return nil
}

func (c *Client) awaitPeerKey(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(c.opts.KeyTimeout)
	defer timer.Stop()
	select {
	case data := <-c.keyCh:
		return data, nil
	case <-timer.C:
		return nil, fmt.Errorf("no device public key after %s", c.opts.KeyTimeout)
	case <-ctx.Done():
		return nil, errors.Join(ErrClosed, ctx.Err())
	}
}
