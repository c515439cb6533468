package escrow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lightninglabs/lndclient"

	"github.com/mostrond/mostrond/pkg/logging"
)

// LndDriver is a Driver backed by a running lnd node, connected
// through lndclient the same way this codebase's rpcserver connects to
// lnd for channel and account operations.
type LndDriver struct {
	services *lndclient.LndServices
	closed   bool

	mu        sync.Mutex
	preimages map[string][32]byte
}

// LndConfig addresses an lnd node's gRPC interface.
type LndConfig struct {
	Host         string
	Network      string
	TLSCertPath  string
	MacaroonPath string
}

// NewLndDriver dials lnd and returns a ready Driver.
func NewLndDriver(ctx context.Context, cfg LndConfig) (*LndDriver, error) {
	services, err := lndclient.NewLndServices(&lndclient.LndServicesConfig{
		LndAddress:         cfg.Host,
		Network:            lndclient.Network(cfg.Network),
		TLSPath:            cfg.TLSCertPath,
		MacaroonDir:        cfg.MacaroonPath,
		CustomMacaroonPath: cfg.MacaroonPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lnd: %w", err)
	}

	logging.Info("connected to lnd", "host", cfg.Host, "network", cfg.Network)
	return &LndDriver{
		services:  &services.LndServices,
		preimages: make(map[string][32]byte),
	}, nil
}

// AddHoldInvoice implements Driver.
func (d *LndDriver) AddHoldInvoice(ctx context.Context, amountSats int64, description string, expirySeconds int64) (string, string, error) {
	if d.closed {
		return "", "", ErrDriverClosed
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", "", fmt.Errorf("failed to generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage[:])

	bolt11, err := d.services.Invoices.AddHoldInvoice(ctx, &lndclient.AddHoldInvoiceRequest{
		Value:   lndclient.Satoshis(amountSats),
		Hash:    hash,
		Memo:    description,
		Expiry:  time.Duration(expirySeconds) * time.Second,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to add hold invoice: %w", err)
	}

	hashHex := hex.EncodeToString(hash[:])
	d.mu.Lock()
	d.preimages[hashHex] = preimage
	d.mu.Unlock()

	return bolt11, hashHex, nil
}

// Subscribe implements Driver.
func (d *LndDriver) Subscribe(ctx context.Context, hash string) (<-chan InvoiceEvent, error) {
	if d.closed {
		return nil, ErrDriverClosed
	}

	hashBytes, err := hex.DecodeString(hash)
	if err != nil || len(hashBytes) != 32 {
		return nil, fmt.Errorf("invalid invoice hash: %s", hash)
	}
	var h [32]byte
	copy(h[:], hashBytes)

	updates, errs, err := d.services.Invoices.SubscribeSingleInvoice(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to invoice %s: %w", hash, err)
	}

	out := make(chan InvoiceEvent, 4)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil {
					logging.Error("invoice subscription error", "hash", hash, "err", err)
				}
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				switch update.State {
				case lndclient.InvoiceStateAccepted:
					out <- Accepted
				case lndclient.InvoiceStateSettled:
					out <- Settled
					return
				case lndclient.InvoiceStateCanceled:
					out <- Cancelled
					return
				}
			}
		}
	}()
	return out, nil
}

// Settle implements Driver.
func (d *LndDriver) Settle(ctx context.Context, hash string) (string, error) {
	if d.closed {
		return "", ErrDriverClosed
	}

	d.mu.Lock()
	p, ok := d.preimages[hash]
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown invoice hash: %s", hash)
	}

	if err := d.services.Invoices.SettleInvoice(ctx, p); err != nil {
		return "", fmt.Errorf("failed to settle invoice %s: %w", hash, err)
	}
	return hex.EncodeToString(p[:]), nil
}

// Cancel implements Driver.
func (d *LndDriver) Cancel(ctx context.Context, hash string) error {
	if d.closed {
		return ErrDriverClosed
	}

	hashBytes, err := hex.DecodeString(hash)
	if err != nil || len(hashBytes) != 32 {
		return fmt.Errorf("invalid invoice hash: %s", hash)
	}
	var h [32]byte
	copy(h[:], hashBytes)

	if err := d.services.Invoices.CancelInvoice(ctx, h); err != nil {
		return fmt.Errorf("failed to cancel invoice %s: %w", hash, err)
	}
	return nil
}

// Pay implements Driver.
func (d *LndDriver) Pay(ctx context.Context, bolt11 string) (PaymentResult, error) {
	if d.closed {
		return Failed, ErrDriverClosed
	}

	payments, err := d.services.Router.SendPayment(ctx, lndclient.SendPaymentRequest{
		Invoice:        bolt11,
		Timeout:        60 * time.Second,
		MaxFeeMsat:     lndclient.MaxFeeMsat(10_000),
	})
	if err != nil {
		return Failed, fmt.Errorf("failed to pay invoice: %w", err)
	}

	for status := range payments {
		if status.Err != nil {
			return Failed, status.Err
		}
		switch status.State {
		case lndclient.PaymentSucceeded:
			return Succeeded, nil
		case lndclient.PaymentFailed:
			return Failed, nil
		}
	}
	return Failed, fmt.Errorf("payment stream closed without a terminal state")
}

// Close implements Driver.
func (d *LndDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.services.Close()
	return nil
}
