// Package vault implements the donation vault: a share ledger over one
// asset in which every deposit, whoever makes it, mints shares to a single
// donation address.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/id"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/token"
	"github.com/xraph/tithe/types"
)

// Config fixes the identity of a vault. Asset never changes after
// creation; DonationAddress is only the initial beneficiary.
type Config struct {
	Address         types.Address
	Asset           types.AssetID
	DonationAddress types.Address
	Governance      types.Address
	// DepositLimit caps the assets the vault may hold. Zero is unlimited.
	DepositLimit types.Amount
	Name         string
	Symbol       string
}

// Vault is a donation vault. It satisfies tithe.FeeSink.
type Vault struct {
	cfg     Config
	store   donation.Store
	tokens  token.Ledger
	plugins *plugin.Registry
	logger  *slog.Logger
	pending []plugin.Plugin

	mu sync.Mutex
}

var _ tithe.FeeSink = (*Vault)(nil)

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithRegistry emits vault events through r.
func WithRegistry(r *plugin.Registry) Option {
	return func(v *Vault) { v.plugins = r }
}

// WithPlugin registers a plugin on the vault's registry.
func WithPlugin(p plugin.Plugin) Option {
	return func(v *Vault) { v.pending = append(v.pending, p) }
}

// New creates a vault. A zero vault, donation or governance address fails
// with tithe.ErrInvalidAddress.
func New(s donation.Store, tokens token.Ledger, cfg Config, opts ...Option) (*Vault, error) {
	switch {
	case cfg.Address == types.ZeroAddress:
		return nil, fmt.Errorf("%w: zero vault address", tithe.ErrInvalidAddress)
	case cfg.DonationAddress == types.ZeroAddress:
		return nil, fmt.Errorf("%w: zero donation address", tithe.ErrInvalidAddress)
	case cfg.Governance == types.ZeroAddress:
		return nil, fmt.Errorf("%w: zero governance address", tithe.ErrInvalidAddress)
	}

	v := &Vault{
		cfg:     cfg,
		store:   s,
		tokens:  tokens,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	for _, p := range v.pending {
		if err := v.plugins.Register(p); err != nil {
			return nil, err
		}
	}
	v.pending = nil
	return v, nil
}

func (v *Vault) Address() types.Address { return v.cfg.Address }
func (v *Vault) Asset() types.AssetID   { return v.cfg.Asset }
func (v *Vault) Name() string           { return v.cfg.Name }
func (v *Vault) Symbol() string         { return v.cfg.Symbol }

// Deposit pulls assets from the context caller and mints shares to the
// donation address. depositorTag is recorded but never receives shares.
func (v *Vault) Deposit(ctx context.Context, assets types.Amount, depositorTag types.Address) (types.Amount, error) {
	caller := types.CallerFrom(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()

	if assets.IsZero() {
		return types.Amount{}, nil
	}

	st, err := v.state(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	held, err := v.totalAssets(ctx)
	if err != nil {
		return types.Amount{}, err
	}

	if limit := v.maxDeposit(held); assets.Gt(limit) {
		return types.Amount{}, fmt.Errorf("%w: %s > %s", tithe.ErrDepositLimitExceeded, assets, limit)
	}

	shares, err := convertToShares(assets, st.TotalShares, held)
	if err != nil {
		return types.Amount{}, err
	}
	// Shares round down, possibly to zero; the assets still count as donated.

	beneficiary := st.DonationAddress
	prevBalance, err := v.store.GetShareBalance(ctx, v.cfg.Address, beneficiary)
	if err != nil {
		return types.Amount{}, err
	}
	newBalance, o1 := prevBalance.Add(shares)
	totalShares, o2 := st.TotalShares.Add(shares)
	totalDonated, o3 := st.TotalDonated.Add(assets)
	if o1 || o2 || o3 {
		return types.Amount{}, fmt.Errorf("%w: vault accounting", tithe.ErrNumericOverflow)
	}

	if err := v.tokens.TransferFrom(ctx, v.cfg.Asset, v.cfg.Address, caller, v.cfg.Address, assets); err != nil {
		return types.Amount{}, fmt.Errorf("vault: pull assets: %w", err)
	}

	next := *st
	next.TotalShares = totalShares
	next.TotalDonated = totalDonated
	if err := v.commit(ctx, beneficiary, prevBalance, newBalance, &next); err != nil {
		if rerr := v.tokens.Transfer(ctx, v.cfg.Asset, v.cfg.Address, caller, assets); rerr != nil {
			v.logger.Error("refund after failed deposit", "caller", caller.Hex(), "assets", assets.String(), "error", rerr)
		}
		return types.Amount{}, err
	}

	rec := &donation.Record{
		ID:          id.NewDonationID(),
		Vault:       v.cfg.Address,
		Depositor:   caller,
		Tag:         depositorTag,
		Beneficiary: beneficiary,
		Assets:      assets,
		Shares:      shares,
		CreatedAt:   time.Now().UTC(),
	}
	if err := v.store.CreateDonation(ctx, rec); err != nil {
		v.logger.Warn("store donation record failed", "vault", v.cfg.Address.Hex(), "error", err)
	}

	v.plugins.EmitVaultDeposit(ctx, &plugin.Deposit{
		Vault:    v.cfg.Address,
		Caller:   caller,
		Receiver: beneficiary,
		Assets:   assets,
		Shares:   shares,
	})
	v.plugins.EmitDonation(ctx, rec)

	v.logger.Debug("donation deposited",
		"vault", v.cfg.Address.Hex(),
		"depositor", caller.Hex(),
		"beneficiary", beneficiary.Hex(),
		"assets", assets.String(),
		"shares", shares.String(),
	)
	return shares, nil
}

// Redeem burns the caller's shares for floor(shares * totalAssets /
// totalShares) assets sent to receiver.
func (v *Vault) Redeem(ctx context.Context, shares types.Amount, receiver types.Address) (types.Amount, error) {
	owner := types.CallerFrom(ctx)
	if receiver == types.ZeroAddress {
		return types.Amount{}, fmt.Errorf("%w: zero receiver", tithe.ErrInvalidAddress)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	st, err := v.state(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	balance, err := v.store.GetShareBalance(ctx, v.cfg.Address, owner)
	if err != nil {
		return types.Amount{}, err
	}
	left, underflow := balance.Sub(shares)
	if underflow {
		return types.Amount{}, fmt.Errorf("%w: %s holds %s, redeem %s", tithe.ErrInsufficientShares, owner.Hex(), balance, shares)
	}

	held, err := v.totalAssets(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	assets, err := convertToAssets(shares, st.TotalShares, held)
	if err != nil {
		return types.Amount{}, err
	}

	next := *st
	next.TotalShares, _ = st.TotalShares.Sub(shares)
	if err := v.commit(ctx, owner, balance, left, &next); err != nil {
		return types.Amount{}, err
	}
	if err := v.tokens.Transfer(ctx, v.cfg.Asset, v.cfg.Address, receiver, assets); err != nil {
		if rerr := v.commit(ctx, owner, left, balance, st); rerr != nil {
			v.logger.Error("restore shares after failed redeem", "owner", owner.Hex(), "error", rerr)
		}
		return types.Amount{}, fmt.Errorf("vault: send assets: %w", err)
	}

	v.logger.Debug("shares redeemed",
		"vault", v.cfg.Address.Hex(),
		"owner", owner.Hex(),
		"shares", shares.String(),
		"assets", assets.String(),
	)
	return assets, nil
}

// SetDonationAddress moves the beneficiary of future deposits. Shares
// already minted stay where they are.
func (v *Vault) SetDonationAddress(ctx context.Context, addr types.Address) error {
	if caller := types.CallerFrom(ctx); caller != v.cfg.Governance {
		return fmt.Errorf("%w: %s is not vault governance", tithe.ErrUnauthorized, caller.Hex())
	}
	if addr == types.ZeroAddress {
		return fmt.Errorf("%w: zero donation address", tithe.ErrInvalidAddress)
	}

	v.mu.Lock()
	st, err := v.state(ctx)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	old := st.DonationAddress
	st.DonationAddress = addr
	if err := v.store.SaveVaultState(ctx, st); err != nil {
		v.mu.Unlock()
		return err
	}
	v.mu.Unlock()

	v.plugins.EmitDonationAddressChanged(ctx, v.cfg.Address, old, addr)
	v.logger.Info("donation address changed",
		"vault", v.cfg.Address.Hex(),
		"old", old.Hex(),
		"new", addr.Hex(),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// TotalAssets is the vault's own balance of its asset.
func (v *Vault) TotalAssets(ctx context.Context) (types.Amount, error) {
	return v.totalAssets(ctx)
}

// BalanceOf returns the shares held by holder.
func (v *Vault) BalanceOf(ctx context.Context, holder types.Address) (types.Amount, error) {
	return v.store.GetShareBalance(ctx, v.cfg.Address, holder)
}

// TotalShares returns the shares outstanding.
func (v *Vault) TotalShares(ctx context.Context) (types.Amount, error) {
	st, err := v.state(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	return st.TotalShares, nil
}

// DonationAddress returns the current beneficiary.
func (v *Vault) DonationAddress(ctx context.Context) (types.Address, error) {
	st, err := v.state(ctx)
	if err != nil {
		return types.Address{}, err
	}
	return st.DonationAddress, nil
}

// ConvertToShares returns the shares a deposit of assets would mint now.
func (v *Vault) ConvertToShares(ctx context.Context, assets types.Amount) (types.Amount, error) {
	st, err := v.state(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	held, err := v.totalAssets(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	return convertToShares(assets, st.TotalShares, held)
}

// ConvertToAssets returns the assets shares would redeem for now.
func (v *Vault) ConvertToAssets(ctx context.Context, shares types.Amount) (types.Amount, error) {
	st, err := v.state(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	held, err := v.totalAssets(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	return convertToAssets(shares, st.TotalShares, held)
}

// MaxDeposit returns the largest deposit the limit still admits.
func (v *Vault) MaxDeposit(ctx context.Context) (types.Amount, error) {
	held, err := v.totalAssets(ctx)
	if err != nil {
		return types.Amount{}, err
	}
	return v.maxDeposit(held), nil
}

// Stats implements tithe.FeeSink.
func (v *Vault) Stats(ctx context.Context) (*tithe.VaultStats, error) {
	st, err := v.state(ctx)
	if err != nil {
		return nil, err
	}
	held, err := v.totalAssets(ctx)
	if err != nil {
		return nil, err
	}
	return &tithe.VaultStats{
		Vault:           v.cfg.Address,
		Asset:           v.cfg.Asset,
		DonationAddress: st.DonationAddress,
		TotalDonated:    st.TotalDonated,
		TotalShares:     st.TotalShares,
		TotalAssets:     held,
	}, nil
}

// ListDonations returns the vault's donation records.
func (v *Vault) ListDonations(ctx context.Context, opts donation.ListOpts) ([]*donation.Record, error) {
	return v.store.ListDonations(ctx, v.cfg.Address, opts)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// state loads the persisted vault state, or the initial state from Config.
func (v *Vault) state(ctx context.Context) (*donation.VaultState, error) {
	st, err := v.store.GetVaultState(ctx, v.cfg.Address)
	if errors.Is(err, tithe.ErrNotFound) {
		return &donation.VaultState{
			Vault:           v.cfg.Address,
			Asset:           v.cfg.Asset,
			DonationAddress: v.cfg.DonationAddress,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: load state: %w", err)
	}
	if st.Asset != v.cfg.Asset {
		return nil, fmt.Errorf("%w: persisted vault asset %s, configured %s", tithe.ErrCurrencyMismatch, st.Asset.Hex(), v.cfg.Asset.Hex())
	}
	return st, nil
}

// commit writes a holder balance and the vault state, undoing the balance
// if the state write fails.
func (v *Vault) commit(ctx context.Context, holder types.Address, prev, next types.Amount, st *donation.VaultState) error {
	if err := v.store.SetShareBalance(ctx, v.cfg.Address, holder, next); err != nil {
		return fmt.Errorf("vault: write shares: %w", err)
	}
	if err := v.store.SaveVaultState(ctx, st); err != nil {
		if rerr := v.store.SetShareBalance(ctx, v.cfg.Address, holder, prev); rerr != nil {
			v.logger.Error("restore share balance", "holder", holder.Hex(), "error", rerr)
		}
		return fmt.Errorf("vault: write state: %w", err)
	}
	return nil
}

func (v *Vault) totalAssets(ctx context.Context) (types.Amount, error) {
	return v.tokens.BalanceOf(ctx, v.cfg.Asset, v.cfg.Address)
}

func (v *Vault) maxDeposit(held types.Amount) types.Amount {
	if v.cfg.DepositLimit.IsZero() {
		return types.MaxAmount()
	}
	return v.cfg.DepositLimit.SaturatingSub(held)
}

// convertToShares mints 1:1 while the vault is empty, else pro rata,
// rounding down.
func convertToShares(assets, totalShares, totalAssets types.Amount) (types.Amount, error) {
	if totalShares.IsZero() || totalAssets.IsZero() {
		return assets, nil
	}
	shares, overflow := assets.MulDiv(totalShares, totalAssets)
	if overflow {
		return types.Amount{}, fmt.Errorf("%w: shares for %s assets", tithe.ErrNumericOverflow, assets)
	}
	return shares, nil
}

func convertToAssets(shares, totalShares, totalAssets types.Amount) (types.Amount, error) {
	if totalShares.IsZero() {
		return shares, nil
	}
	assets, overflow := shares.MulDiv(totalAssets, totalShares)
	if overflow {
		return types.Amount{}, fmt.Errorf("%w: assets for %s shares", tithe.ErrNumericOverflow, shares)
	}
	return assets, nil
}
