package models

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var minorUnits = regexp.MustCompile(`^[0-9]+$`)

var (
	ErrAmountNotNumeric    = errors.New("amount value must be a non-negative integer in minor units")
	ErrAmountCrossAsset    = errors.New("fee is undefined across different assets")
	ErrAmountScaleRequired = errors.New("asset scale is required for an asset other than the wallet's")
)

// Amount is a value in the minor units of an asset, e.g. {"100", "USD", 2} is 1.00 USD.
type Amount struct {
	Value      string `json:"value"`
	AssetCode  string `json:"assetCode"`
	AssetScale uint8  `json:"assetScale"`
}

func (a Amount) Decimal() (decimal.Decimal, error) {
	if !minorUnits.MatchString(a.Value) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrAmountNotNumeric, a.Value)
	}
	return decimal.NewFromString(a.Value)
}

func (a Amount) IsZero() bool {
	d, err := a.Decimal()
	return err != nil || d.IsZero()
}

func (a Amount) SameAsset(b Amount) bool {
	return a.AssetCode == b.AssetCode && a.AssetScale == b.AssetScale
}

// WithDefaults fills a missing asset code and scale from the wallet's native asset.
func (a Amount) WithDefaults(w WalletIdentity) Amount {
	if a.AssetCode == "" {
		a.AssetCode = w.AssetCode
		a.AssetScale = w.AssetScale
	}
	return a
}

// RequestedAmount is an amount as a client states it. Asset code and scale
// may each be omitted and are then taken from the receiving wallet.
type RequestedAmount struct {
	Value      string `json:"value"`
	AssetCode  string `json:"assetCode,omitempty"`
	AssetScale *uint8 `json:"assetScale,omitempty"`
}

func (r RequestedAmount) Decimal() (decimal.Decimal, error) {
	return Amount{Value: r.Value}.Decimal()
}

// Resolve fills the omitted parts from w. A foreign asset code needs an
// explicit scale, the wallet's scale says nothing about another asset.
func (r RequestedAmount) Resolve(w WalletIdentity) (Amount, error) {
	a := Amount{Value: r.Value, AssetCode: r.AssetCode, AssetScale: w.AssetScale}
	if a.AssetCode == "" {
		a.AssetCode = w.AssetCode
	}
	if r.AssetScale != nil {
		a.AssetScale = *r.AssetScale
	} else if a.AssetCode != w.AssetCode {
		return Amount{}, fmt.Errorf("%w: %s", ErrAmountScaleRequired, a.AssetCode)
	}
	return a, nil
}

// Fee returns send - receive. Both legs must share asset code and scale.
func Fee(send, receive Amount) (Amount, error) {
	if !send.SameAsset(receive) {
		return Amount{}, ErrAmountCrossAsset
	}
	s, err := send.Decimal()
	if err != nil {
		return Amount{}, err
	}
	r, err := receive.Decimal()
	if err != nil {
		return Amount{}, err
	}
	return Amount{
		Value:      s.Sub(r).String(),
		AssetCode:  send.AssetCode,
		AssetScale: send.AssetScale,
	}, nil
}

// String renders the amount in major units, 100 USD/2 -> "1.00 USD".
func (a Amount) String() string {
	d, err := a.Decimal()
	if err != nil {
		return a.Value + " " + a.AssetCode
	}
	return d.Shift(-int32(a.AssetScale)).StringFixed(int32(a.AssetScale)) + " " + a.AssetCode
}
